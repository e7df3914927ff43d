package model

import "math/rand"

// DeriveSeed mixes a base seed with a sequence of integers (cycle index,
// walker index, ...) so every random stream of a run is reproducible without
// persisting generator state.
func DeriveSeed(seed int64, parts ...int) int64 {
	x := uint64(seed)
	for _, p := range parts {
		x = splitmix64(x ^ splitmix64(uint64(int64(p))+0x632be59bd9b4e019))
	}
	return int64(splitmix64(x) >> 1)
}

// NewRand returns a generator seeded with DeriveSeed(seed, parts...).
func NewRand(seed int64, parts ...int) *rand.Rand {
	return rand.New(rand.NewSource(DeriveSeed(seed, parts...)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
