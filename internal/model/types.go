package model

import (
	"encoding/json"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// State is the engine-defined payload carried by a walker. The core never
// interprets it beyond copying; runners, distances and boundary conditions do.
type State struct {
	Positions  [][3]float64       `json:"positions"`
	Velocities [][3]float64       `json:"velocities,omitempty"`
	Time       float64            `json:"time"`
	Aux        map[string]float64 `json:"aux,omitempty"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := State{Time: s.Time}
	if s.Positions != nil {
		out.Positions = append([][3]float64(nil), s.Positions...)
	}
	if s.Velocities != nil {
		out.Velocities = append([][3]float64(nil), s.Velocities...)
	}
	if s.Aux != nil {
		out.Aux = make(map[string]float64, len(s.Aux))
		for k, v := range s.Aux {
			out.Aux[k] = v
		}
	}
	return out
}

type Walker struct {
	State  State   `json:"state"`
	Weight float64 `json:"weight"`
}

func (w Walker) Clone() Walker {
	return Walker{State: w.State.Clone(), Weight: w.Weight}
}

// Image is a metric-comparable projection of a walker state.
type Image []float64

type Decision string

const (
	DecisionClone Decision = "clone"
	DecisionMerge Decision = "merge"
)

// ResamplingRecord describes one clone or merge. Sources index the ensemble
// handed to the resampler, Targets index the ensemble it returned.
type ResamplingRecord struct {
	Decision Decision `json:"decision"`
	Sources  []int    `json:"sources"`
	Targets  []int    `json:"targets"`
	Survivor int      `json:"survivor"`
	Region   []int    `json:"region,omitempty"`
	Weight   float64  `json:"weight"`
}

type WarpRecord struct {
	WalkerIndex    int     `json:"walker_index"`
	ReferenceIndex int     `json:"reference_index"`
	Weight         float64 `json:"weight"`
	Progress       float64 `json:"progress"`
}

// CycleRecord is everything a reporter receives for one completed cycle.
type CycleRecord struct {
	VersionedRecord
	RunID        string             `json:"run_id"`
	Cycle        int                `json:"cycle"`
	SegmentLen   int                `json:"segment_length"`
	InputWalkers int                `json:"input_walkers"`
	Walkers      []Walker           `json:"walkers"`
	Resampling   []ResamplingRecord `json:"resampling"`
	Warps        []WarpRecord       `json:"warps"`
	Progress     []float64          `json:"progress,omitempty"`
	Regions      [][]int            `json:"regions,omitempty"`
	RegionCounts []int              `json:"region_counts,omitempty"`
}

// RegionState is the serializable form of one region tree node.
type RegionState struct {
	Image       Image         `json:"image"`
	Radius      float64       `json:"radius"`
	Level       int           `json:"level"`
	WalkerCount int           `json:"walker_count"`
	Effort      int           `json:"effort"`
	Children    []RegionState `json:"children,omitempty"`
}

type DistanceSpec struct {
	Kind    string `json:"kind"`
	Indices []int  `json:"indices,omitempty"`
}

type ResamplerState struct {
	Kind           string       `json:"kind"`
	PMin           float64      `json:"pmin"`
	PMax           float64      `json:"pmax"`
	MaxRegionSizes []float64    `json:"max_region_sizes,omitempty"`
	MaxNRegions    []int        `json:"max_n_regions,omitempty"`
	MinWalkers     int          `json:"min_walkers"`
	MaxWalkers     int          `json:"max_walkers"`
	Occupancy      string       `json:"occupancy,omitempty"`
	Distance       DistanceSpec `json:"distance"`
	Tree           *RegionState `json:"tree,omitempty"`
}

type BoundaryState struct {
	Kind         string  `json:"kind"`
	Cutoff       float64 `json:"cutoff,omitempty"`
	References   []State `json:"references,omitempty"`
	LigandIdxs   []int   `json:"ligand_idxs,omitempty"`
	ReceptorIdxs []int   `json:"receptor_idxs,omitempty"`
}

// Checkpoint is the full resumable snapshot of a run.
type Checkpoint struct {
	VersionedRecord
	RunID      string          `json:"run_id"`
	RunIndex   int             `json:"run_index"`
	ParentRun  string          `json:"parent_run,omitempty"`
	CycleIndex int             `json:"cycle_index"`
	Seed       int64           `json:"seed"`
	Walkers    []Walker        `json:"walkers"`
	Resampler  ResamplerState  `json:"resampler"`
	Boundary   BoundaryState   `json:"boundary"`
	Config     json.RawMessage `json:"config,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type RunRecord struct {
	VersionedRecord
	RunID      string    `json:"run_id"`
	RunIndex   int       `json:"run_index"`
	ParentRun  string    `json:"parent_run,omitempty"`
	StartCycle int       `json:"start_cycle"`
	Walkers    int       `json:"walkers"`
	CreatedAt  time.Time `json:"created_at"`
}
