// Package checkpoint persists run snapshots as versioned, checksummed JSON
// files written with temp-file-then-rename.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wexplore/internal/model"
)

const (
	FormatVersion          = 1
	SupportedSchemaVersion = 1
	LatestName             = "latest.json"
)

var (
	ErrVersionMismatch  = errors.New("checkpoint version mismatch")
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
	ErrNotFound         = errors.New("checkpoint not found")
	ErrExists           = errors.New("checkpoint already exists")
	ErrInvalid          = errors.New("invalid checkpoint")
)

type envelope struct {
	Version    int             `json:"version"`
	Checksum   string          `json:"checksum"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

// Encode serializes cp inside an envelope carrying the format version and the
// sha256 of the payload.
func Encode(cp model.Checkpoint) ([]byte, error) {
	if cp.SchemaVersion == 0 {
		cp.SchemaVersion = SupportedSchemaVersion
	}
	if cp.CodecVersion == 0 {
		cp.CodecVersion = FormatVersion
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	sum := sha256.Sum256(payload)
	return json.Marshal(envelope{
		Version:    FormatVersion,
		Checksum:   hex.EncodeToString(sum[:]),
		Checkpoint: payload,
	})
}

// Decode verifies and parses an encoded checkpoint. source names the origin
// (usually a path) in error messages.
func Decode(data []byte, source string) (model.Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: %s: %v", ErrInvalid, source, err)
	}
	if env.Version != FormatVersion {
		return model.Checkpoint{}, fmt.Errorf("%w: %s has version %d, supported %d", ErrVersionMismatch, source, env.Version, FormatVersion)
	}
	sum := sha256.Sum256(env.Checkpoint)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return model.Checkpoint{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, source)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(env.Checkpoint, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: %s: %v", ErrInvalid, source, err)
	}
	if cp.SchemaVersion > SupportedSchemaVersion {
		return model.Checkpoint{}, fmt.Errorf("%w: %s has schema %d, supported %d", ErrVersionMismatch, source, cp.SchemaVersion, SupportedSchemaVersion)
	}
	applyDefaults(&cp)
	if len(cp.Walkers) == 0 {
		return model.Checkpoint{}, fmt.Errorf("%w: %s has no walkers", ErrInvalid, source)
	}
	return cp, nil
}

// applyDefaults fills fields that older writers did not emit.
func applyDefaults(cp *model.Checkpoint) {
	if cp.SchemaVersion == 0 {
		cp.SchemaVersion = SupportedSchemaVersion
	}
	if cp.CodecVersion == 0 {
		cp.CodecVersion = FormatVersion
	}
	if cp.Resampler.Kind == "" {
		cp.Resampler.Kind = "wexplore"
	}
	if cp.Resampler.Distance.Kind == "" {
		cp.Resampler.Distance.Kind = "pair"
	}
	if cp.Boundary.Kind == "" {
		cp.Boundary.Kind = "none"
	}
}

// FileName returns the file a checkpoint for cycle is stored under. The
// construction checkpoint (cycle -1) is initial.json.
func FileName(cycle int) string {
	if cycle < 0 {
		return "initial.json"
	}
	return fmt.Sprintf("cycle-%06d.json", cycle)
}

// FileStore keeps checkpoints under <dir>/<run_id>/.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) RunDir(runID string) string { return filepath.Join(s.dir, runID) }

// Save writes cp and points latest.json at it. Existing cycle files are never
// overwritten.
func (s *FileStore) Save(ctx context.Context, cp model.Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if cp.RunID == "" || strings.ContainsAny(cp.RunID, `/\`) || cp.RunID == "." || cp.RunID == ".." {
		return "", fmt.Errorf("%w: bad run id %q", ErrInvalid, cp.RunID)
	}
	data, err := Encode(cp)
	if err != nil {
		return "", err
	}
	runDir := s.RunDir(cp.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(runDir, FileName(cp.CycleIndex))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	if err := WriteFileAtomic(filepath.Join(runDir, LatestName), data); err != nil {
		return "", err
	}
	return path, nil
}

// Latest loads the most recent checkpoint of a run.
func (s *FileStore) Latest(ctx context.Context, runID string) (model.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return model.Checkpoint{}, err
	}
	return Load(filepath.Join(s.RunDir(runID), LatestName))
}

// List returns the cycle checkpoint paths of a run in cycle order.
func (s *FileStore) List(runID string) ([]string, error) {
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == LatestName || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name != FileName(-1) && !strings.HasPrefix(name, "cycle-") {
			continue
		}
		paths = append(paths, filepath.Join(s.RunDir(runID), name))
	}
	// initial.json sorts after cycle-*, move it to the front
	sort.Slice(paths, func(i, j int) bool {
		ni, nj := filepath.Base(paths[i]), filepath.Base(paths[j])
		if (ni == FileName(-1)) != (nj == FileName(-1)) {
			return ni == FileName(-1)
		}
		return ni < nj
	})
	return paths, nil
}

// Runs lists run directories under the store.
func (s *FileStore) Runs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Load reads and verifies a checkpoint file.
func Load(path string) (model.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return model.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	return Decode(data, path)
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path. A failed write leaves path untouched.
func WriteFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
