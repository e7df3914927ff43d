package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"wexplore/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// EncodeRun stamps unversioned records with the current version.
func EncodeRun(r model.RunRecord) ([]byte, error) {
	if r.VersionedRecord == (model.VersionedRecord{}) {
		r.VersionedRecord = currentVersion()
	}
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeCycle(c model.CycleRecord) ([]byte, error) {
	if c.VersionedRecord == (model.VersionedRecord{}) {
		c.VersionedRecord = currentVersion()
	}
	return json.Marshal(c)
}

func DecodeCycle(data []byte) (model.CycleRecord, error) {
	var record model.CycleRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.CycleRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.CycleRecord{}, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
