package storage

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// CurrentSchemaVersion is stamped on every run record written
const CurrentSchemaVersion = 1

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r Run) ([]byte, error) {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = CurrentSchemaVersion
	}
	return json.Marshal(r)
}

func DecodeRun(data []byte) (Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, errors.Wrap(err, "decode run")
	}
	if run.SchemaVersion != CurrentSchemaVersion {
		return Run{}, errors.Wrapf(ErrVersionMismatch, "run %s has schema %d", run.ID, run.SchemaVersion)
	}
	return run, nil
}
