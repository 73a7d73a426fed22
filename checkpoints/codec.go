package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrUnknownFormat is returned when checkpoint bytes match no known codec
var ErrUnknownFormat = errors.New("unknown checkpoint format")

// Encode serializes a record. It does not touch the filesystem.
func Encode(rec *Record, format Format) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("nil checkpoint record")
	}
	rec.stampMetadata()

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode checkpoint")
		}
		return data, nil
	case FormatProto:
		return encodeProto(rec)
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "format %s", format)
	}
}

// EncodeBare serializes a parameter set with no surrounding record
func EncodeBare(weights []WeightTensor, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(weights, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode parameter set")
		}
		return data, nil
	case FormatProto:
		return encodeProto(&Record{Model: weights, Bare: true})
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "format %s", format)
	}
}

// Decode parses checkpoint bytes, detecting the format. A top-level JSON
// array, or a proto record flagged bare, decodes as a bare parameter set.
func Decode(data []byte) (*Record, error) {
	format, ok := Sniff(data)
	if !ok {
		return nil, ErrUnknownFormat
	}

	switch format {
	case FormatProto:
		return decodeProto(data)
	default:
		trimmed := bytes.TrimLeft(data, " \t\r\n")
		if trimmed[0] == '[' {
			var weights []WeightTensor
			if err := json.Unmarshal(trimmed, &weights); err != nil {
				return nil, errors.Wrap(err, "failed to decode parameter set")
			}
			return &Record{Model: weights, Bare: true}, nil
		}
		var rec Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &rec, nil
	}
}

// Sniff reports the format of checkpoint bytes
func Sniff(data []byte) (Format, bool) {
	if bytes.HasPrefix(data, protoMagic) {
		return FormatProto, true
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON, true
	}
	return FormatProto, false
}

// CheckpointSaver handles writing and reading checkpoint files
type CheckpointSaver struct {
	format Format
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format Format) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format used for writing
func (cs *CheckpointSaver) Format() Format {
	return cs.format
}

// SaveCheckpoint writes a record to path. The file is written to a temporary
// sibling first and renamed, so a crash never leaves a truncated checkpoint
// under the final name.
func (cs *CheckpointSaver) SaveCheckpoint(rec *Record, path string) error {
	data, err := Encode(rec, cs.format)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a record from path in any supported format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return rec, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}
