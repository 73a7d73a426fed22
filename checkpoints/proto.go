package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// protoMagic prefixes every binary checkpoint so Decode can tell it apart
// from JSON
var protoMagic = []byte("NTCK")

// Field numbers of the binary record layout.
//
//	Record:         1 epoch, 2 global_step, 3 state, 4 model (repeated),
//	                5 optimizer, 6 scheduler, 7 scaler, 8 ema, 9 aux,
//	                10 metadata, 11 bare
//	TrainerState:   1 epoch, 2 global_step, 3 loss, 4 valid_loss,
//	                5 results (packed doubles), 6 checkpoints (repeated),
//	                7 best_result
//	Tensor:         1 name, 2 shape (packed varint), 3 data (packed fixed32),
//	                4 state_type
//	ComponentState: 1 type, 2 parameters (google.protobuf.Struct), 3 state_data
//	AuxCounters:    1 mean_count, 2 mean_density
//	Metadata:       1 version, 2 framework, 3 created_at (unix nanos),
//	                4 description, 5 tags (repeated)
const (
	recEpoch protowire.Number = iota + 1
	recGlobalStep
	recState
	recModel
	recOptimizer
	recScheduler
	recScaler
	recEMA
	recAux
	recMetadata
	recBare
)

func encodeProto(rec *Record) ([]byte, error) {
	b := append([]byte(nil), protoMagic...)
	b = appendVarintField(b, recEpoch, uint64(rec.Epoch))
	b = appendVarintField(b, recGlobalStep, uint64(rec.GlobalStep))
	b = protowire.AppendTag(b, recState, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeTrainerState(&rec.State))

	for i := range rec.Model {
		w := &rec.Model[i]
		b = protowire.AppendTag(b, recModel, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(w.Name, w.Shape, w.Data, ""))
	}

	components := []struct {
		num   protowire.Number
		state *ComponentState
	}{
		{recOptimizer, rec.Optimizer},
		{recScheduler, rec.Scheduler},
		{recScaler, rec.Scaler},
		{recEMA, rec.EMA},
	}
	for _, c := range components {
		if c.state == nil {
			continue
		}
		payload, err := encodeComponent(c.state)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s state", c.state.Type)
		}
		b = protowire.AppendTag(b, c.num, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}

	if rec.Aux != nil {
		var aux []byte
		aux = appendDoubleField(aux, 1, rec.Aux.MeanCount)
		aux = appendDoubleField(aux, 2, rec.Aux.MeanDensity)
		b = protowire.AppendTag(b, recAux, protowire.BytesType)
		b = protowire.AppendBytes(b, aux)
	}

	b = protowire.AppendTag(b, recMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeMetadata(&rec.Metadata))

	if rec.Bare {
		b = appendVarintField(b, recBare, protowire.EncodeBool(true))
	}
	return b, nil
}

func decodeProto(data []byte) (*Record, error) {
	b := data[len(protoMagic):]
	rec := &Record{}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case recEpoch:
			rec.Epoch = int(v.varint)
		case recGlobalStep:
			rec.GlobalStep = int(v.varint)
		case recState:
			state, err := decodeTrainerState(v.bytes)
			if err != nil {
				return errors.Wrap(err, "trainer state")
			}
			rec.State = state
		case recModel:
			t, err := decodeTensor(v.bytes)
			if err != nil {
				return errors.Wrap(err, "model tensor")
			}
			rec.Model = append(rec.Model, WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data})
		case recOptimizer, recScheduler, recScaler, recEMA:
			c, err := decodeComponent(v.bytes)
			if err != nil {
				return errors.Wrapf(err, "component field %d", num)
			}
			switch num {
			case recOptimizer:
				rec.Optimizer = c
			case recScheduler:
				rec.Scheduler = c
			case recScaler:
				rec.Scaler = c
			default:
				rec.EMA = c
			}
		case recAux:
			aux := &AuxCounters{}
			err := walkFields(v.bytes, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
				switch num {
				case 1:
					aux.MeanCount = math.Float64frombits(v.varint)
				case 2:
					aux.MeanDensity = math.Float64frombits(v.varint)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "aux counters")
			}
			rec.Aux = aux
		case recMetadata:
			md, err := decodeMetadata(v.bytes)
			if err != nil {
				return errors.Wrap(err, "metadata")
			}
			rec.Metadata = md
		case recBare:
			rec.Bare = protowire.DecodeBool(v.varint)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return rec, nil
}

func encodeTrainerState(s *TrainerState) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(s.Epoch))
	b = appendVarintField(b, 2, uint64(s.GlobalStep))
	b = appendPackedDoubles(b, 3, s.LossHistory)
	b = appendPackedDoubles(b, 4, s.ValidLossHistory)
	b = appendPackedDoubles(b, 5, s.ResultHistory)
	for _, p := range s.CheckpointPaths {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if s.BestResult != nil {
		b = appendDoubleField(b, 7, *s.BestResult)
	}
	return b
}

func decodeTrainerState(b []byte) (TrainerState, error) {
	var s TrainerState
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		var err error
		switch num {
		case 1:
			s.Epoch = int(v.varint)
		case 2:
			s.GlobalStep = int(v.varint)
		case 3:
			s.LossHistory, err = consumePackedDoubles(v.bytes)
		case 4:
			s.ValidLossHistory, err = consumePackedDoubles(v.bytes)
		case 5:
			s.ResultHistory, err = consumePackedDoubles(v.bytes)
		case 6:
			s.CheckpointPaths = append(s.CheckpointPaths, string(v.bytes))
		case 7:
			best := math.Float64frombits(v.varint)
			s.BestResult = &best
		}
		return err
	})
	return s, err
}

func encodeTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var dims []byte
	for _, d := range shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	values := make([]byte, 0, 4*len(data))
	for _, f := range data {
		values = protowire.AppendFixed32(values, math.Float32bits(f))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	if stateType != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, stateType)
	}
	return b
}

func decodeTensor(b []byte) (StateTensor, error) {
	var t StateTensor
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			t.Name = string(v.bytes)
		case 2:
			rest := v.bytes
			for len(rest) > 0 {
				d, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(d))
				rest = rest[n:]
			}
		case 3:
			if len(v.bytes)%4 != 0 {
				return errors.Errorf("tensor %q: data length %d is not a multiple of 4", t.Name, len(v.bytes))
			}
			t.Data = make([]float32, 0, len(v.bytes)/4)
			rest := v.bytes
			for len(rest) > 0 {
				bits, n := protowire.ConsumeFixed32(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(bits))
				rest = rest[n:]
			}
		case 4:
			t.StateType = string(v.bytes)
		}
		return nil
	})
	return t, err
}

func encodeComponent(c *ComponentState) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.Type)

	if len(c.Parameters) > 0 {
		st, err := structpb.NewStruct(c.Parameters)
		if err != nil {
			return nil, errors.Wrap(err, "parameters")
		}
		params, err := proto.Marshal(st)
		if err != nil {
			return nil, errors.Wrap(err, "parameters")
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, params)
	}

	for i := range c.StateData {
		t := &c.StateData[i]
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b, nil
}

func decodeComponent(b []byte) (*ComponentState, error) {
	c := &ComponentState{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			c.Type = string(v.bytes)
		case 2:
			var st structpb.Struct
			if err := proto.Unmarshal(v.bytes, &st); err != nil {
				return errors.Wrap(err, "parameters")
			}
			c.Parameters = st.AsMap()
		case 3:
			t, err := decodeTensor(v.bytes)
			if err != nil {
				return err
			}
			c.StateData = append(c.StateData, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Parameters == nil {
		c.Parameters = map[string]interface{}{}
	}
	return c, nil
}

func encodeMetadata(m *Metadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarintField(b, 3, uint64(m.CreatedAt.UnixNano()))
	}
	if m.Description != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func decodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			m.Version = string(v.bytes)
		case 2:
			m.Framework = string(v.bytes)
		case 3:
			m.CreatedAt = time.Unix(0, int64(v.varint))
		case 4:
			m.Description = string(v.bytes)
		case 5:
			m.Tags = append(m.Tags, string(v.bytes))
		}
		return nil
	})
	return m, err
}

// fieldValue holds a decoded field: varint and fixed payloads in varint,
// length-delimited payloads in bytes
type fieldValue struct {
	varint uint64
	bytes  []byte
}

// walkFields iterates the top-level fields of a message. Unknown wire types
// are skipped so older readers tolerate newer writers.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.varint, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var bits uint32
			bits, n = protowire.ConsumeFixed32(b)
			v.varint = uint64(bits)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumePackedDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.Errorf("packed doubles: length %d is not a multiple of 8", len(b))
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		bits, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(bits))
		b = b[n:]
	}
	return out, nil
}
