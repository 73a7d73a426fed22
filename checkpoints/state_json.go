package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// historyValue is a float64 that survives JSON when it is NaN or infinite.
// A perfect frame has infinite PSNR, so non-finite results are expected.
type historyValue float64

func (v historyValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(f)
}

func (v *historyValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid history value %q", s)
		}
		*v = historyValue(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = historyValue(f)
	return nil
}

type trainerStateJSON struct {
	Epoch            int            `json:"epoch"`
	GlobalStep       int            `json:"global_step"`
	LossHistory      []historyValue `json:"loss"`
	ValidLossHistory []historyValue `json:"valid_loss"`
	ResultHistory    []historyValue `json:"results"`
	CheckpointPaths  []string       `json:"checkpoints"`
	BestResult       *historyValue  `json:"best_result"`
}

func toHistory(values []float64) []historyValue {
	if values == nil {
		return nil
	}
	out := make([]historyValue, len(values))
	for i, v := range values {
		out[i] = historyValue(v)
	}
	return out
}

func fromHistory(values []historyValue) []float64 {
	if values == nil {
		return nil
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

// MarshalJSON writes non-finite history values as "NaN", "+Inf" or "-Inf"
func (s TrainerState) MarshalJSON() ([]byte, error) {
	out := trainerStateJSON{
		Epoch:            s.Epoch,
		GlobalStep:       s.GlobalStep,
		LossHistory:      toHistory(s.LossHistory),
		ValidLossHistory: toHistory(s.ValidLossHistory),
		ResultHistory:    toHistory(s.ResultHistory),
		CheckpointPaths:  s.CheckpointPaths,
	}
	if s.BestResult != nil {
		best := historyValue(*s.BestResult)
		out.BestResult = &best
	}
	return json.Marshal(out)
}

func (s *TrainerState) UnmarshalJSON(data []byte) error {
	var in trainerStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = TrainerState{
		Epoch:            in.Epoch,
		GlobalStep:       in.GlobalStep,
		LossHistory:      fromHistory(in.LossHistory),
		ValidLossHistory: fromHistory(in.ValidLossHistory),
		ResultHistory:    fromHistory(in.ResultHistory),
		CheckpointPaths:  in.CheckpointPaths,
	}
	if in.BestResult != nil {
		best := float64(*in.BestResult)
		s.BestResult = &best
	}
	return nil
}
