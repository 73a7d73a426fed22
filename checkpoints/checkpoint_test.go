package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testRecord() *Record {
	best := 0.25
	return &Record{
		Epoch:      12,
		GlobalStep: 1500,
		State: TrainerState{
			Epoch:            12,
			GlobalStep:       1500,
			LossHistory:      []float64{0.9, 0.5, 0.3},
			ValidLossHistory: []float64{0.4, 0.3},
			ResultHistory:    []float64{0.4, 0.25},
			CheckpointPaths:  []string{"ws/checkpoints/lego_trainsize10_ep0011.ckpt"},
			BestResult:       &best,
		},
		Model: []WeightTensor{
			{Name: "sigma_net.weight", Shape: []int{4, 3}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
			{Name: "color_net.bias", Shape: []int{3}, Data: []float32{-0.5, 0, 0.5}},
		},
		Optimizer: &ComponentState{
			Type: "Adam",
			Parameters: map[string]interface{}{
				"lr":    0.01,
				"beta1": 0.9,
				"step":  float64(1500),
			},
			StateData: []StateTensor{
				{Name: "m.sigma_net.weight", Shape: []int{2}, Data: []float32{0.1, 0.2}, StateType: "m"},
			},
		},
		Scaler: &ComponentState{
			Type:       "GradScaler",
			Parameters: map[string]interface{}{"scale": 65536.0, "enabled": true},
		},
		Aux: &AuxCounters{MeanCount: 42, MeanDensity: 1.5},
		Metadata: Metadata{
			Version:     Version,
			Framework:   Framework,
			CreatedAt:   time.Unix(1700000000, 0),
			Description: "Periodic checkpoint - Epoch 12",
			Tags:        []string{"epoch_12"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			original := testRecord()
			data, err := Encode(original, format)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if got.Epoch != original.Epoch || got.GlobalStep != original.GlobalStep {
				t.Errorf("epoch/step = %d/%d, expected %d/%d", got.Epoch, got.GlobalStep, original.Epoch, original.GlobalStep)
			}
			if !reflect.DeepEqual(got.State.LossHistory, original.State.LossHistory) {
				t.Errorf("loss history = %v, expected %v", got.State.LossHistory, original.State.LossHistory)
			}
			if !reflect.DeepEqual(got.State.CheckpointPaths, original.State.CheckpointPaths) {
				t.Errorf("checkpoint paths = %v", got.State.CheckpointPaths)
			}
			if got.State.BestResult == nil || *got.State.BestResult != 0.25 {
				t.Errorf("best result = %v, expected 0.25", got.State.BestResult)
			}
			if !reflect.DeepEqual(got.Model, original.Model) {
				t.Errorf("model weights mismatch: %+v", got.Model)
			}
			if got.Optimizer == nil || got.Optimizer.Type != "Adam" {
				t.Fatalf("optimizer state missing: %+v", got.Optimizer)
			}
			if lr, _ := got.Optimizer.Parameters["lr"].(float64); lr != 0.01 {
				t.Errorf("optimizer lr = %v", got.Optimizer.Parameters["lr"])
			}
			if !reflect.DeepEqual(got.Optimizer.StateData, original.Optimizer.StateData) {
				t.Errorf("optimizer tensors = %+v", got.Optimizer.StateData)
			}
			if enabled, _ := got.Scaler.Parameters["enabled"].(bool); !enabled {
				t.Errorf("scaler enabled flag lost: %+v", got.Scaler.Parameters)
			}
			if got.Scheduler != nil || got.EMA != nil {
				t.Errorf("absent components should stay nil")
			}
			if got.Aux == nil || got.Aux.MeanCount != 42 || got.Aux.MeanDensity != 1.5 {
				t.Errorf("aux counters = %+v", got.Aux)
			}
			if !got.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("created at = %v", got.Metadata.CreatedAt)
			}
			if got.Bare {
				t.Error("structured record decoded as bare")
			}
		})
	}
}

func TestNonFiniteHistoryRoundTrip(t *testing.T) {
	best := math.Inf(-1)
	state := TrainerState{
		Epoch:         1,
		LossHistory:   []float64{math.NaN(), math.Inf(1), 0.25},
		ResultHistory: []float64{-12.5, math.Inf(-1)},
		BestResult:    &best,
	}

	for _, format := range []Format{FormatJSON, FormatProto} {
		data, err := Encode(&Record{Epoch: 1, State: state}, format)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", format, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", format, err)
		}
		loss := got.State.LossHistory
		if len(loss) != 3 || !math.IsNaN(loss[0]) || !math.IsInf(loss[1], 1) || loss[2] != 0.25 {
			t.Errorf("%s: loss history = %v", format, loss)
		}
		results := got.State.ResultHistory
		if len(results) != 2 || results[0] != -12.5 || !math.IsInf(results[1], -1) {
			t.Errorf("%s: result history = %v", format, results)
		}
		if got.State.BestResult == nil || !math.IsInf(*got.State.BestResult, -1) {
			t.Errorf("%s: best result = %v", format, got.State.BestResult)
		}
	}

	var bad TrainerState
	if err := bad.UnmarshalJSON([]byte(`{"loss": ["often"]}`)); err == nil {
		t.Error("expected an error for a malformed history value")
	}
}

func TestDecodeBareParameterSet(t *testing.T) {
	weights := []WeightTensor{{Name: "density.weight", Shape: []int{2}, Data: []float32{3, 4}}}

	for _, format := range []Format{FormatJSON, FormatProto} {
		data, err := EncodeBare(weights, format)
		if err != nil {
			t.Fatalf("%s: EncodeBare failed: %v", format, err)
		}
		rec, err := Decode(data)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", format, err)
		}
		if !rec.Bare {
			t.Errorf("%s: expected bare record", format)
		}
		if !reflect.DeepEqual(rec.Model, weights) {
			t.Errorf("%s: weights = %+v", format, rec.Model)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := [][]byte{
		nil,
		[]byte("not a checkpoint"),
		[]byte("{broken json"),
		append([]byte("NTCK"), 0xff, 0xff, 0xff),
	}
	for i, data := range tests {
		if _, err := Decode(data); err == nil {
			t.Errorf("case %d: expected decode error", i)
		}
	}
}

func TestCheckpointSaverWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "lego_trainsize10_ep0003.ckpt")

	saver := NewCheckpointSaver(FormatProto)
	if err := saver.SaveCheckpoint(testRecord(), path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}

	rec, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if rec.Epoch != 12 {
		t.Errorf("epoch = %d, expected 12", rec.Epoch)
	}

	if _, err := saver.LoadCheckpoint(filepath.Join(dir, "missing.ckpt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatNames(t *testing.T) {
	tests := []struct {
		format    Format
		name      string
		extension string
	}{
		{FormatJSON, "JSON", "json"},
		{FormatProto, "Proto", "ckpt"},
		{Format(99), "Unknown", "bin"},
	}
	for _, tt := range tests {
		if tt.format.String() != tt.name {
			t.Errorf("String() = %s, expected %s", tt.format.String(), tt.name)
		}
		if tt.format.Extension() != tt.extension {
			t.Errorf("Extension() = %s, expected %s", tt.format.Extension(), tt.extension)
		}
	}

	if f, ok := ParseFormat("json"); !ok || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, ok)
	}
	if _, ok := ParseFormat("onnx"); ok {
		t.Error("ParseFormat(onnx) should fail")
	}
}

func TestTrainerStateClone(t *testing.T) {
	best := 1.0
	s := TrainerState{Epoch: 3, LossHistory: []float64{1}, BestResult: &best}
	c := s.Clone()
	c.LossHistory[0] = 9
	*c.BestResult = 0

	if s.LossHistory[0] != 1 || *s.BestResult != 1 {
		t.Error("Clone shares memory with the original")
	}
	if r, ok := (&TrainerState{}).LastResult(); ok {
		t.Errorf("LastResult on empty history = %v", r)
	}
}
