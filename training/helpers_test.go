package training

import (
	"io"
	"testing"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// stubModel renders a constant grey image and takes no gradient
type stubModel struct {
	params  []*tensor.Parameter
	renders int
	aux     checkpoints.AuxCounters
	accel   bool
}

func newStubModel(shapes ...[]int) *stubModel {
	names := []string{"encoder.weight", "sigma.weight", "color.weight"}
	m := &stubModel{}
	for i, shape := range shapes {
		p := tensor.NewParameter(names[i], shape...)
		for j := range p.Data {
			p.Data[j] = float32(i+1) + float32(j)/100
		}
		m.params = append(m.params, p)
	}
	return m
}

func (m *stubModel) Parameters() []*tensor.Parameter { return m.params }

func (m *stubModel) Render(req RenderRequest) (*Prediction, error) {
	m.renders++
	lead := req.RaysO.Shape[:len(req.RaysO.Shape)-1]
	img, err := tensor.New(append(append([]int(nil), lead...), 3)...)
	if err != nil {
		return nil, err
	}
	for i := range img.Data {
		img.Data[i] = 0.5
	}
	return &Prediction{Image: img}, nil
}

func (m *stubModel) Backward(tensor.Tensor) error { return nil }

func (m *stubModel) UsesAccelerationStructure() bool            { return m.accel }
func (m *stubModel) RefreshAccelerationStructure() error        { return nil }
func (m *stubModel) MarkRegionVisibility(Cameras) error         { return nil }
func (m *stubModel) AuxCounters() checkpoints.AuxCounters       { return m.aux }
func (m *stubModel) SetAuxCounters(aux checkpoints.AuxCounters) { m.aux = aux }

// stubSupply yields n single-view batches of four rays
type stubSupply struct {
	n, pos int
}

func (s *stubSupply) Len() int       { return s.n }
func (s *stubSupply) BatchSize() int { return 1 }
func (s *stubSupply) Reset()         { s.pos = 0 }

func (s *stubSupply) Next() (*Batch, bool) {
	if s.pos >= s.n {
		return nil, false
	}
	s.pos++
	rays, _ := tensor.New(1, 4, 3)
	images, _ := tensor.New(1, 4, 3)
	for i := range images.Data {
		images.Data[i] = float32(s.pos) / 10
	}
	return &Batch{RaysO: rays, RaysD: rays.Clone(), Images: &images, H: 2, W: 2}, true
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.UseCheckpoint = RefScratch
	cfg.Mute = true
	return cfg
}

func newTestTrainer(t *testing.T, cfg Config, model Model, opts ...Option) *Trainer {
	t.Helper()
	opts = append([]Option{WithConsole(io.Discard)}, opts...)
	tr, err := NewTrainer(cfg, model, opts...)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}
