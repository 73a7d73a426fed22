package testbed

import (
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-nerftrain/errormap"
	"github.com/tsawler/go-nerftrain/tensor"
	"github.com/tsawler/go-nerftrain/training"
)

func TestFieldModelGradient(t *testing.T) {
	m := NewFieldModel(FieldOptions{Seed: 3, Residual: 1})
	var caster PinholeCaster
	o, d, err := caster.Rays(OrbitPose(0.3, 3), [4]float32{4, 4, 2, 2}, 4, 4)
	if err != nil {
		t.Fatalf("rays: %v", err)
	}

	// loss = sum(image); d loss / d image = 1
	loss := func() float64 {
		pred, err := m.Render(training.RenderRequest{RaysO: o, RaysD: d})
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		var s float64
		for _, v := range pred.Image.Data {
			s += float64(v)
		}
		return s
	}

	pred, _ := m.Render(training.RenderRequest{RaysO: o, RaysD: d})
	ones, _ := tensor.New(pred.Image.Shape...)
	for i := range ones.Data {
		ones.Data[i] = 1
	}
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
	if err := m.Backward(ones); err != nil {
		t.Fatalf("backward: %v", err)
	}

	const eps = 1e-3
	for _, p := range m.Parameters() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := loss()
			p.Data[i] = orig - eps
			down := loss()
			p.Data[i] = orig
			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-float64(p.Grad[i])) > 1e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %f, numeric %f", p.Name, i, p.Grad[i], numeric)
			}
		}
	}
}

func TestViewSupplySampledBatches(t *testing.T) {
	s, err := NewViewSupply(SupplyConfig{Views: 3, H: 8, W: 8, RaysPerBatch: 16, ErrorMap: true, Resolution: 4, Seed: 1})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if s.Len() != 3 || s.ErrorMap() == nil {
		t.Fatalf("expected 3 batches with an error map, got %d (map %v)", s.Len(), s.ErrorMap())
	}

	count := 0
	for {
		b, ok := s.Next()
		if !ok {
			break
		}
		count++
		if len(b.Index) != 1 || len(b.IndsCoarse) != 1 {
			t.Fatalf("batch %d: missing sampling feedback", count)
		}
		if got := b.RaysO.Shape; got[0] != 1 || got[1] != 16 || got[2] != 3 {
			t.Errorf("batch %d: rays shape %v", count, got)
		}
		if got := b.Images.Shape; got[1] != 16 || got[2] != 3 {
			t.Errorf("batch %d: image shape %v", count, got)
		}
	}
	if count != 3 {
		t.Errorf("expected 3 batches per pass, got %d", count)
	}

	latest, err := s.Collate([]int{-1})
	if err != nil {
		t.Fatalf("collate: %v", err)
	}
	if latest.Index[0] != 2 {
		t.Errorf("expected the newest view 2, got %d", latest.Index[0])
	}
	if _, err := s.Collate([]int{5}); err == nil {
		t.Error("expected out of range view to fail")
	}
}

func TestViewSupplyErrorMapBlend(t *testing.T) {
	s, err := NewViewSupply(SupplyConfig{Views: 2, H: 4, W: 4, RaysPerBatch: 4, ErrorMap: true, Resolution: 2})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if got := s.ErrorMap().Blend(); got != errormap.DefaultBlend {
		t.Errorf("default blend = %f, expected %f", got, errormap.DefaultBlend)
	}

	s, err = NewViewSupply(SupplyConfig{Views: 2, H: 4, W: 4, RaysPerBatch: 4, ErrorMap: true, Resolution: 2, Blend: 0.5})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if got := s.ErrorMap().Blend(); got != 0.5 {
		t.Errorf("configured blend = %f, expected 0.5", got)
	}
}

func TestViewSupplyUniformSampling(t *testing.T) {
	s, err := NewViewSupply(SupplyConfig{Views: 2, H: 3, W: 3, RaysPerBatch: 20, Seed: 5})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if s.ErrorMap() != nil {
		t.Fatal("uniform sampling exposes no error map")
	}
	b, err := s.Collate([]int{0, 1})
	if err != nil {
		t.Fatalf("collate: %v", err)
	}
	if b.IndsCoarse != nil {
		t.Error("uniform batches carry no coarse indices")
	}
	// capped at H*W and shared by every view
	if len(b.Inds) != 2 || len(b.Inds[0]) != 9 || len(b.Inds[1]) != 9 {
		t.Fatalf("unexpected sample layout %v", b.Inds)
	}
	for i, p := range b.Inds[0] {
		if p != b.Inds[1][i] {
			t.Fatalf("views should share one draw: %v vs %v", b.Inds[0], b.Inds[1])
		}
		if p < 0 || p >= 9 {
			t.Fatalf("index %d out of range", p)
		}
	}
}

func TestViewSupplyFullImagesAndSharding(t *testing.T) {
	s0, err := NewViewSupply(SupplyConfig{Views: 4, H: 4, W: 6, RGBA: true, Rank: 0, WorldSize: 2})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	s1, err := NewViewSupply(SupplyConfig{Views: 4, H: 4, W: 6, RGBA: true, Rank: 1, WorldSize: 2})
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if s0.Len() != 2 || s1.Len() != 2 {
		t.Fatalf("expected 2 views per worker, got %d and %d", s0.Len(), s1.Len())
	}

	b, ok := s1.Next()
	if !ok {
		t.Fatal("expected a batch")
	}
	if b.Index[0] != 1 {
		t.Errorf("worker 1 should start with view 1, got %d", b.Index[0])
	}
	if got := b.Images.Shape; got[1] != 24 || got[2] != 4 {
		t.Errorf("expected full RGBA image [1 24 4], got %v", got)
	}
	if b.IndsCoarse != nil {
		t.Error("full image batches carry no coarse indices")
	}

	if _, err := NewViewSupply(SupplyConfig{Views: 3, H: 4, W: 4, WorldSize: 2}); err == nil {
		t.Error("expected uneven sharding to fail")
	}
}

func TestPNGSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	frame := &training.Frame{H: 2, W: 3, RGB: make([]float32, 18), Depth: []float32{0, 1, 2, 3, 4, 5}}
	for i := range frame.RGB {
		frame.RGB[i] = float32(i) / 18
	}

	if err := (PNGSink{}).WriteFrame(dir, "view_0001", frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, name := range []string{"view_0001.png", "view_0001_depth.png"} {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
			t.Errorf("%s: expected 3x2, got %v", name, b)
		}
	}
}

func TestPointCloudWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.ply")
	m := NewFieldModel(FieldOptions{Seed: 1})
	m.weight.Data[3] = 5 // every point dense

	if err := (PointCloudWriter{}).WriteMesh(path, 3, 1, m.Density); err != nil {
		t.Fatalf("write mesh: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "element vertex 27") {
		t.Errorf("expected all 27 grid points, got header:\n%s", data[:120])
	}
}
