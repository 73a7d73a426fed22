package errormap

import (
	"math"
	"math/rand/v2"
	"testing"
)

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestNewInitialisesToOne(t *testing.T) {
	m, err := New(3, 4, 0.1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	row, err := m.Row(2)
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if len(row) != 16 {
		t.Fatalf("row length = %d, expected 16", len(row))
	}
	for i, v := range row {
		if v != 1 {
			t.Fatalf("row[%d] = %f, expected 1", i, v)
		}
	}
	if m.Mean(2) != 1 {
		t.Errorf("mean = %f, expected 1", m.Mean(2))
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name       string
		views, res int
		blend      float32
	}{
		{"no views", 0, 4, 0.1},
		{"zero resolution", 1, 0, 0.1},
		{"zero blend", 1, 4, 0},
		{"blend above one", 1, 4, 1.5},
	}
	for _, tt := range tests {
		if _, err := New(tt.views, tt.res, tt.blend); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestUpdateLeavesUntouchedCellsUnchanged(t *testing.T) {
	m, _ := New(2, 8, 0.25)
	rng := newRand()

	// Give every cell a distinct, awkward value first
	for v := 0; v < 2; v++ {
		for c := range m.rows[v] {
			m.rows[v][c] = float32(rng.Float64())
		}
	}
	before := [][]float32{}
	for v := 0; v < 2; v++ {
		row, _ := m.Row(v)
		before = append(before, row)
	}

	coarse := [][]int{{3, 10, 63}, {0}}
	observed := [][]float32{{0.5, 2, -1}, {0.75}}
	if err := m.Update([]int{0, 1}, coarse, observed); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	touched := []map[int]float32{
		{3: 0.5, 10: 1, 63: 0},
		{0: 0.75},
	}
	for v := 0; v < 2; v++ {
		after, _ := m.Row(v)
		for c := range after {
			obs, hit := touched[v][c]
			if !hit {
				if math.Float32bits(after[c]) != math.Float32bits(before[v][c]) {
					t.Errorf("view %d cell %d changed: %v -> %v", v, c, before[v][c], after[c])
				}
				continue
			}
			want := 0.25*obs + 0.75*before[v][c]
			if math.Abs(float64(after[c]-want)) > 1e-6 {
				t.Errorf("view %d cell %d = %f, expected %f", v, c, after[c], want)
			}
		}
	}
}

func TestDefaultBlendFavoursObservation(t *testing.T) {
	m, err := New(1, 2, DefaultBlend)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Update([]int{0}, [][]int{{0}}, [][]float32{{0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	row, _ := m.Row(0)
	if math.Abs(float64(row[0])-0.1) > 1e-6 {
		t.Errorf("cell after observing 0 from 1 = %f, expected 0.1", row[0])
	}
	if row[1] != 1 {
		t.Errorf("untouched cell = %f, expected 1", row[1])
	}
}

func TestUpdateRejectsBadInput(t *testing.T) {
	m, _ := New(1, 4, 0.1)
	tests := []struct {
		name     string
		views    []int
		coarse   [][]int
		observed [][]float32
	}{
		{"row count mismatch", []int{0}, nil, [][]float32{{1}}},
		{"cell count mismatch", []int{0}, [][]int{{1, 2}}, [][]float32{{1}}},
		{"view out of range", []int{5}, [][]int{{1}}, [][]float32{{1}}},
		{"cell out of range", []int{0}, [][]int{{16}}, [][]float32{{1}}},
	}
	for _, tt := range tests {
		if err := m.Update(tt.views, tt.coarse, tt.observed); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	row, _ := m.Row(0)
	for _, v := range row {
		if v != 1 {
			t.Fatal("rejected update modified the map")
		}
	}
}

func TestWeightedSampleDistinctCellsInBounds(t *testing.T) {
	m, _ := New(2, 4, 0.1)
	s, err := m.Sample(newRand(), []int{0, 1}, 10, 30, 20)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(s.Inds) != 2 || len(s.IndsCoarse) != 2 {
		t.Fatalf("expected two views of samples")
	}
	for v := range s.Inds {
		if len(s.Inds[v]) != 10 {
			t.Errorf("view %d: %d samples, expected 10", v, len(s.Inds[v]))
		}
		seen := map[int]bool{}
		for j, c := range s.IndsCoarse[v] {
			if seen[c] {
				t.Errorf("view %d: coarse cell %d drawn twice", v, c)
			}
			seen[c] = true

			idx := s.Inds[v][j]
			x, y := idx/20, idx%20
			if x < 0 || x >= 30 || y < 0 || y >= 20 {
				t.Fatalf("index %d out of image bounds", idx)
			}
			// The pixel must fall inside its coarse cell
			if x*4/30 != c/4 || y*4/20 != c%4 {
				t.Errorf("pixel (%d,%d) outside coarse cell %d", x, y, c)
			}
		}
	}
}

func TestWeightedSampleCapsAtGridSize(t *testing.T) {
	m, _ := New(1, 2, 0.1)
	s, err := m.Sample(newRand(), []int{0}, 100, 8, 8)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(s.Inds[0]) != 4 {
		t.Errorf("got %d samples, expected 4", len(s.Inds[0]))
	}
}

func TestWeightedSampleFollowsWeights(t *testing.T) {
	m, _ := New(1, 2, 0.1)
	m.rows[0] = []float32{0, 0, 5, 0}

	s, _ := m.Sample(newRand(), []int{0}, 1, 4, 4)
	if s.IndsCoarse[0][0] != 2 {
		t.Errorf("drew cell %d, expected the only weighted cell 2", s.IndsCoarse[0][0])
	}

	// Exhausted weights fall back to the remaining cells
	s, _ = m.Sample(newRand(), []int{0}, 4, 4, 4)
	seen := map[int]bool{}
	for _, c := range s.IndsCoarse[0] {
		seen[c] = true
	}
	if len(seen) != 4 || s.IndsCoarse[0][0] != 2 {
		t.Errorf("coarse cells = %v, expected 2 first then all others", s.IndsCoarse[0])
	}
}

func TestUniformSampleSharedAcrossViews(t *testing.T) {
	m, _ := New(3, 4, 0.1)
	m.SetWeighted(false)

	s, err := m.Sample(newRand(), []int{0, 1, 2}, 50, 4, 5)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if s.IndsCoarse != nil {
		t.Error("uniform mode must not return coarse indices")
	}
	if len(s.Inds[0]) != 20 {
		t.Errorf("got %d samples, expected min(count, H*W) = 20", len(s.Inds[0]))
	}
	for v := 1; v < 3; v++ {
		for j := range s.Inds[0] {
			if s.Inds[v][j] != s.Inds[0][j] {
				t.Fatalf("view %d draw differs from view 0", v)
			}
		}
	}
}
