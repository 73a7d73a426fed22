// Package errormap keeps a low-resolution loss grid per training view and
// uses it to bias pixel sampling toward regions that are still rendered
// badly.
//
// A Map is allocated by the data supply and shared with the trainer. A
// prefetching supply samples while the trainer updates, so every access
// goes through the map's mutex.
package errormap

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// DefaultResolution is the side length of the coarse grid
const DefaultResolution = 128

// DefaultBlend is the weight given to a fresh observation; the old cell
// value keeps the remaining 0.1
const DefaultBlend = 0.9

// Map holds one Resolution x Resolution weight grid per view
type Map struct {
	mu         sync.Mutex
	resolution int
	blend      float32
	weighted   bool
	rows       [][]float32
}

// Samples are the pixel indices drawn for a batch of views. Inds holds flat
// full-resolution indices (x*W + y). IndsCoarse holds the matching coarse
// cells and is nil in uniform mode.
type Samples struct {
	Inds       [][]int
	IndsCoarse [][]int
}

// New allocates a map with every weight set to 1
func New(views, resolution int, blend float32) (*Map, error) {
	if views < 1 {
		return nil, fmt.Errorf("error map needs at least one view, got %d", views)
	}
	if resolution < 1 {
		return nil, fmt.Errorf("invalid error map resolution %d", resolution)
	}
	if blend <= 0 || blend > 1 {
		return nil, fmt.Errorf("blend weight must be in (0, 1], got %f", blend)
	}

	cells := resolution * resolution
	rows := make([][]float32, views)
	for i := range rows {
		row := make([]float32, cells)
		for j := range row {
			row[j] = 1
		}
		rows[i] = row
	}
	return &Map{resolution: resolution, blend: blend, weighted: true, rows: rows}, nil
}

// Views returns the number of view rows
func (m *Map) Views() int { return len(m.rows) }

// Resolution returns the coarse grid side length
func (m *Map) Resolution() int { return m.resolution }

// Blend returns the weight given to new observations
func (m *Map) Blend() float32 { return m.blend }

// SetWeighted switches between weighted sampling and uniform sampling
func (m *Map) SetWeighted(weighted bool) {
	m.mu.Lock()
	m.weighted = weighted
	m.mu.Unlock()
}

// Weighted reports whether Sample draws proportionally to the weights
func (m *Map) Weighted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weighted
}

// Row returns a copy of the weights for one view
func (m *Map) Row(view int) ([]float32, error) {
	if view < 0 || view >= len(m.rows) {
		return nil, fmt.Errorf("view %d out of range [0, %d)", view, len(m.rows))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.rows[view]...), nil
}

// Mean returns the average weight of one view, or 0 for an unknown view
func (m *Map) Mean(view int) float64 {
	if view < 0 || view >= len(m.rows) {
		return 0
	}
	m.mu.Lock()
	row := m.rows[view]
	w := make([]float64, len(row))
	for i, v := range row {
		w[i] = float64(v)
	}
	m.mu.Unlock()
	return floats.Sum(w) / float64(len(w))
}

// Sample draws count pixel indices per view for an H x W image. In weighted
// mode each view gets min(count, Resolution^2) distinct coarse cells drawn
// in proportion to their weights; once the remaining weights are all zero
// the rest are drawn uniformly from the cells not yet taken. In uniform
// mode one draw of min(count, H*W) indices with replacement is shared by
// every view.
func (m *Map) Sample(rng *rand.Rand, views []int, count, h, w int) (*Samples, error) {
	if count < 1 || h < 1 || w < 1 {
		return nil, fmt.Errorf("invalid sample request: count=%d H=%d W=%d", count, h, w)
	}
	for _, v := range views {
		if v < 0 || v >= len(m.rows) {
			return nil, fmt.Errorf("view %d out of range [0, %d)", v, len(m.rows))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.weighted {
		return sampleUniform(rng, len(views), count, h, w), nil
	}

	cells := m.resolution * m.resolution
	n := count
	if n > cells {
		n = cells
	}
	sx := float64(h) / float64(m.resolution)
	sy := float64(w) / float64(m.resolution)

	out := &Samples{
		Inds:       make([][]int, len(views)),
		IndsCoarse: make([][]int, len(views)),
	}
	for i, v := range views {
		coarse := m.drawCells(rng, v, n)
		inds := make([]int, len(coarse))
		for j, c := range coarse {
			cx, cy := c/m.resolution, c%m.resolution
			x := clamp(int(math.Floor(float64(cx)*sx+rng.Float64()*sx)), h-1)
			y := clamp(int(math.Floor(float64(cy)*sy+rng.Float64()*sy)), w-1)
			inds[j] = x*w + y
		}
		out.Inds[i] = inds
		out.IndsCoarse[i] = coarse
	}
	return out, nil
}

// drawCells takes n distinct cells from a view row without replacement
func (m *Map) drawCells(rng *rand.Rand, view, n int) []int {
	row := m.rows[view]
	weights := make([]float64, len(row))
	for i, v := range row {
		weights[i] = float64(v)
	}

	taken := make([]bool, len(row))
	cells := make([]int, 0, n)
	if floats.Sum(weights) > 0 {
		sampler := sampleuv.NewWeighted(weights, rng)
		for len(cells) < n {
			idx, ok := sampler.Take()
			if !ok {
				break
			}
			taken[idx] = true
			cells = append(cells, idx)
		}
	}

	if len(cells) < n {
		free := make([]int, 0, len(row)-len(cells))
		for i, t := range taken {
			if !t {
				free = append(free, i)
			}
		}
		rng.Shuffle(len(free), func(a, b int) { free[a], free[b] = free[b], free[a] })
		cells = append(cells, free[:n-len(cells)]...)
	}
	return cells
}

func sampleUniform(rng *rand.Rand, views, count, h, w int) *Samples {
	n := count
	if n > h*w {
		n = h * w
	}
	inds := make([]int, n)
	for i := range inds {
		inds[i] = rng.IntN(h * w)
	}
	out := &Samples{Inds: make([][]int, views)}
	for i := range out.Inds {
		out.Inds[i] = inds
	}
	return out
}

// Update blends observed errors into the given coarse cells of each view:
// new = blend*observed + (1-blend)*old. Observations are clamped to [0, 1].
// Cells not listed are left untouched. Nothing is written unless every
// argument validates.
func (m *Map) Update(views []int, coarse [][]int, observed [][]float32) error {
	if len(coarse) != len(views) || len(observed) != len(views) {
		return fmt.Errorf("update shape mismatch: %d views, %d coarse rows, %d observed rows",
			len(views), len(coarse), len(observed))
	}
	cells := m.resolution * m.resolution
	for i, v := range views {
		if v < 0 || v >= len(m.rows) {
			return fmt.Errorf("view %d out of range [0, %d)", v, len(m.rows))
		}
		if len(coarse[i]) != len(observed[i]) {
			return fmt.Errorf("view %d: %d coarse cells but %d observations", v, len(coarse[i]), len(observed[i]))
		}
		for _, c := range coarse[i] {
			if c < 0 || c >= cells {
				return fmt.Errorf("view %d: coarse cell %d out of range [0, %d)", v, c, cells)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.blend
	for i, v := range views {
		row := m.rows[v]
		for j, c := range coarse[i] {
			e := observed[i][j]
			if e < 0 || e != e {
				e = 0
			} else if e > 1 {
				e = 1
			}
			row[c] = a*e + (1-a)*row[c]
		}
	}
	return nil
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
