package distributed

import (
	"sync"
	"testing"

	"github.com/tsawler/go-nerftrain/tensor"
)

// runWorkers calls fn once per rank on its own goroutine and waits
func runWorkers(t *testing.T, g *Group, fn func(c Comm)) {
	t.Helper()
	var wg sync.WaitGroup
	for r := 0; r < g.Size(); r++ {
		c, err := g.Comm(r)
		if err != nil {
			t.Fatalf("Comm(%d) failed: %v", r, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(c)
		}()
	}
	wg.Wait()
}

func TestReduceScalarMean(t *testing.T) {
	g, err := NewGroup(2)
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	values := []float64{2.0, 4.0}
	results := make([]float64, 2)

	runWorkers(t, g, func(c Comm) {
		results[c.Rank()] = c.ReduceScalar(values[c.Rank()])
	})

	for r, v := range results {
		if v != 3.0 {
			t.Errorf("rank %d: reduce = %f, expected 3.0", r, v)
		}
	}
}

func TestGatherTensorRankOrder(t *testing.T) {
	const batch = 3
	g, _ := NewGroup(2)
	results := make([]tensor.Tensor, 2)
	errs := make([]error, 2)

	runWorkers(t, g, func(c Comm) {
		data := make([]float32, batch*2)
		for i := range data {
			data[i] = float32(c.Rank()*100 + i)
		}
		local, _ := tensor.FromData(data, batch, 2)
		results[c.Rank()], errs[c.Rank()] = c.GatherTensor(local)
	})

	for r := range results {
		if errs[r] != nil {
			t.Fatalf("rank %d: gather failed: %v", r, errs[r])
		}
		got := results[r]
		if got.Rows() != 2*batch {
			t.Fatalf("rank %d: gathered %d rows, expected %d", r, got.Rows(), 2*batch)
		}
		if got.Row(0)[0] != 0 || got.Row(batch)[0] != 100 {
			t.Errorf("rank %d: rows not in rank order: %v", r, got.Data)
		}
	}
}

func TestGatherTensorShapeMismatch(t *testing.T) {
	g, _ := NewGroup(2)
	errs := make([]error, 2)

	runWorkers(t, g, func(c Comm) {
		local, _ := tensor.New(2, 2+c.Rank())
		_, errs[c.Rank()] = c.GatherTensor(local)
	})

	for r, err := range errs {
		if err == nil {
			t.Errorf("rank %d: expected trailing shape mismatch error", r)
		}
	}
}

func TestRepeatedCollectivesStayInStep(t *testing.T) {
	g, _ := NewGroup(4)
	sums := make([][]float64, 4)

	runWorkers(t, g, func(c Comm) {
		for i := 0; i < 50; i++ {
			sums[c.Rank()] = append(sums[c.Rank()], c.ReduceScalar(float64(c.Rank()+i)))
			c.Barrier()
		}
	})

	for i := 0; i < 50; i++ {
		want := float64(i) + 1.5
		for r := 0; r < 4; r++ {
			if sums[r][i] != want {
				t.Fatalf("round %d rank %d: got %f, expected %f", i, r, sums[r][i], want)
			}
		}
	}
}

func TestSoloIsIdentity(t *testing.T) {
	c := Solo()
	if !c.IsCoordinator() || c.WorldSize() != 1 {
		t.Fatal("solo communicator must be a coordinator of a world of one")
	}
	if c.ReduceScalar(7) != 7 {
		t.Error("solo reduce must return its input")
	}
	local, _ := tensor.FromData([]float32{1, 2}, 2)
	got, err := c.GatherTensor(local)
	if err != nil || got.Numel() != 2 {
		t.Errorf("solo gather = %v, %v", got, err)
	}
	c.Barrier()
}

func TestGroupValidation(t *testing.T) {
	if _, err := NewGroup(0); err == nil {
		t.Error("expected error for world size 0")
	}
	g, _ := NewGroup(2)
	if _, err := g.Comm(2); err == nil {
		t.Error("expected error for out of range rank")
	}
}
