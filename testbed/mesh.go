package testbed

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-nerftrain/tensor"
)

// PointCloudWriter samples the density on a regular grid over
// [-Bound, Bound]^3 and writes every cell above the threshold as a vertex
// of an ASCII PLY file
type PointCloudWriter struct {
	Bound float32
}

// WriteMesh queries density one grid slice at a time
func (pw PointCloudWriter) WriteMesh(path string, resolution int, threshold float64, density func(points tensor.Tensor) (tensor.Tensor, error)) error {
	bound := pw.Bound
	if bound <= 0 {
		bound = 1
	}
	step := 2 * bound / float32(resolution-1)

	var vertices [][3]float32
	slice := make([]float32, resolution*resolution*3)
	for i := 0; i < resolution; i++ {
		x := -bound + float32(i)*step
		for j := 0; j < resolution; j++ {
			for k := 0; k < resolution; k++ {
				p := (j*resolution + k) * 3
				slice[p], slice[p+1], slice[p+2] = x, -bound+float32(j)*step, -bound+float32(k)*step
			}
		}
		points, err := tensor.FromData(slice, resolution*resolution, 3)
		if err != nil {
			return err
		}
		sigma, err := density(points)
		if err != nil {
			return errors.Wrap(err, "density query failed")
		}
		if len(sigma.Data) != resolution*resolution {
			return fmt.Errorf("density returned %d values for %d points", len(sigma.Data), resolution*resolution)
		}
		for n, s := range sigma.Data {
			if float64(s) > threshold {
				vertices = append(vertices, [3]float32{slice[n*3], slice[n*3+1], slice[n*3+2]})
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ply\nformat ascii 1.0\nelement vertex %d\nproperty float x\nproperty float y\nproperty float z\nend_header\n", len(vertices))
	for _, v := range vertices {
		fmt.Fprintf(w, "%g %g %g\n", v[0], v[1], v[2])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write mesh")
	}
	return f.Close()
}
