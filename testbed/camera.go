package testbed

import (
	"fmt"
	"math"

	"github.com/tsawler/go-nerftrain/tensor"
)

// PinholeCaster casts one ray per pixel through a pinhole camera. Pixel
// (row, col) becomes ray row*W + col.
type PinholeCaster struct{}

// Rays returns origins and unit directions, each shaped [1, h*w, 3]
func (PinholeCaster) Rays(pose [16]float32, intrinsics [4]float32, h, w int) (tensor.Tensor, tensor.Tensor, error) {
	if h < 1 || w < 1 {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("invalid image size %dx%d", w, h)
	}
	fx, fy, cx, cy := intrinsics[0], intrinsics[1], intrinsics[2], intrinsics[3]
	if fx == 0 || fy == 0 {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("focal length must be non-zero")
	}

	origins, err := tensor.New(1, h*w, 3)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	dirs, err := tensor.New(1, h*w, 3)
	if err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}

	center := [3]float32{pose[3], pose[7], pose[11]}
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			i := row*w + col
			cam := [3]float32{(float32(col) + 0.5 - cx) / fx, (float32(row) + 0.5 - cy) / fy, 1}
			var d [3]float32
			for k := 0; k < 3; k++ {
				d[k] = pose[k*4]*cam[0] + pose[k*4+1]*cam[1] + pose[k*4+2]*cam[2]
			}
			norm := float32(math.Sqrt(float64(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])))
			if norm == 0 {
				norm = 1
			}
			copy(origins.Data[i*3:i*3+3], center[:])
			dirs.Data[i*3] = d[0] / norm
			dirs.Data[i*3+1] = d[1] / norm
			dirs.Data[i*3+2] = d[2] / norm
		}
	}
	return origins, dirs, nil
}

// OrbitPose returns a camera-to-world pose on a circle of the given radius
// around the origin, looking at the origin
func OrbitPose(angle, radius float64) [16]float32 {
	eye := [3]float64{radius * math.Cos(angle), 0.5, radius * math.Sin(angle)}
	fwd := normalize([3]float64{-eye[0], -eye[1], -eye[2]})
	right := normalize(cross(fwd, [3]float64{0, 1, 0}))
	up := cross(right, fwd)
	return [16]float32{
		float32(right[0]), float32(up[0]), float32(fwd[0]), float32(eye[0]),
		float32(right[1]), float32(up[1]), float32(fwd[1]), float32(eye[1]),
		float32(right[2]), float32(up[2]), float32(fwd[2]), float32(eye[2]),
		0, 0, 0, 1,
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}

func normalize(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
