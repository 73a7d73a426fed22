package testbed

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-nerftrain/training"
)

// PNGSink writes frames as {dir}/{name}.png and, when depth is present,
// {dir}/{name}_depth.png
type PNGSink struct{}

// WriteFrame encodes the frame and its depth map
func (PNGSink) WriteFrame(dir, name string, frame *training.Frame) error {
	if frame == nil || len(frame.RGB) != frame.H*frame.W*3 {
		return fmt.Errorf("frame %s is incomplete", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create frame directory")
	}

	rgb := image.NewNRGBA(image.Rect(0, 0, frame.W, frame.H))
	for i := 0; i < frame.H*frame.W; i++ {
		rgb.Pix[i*4] = toByte(frame.RGB[i*3])
		rgb.Pix[i*4+1] = toByte(frame.RGB[i*3+1])
		rgb.Pix[i*4+2] = toByte(frame.RGB[i*3+2])
		rgb.Pix[i*4+3] = 255
	}
	if err := writePNG(filepath.Join(dir, name+".png"), rgb); err != nil {
		return err
	}

	if len(frame.Depth) != frame.H*frame.W {
		return nil
	}
	lo, hi := frame.Depth[0], frame.Depth[0]
	for _, d := range frame.Depth {
		lo, hi = min(lo, d), max(hi, d)
	}
	depth := image.NewGray(image.Rect(0, 0, frame.W, frame.H))
	for i, d := range frame.Depth {
		v := float32(0)
		if hi > lo {
			v = (d - lo) / (hi - lo)
		}
		depth.SetGray(i%frame.W, i/frame.W, color.Gray{Y: toByte(v)})
	}
	return writePNG(filepath.Join(dir, name+"_depth.png"), depth)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return f.Close()
}

func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
