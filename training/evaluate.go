package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-nerftrain/tensor"
)

// EvalReport is the outcome of one evaluation pass
type EvalReport struct {
	Epoch    int
	Loss     float64            // Mean batch loss, averaged across workers
	ViewLoss []float64          // This worker's loss per batch, in supply order
	Metrics  map[string]float64 // Coordinator only
	Result   *float64           // Normalised result appended to the history; coordinator only
}

// Evaluate runs one evaluation pass over valid with the EMA shadow swapped
// in and records the loss and result
func (t *Trainer) Evaluate(ctx context.Context, valid Supply) (EvalReport, error) {
	if err := ctx.Err(); err != nil {
		return EvalReport{}, err
	}
	if valid == nil {
		return EvalReport{}, errors.New("evaluation supply is required")
	}
	return t.evaluateOneEpoch(valid, "valset_validation", "", true)
}

// evaluateOneEpoch renders every batch of supply. With record set the mean
// loss joins the validation history and, on the coordinator, a normalised
// result joins the result history.
func (t *Trainer) evaluateOneEpoch(supply Supply, dir, name string, record bool) (EvalReport, error) {
	epoch := t.state.Epoch
	t.log.Info(fmt.Sprintf("++> Evaluate at epoch %d ...", epoch))
	if name == "" {
		name = fmt.Sprintf("%s_ep%04d", t.cfg.Name, epoch)
	}
	coordinator := t.comm.IsCoordinator()
	if coordinator {
		for _, m := range t.metrics {
			m.Clear()
		}
	}

	report := EvalReport{Epoch: epoch}
	err := t.withShadow(func() error {
		if acc, ok := accelerated(t.model); ok {
			if err := acc.RefreshAccelerationStructure(); err != nil {
				return errors.Wrap(err, "failed to refresh acceleration structure")
			}
		}

		supply.Reset()
		bar := t.progress(fmt.Sprintf("Evaluate %d", epoch), supply.Len())
		total, step := 0.0, 0
		for {
			batch, ok := supply.Next()
			if !ok {
				break
			}
			step++

			fp, err := t.forward(batch, false)
			if err != nil {
				return err
			}
			local := mean32(fp.perRay.Data)
			report.ViewLoss = append(report.ViewLoss, local)

			loss := t.comm.ReduceScalar(local)
			preds, err := t.comm.GatherTensor(fp.pred.Image)
			if err != nil {
				return errors.Wrap(err, "failed to gather predictions")
			}
			truths, err := t.comm.GatherTensor(fp.truth)
			if err != nil {
				return errors.Wrap(err, "failed to gather ground truth")
			}
			// depth is gathered only when every worker rendered it
			hasDepth := 0.0
			if len(fp.pred.Depth.Data) > 0 {
				hasDepth = 1
			}
			var depth tensor.Tensor
			if t.comm.ReduceScalar(hasDepth) == 1 {
				if depth, err = t.comm.GatherTensor(fp.pred.Depth); err != nil {
					return errors.Wrap(err, "failed to gather depth")
				}
			}
			total += loss

			if !coordinator {
				continue
			}
			sample := MetricSample{
				Pred:        preds,
				Truth:       truths,
				PredLengths: fp.pred.RayLengths,
				GTLengths:   batch.RayLengths,
				GTWeights:   batch.RayWeights,
			}
			for _, m := range t.metrics {
				if err := m.Update(sample); err != nil {
					t.log.Warn("metric update failed", "metric", m.Name(), "error", err)
				}
			}
			t.writeFrame(dir, fmt.Sprintf("%s_%04d", name, step), batch.H, batch.W, preds, depth)
			bar.Update(step, map[string]float64{"loss": loss, "avg": total / float64(step)})
		}
		if step == 0 {
			return errors.New("evaluation supply yielded no batches")
		}
		bar.Finish()
		report.Loss = total / float64(step)
		return nil
	})
	if err != nil {
		return EvalReport{}, err
	}

	if record {
		t.state.ValidLossHistory = append(t.state.ValidLossHistory, report.Loss)
	}
	if coordinator {
		report.Metrics = make(map[string]float64, len(t.metrics))
		for _, m := range t.metrics {
			report.Metrics[m.Name()] = m.Measure()
			t.log.Info(m.Report())
		}
		if record {
			result := report.Loss
			if !t.cfg.UseLossAsMetric && len(t.metrics) > 0 {
				result = t.metrics[0].Measure()
				if t.cfg.BestMode == "max" {
					result = -result
				}
			}
			t.state.ResultHistory = append(t.state.ResultHistory, result)
			report.Result = &result
		}
	}

	t.log.Info(fmt.Sprintf("++> Evaluate epoch %d Finished.", epoch))
	return report, nil
}

// Test renders every batch of supply with the EMA shadow swapped in and
// hands the frames to the frame sink under {workspace}/results
func (t *Trainer) Test(ctx context.Context, supply Supply, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		name = fmt.Sprintf("%s_ep%04d", t.cfg.Name, t.state.Epoch)
	}
	t.log.Info("==> Start Test, save results to " + filepath.Join(t.cfg.Workspace, "results"))

	err := t.withShadow(func() error {
		if acc, ok := accelerated(t.model); ok {
			if err := acc.RefreshAccelerationStructure(); err != nil {
				return errors.Wrap(err, "failed to refresh acceleration structure")
			}
		}
		supply.Reset()
		bar := t.progress("Test", supply.Len())
		step := 0
		for {
			batch, ok := supply.Next()
			if !ok {
				break
			}
			pred, _, err := t.render(batch, false)
			if err != nil {
				return err
			}
			for b := 0; b < pred.Image.Rows(); b++ {
				image, depth := rowOf(pred.Image, b), tensor.Tensor{}
				if pred.Depth.Rows() > b {
					depth = rowOf(pred.Depth, b)
				}
				t.writeFrame("results", fmt.Sprintf("%s_%04d", name, step), batch.H, batch.W, image, depth)
				step++
			}
			bar.Update(step, nil)
		}
		bar.Finish()
		return nil
	})
	if err != nil {
		return err
	}
	t.log.Info("==> Finished Test.")
	return nil
}

// FrameRequest describes an interactive render from an arbitrary camera
type FrameRequest struct {
	Pose       [16]float32 // camera-to-world, row-major
	Intrinsics [4]float32  // fx, fy, cx, cy at full resolution
	W, H       int
	Background []float32 // three values; empty means the model's own background
	Downscale  float64   // render resolution factor in (0, 1]; 0 means 1
	Perturb    bool
}

// RenderSingleFrame renders one frame with the EMA shadow swapped in. The
// frame is rendered at the downscaled resolution and upsampled with nearest
// neighbour to W x H.
func (t *Trainer) RenderSingleFrame(req FrameRequest) (*Frame, error) {
	if t.rays == nil {
		return nil, errors.New("no ray caster configured")
	}
	if req.W < 1 || req.H < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", req.W, req.H)
	}
	scale := req.Downscale
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	rh, rw := int(float64(req.H)*scale), int(float64(req.W)*scale)
	if rh < 1 {
		rh = 1
	}
	if rw < 1 {
		rw = 1
	}
	intrinsics := req.Intrinsics
	for i := range intrinsics {
		intrinsics[i] *= float32(scale)
	}

	raysO, raysD, err := t.rays.Rays(req.Pose, intrinsics, rh, rw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to cast rays")
	}
	var bg tensor.Tensor
	if len(req.Background) == 3 {
		if bg, err = tensor.New(1, rh*rw, 3); err != nil {
			return nil, err
		}
		for i := range bg.Data {
			bg.Data[i] = req.Background[i%3]
		}
	}

	var pred *Prediction
	err = t.withShadow(func() error {
		var err error
		pred, err = t.model.Render(RenderRequest{RaysO: raysO, RaysD: raysD, Background: bg, Perturb: req.Perturb, H: rh, W: rw})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "render failed")
	}
	if pred.Image.Numel() < rh*rw*3 {
		return nil, fmt.Errorf("model rendered %d values for a %dx%d frame", pred.Image.Numel(), rw, rh)
	}

	frame := &Frame{H: req.H, W: req.W, RGB: upsampleNearest(pred.Image.Data[:rh*rw*3], rh, rw, 3, req.H, req.W)}
	if pred.Depth.Numel() >= rh*rw {
		frame.Depth = upsampleNearest(pred.Depth.Data[:rh*rw], rh, rw, 1, req.H, req.W)
	}
	if t.cfg.ColorSpace == "linear" {
		LinearToSRGB(frame.RGB)
	}
	return frame, nil
}

// SaveMesh extracts an isosurface of the model density. An empty path
// means {workspace}/meshes/{name}_{epoch}.ply.
func (t *Trainer) SaveMesh(path string, resolution int, threshold float64) error {
	dm, ok := t.model.(DensityModel)
	if !ok {
		return errors.New("model does not expose density")
	}
	if t.meshes == nil {
		return errors.New("no mesh writer configured")
	}
	if resolution < 2 {
		return fmt.Errorf("mesh resolution must be at least 2, got %d", resolution)
	}
	if path == "" {
		path = filepath.Join(t.cfg.Workspace, "meshes", fmt.Sprintf("%s_%d.ply", t.cfg.Name, t.state.Epoch))
	}

	t.log.Info("==> Saving mesh to " + path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create mesh directory")
	}
	if err := t.meshes.WriteMesh(path, resolution, threshold, dm.Density); err != nil {
		return errors.Wrapf(err, "failed to write mesh %s", path)
	}
	t.log.Info("==> Finished saving mesh.")
	return nil
}

func (t *Trainer) withShadow(fn func() error) error {
	if t.ema == nil {
		return fn()
	}
	return t.ema.WithShadow(fn)
}

// writeFrame hands the first row of image (and depth) to the frame sink
// when it covers a full H x W image. Coordinator only.
func (t *Trainer) writeFrame(dir, name string, h, w int, image, depth tensor.Tensor) {
	if t.frames == nil || !t.comm.IsCoordinator() || h < 1 || w < 1 {
		return
	}
	if image.Rows() == 0 || image.RowSize() != h*w*3 {
		return
	}
	frame := &Frame{H: h, W: w, RGB: append([]float32(nil), image.Row(0)...)}
	if depth.Rows() > 0 && depth.RowSize() == h*w {
		frame.Depth = append([]float32(nil), depth.Row(0)...)
	}
	if t.cfg.ColorSpace == "linear" {
		LinearToSRGB(frame.RGB)
	}
	if err := t.frames.WriteFrame(filepath.Join(t.cfg.Workspace, dir), name, frame); err != nil {
		t.log.Warn("failed to write frame", "name", name, "error", err)
	}
}

// rowOf returns row i of t as a tensor with a leading dimension of one
func rowOf(t tensor.Tensor, i int) tensor.Tensor {
	shape := append([]int{1}, t.Shape[1:]...)
	row, _ := tensor.FromData(t.Row(i), shape...)
	return row
}

// upsampleNearest resizes an h x w x c image to oh x ow x c
func upsampleNearest(src []float32, h, w, c, oh, ow int) []float32 {
	out := make([]float32, oh*ow*c)
	for y := 0; y < oh; y++ {
		sy := y * h / oh
		for x := 0; x < ow; x++ {
			sx := x * w / ow
			copy(out[(y*ow+x)*c:(y*ow+x+1)*c], src[(sy*w+sx)*c:(sy*w+sx+1)*c])
		}
	}
	return out
}
