package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-nerftrain/amp"
	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/distributed"
	"github.com/tsawler/go-nerftrain/ema"
	"github.com/tsawler/go-nerftrain/errormap"
	"github.com/tsawler/go-nerftrain/optimizer"
	"github.com/tsawler/go-nerftrain/storage"
	"github.com/tsawler/go-nerftrain/tensor"
)

// Trainer drives the optimisation of a scene model: epochs of coordinated
// steps, periodic evaluation, checkpoints with bounded retention and best
// tracking, and an optional EMA shadow used for evaluation and export.
//
// A Trainer is one worker. Multi-worker training runs one Trainer per
// goroutine, each with its own Comm from the same group; only the
// coordinating worker writes files.
type Trainer struct {
	cfg       Config
	model     Model
	criterion Criterion
	metrics   []Metric
	comm      distributed.Comm
	store     storage.Store
	frames    FrameSink
	meshes    MeshWriter
	rays      RayCaster
	console   io.Writer
	evalTrain Supply

	opt      optimizer.Optimizer
	schedule Schedule
	steps    *StepCoordinator
	ema      *ema.Shadow
	ckpt     *CheckpointManager
	errorMap *errormap.Map
	rng      *rand.Rand

	state          checkpoints.TrainerState
	completedEpoch int
	runID          string

	log     *slog.Logger
	logFile io.Closer
}

// BurstReport summarises a TrainForNSteps call
type BurstReport struct {
	Loss    float64 // Mean loss over the burst
	LR      float64 // Learning rate after the burst
	Steps   int
	Skipped int // Steps whose update was skipped on overflow
}

// NewTrainer creates a trainer for model, then restores from the checkpoint
// named by cfg.UseCheckpoint
func NewTrainer(cfg Config, model Model, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid trainer config")
	}
	if model == nil {
		return nil, errors.New("model is required")
	}

	t := &Trainer{
		cfg:       cfg,
		model:     model,
		criterion: MSECriterion{},
		comm:      distributed.Solo(),
		console:   os.Stdout,
		state:     checkpoints.NewTrainerState(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if len(t.metrics) == 0 || t.cfg.UseLossAsMetric {
		t.cfg.BestMode = "min"
	}

	logger, logFile, err := newLogger(t.cfg, t.console, t.comm.Rank())
	if err != nil {
		return nil, err
	}
	t.log, t.logFile = logger, logFile
	t.rng = rand.New(rand.NewPCG(t.cfg.Seed, uint64(t.comm.Rank())))

	if t.opt == nil {
		t.opt, err = optimizer.New(model.Parameters(), optimizer.DefaultConfig())
		if err != nil {
			t.Close()
			return nil, errors.Wrap(err, "failed to create optimizer")
		}
	}
	scaler := amp.Disabled()
	if t.cfg.FP16 {
		scaler = amp.NewGradScaler(amp.DefaultConfig())
	}
	t.steps = NewStepCoordinator(t.opt, scaler, t.schedule, t.cfg.SchedulerPerStep)

	if t.cfg.EMADecay > 0 {
		t.ema, err = ema.New(model.Parameters(), t.cfg.EMADecay)
		if err != nil {
			t.Close()
			return nil, err
		}
	}

	t.ckpt = NewCheckpointManager(t)
	if t.comm.IsCoordinator() {
		if err := os.MkdirAll(t.ckpt.Dir(), 0755); err != nil {
			t.Close()
			return nil, errors.Wrap(err, "failed to create checkpoint directory")
		}
	}

	precision := "fp32"
	if t.cfg.FP16 {
		precision = "fp16"
	}
	device := DeviceDescription()
	t.log.Info(fmt.Sprintf("[INFO] Trainer: %s | %s | %s | %s | %s",
		t.cfg.Name, time.Now().Format("2006-01-02_15-04-05"), device, precision, t.cfg.Workspace))
	t.log.Info(fmt.Sprintf("[INFO] #parameters: %d", tensor.CountElements(model.Parameters())))
	if t.comm.IsCoordinator() && !t.cfg.Mute && t.console != nil {
		PrintParameterSummary(t.console, model.Parameters())
	}

	report := t.ckpt.Load(t.cfg.UseCheckpoint, false)
	if report.Err != nil && !errors.Is(report.Err, ErrNoCheckpoint) {
		t.log.Warn("checkpoint could not be restored", "error", report.Err)
	}

	t.registerRun(device)
	return t, nil
}

func (t *Trainer) registerRun(device string) {
	if t.store == nil || !t.comm.IsCoordinator() {
		return
	}
	run := storage.Run{
		SchemaVersion: storage.CurrentSchemaVersion,
		ID:            storage.NewRunID(),
		Name:          t.cfg.Name,
		Workspace:     t.cfg.Workspace,
		WorldSize:     t.comm.WorldSize(),
		Device:        device,
		StartedAt:     time.Now().UTC(),
		Settings: map[string]string{
			"optimizer":         t.steps.Optimizer().Name(),
			"schedule":          t.steps.Schedule().Name(),
			"criterion":         t.criterion.Name(),
			"fp16":              strconv.FormatBool(t.cfg.FP16),
			"ema_decay":         strconv.FormatFloat(t.cfg.EMADecay, 'g', -1, 64),
			"checkpoint_format": t.cfg.CheckpointFormat,
			"resumed_epoch":     strconv.Itoa(t.completedEpoch),
		},
	}
	if err := t.store.SaveRun(context.Background(), run); err != nil {
		t.log.Warn("run ledger disabled", "error", err)
		t.store = nil
		return
	}
	t.runID = run.ID
}

// Close releases the log file
func (t *Trainer) Close() error {
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}

// State returns a copy of the trainer bookkeeping
func (t *Trainer) State() checkpoints.TrainerState {
	return t.state.Clone()
}

// Epoch returns the current epoch
func (t *Trainer) Epoch() int { return t.state.Epoch }

// GlobalStep returns the number of steps taken so far
func (t *Trainer) GlobalStep() int { return t.state.GlobalStep }

// RunID returns the ledger id of this run, or "" without a ledger
func (t *Trainer) RunID() string { return t.runID }

// Checkpoints returns the checkpoint manager
func (t *Trainer) Checkpoints() *CheckpointManager { return t.ckpt }

// Steps returns the step coordinator
func (t *Trainer) Steps() *StepCoordinator { return t.steps }

// EMA returns the parameter shadow, or nil when disabled
func (t *Trainer) EMA() *ema.Shadow { return t.ema }

// ErrorMap returns the error map taken from the training supply, if any
func (t *Trainer) ErrorMap() *errormap.Map { return t.errorMap }

// Logger returns the trainer logger
func (t *Trainer) Logger() *slog.Logger { return t.log }

// Train runs epochs from the current epoch up to maxEpochs. Cancellation is
// checked between epochs.
func (t *Trainer) Train(ctx context.Context, train, valid Supply, maxEpochs int) error {
	if maxEpochs < 1 {
		return fmt.Errorf("max epochs must be at least 1, got %d", maxEpochs)
	}
	if train == nil {
		return errors.New("training supply is required")
	}

	if err := t.attachSupply(train, true); err != nil {
		return err
	}
	if err := t.TrainLatestOnly(ctx, train, t.cfg.ActiveLatestIters); err != nil {
		return err
	}

	start := t.state.Epoch
	if t.completedEpoch+1 > start {
		start = t.completedEpoch + 1
	}
	for epoch := start; epoch <= maxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training stopped before epoch %d", epoch)
		}
		t.state.Epoch = epoch

		trainLoss, err := t.trainOneEpoch(train)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}

		var validLoss, result *float64
		evaluated := false
		if valid != nil && epoch%t.cfg.EvalInterval == 0 {
			var trainReport *EvalReport
			if t.evalTrain != nil {
				r, err := t.evaluateOneEpoch(t.evalTrain, "trainset_validation", "", false)
				if err != nil {
					return errors.Wrapf(err, "epoch %d train-view evaluation", epoch)
				}
				trainReport = &r
			}
			report, err := t.evaluateOneEpoch(valid, "valset_validation", "", true)
			if err != nil {
				return errors.Wrapf(err, "epoch %d evaluation", epoch)
			}
			if trainReport != nil {
				if maxTrain := floats.Max(trainReport.ViewLoss); maxTrain > 0 {
					t.log.Info(fmt.Sprintf("++> max valid loss / max train loss = %.4f", floats.Max(report.ViewLoss)/maxTrain))
				}
			}
			evaluated = true
			validLoss = &report.Loss
			result = report.Result
		}

		if !t.comm.IsCoordinator() {
			continue
		}
		var saved string
		if (!t.cfg.SaveMaxEpochOnly && epoch%t.cfg.EvalInterval == 0) || (t.cfg.SaveMaxEpochOnly && epoch == maxEpochs) {
			if res := t.ckpt.Save(SaveRequest{Full: true, TrainSize: train.Len()}); res.Written {
				saved = res.Path
			}
		}
		if t.cfg.SaveBest && evaluated {
			t.ckpt.Save(SaveRequest{Best: true, TrainSize: train.Len()})
		}
		t.recordEpoch(ctx, trainLoss, validLoss, result, saved)
	}
	return nil
}

// attachSupply marks the regions the supply's cameras see and takes a
// reference to its error map
func (t *Trainer) attachSupply(supply Supply, markVisibility bool) error {
	if acc, ok := accelerated(t.model); ok && markVisibility {
		if src, ok := supply.(CameraSource); ok {
			if cams := src.Cameras(); len(cams.Poses) > 0 {
				if err := acc.MarkRegionVisibility(cams); err != nil {
					return errors.Wrap(err, "failed to mark visible regions")
				}
			}
		}
	}
	if src, ok := supply.(ErrorMapSource); ok {
		t.errorMap = src.ErrorMap()
	}
	return nil
}

func (t *Trainer) recordEpoch(ctx context.Context, trainLoss float64, validLoss, result *float64, checkpoint string) {
	if t.store == nil {
		return
	}
	rec := storage.EpochRecord{
		RunID:      t.runID,
		Epoch:      t.state.Epoch,
		GlobalStep: t.state.GlobalStep,
		TrainLoss:  trainLoss,
		ValidLoss:  validLoss,
		Result:     result,
		LR:         t.steps.Optimizer().GetLR(),
		Checkpoint: checkpoint,
	}
	if err := t.store.AppendEpoch(ctx, rec); err != nil {
		t.log.Warn("failed to record epoch", "epoch", t.state.Epoch, "error", err)
	}
}

func (t *Trainer) trainOneEpoch(supply Supply) (float64, error) {
	epoch := t.state.Epoch
	t.log.Info(fmt.Sprintf("==> Start Training Epoch %d, lr=%.6f ...", epoch, t.steps.Optimizer().GetLR()))

	if setter, ok := supply.(EpochSetter); ok && t.comm.WorldSize() > 1 {
		setter.SetEpoch(epoch)
	}
	t.clearTrainMetrics()

	steps, cyclic := supply.Len(), false
	if t.cfg.StepsPerEpoch > 0 {
		steps, cyclic = t.cfg.StepsPerEpoch, true
	}

	supply.Reset()
	bar := t.progress(fmt.Sprintf("Epoch %d", epoch), steps)
	total, taken := 0.0, 0
	for taken < steps {
		batch, ok := supply.Next()
		if !ok {
			if !cyclic {
				break
			}
			supply.Reset()
			if batch, ok = supply.Next(); !ok {
				return 0, errors.New("training supply yielded no batches")
			}
		}

		out, err := t.trainStep(batch)
		if err != nil {
			return 0, err
		}
		total += out.loss
		taken++
		bar.Update(taken, map[string]float64{"loss": out.loss, "avg": total / float64(taken)})
	}
	if taken == 0 {
		return 0, errors.New("training supply yielded no batches")
	}
	bar.Finish()

	avg := total / float64(taken)
	t.state.LossHistory = append(t.state.LossHistory, avg)
	t.reportTrainMetrics()
	t.steps.EndEpoch(t.comm.ReduceScalar(avg))
	t.completedEpoch = epoch

	t.log.Info(fmt.Sprintf("==> Finished Epoch %d, loss=%.6f.", epoch, avg))
	return avg, nil
}

// TrainLatestOnly trains on the supply's newest view for iters steps
// before regular epochs start. The supply must implement Collator.
func (t *Trainer) TrainLatestOnly(ctx context.Context, supply Supply, iters int) error {
	if iters <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	collator, ok := supply.(Collator)
	if !ok {
		t.log.Warn("[WARN] supply cannot collate the latest view, skip active training.")
		return nil
	}

	t.clearTrainMetrics()
	bar := t.progress("Latest view", iters)
	total := 0.0
	for i := 0; i < iters; i++ {
		batch, err := collator.Collate([]int{-1})
		if err != nil {
			return errors.Wrap(err, "failed to collate the latest view")
		}
		out, err := t.trainStep(batch)
		if err != nil {
			return err
		}
		total += out.loss
		bar.Update(i+1, map[string]float64{"loss": out.loss, "avg": total / float64(i+1)})
	}
	bar.Finish()

	t.state.LossHistory = append(t.state.LossHistory, total/float64(iters))
	t.reportTrainMetrics()
	t.log.Info(fmt.Sprintf("==> Finished active training on latest data for num_iters %d.", iters))
	return nil
}

// TrainForNSteps runs exactly n steps, restarting the supply whenever it
// runs out. Per-epoch schedules advance once with the burst mean.
func (t *Trainer) TrainForNSteps(ctx context.Context, supply Supply, n int) (BurstReport, error) {
	if n < 1 {
		return BurstReport{}, fmt.Errorf("step count must be at least 1, got %d", n)
	}
	if err := ctx.Err(); err != nil {
		return BurstReport{}, err
	}
	if err := t.attachSupply(supply, t.state.GlobalStep == 0); err != nil {
		return BurstReport{}, err
	}

	skippedBefore := t.steps.Skipped()
	total := 0.0
	supply.Reset()
	for i := 0; i < n; i++ {
		batch, ok := supply.Next()
		if !ok {
			supply.Reset()
			if batch, ok = supply.Next(); !ok {
				return BurstReport{}, errors.New("training supply yielded no batches")
			}
		}
		out, err := t.trainStep(batch)
		if err != nil {
			return BurstReport{}, err
		}
		total += out.loss
	}

	avg := total / float64(n)
	lr := t.steps.EndEpoch(t.comm.ReduceScalar(avg))
	return BurstReport{
		Loss:    avg,
		LR:      lr,
		Steps:   n,
		Skipped: int(t.steps.Skipped() - skippedBefore),
	}, nil
}

type stepOutcome struct {
	loss    float64
	applied bool
}

// trainStep runs one optimisation step on a batch
func (t *Trainer) trainStep(batch *Batch) (stepOutcome, error) {
	if acc, ok := accelerated(t.model); ok && t.state.GlobalStep%t.cfg.RefreshEvery == 0 {
		if err := acc.RefreshAccelerationStructure(); err != nil {
			return stepOutcome{}, errors.Wrap(err, "failed to refresh acceleration structure")
		}
	}
	t.state.GlobalStep++

	var pass *forwardPass
	res, err := t.steps.Step(func(scale float32) (float64, error) {
		fp, err := t.forward(batch, true)
		if err != nil {
			return 0, err
		}
		pass = fp
		t.updateErrorMap(batch, fp.perRay)

		if scale != 1 {
			for i := range fp.grad.Data {
				fp.grad.Data[i] *= scale
			}
		}
		if err := t.model.Backward(fp.grad); err != nil {
			return 0, errors.Wrap(err, "backward failed")
		}
		if err := t.syncGradients(); err != nil {
			return 0, err
		}
		return mean32(fp.perRay.Data), nil
	})
	if err != nil {
		return stepOutcome{}, errors.Wrapf(err, "step %d", t.state.GlobalStep)
	}

	if t.ema != nil {
		t.ema.Update()
	}
	if t.cfg.ReportMetricAtTrain && t.comm.IsCoordinator() {
		sample := MetricSample{Pred: pass.pred.Image, Truth: pass.truth}
		for _, m := range t.metrics {
			if err := m.Update(sample); err != nil {
				t.log.Warn("metric update failed", "metric", m.Name(), "error", err)
			}
		}
	}
	return stepOutcome{loss: res.Loss, applied: res.Applied}, nil
}

type forwardPass struct {
	pred   *Prediction
	truth  tensor.Tensor // [B, N, 3]
	perRay tensor.Tensor // [B, N]
	grad   tensor.Tensor // d mean(perRay) / d pred.Image
}

// render runs the model on a batch. Training renders over a random
// per-pixel background with perturbed samples; evaluation uses white.
func (t *Trainer) render(batch *Batch, training bool) (*Prediction, tensor.Tensor, error) {
	shape := batch.RaysO.Shape
	if len(shape) < 2 {
		return nil, tensor.Tensor{}, fmt.Errorf("rays need a batch dimension, got shape %v", shape)
	}
	bgShape := append(append([]int(nil), shape[:len(shape)-1]...), 3)
	bg, err := tensor.New(bgShape...)
	if err != nil {
		return nil, tensor.Tensor{}, err
	}
	for i := range bg.Data {
		if training {
			bg.Data[i] = t.rng.Float32()
		} else {
			bg.Data[i] = 1
		}
	}

	pred, err := t.model.Render(RenderRequest{
		RaysO:      batch.RaysO,
		RaysD:      batch.RaysD,
		Background: bg,
		Perturb:    training,
		ForceAll:   !training,
		H:          batch.H,
		W:          batch.W,
	})
	if err != nil {
		return nil, tensor.Tensor{}, errors.Wrap(err, "render failed")
	}
	return pred, bg, nil
}

// forward renders a batch and scores it against its ground truth
func (t *Trainer) forward(batch *Batch, training bool) (*forwardPass, error) {
	if batch.Images == nil {
		return nil, errors.New("batch carries no ground truth images")
	}
	images := batch.Images
	channels := images.Shape[len(images.Shape)-1]
	if channels != 3 && channels != 4 {
		return nil, fmt.Errorf("ground truth must have 3 or 4 channels, got %d", channels)
	}

	pred, bg, err := t.render(batch, training)
	if err != nil {
		return nil, err
	}

	data := images.Data
	if t.cfg.ColorSpace == "linear" {
		data = append([]float32(nil), data...)
		for i := 0; i+3 <= len(data); i += channels {
			SRGBToLinear(data[i : i+3])
		}
	}
	gt := composite(data, channels, bg.Data)
	if len(gt) != len(bg.Data) {
		return nil, fmt.Errorf("ground truth %v does not match rays %v", images.Shape, batch.RaysO.Shape)
	}
	truth, err := tensor.FromData(gt, bg.Shape...)
	if err != nil {
		return nil, err
	}

	perRay, grad, err := t.criterion.Evaluate(pred.Image, truth)
	if err != nil {
		return nil, errors.Wrap(err, "loss failed")
	}
	return &forwardPass{pred: pred, truth: truth, perRay: perRay, grad: grad}, nil
}

// updateErrorMap feeds the per-ray loss back to the sampled coarse cells
func (t *Trainer) updateErrorMap(batch *Batch, perRay tensor.Tensor) {
	if t.errorMap == nil || len(batch.Index) == 0 || len(batch.IndsCoarse) != len(batch.Index) {
		return
	}
	views := len(batch.Index)
	per := len(perRay.Data) / views
	observed := make([][]float32, views)
	for b := range observed {
		observed[b] = perRay.Data[b*per : (b+1)*per]
	}
	if err := t.errorMap.Update(batch.Index, batch.IndsCoarse, observed); err != nil {
		t.log.Warn("error map update skipped", "error", err)
	}
}

// syncGradients averages parameter gradients across workers
func (t *Trainer) syncGradients() error {
	world := t.comm.WorldSize()
	if world == 1 {
		return nil
	}
	params := t.steps.Optimizer().Parameters()
	var flat []float32
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	local, err := tensor.FromData(flat, 1, len(flat))
	if err != nil {
		return err
	}
	all, err := t.comm.GatherTensor(local)
	if err != nil {
		return errors.Wrap(err, "gradient exchange failed")
	}
	for i := range flat {
		var sum float32
		for r := 0; r < world; r++ {
			sum += all.Data[r*len(flat)+i]
		}
		flat[i] = sum / float32(world)
	}
	offset := 0
	for _, p := range params {
		offset += copy(p.Grad, flat[offset:offset+len(p.Grad)])
	}
	return nil
}

func (t *Trainer) clearTrainMetrics() {
	if !t.cfg.ReportMetricAtTrain || !t.comm.IsCoordinator() {
		return
	}
	for _, m := range t.metrics {
		m.Clear()
	}
}

func (t *Trainer) reportTrainMetrics() {
	if !t.cfg.ReportMetricAtTrain || !t.comm.IsCoordinator() {
		return
	}
	for _, m := range t.metrics {
		t.log.Info(m.Report(), "phase", "train")
		m.Clear()
	}
}

func (t *Trainer) progress(description string, total int) *ProgressBar {
	if !t.comm.IsCoordinator() || t.cfg.Mute {
		return NewProgressBar(nil, description, total)
	}
	return NewProgressBar(t.console, description, total)
}

func mean32(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	buf := make([]float64, len(v))
	for i, x := range v {
		buf[i] = float64(x)
	}
	return floats.Sum(buf) / float64(len(buf))
}
