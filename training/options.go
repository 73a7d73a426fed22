package training

import (
	"io"

	"github.com/tsawler/go-nerftrain/distributed"
	"github.com/tsawler/go-nerftrain/optimizer"
	"github.com/tsawler/go-nerftrain/storage"
)

// Option customises a Trainer at construction
type Option func(*Trainer)

// WithOptimizer replaces the default Adam optimizer
func WithOptimizer(opt optimizer.Optimizer) Option {
	return func(t *Trainer) { t.opt = opt }
}

// WithSchedule sets the learning rate schedule. The default keeps the
// optimizer's rate constant.
func WithSchedule(s Schedule) Option {
	return func(t *Trainer) { t.schedule = s }
}

// WithCriterion replaces the default squared error loss
func WithCriterion(c Criterion) Option {
	return func(t *Trainer) { t.criterion = c }
}

// WithMetrics sets the evaluation metrics. The first one drives best
// checkpoint tracking unless UseLossAsMetric is set.
func WithMetrics(metrics ...Metric) Option {
	return func(t *Trainer) { t.metrics = append([]Metric(nil), metrics...) }
}

// WithComm makes the trainer one worker of a group
func WithComm(c distributed.Comm) Option {
	return func(t *Trainer) { t.comm = c }
}

// WithStore records the run and its epochs in a ledger. The store must
// already be initialised.
func WithStore(s storage.Store) Option {
	return func(t *Trainer) { t.store = s }
}

// WithFrameSink stores evaluation and test frames
func WithFrameSink(s FrameSink) Option {
	return func(t *Trainer) { t.frames = s }
}

// WithMeshWriter enables SaveMesh
func WithMeshWriter(w MeshWriter) Option {
	return func(t *Trainer) { t.meshes = w }
}

// WithRayCaster enables RenderSingleFrame
func WithRayCaster(r RayCaster) Option {
	return func(t *Trainer) { t.rays = r }
}

// WithConsole redirects console output, which defaults to stdout
func WithConsole(w io.Writer) Option {
	return func(t *Trainer) { t.console = w }
}

// WithEvalTrainSupply adds an evaluation pass over the training views
// before each validation pass
func WithEvalTrainSupply(s Supply) Option {
	return func(t *Trainer) { t.evalTrain = s }
}
