package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/tsawler/go-nerftrain/async"
	"github.com/tsawler/go-nerftrain/distributed"
	"github.com/tsawler/go-nerftrain/optimizer"
	"github.com/tsawler/go-nerftrain/storage"
	"github.com/tsawler/go-nerftrain/testbed"
	"github.com/tsawler/go-nerftrain/training"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "device":
		fmt.Println(training.DeviceDescription())
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: nerftrain <train|export|runs|device> [flags]", msg)
}

func runTrain(ctx context.Context, args []string) error {
	def := defaultJob()
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config file; flags override it")
	name := fs.String("name", def.Trainer.Name, "experiment name")
	workspace := fs.String("workspace", def.Trainer.Workspace, "workspace directory")
	ckpt := fs.String("ckpt", def.Trainer.UseCheckpoint, "checkpoint to resume: scratch|latest|latest_model|best|<path>")
	ckptFormat := fs.String("ckpt-format", def.Trainer.CheckpointFormat, "checkpoint encoding: proto|json")
	maxKeep := fs.Int("max-keep", def.Trainer.MaxKeepCheckpoints, "regular checkpoints kept on disk")
	evalInterval := fs.Int("eval-interval", def.Trainer.EvalInterval, "evaluate and save every N epochs")
	emaDecay := fs.Float64("ema", def.Trainer.EMADecay, "EMA decay, 0 disables")
	fp16 := fs.Bool("fp16", def.Trainer.FP16, "dynamic loss scaling")
	itersPerEpoch := fs.Int("iters-per-epoch", def.Trainer.StepsPerEpoch, "steps per epoch, 0 means one pass")
	seed := fs.Uint64("seed", def.Trainer.Seed, "random seed")
	mute := fs.Bool("mute", def.Trainer.Mute, "silence console logging")
	epochs := fs.Int("epochs", def.Epochs, "train up to this epoch")
	workers := fs.Int("workers", def.Workers, "in-process data-parallel workers")
	views := fs.Int("views", def.Views, "training views")
	size := fs.Int("size", def.Size, "image height and width")
	rays := fs.Int("rays", def.RaysPerBatch, "rays per batch, 0 trains on full images")
	prefetch := fs.Int("prefetch", def.Prefetch, "train batches built in the background, 0 disables")
	optName := fs.String("optimizer", def.Optimizer, "optimizer: adam|sgd")
	lr := fs.Float64("lr", def.LR, "learning rate")
	schedule := fs.String("schedule", def.Schedule, "lr schedule: constant|step|exponential|cosine|plateau")
	criterion := fs.String("criterion", def.Criterion, "loss: mse|huber")
	storeKind := fs.String("store", def.Store, "run ledger backend: memory|sqlite")
	dbPath := fs.String("db-path", def.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	job, err := loadOrDefaultJob(*configPath)
	if err != nil {
		return err
	}
	err = overrideFromFlags(&job, setFlags, map[string]any{
		"name":            *name,
		"workspace":       *workspace,
		"ckpt":            *ckpt,
		"ckpt-format":     *ckptFormat,
		"max-keep":        *maxKeep,
		"eval-interval":   *evalInterval,
		"ema":             *emaDecay,
		"fp16":            *fp16,
		"iters-per-epoch": *itersPerEpoch,
		"seed":            *seed,
		"mute":            *mute,
		"epochs":          *epochs,
		"workers":         *workers,
		"views":           *views,
		"size":            *size,
		"rays":            *rays,
		"prefetch":        *prefetch,
		"optimizer":       *optName,
		"lr":              *lr,
		"schedule":        *schedule,
		"criterion":       *criterion,
		"store":           *storeKind,
		"db-path":         *dbPath,
	})
	if err != nil {
		return err
	}

	store, err := storage.NewStore(job.Store, job.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	tr, err := trainJob(ctx, job, store)
	if err != nil {
		return err
	}
	state := tr.State()
	best := "none"
	if state.BestResult != nil {
		best = fmt.Sprintf("%.6f", *state.BestResult)
	}
	last := math.NaN()
	if n := len(state.LossHistory); n > 0 {
		last = state.LossHistory[n-1]
	}
	fmt.Printf("run=%s epoch=%d global_step=%d train_loss=%.6f best_result=%s\n",
		tr.RunID(), state.Epoch, state.GlobalStep, last, best)
	return nil
}

// trainJob builds one trainer per worker and trains them together. The
// coordinator's trainer is returned.
func trainJob(ctx context.Context, job jobConfig, store storage.Store) (*training.Trainer, error) {
	if job.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", job.Workers)
	}
	if job.ValidViews%job.Workers != 0 {
		return nil, fmt.Errorf("%d validation views cannot be split across %d workers", job.ValidViews, job.Workers)
	}

	var group *distributed.Group
	if job.Workers > 1 {
		var err error
		if group, err = distributed.NewGroup(job.Workers); err != nil {
			return nil, err
		}
	}

	// all trainers exist before any worker enters a collective
	workers := make([]workerParts, job.Workers)
	closeAll := func() {
		for _, w := range workers {
			if w.prefetch != nil {
				w.prefetch.Stop()
			}
			if w.trainer != nil {
				w.trainer.Close()
			}
		}
	}
	for rank := range workers {
		w, err := newWorker(job, store, group, rank)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("worker %d: %w", rank, err)
		}
		workers[rank] = w
	}
	defer closeAll()

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for rank := range workers {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			w := workers[rank]
			errs[rank] = w.trainer.Train(ctx, w.train, w.valid, job.Epochs)
		}(rank)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return workers[0].trainer, nil
}

type workerParts struct {
	trainer  *training.Trainer
	train    training.Supply
	valid    *testbed.ViewSupply
	prefetch *async.Prefetcher // wraps train when enabled
}

func newWorker(job jobConfig, store storage.Store, group *distributed.Group, rank int) (workerParts, error) {
	model := testbed.NewFieldModel(testbed.FieldOptions{Seed: job.Trainer.Seed, Residual: 1, Accelerate: true})
	target := testbed.FieldOptions{Seed: job.Trainer.Seed + 1000}

	train, err := testbed.NewViewSupply(testbed.SupplyConfig{
		Views: job.Views, H: job.Size, W: job.Size,
		RaysPerBatch: job.RaysPerBatch, Shuffle: true, ErrorMap: job.ErrorMap,
		Seed: job.Trainer.Seed, Target: target,
		Rank: rank, WorldSize: job.Workers,
	})
	if err != nil {
		return workerParts{}, err
	}
	valid, err := testbed.NewViewSupply(testbed.SupplyConfig{
		Views: job.ValidViews, H: job.Size, W: job.Size,
		Seed: job.Trainer.Seed, Target: target,
		Rank: rank, WorldSize: job.Workers,
	})
	if err != nil {
		return workerParts{}, err
	}

	opt, err := optimizer.New(model.Parameters(), optimizer.Config{Type: job.Optimizer, LR: job.LR, WeightDecay: job.WeightDecay})
	if err != nil {
		return workerParts{}, err
	}
	sched, err := buildSchedule(job)
	if err != nil {
		return workerParts{}, err
	}
	crit, err := buildCriterion(job.Criterion)
	if err != nil {
		return workerParts{}, err
	}
	metrics, err := buildMetrics(job.Metrics)
	if err != nil {
		return workerParts{}, err
	}

	opts := []training.Option{
		training.WithOptimizer(opt),
		training.WithSchedule(sched),
		training.WithCriterion(crit),
		training.WithMetrics(metrics...),
		training.WithStore(store),
		training.WithFrameSink(testbed.PNGSink{}),
	}
	if group != nil {
		comm, err := group.Comm(rank)
		if err != nil {
			return workerParts{}, err
		}
		opts = append(opts, training.WithComm(comm))
	}

	parts := workerParts{train: train, valid: valid}
	if job.Prefetch > 0 {
		p, err := async.NewPrefetcher(train, async.PrefetcherConfig{PrefetchDepth: job.Prefetch})
		if err != nil {
			return workerParts{}, err
		}
		parts.train, parts.prefetch = p, p
	}

	tr, err := training.NewTrainer(job.Trainer, model, opts...)
	if err != nil {
		return workerParts{}, err
	}
	parts.trainer = tr
	return parts, nil
}

func buildSchedule(job jobConfig) (training.Schedule, error) {
	switch job.Schedule {
	case "", "constant":
		return training.NewFixedSchedule(training.ConstantRule{}, job.LR), nil
	case "step":
		return training.NewFixedSchedule(training.NewStepDecayRule(max(job.Epochs/3, 1), 0.1), job.LR), nil
	case "exponential":
		// decays to a tenth over the run
		gamma := math.Pow(0.1, 1/float64(max(job.Epochs, 1)))
		return training.NewFixedSchedule(training.NewExponentialRule(gamma), job.LR), nil
	case "cosine":
		return training.NewFixedSchedule(training.NewCosineRule(max(job.Epochs, 1), job.LR*0.01), job.LR), nil
	case "plateau":
		return training.NewPlateauSchedule(job.LR, 0.5, 2, 1e-4), nil
	default:
		return nil, fmt.Errorf("unknown lr schedule %q", job.Schedule)
	}
}

func buildCriterion(name string) (training.Criterion, error) {
	switch name {
	case "", "mse":
		return training.MSECriterion{}, nil
	case "huber":
		return training.HuberCriterion{Delta: 0.1}, nil
	default:
		return nil, fmt.Errorf("unknown criterion %q", name)
	}
}

func buildMetrics(names []string) ([]training.Metric, error) {
	var metrics []training.Metric
	for _, name := range names {
		switch name {
		case "psnr":
			metrics = append(metrics, training.NewPSNRMeter())
		case "distance":
			metrics = append(metrics, training.NewDistanceMeter())
		default:
			return nil, fmt.Errorf("unknown metric %q", name)
		}
	}
	return metrics, nil
}

func runExport(ctx context.Context, args []string) error {
	def := defaultJob()
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config file; flags override it")
	name := fs.String("name", def.Trainer.Name, "experiment name")
	workspace := fs.String("workspace", def.Trainer.Workspace, "workspace directory")
	ckpt := fs.String("ckpt", training.RefBest, "checkpoint to load: latest|best|<path>")
	size := fs.Int("size", def.Size, "frame height and width")
	angle := fs.Float64("angle", 0, "orbit angle of the camera in degrees")
	downscale := fs.Float64("downscale", 1, "render resolution factor in (0, 1]")
	meshRes := fs.Int("mesh-resolution", 32, "mesh grid resolution, 0 skips the mesh")
	threshold := fs.Float64("threshold", 0.5, "density threshold for the mesh")
	views := fs.Int("views", 0, "also render this many orbit views into results/")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	job, err := loadOrDefaultJob(*configPath)
	if err != nil {
		return err
	}
	err = overrideFromFlags(&job, setFlags, map[string]any{
		"name":      *name,
		"workspace": *workspace,
		"size":      *size,
	})
	if err != nil {
		return err
	}
	job.Trainer.UseCheckpoint = *ckpt
	job.Trainer.Mute = true

	model := testbed.NewFieldModel(testbed.FieldOptions{Seed: job.Trainer.Seed, Residual: 1, Accelerate: true})
	tr, err := training.NewTrainer(job.Trainer, model,
		training.WithRayCaster(testbed.PinholeCaster{}),
		training.WithMeshWriter(testbed.PointCloudWriter{}),
		training.WithFrameSink(testbed.PNGSink{}))
	if err != nil {
		return err
	}
	defer tr.Close()

	s := float32(job.Size)
	frame, err := tr.RenderSingleFrame(training.FrameRequest{
		Pose:       testbed.OrbitPose(*angle*math.Pi/180, 3),
		Intrinsics: [4]float32{s, s, s / 2, s / 2},
		W:          job.Size,
		H:          job.Size,
		Downscale:  *downscale,
	})
	if err != nil {
		return err
	}
	frameName := fmt.Sprintf("%s_%03.0f", job.Trainer.Name, *angle)
	if err := (testbed.PNGSink{}).WriteFrame(filepath.Join(job.Trainer.Workspace, "exports"), frameName, frame); err != nil {
		return err
	}
	fmt.Printf("frame=%s\n", filepath.Join(job.Trainer.Workspace, "exports", frameName+".png"))

	if *views > 0 {
		supply, err := testbed.NewViewSupply(testbed.SupplyConfig{
			Views: *views, H: job.Size, W: job.Size,
			Target: testbed.FieldOptions{Seed: job.Trainer.Seed + 1000},
		})
		if err != nil {
			return err
		}
		if err := tr.Test(ctx, supply, ""); err != nil {
			return err
		}
	}

	if *meshRes > 0 {
		if err := tr.SaveMesh("", *meshRes, *threshold); err != nil {
			return err
		}
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	def := defaultJob()
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", "sqlite", "run ledger backend: memory|sqlite")
	dbPath := fs.String("db-path", def.DBPath, "sqlite database path")
	name := fs.String("name", "", "only runs of this experiment")
	epochs := fs.Bool("epochs", false, "list every recorded epoch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	runs, err := store.ListRuns(ctx, *name)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, r := range runs {
		records, err := store.ListEpochs(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Printf("run=%s name=%s started=%s workers=%d device=%q epochs=%d\n",
			r.ID, r.Name, r.StartedAt.Format("2006-01-02T15:04:05Z"), r.WorldSize, r.Device, len(records))
		if !*epochs {
			continue
		}
		for _, rec := range records {
			valid, result := "-", "-"
			if rec.ValidLoss != nil {
				valid = fmt.Sprintf("%.6f", *rec.ValidLoss)
			}
			if rec.Result != nil {
				result = fmt.Sprintf("%.6f", *rec.Result)
			}
			fmt.Printf("  epoch=%d step=%d train_loss=%.6f valid_loss=%s result=%s lr=%g ckpt=%s\n",
				rec.Epoch, rec.GlobalStep, rec.TrainLoss, valid, result, rec.LR, rec.Checkpoint)
		}
	}
	return nil
}
