package training

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/tsawler/go-nerftrain/checkpoints"
	"github.com/tsawler/go-nerftrain/tensor"
)

// ErrNoCheckpoint is reported when a checkpoint reference resolves to no file
var ErrNoCheckpoint = errors.New("no checkpoint found")

// SaveRequest selects what a save writes
type SaveRequest struct {
	Full      bool // Include optimizer, schedule, scaler and EMA state
	Best      bool // Write the best checkpoint instead of a regular one
	TrainSize int  // Number of training batches, recorded in the file name
}

// SaveResult reports what a save did. Save never fails training; any I/O or
// encoding error is logged and returned in Err.
type SaveResult struct {
	Path        string   // Regular checkpoint written
	BestPath    string   // Best checkpoint written
	SiblingPath string   // Epoch-tagged copy of the best checkpoint
	Written     bool     // False when a best save found no improvement
	Evicted     []string // Regular checkpoints dropped by retention
	Err         error
}

// LatestFilter narrows which regular checkpoints "latest" may resolve to.
// Zero fields match anything.
type LatestFilter struct {
	TrainSize int
	Epoch     int
}

// LoadReport describes a checkpoint load. Name lists are sorted.
type LoadReport struct {
	Path       string
	Found      bool
	Bare       bool     // The file held only a parameter set
	Missing    []string // Model parameters absent from the file
	Unexpected []string // File parameters the model does not have
	Mismatched []string // Parameters skipped because their shape differs
	Restored   []string // Components restored, in restore order
	Failed     []string // Components whose restore failed
	Err        error
}

// CheckpointManager handles checkpoint saving and loading for a Trainer.
// Files live in {workspace}/checkpoints.
type CheckpointManager struct {
	trainer *Trainer
	saver   *checkpoints.CheckpointSaver
	dir     string
	ext     string
	pattern *regexp.Regexp
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(trainer *Trainer) *CheckpointManager {
	format, _ := checkpoints.ParseFormat(trainer.cfg.CheckpointFormat)
	ext := format.Extension()
	return &CheckpointManager{
		trainer: trainer,
		saver:   checkpoints.NewCheckpointSaver(format),
		dir:     filepath.Join(trainer.cfg.Workspace, "checkpoints"),
		ext:     ext,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(trainer.cfg.Name) + `_trainsize(\d+)_ep(\d{4})\.` + regexp.QuoteMeta(ext) + `$`),
	}
}

// Dir returns the checkpoint directory
func (cm *CheckpointManager) Dir() string {
	return cm.dir
}

// BestPath returns where the best checkpoint is written
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.dir, cm.trainer.cfg.Name+"."+cm.ext)
}

// RegularPath returns the regular checkpoint path for an epoch
func (cm *CheckpointManager) RegularPath(trainSize, epoch int) string {
	return filepath.Join(cm.dir, fmt.Sprintf("%s_trainsize%d_ep%04d.%s", cm.trainer.cfg.Name, trainSize, epoch, cm.ext))
}

// Save writes a regular or best checkpoint
func (cm *CheckpointManager) Save(req SaveRequest) SaveResult {
	if req.Best {
		return cm.saveBest(req)
	}
	return cm.saveRegular(req)
}

func (cm *CheckpointManager) saveRegular(req SaveRequest) SaveResult {
	t := cm.trainer
	path := cm.RegularPath(req.TrainSize, t.state.Epoch)
	result := SaveResult{Path: path}

	paths := append([]string(nil), t.state.CheckpointPaths...)
	if n := len(paths); n == 0 || paths[n-1] != path {
		paths = append(paths, path)
	}
	var evicted []string
	if extra := len(paths) - t.cfg.MaxKeepCheckpoints; extra > 0 {
		evicted, paths = paths[:extra], paths[extra:]
	}

	rec, err := cm.buildRecord(req.Full, false)
	if err != nil {
		result.Err = err
		t.log.Warn("failed to build checkpoint", "path", path, "error", err)
		return result
	}
	rec.State.CheckpointPaths = append([]string(nil), paths...)

	// the retention list only changes once the new file is on disk
	if err := cm.saver.SaveCheckpoint(rec, path); err != nil {
		result.Err = err
		t.log.Warn("failed to save checkpoint", "path", path, "error", err)
		return result
	}
	result.Written = true

	t.state.CheckpointPaths = paths
	for _, old := range evicted {
		result.Evicted = append(result.Evicted, old)
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			t.log.Warn("failed to remove old checkpoint", "path", old, "error", err)
		}
	}
	return result
}

func (cm *CheckpointManager) saveBest(req SaveRequest) SaveResult {
	t := cm.trainer
	result := SaveResult{}

	last, ok := t.state.LastResult()
	if !ok {
		t.log.Warn("[WARN] no evaluated results found, skip saving best checkpoint.")
		return result
	}
	if t.state.BestResult != nil && !(last < *t.state.BestResult) {
		return result
	}

	if t.state.BestResult == nil {
		t.log.Info(fmt.Sprintf("[INFO] New best result: None --> %v", last))
	} else {
		t.log.Info(fmt.Sprintf("[INFO] New best result: %v --> %v", *t.state.BestResult, last))
	}
	prev := t.state.BestResult
	t.state.BestResult = &last

	rec, err := cm.buildRecord(req.Full, true)
	if err != nil {
		t.state.BestResult = prev
		result.Err = err
		t.log.Warn("failed to build best checkpoint", "error", err)
		return result
	}

	result.BestPath = cm.BestPath()
	if err := cm.saver.SaveCheckpoint(rec, result.BestPath); err != nil {
		t.state.BestResult = prev
		result.Err = err
		t.log.Warn("failed to save best checkpoint", "path", result.BestPath, "error", err)
		return result
	}
	result.Written = true

	if t.cfg.BestSibling {
		result.SiblingPath = filepath.Join(cm.dir, fmt.Sprintf("%s_trainsize%d_ep%04d_best.%s", t.cfg.Name, req.TrainSize, t.state.Epoch, cm.ext))
		if err := cm.saver.SaveCheckpoint(rec, result.SiblingPath); err != nil {
			result.Err = err
			t.log.Warn("failed to save best checkpoint copy", "path", result.SiblingPath, "error", err)
		}
	}
	return result
}

// buildRecord snapshots the trainer. With shadowWeights the model
// parameters are taken with the EMA shadow swapped in.
func (cm *CheckpointManager) buildRecord(full, shadowWeights bool) (*checkpoints.Record, error) {
	t := cm.trainer
	rec := &checkpoints.Record{
		Epoch:      t.state.Epoch,
		GlobalStep: t.state.GlobalStep,
		State:      t.state.Clone(),
		Metadata: checkpoints.Metadata{
			Description: fmt.Sprintf("%s epoch %d", t.cfg.Name, t.state.Epoch),
			Tags:        []string{fmt.Sprintf("epoch_%d", t.state.Epoch)},
		},
	}

	if acc, ok := accelerated(t.model); ok {
		aux := acc.AuxCounters()
		rec.Aux = &aux
	}

	if shadowWeights && t.ema != nil {
		err := t.ema.WithShadow(func() error {
			rec.Model = snapshotWeights(t.model.Parameters())
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		rec.Model = snapshotWeights(t.model.Parameters())
	}

	if !full {
		return rec, nil
	}

	optState, err := t.steps.Optimizer().GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture optimizer state")
	}
	rec.Optimizer = optState
	rec.Scheduler = t.steps.Schedule().State()
	rec.Scaler = t.steps.Scaler().State()
	if t.ema != nil {
		rec.EMA = t.ema.State()
	}
	return rec, nil
}

func snapshotWeights(params []*tensor.Parameter) []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		})
	}
	return weights
}

// Load restores from a checkpoint reference: scratch, latest, latest_model,
// best, or a file path. A missing file is not an error.
func (cm *CheckpointManager) Load(ref string, modelOnly bool) LoadReport {
	return cm.LoadFiltered(ref, LatestFilter{}, modelOnly)
}

// LoadFiltered is Load with a filter applied when resolving latest
func (cm *CheckpointManager) LoadFiltered(ref string, filter LatestFilter, modelOnly bool) LoadReport {
	t := cm.trainer

	var path string
	switch ref {
	case RefScratch:
		t.log.Info("[INFO] Training from scratch ...")
		return LoadReport{}
	case RefLatest, RefLatestModel:
		t.log.Info("[INFO] Loading latest checkpoint ...")
		path = cm.resolveLatest(filter)
		modelOnly = modelOnly || ref == RefLatestModel
	case RefBest:
		path = cm.BestPath()
		if _, err := os.Stat(path); err != nil {
			t.log.Info("[INFO] " + path + " not found, loading latest ...")
			path = cm.resolveLatest(filter)
		} else {
			t.log.Info("[INFO] Loading best checkpoint ...")
		}
	default:
		t.log.Info("[INFO] Loading " + ref + " ...")
		path = ref
	}

	if path == "" {
		t.log.Warn("[WARN] No checkpoint found, model randomly initialized.")
		return LoadReport{Err: ErrNoCheckpoint}
	}
	if _, err := os.Stat(path); err != nil {
		t.log.Info("[INFO] checkpoint not found", "path", path)
		return LoadReport{Path: path, Err: ErrNoCheckpoint}
	}
	if ref == RefLatest || ref == RefLatestModel {
		t.log.Info("[INFO] Latest checkpoint is " + path)
	}

	rec, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		t.log.Warn("[WARN] failed to read checkpoint", "path", path, "error", err)
		return LoadReport{Path: path, Found: true, Err: err}
	}
	report := cm.restore(rec, modelOnly)
	report.Path = path
	report.Found = true
	return report
}

// LatestPath resolves the highest-epoch regular checkpoint, or "" when none
// matches
func (cm *CheckpointManager) LatestPath(filter LatestFilter) string {
	return cm.resolveLatest(filter)
}

func (cm *CheckpointManager) resolveLatest(filter LatestFilter) string {
	entries, err := os.ReadDir(cm.dir)
	if err != nil {
		return ""
	}

	best, bestEpoch, bestSize := "", -1, -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := cm.pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		size, _ := strconv.Atoi(m[1])
		epoch, _ := strconv.Atoi(m[2])
		if filter.TrainSize > 0 && size != filter.TrainSize {
			continue
		}
		if filter.Epoch > 0 && epoch != filter.Epoch {
			continue
		}
		if epoch > bestEpoch || (epoch == bestEpoch && size > bestSize) {
			best, bestEpoch, bestSize = e.Name(), epoch, size
		}
	}
	if best == "" {
		return ""
	}
	return filepath.Join(cm.dir, best)
}

func (cm *CheckpointManager) restore(rec *checkpoints.Record, modelOnly bool) LoadReport {
	t := cm.trainer
	report := LoadReport{Bare: rec.Bare}

	cm.restoreWeights(rec.Model, &report)
	t.log.Info("[INFO] loaded model.")
	report.Restored = append(report.Restored, "model")
	if len(report.Missing) > 0 {
		t.log.Warn(fmt.Sprintf("[WARN] missing keys: %v", report.Missing))
	}
	if len(report.Unexpected) > 0 {
		t.log.Warn(fmt.Sprintf("[WARN] unexpected keys: %v", report.Unexpected))
	}
	if len(report.Mismatched) > 0 {
		t.log.Warn(fmt.Sprintf("[WARN] shape mismatch, skipped: %v", report.Mismatched))
	}
	if rec.Bare {
		return report
	}

	if t.ema != nil && rec.EMA != nil {
		cm.restoreComponent(&report, "ema", func() error {
			skipped, err := t.ema.LoadState(rec.EMA)
			if len(skipped) > 0 {
				t.log.Warn(fmt.Sprintf("[WARN] ema entries skipped: %v", skipped))
			}
			return err
		})
	}
	if acc, ok := accelerated(t.model); ok && rec.Aux != nil {
		acc.SetAuxCounters(*rec.Aux)
		report.Restored = append(report.Restored, "aux")
	}

	if modelOnly {
		return report
	}

	t.state = rec.State.Clone()
	t.state.Epoch = rec.Epoch
	t.state.GlobalStep = rec.GlobalStep
	t.completedEpoch = rec.Epoch
	report.Restored = append(report.Restored, "state")
	t.log.Info(fmt.Sprintf("[INFO] load at epoch %d, global step %d", t.state.Epoch, t.state.GlobalStep))

	if rec.Optimizer != nil {
		cm.restoreComponent(&report, "optimizer", func() error {
			return t.steps.Optimizer().LoadState(rec.Optimizer)
		})
	}
	if rec.Scheduler != nil {
		cm.restoreComponent(&report, "scheduler", func() error {
			if err := t.steps.Schedule().LoadState(rec.Scheduler); err != nil {
				return err
			}
			t.steps.Optimizer().SetLR(t.steps.Schedule().LR())
			return nil
		})
	}
	if rec.Scaler != nil {
		cm.restoreComponent(&report, "scaler", func() error {
			return t.steps.Scaler().LoadState(rec.Scaler)
		})
	}
	return report
}

// restoreWeights copies stored parameters into the model by name. Missing,
// unexpected and mismatched names are recorded, never fatal.
func (cm *CheckpointManager) restoreWeights(weights []checkpoints.WeightTensor, report *LoadReport) {
	stored := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		stored[w.Name] = w
	}

	known := make(map[string]bool)
	for _, p := range cm.trainer.model.Parameters() {
		known[p.Name] = true
		w, ok := stored[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			continue
		}
		if !tensor.ShapesEqual(w.Shape, p.Shape) || len(w.Data) != len(p.Data) {
			report.Mismatched = append(report.Mismatched, p.Name)
			continue
		}
		copy(p.Data, w.Data)
	}
	for name := range stored {
		if !known[name] {
			report.Unexpected = append(report.Unexpected, name)
		}
	}

	slices.Sort(report.Missing)
	slices.Sort(report.Unexpected)
	slices.Sort(report.Mismatched)
}

// restoreComponent runs one restore step, turning errors and panics into a
// warning so the remaining components still load
func (cm *CheckpointManager) restoreComponent(report *LoadReport, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		cm.trainer.log.Warn(fmt.Sprintf("[WARN] Failed to load %s.", name), "error", err)
		report.Failed = append(report.Failed, name)
		return
	}
	cm.trainer.log.Info(fmt.Sprintf("[INFO] loaded %s.", name))
	report.Restored = append(report.Restored, name)
}
