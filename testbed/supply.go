package testbed

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/tsawler/go-nerftrain/errormap"
	"github.com/tsawler/go-nerftrain/tensor"
	"github.com/tsawler/go-nerftrain/training"
)

// SupplyConfig configures a ViewSupply
type SupplyConfig struct {
	Views        int // posed views on an orbit around the origin
	H, W         int
	RaysPerBatch int     // rays sampled per view; 0 yields full images
	Shuffle      bool    // visit views in a random order each pass
	RGBA         bool    // ground truth carries an alpha channel
	ErrorMap     bool    // sample through an error map
	Resolution   int     // error map resolution; 0 means the package default
	Blend        float32 // weight of a fresh error observation; 0 means errormap.DefaultBlend
	Seed         uint64
	Target       FieldOptions // field the ground truth is rendered from

	// Views are sharded round robin across workers
	Rank, WorldSize int
}

// ViewSupply yields one view per batch, either as sampled rays or as a full
// image. It implements training.Supply, Collator, CameraSource,
// ErrorMapSource and EpochSetter.
type ViewSupply struct {
	cfg        SupplyConfig
	poses      [][16]float32
	intrinsics [4]float32
	raysO      []tensor.Tensor // per view, [1, H*W, 3]
	raysD      []tensor.Tensor
	images     []tensor.Tensor // per view, [1, H*W, C]
	lengths    []tensor.Tensor // per view, [1, H*W]
	errMap     *errormap.Map   // nil when sampling is uniform
	sampler    *errormap.Map   // errMap, or a uniform map when errMap is nil

	shard []int
	order []int
	pos   int
	rng   *rand.Rand
}

// NewViewSupply renders the ground truth of every view from the target field
func NewViewSupply(cfg SupplyConfig) (*ViewSupply, error) {
	if cfg.Views < 1 || cfg.H < 1 || cfg.W < 1 {
		return nil, fmt.Errorf("invalid supply: views=%d H=%d W=%d", cfg.Views, cfg.H, cfg.W)
	}
	if cfg.WorldSize < 1 {
		cfg.WorldSize = 1
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)
	}
	if cfg.Views%cfg.WorldSize != 0 {
		return nil, fmt.Errorf("%d views cannot be split evenly across %d workers", cfg.Views, cfg.WorldSize)
	}

	s := &ViewSupply{
		cfg:        cfg,
		intrinsics: [4]float32{float32(cfg.W), float32(cfg.W), float32(cfg.W) / 2, float32(cfg.H) / 2},
		rng:        rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.Rank))),
	}

	target := NewFieldModel(cfg.Target)
	var caster PinholeCaster
	for v := 0; v < cfg.Views; v++ {
		pose := OrbitPose(2*math.Pi*float64(v)/float64(cfg.Views), 3)
		o, d, err := caster.Rays(pose, s.intrinsics, cfg.H, cfg.W)
		if err != nil {
			return nil, err
		}
		pred, err := target.Render(training.RenderRequest{RaysO: o, RaysD: d, H: cfg.H, W: cfg.W})
		if err != nil {
			return nil, err
		}

		image := pred.Image
		if cfg.RGBA {
			rgba, err := tensor.New(1, cfg.H*cfg.W, 4)
			if err != nil {
				return nil, err
			}
			for i := 0; i < cfg.H*cfg.W; i++ {
				copy(rgba.Data[i*4:i*4+3], image.Data[i*3:i*3+3])
				rgba.Data[i*4+3] = 1
			}
			image = rgba
		}

		s.poses = append(s.poses, pose)
		s.raysO = append(s.raysO, o)
		s.raysD = append(s.raysD, d)
		s.images = append(s.images, image)
		s.lengths = append(s.lengths, pred.Depth)
		if v%cfg.WorldSize == cfg.Rank {
			s.shard = append(s.shard, v)
		}
	}

	blend := cfg.Blend
	if blend == 0 {
		blend = errormap.DefaultBlend
	}
	if cfg.ErrorMap {
		res := cfg.Resolution
		if res == 0 {
			res = errormap.DefaultResolution
		}
		m, err := errormap.New(cfg.Views, res, blend)
		if err != nil {
			return nil, err
		}
		s.errMap, s.sampler = m, m
	} else {
		m, err := errormap.New(cfg.Views, 1, blend)
		if err != nil {
			return nil, err
		}
		m.SetWeighted(false)
		s.sampler = m
	}

	s.Reset()
	return s, nil
}

// Len returns the number of batches in one pass
func (s *ViewSupply) Len() int { return len(s.shard) }

// BatchSize returns the number of views per batch
func (s *ViewSupply) BatchSize() int { return 1 }

// Next returns the next view of the pass
func (s *ViewSupply) Next() (*training.Batch, bool) {
	if s.pos >= len(s.order) {
		return nil, false
	}
	v := s.order[s.pos]
	s.pos++
	b, err := s.batch([]int{v})
	if err != nil {
		return nil, false
	}
	return b, true
}

// Reset starts a new pass
func (s *ViewSupply) Reset() {
	s.order = append(s.order[:0], s.shard...)
	if s.cfg.Shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	}
	s.pos = 0
}

// SetEpoch reseeds the shuffle so every worker agrees on the epoch order
func (s *ViewSupply) SetEpoch(epoch int) {
	s.rng = rand.New(rand.NewPCG(s.cfg.Seed+uint64(epoch), uint64(s.cfg.Rank)))
}

// Collate builds a batch for explicit view indices; -1 is the newest view
func (s *ViewSupply) Collate(indices []int) (*training.Batch, error) {
	views := make([]int, len(indices))
	for i, v := range indices {
		if v == -1 {
			v = s.cfg.Views - 1
		}
		if v < 0 || v >= s.cfg.Views {
			return nil, fmt.Errorf("view %d out of range [0, %d)", v, s.cfg.Views)
		}
		views[i] = v
	}
	return s.batch(views)
}

// Cameras returns every view's pose and the shared intrinsics
func (s *ViewSupply) Cameras() training.Cameras {
	return training.Cameras{Poses: append([][16]float32(nil), s.poses...), Intrinsics: s.intrinsics}
}

// ErrorMap returns the error map, or nil when sampling is uniform
func (s *ViewSupply) ErrorMap() *errormap.Map { return s.errMap }

func (s *ViewSupply) batch(views []int) (*training.Batch, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("empty view list")
	}
	h, w := s.cfg.H, s.cfg.W
	channels := s.images[0].Shape[2]

	var inds, coarse [][]int
	if s.cfg.RaysPerBatch > 0 {
		samples, err := s.sampler.Sample(s.rng, views, s.cfg.RaysPerBatch, h, w)
		if err != nil {
			return nil, err
		}
		inds, coarse = samples.Inds, samples.IndsCoarse
	} else {
		all := make([]int, h*w)
		for i := range all {
			all[i] = i
		}
		inds = make([][]int, len(views))
		for i := range inds {
			inds[i] = all
		}
	}

	n := len(inds[0])
	b := len(views)
	rayO := make([]float32, 0, b*n*3)
	rayD := make([]float32, 0, b*n*3)
	pix := make([]float32, 0, b*n*channels)
	lengths := make([]float32, 0, b*n)
	for i, v := range views {
		for _, p := range inds[i] {
			rayO = append(rayO, s.raysO[v].Data[p*3:p*3+3]...)
			rayD = append(rayD, s.raysD[v].Data[p*3:p*3+3]...)
			pix = append(pix, s.images[v].Data[p*channels:(p+1)*channels]...)
			lengths = append(lengths, s.lengths[v].Data[p])
		}
	}

	out := &training.Batch{H: h, W: w, Index: views, Inds: inds, IndsCoarse: coarse}
	var err error
	if out.RaysO, err = tensor.FromData(rayO, b, n, 3); err != nil {
		return nil, err
	}
	if out.RaysD, err = tensor.FromData(rayD, b, n, 3); err != nil {
		return nil, err
	}
	images, err := tensor.FromData(pix, b, n, channels)
	if err != nil {
		return nil, err
	}
	out.Images = &images

	gtLengths, err := tensor.FromData(lengths, b, n)
	if err != nil {
		return nil, err
	}
	weights, _ := tensor.New(b, n)
	for i := range weights.Data {
		weights.Data[i] = 1
	}
	out.RayLengths, out.RayWeights = &gtLengths, &weights
	return out, nil
}
