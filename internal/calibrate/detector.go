package calibrate

import (
	"context"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultThreshold    = 0.85
	defaultCoarseFactor = 4
	defaultCandidates   = 8
	minCoarseTemplate   = 4
)

type DetectorConfig struct {
	// Threshold is the minimum full-resolution correlation accepted as a match.
	Threshold float64
	// CoarseFactor downsamples frame and template for the first pass. 1 searches exhaustively.
	CoarseFactor int
	// Candidates is the number of coarse peaks refined at full resolution.
	Candidates int
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.CoarseFactor <= 0 {
		c.CoarseFactor = defaultCoarseFactor
	}
	if c.Candidates <= 0 {
		c.Candidates = defaultCandidates
	}
	return c
}

// Detector locates marker templates in a captured frame by masked normalized
// cross-correlation. It holds no per-call state and is safe for concurrent use.
type Detector struct {
	cfg    DetectorConfig
	logger *zap.Logger
}

func NewDetector(cfg DetectorConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg.withDefaults(), logger: logger}
}

// Detect returns a detection for every template whose best match clears the
// threshold. Templates without a match are simply absent from the result.
func (d *Detector) Detect(ctx context.Context, frame image.Image, templates []*Template) ([]Detection, error) {
	full := newPlanes(frame, false)

	var (
		coarseMu sync.Mutex
		coarse   = map[int]*planes{}
	)
	coarseFrame := func(f int) *planes {
		coarseMu.Lock()
		defer coarseMu.Unlock()
		if p, ok := coarse[f]; ok {
			return p
		}
		p := full.downsample(f)
		coarse[f] = p
		return p
	}

	results := make([]*Detection, len(templates))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range templates {
		g.Go(func() error {
			if !t.Masked {
				d.logger.Warn("template has no transparency mask, using grayscale correlation",
					zap.String("marker", t.Marker.String()))
			}
			pos, score, err := d.match(gctx, full, coarseFrame, t)
			if err != nil {
				return err
			}
			if score < d.cfg.Threshold {
				d.logger.Info("marker not found",
					zap.String("marker", t.Marker.String()), zap.Float64("best_score", score))
				return nil
			}
			d.logger.Info("marker found",
				zap.String("marker", t.Marker.String()),
				zap.Float64("x", pos.X), zap.Float64("y", pos.Y),
				zap.Float64("score", score))
			results[i] = &Detection{Marker: t.Marker, Pos: pos, Score: score}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Detection, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

type peak struct {
	x, y  int
	score float64
}

// match returns the centre of the best window and its full-resolution score.
func (d *Detector) match(ctx context.Context, full *planes, coarseFrame func(int) *planes, t *Template) (r2.Point, float64, error) {
	tw, th := t.planes.w, t.planes.h
	if tw == 0 || th == 0 || tw > full.w || th > full.h {
		return r2.Point{}, 0, nil
	}

	factor := d.cfg.CoarseFactor
	if tw/factor < minCoarseTemplate || th/factor < minCoarseTemplate {
		factor = 1
	}

	k := newKernel(t.planes)
	exhaustive := func() (peak, error) {
		p, err := k.search(ctx, full, 0, 0, full.w-tw, full.h-th, 1)
		if err != nil {
			return peak{}, err
		}
		return p[0], nil
	}

	var best peak
	if factor == 1 {
		p, err := exhaustive()
		if err != nil {
			return r2.Point{}, 0, err
		}
		best = p
	} else {
		cf := coarseFrame(factor)
		ck := newKernel(t.planes.downsample(factor))
		peaks, err := ck.search(ctx, cf, 0, 0, cf.w-ck.w, cf.h-ck.h, d.cfg.Candidates)
		if err != nil {
			return r2.Point{}, 0, err
		}
		best = peak{score: math.Inf(-1)}
		for _, cp := range peaks {
			x0 := max(0, cp.x*factor-factor)
			y0 := max(0, cp.y*factor-factor)
			x1 := min(full.w-tw, cp.x*factor+factor)
			y1 := min(full.h-th, cp.y*factor+factor)
			p, err := k.search(ctx, full, x0, y0, x1, y1, 1)
			if err != nil {
				return r2.Point{}, 0, err
			}
			if len(p) > 0 && p[0].score > best.score {
				best = p[0]
			}
		}
		// coarse ranking can drop the true peak among look-alike windows
		if best.score < d.cfg.Threshold {
			d.logger.Debug("coarse search below threshold, searching full frame",
				zap.String("marker", t.Marker.String()), zap.Float64("coarse_best", best.score))
			p, err := exhaustive()
			if err != nil {
				return r2.Point{}, 0, err
			}
			if p.score > best.score {
				best = p
			}
		}
	}

	center := r2.Point{X: float64(best.x + tw/2), Y: float64(best.y + th/2)}
	return center, best.score, nil
}

// kernel is a template flattened to the pixels that take part in matching.
type kernel struct {
	w, h   int
	masked bool
	dx, dy []int
	// masked: per-channel weighted template values and squared weights
	t  []float64
	ww []float64
	tt float64
	// unmasked: zero-mean gray template values
	g  []float64
	gg float64
}

func newKernel(p *planes) *kernel {
	k := &kernel{w: p.w, h: p.h, masked: p.weight != nil}
	if k.masked {
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				i := y*p.w + x
				wt := p.weight[i] * p.weight[i]
				if wt == 0 {
					continue
				}
				k.dx = append(k.dx, x)
				k.dy = append(k.dy, y)
				k.ww = append(k.ww, wt)
				for c := 0; c < 3; c++ {
					v := p.rgb[3*i+c]
					k.t = append(k.t, v)
					k.tt += wt * v * v
				}
			}
		}
		return k
	}

	var mean float64
	for _, v := range p.gray {
		mean += v
	}
	mean /= float64(len(p.gray))
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			v := p.gray[y*p.w+x] - mean
			k.dx = append(k.dx, x)
			k.dy = append(k.dy, y)
			k.g = append(k.g, v)
			k.gg += v * v
		}
	}
	return k
}

// score evaluates the kernel with its top-left corner at (x, y) in f.
func (k *kernel) score(f *planes, x, y int) float64 {
	if k.masked {
		var num, ii float64
		for j := range k.dx {
			i := (y+k.dy[j])*f.w + x + k.dx[j]
			wt := k.ww[j]
			r, g, b := f.rgb[3*i], f.rgb[3*i+1], f.rgb[3*i+2]
			num += wt * (k.t[3*j]*r + k.t[3*j+1]*g + k.t[3*j+2]*b)
			ii += wt * (r*r + g*g + b*b)
		}
		den := math.Sqrt(k.tt * ii)
		if den == 0 {
			return 0
		}
		return num / den
	}

	var num, sum, sq float64
	for j := range k.dx {
		v := f.gray[(y+k.dy[j])*f.w+x+k.dx[j]]
		num += k.g[j] * v
		sum += v
		sq += v * v
	}
	n := float64(len(k.dx))
	ii := sq - sum*sum/n
	den := math.Sqrt(k.gg * ii)
	if den == 0 {
		return 0
	}
	return num / den
}

// search scores every window origin in [x0,x1]x[y0,y1] and returns up to n
// peaks, best first. Peaks closer than half a template are suppressed.
func (k *kernel) search(ctx context.Context, f *planes, x0, y0, x1, y1, n int) ([]peak, error) {
	if n == 1 {
		best := peak{x: x0, y: y0, score: math.Inf(-1)}
		for y := y0; y <= y1; y++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for x := x0; x <= x1; x++ {
				if s := k.score(f, x, y); s > best.score {
					best = peak{x: x, y: y, score: s}
				}
			}
		}
		if math.IsInf(best.score, -1) {
			best.score = 0
		}
		return []peak{best}, nil
	}

	var all []peak
	for y := y0; y <= y1; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := x0; x <= x1; x++ {
			all = append(all, peak{x: x, y: y, score: k.score(f, x, y)})
		}
	}
	if len(all) == 0 {
		return []peak{{x: x0, y: y0}}, nil
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	minDX, minDY := max(1, k.w/2), max(1, k.h/2)
	out := make([]peak, 0, n)
	for _, p := range all {
		if len(out) == n {
			break
		}
		near := false
		for _, q := range out {
			if abs(p.x-q.x) < minDX && abs(p.y-q.y) < minDY {
				near = true
				break
			}
		}
		if !near {
			out = append(out, p)
		}
	}
	return out, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
