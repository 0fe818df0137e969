package residency

import (
	"golang.org/x/exp/slog"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// MaxGPUs is the maximum number of GPU replicas a Scene tracks residency for.
const MaxGPUs = 8

// GPUMask selects a subset of GPU replicas, one bit per GPU index.
type GPUMask uint32

// AllGPUs builds a mask covering GPU indices [0, numGPUs).
func AllGPUs(numGPUs int) GPUMask {
	return GPUMask(1<<numGPUs) - 1
}

func (m GPUMask) Contains(gpuIndex int) bool {
	return m&(1<<gpuIndex) != 0
}

// FirstIndex returns the lowest set GPU index, or -1 for an empty mask.
func (m GPUMask) FirstIndex() int {
	for gpuIndex := 0; gpuIndex < MaxGPUs; gpuIndex++ {
		if m.Contains(gpuIndex) {
			return gpuIndex
		}
	}
	return -1
}

// CreateOptions configures a Scene at construction time.
type CreateOptions struct {
	// PhysicalAtlasSizeInPages is the fixed size of the persistent surface
	// atlas, in pages per axis. Defaults to 32x32 (4096x4096 texels).
	PhysicalAtlasSizeInPages cacheutils.IntPoint

	// NumGPUs is the number of GPU replicas with independent last-used
	// tracking. Defaults to 1, at most MaxGPUs.
	NumGPUs int

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// MetricsRegistry receives the scene's residency counters. Defaults to
	// metrics.DefaultRegistry.
	MetricsRegistry metrics.Registry
}

func (o *CreateOptions) fillDefaults() error {
	if o.PhysicalAtlasSizeInPages == (cacheutils.IntPoint{}) {
		o.PhysicalAtlasSizeInPages = cacheutils.IntPoint{X: 32, Y: 32}
	}
	if o.PhysicalAtlasSizeInPages.X <= 0 || o.PhysicalAtlasSizeInPages.Y <= 0 {
		return errors.Errorf("invalid physical atlas size %s", o.PhysicalAtlasSizeInPages)
	}
	if o.NumGPUs == 0 {
		o.NumGPUs = 1
	}
	if o.NumGPUs < 0 || o.NumGPUs > MaxGPUs {
		return errors.Errorf("NumGPUs %d outside [1, %d]", o.NumGPUs, MaxGPUs)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MetricsRegistry == nil {
		o.MetricsRegistry = metrics.DefaultRegistry
	}
	return nil
}

// Config holds the per-frame tuning knobs of the residency update. It is
// passed in with every FrameInput and captured once for the whole frame, so
// callers can vary quality scaling without racing the update.
type Config struct {
	// MaxDistanceFromCamera is the far cutoff beyond which cards are not
	// kept resident.
	MaxDistanceFromCamera float64

	// TexelDensityScale converts world extent over distance into a desired
	// capture resolution.
	TexelDensityScale float64

	// MaxTexelDensity caps resolution in texels per world unit regardless
	// of how close the viewer gets.
	MaxTexelDensity float64

	// MinCardResolution is the smallest projected resolution still worth
	// keeping a card resident at, before SceneDetail scaling.
	MinCardResolution int32

	// MaxCardResolution caps the locked allocation resolution.
	MaxCardResolution int32

	// SceneDetail scales MinCardResolution down, keeping more small cards
	// resident as it grows above 1.
	SceneDetail float64

	// FarFieldDistance extends coverage past MaxDistanceFromCamera for
	// far-field groups, captured at FarFieldResolution.
	FarFieldDistance   float64
	FarFieldResolution int32

	// MaxPageCapturesPerFrame bounds how many pages the scheduler may emit
	// capture jobs for in one update.
	MaxPageCapturesPerFrame int32

	// MaxTexelCapturesPerFrame bounds the total capture texels per update.
	MaxTexelCapturesPerFrame int64

	// CaptureRefreshFraction is the share of the capture atlas spent
	// re-capturing the oldest resident pages each frame. Zero disables
	// refresh.
	CaptureRefreshFraction float64

	// CaptureFactor shrinks the transient capture atlas relative to the
	// physical atlas: sizeInPages = physical / sqrt(CaptureFactor).
	CaptureFactor float64

	// MaxMeshCardsAddsPerFrame throttles how many primitive groups get
	// their card sets instantiated per update.
	MaxMeshCardsAddsPerFrame int32

	// NumFramesToKeepUnusedPages is how long an unlocked page survives
	// without being sampled before the end-of-frame sweep reclaims it.
	NumFramesToKeepUnusedPages uint32

	// LockedEvictMaxAge is the stricter age threshold used when evicting
	// to make room for a locked reallocation.
	LockedEvictMaxAge uint32

	// HiResEvictMaxAge is the age threshold used when evicting to make
	// room for an optional high-res page.
	HiResEvictMaxAge uint32

	// ReallocDistancePenalty pushes reallocations of already-resident
	// cards behind first-time allocations of similar distance. Larger
	// resolution jumps are penalized less.
	ReallocDistancePenalty float64
}

// DefaultConfig returns the tuning used by the renderer's default scalability
// bucket.
func DefaultConfig() Config {
	return Config{
		MaxDistanceFromCamera:      20000,
		TexelDensityScale:          100,
		MaxTexelDensity:            0.1,
		MinCardResolution:          MinCardResolution,
		MaxCardResolution:          512,
		SceneDetail:                1,
		FarFieldDistance:           0,
		FarFieldResolution:         16,
		MaxPageCapturesPerFrame:    512,
		MaxTexelCapturesPerFrame:   512 * int64(PhysicalPageSize) * int64(PhysicalPageSize),
		CaptureRefreshFraction:     0.125,
		CaptureFactor:              64,
		MaxMeshCardsAddsPerFrame:   128,
		NumFramesToKeepUnusedPages: 256,
		LockedEvictMaxAge:          2,
		HiResEvictMaxAge:           64,
		ReallocDistancePenalty:     2500,
	}
}

// minResolutionForSceneDetail applies the SceneDetail scale to the resident
// cutoff resolution.
func (c *Config) minResolutionForSceneDetail() int32 {
	detail := cacheutils.Clamp(c.SceneDetail, 0.125, 8)
	return cacheutils.Clamp(int32(float64(c.MinCardResolution)/detail), 1, 1024)
}
