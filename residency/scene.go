package residency

import (
	"github.com/dolthub/swiss"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/exp/slog"

	"github.com/vellum-gfx/cardatlas/atlas"
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// Scene owns the surface cache residency state: registered primitive groups,
// their card sets, the virtual page table and the physical atlas allocator.
// It is not safe for concurrent use; Update parallelizes internally.
type Scene struct {
	logger *slog.Logger

	physicalAtlasSize cacheutils.IntPoint
	numGPUs           int

	allocator atlas.Allocator

	primitiveGroups cacheutils.SparseSpanArray[PrimitiveGroup]
	groupsByID      *swiss.Map[GroupID, int32]
	meshCards       cacheutils.SparseSpanArray[MeshCards]
	cards           cacheutils.SparseSpanArray[Card]
	pageTable       cacheutils.SparseSpanArray[PageTableEntry]

	// Per-GPU LRU state. unlockedPageHeaps orders unlocked pages by last
	// sampled frame for eviction; lastCapturedHeaps orders all mapped pages
	// by last captured frame for refresh.
	unlockedPageHeaps [MaxGPUs]cacheutils.BinaryHeap
	lastCapturedHeaps [MaxGPUs]cacheutils.BinaryHeap

	// frameIndex starts at 1 and skips 0 on wrap, so 0 can mean "never".
	frameIndex uint32

	cardIndicesToUpdate      cacheutils.UniqueIndexList
	meshCardsIndicesToUpdate cacheutils.UniqueIndexList
	pageTableIndicesToUpdate cacheutils.UniqueIndexList

	pagesAddedCounter     metrics.Counter
	pagesEvictedCounter   metrics.Counter
	texelsCapturedCounter metrics.Counter

	frameStats FrameStats
}

// FrameInput is everything one Update needs from the caller.
type FrameInput struct {
	Config Config

	// ViewOrigins drive the distance-based classification. At least one is
	// required for anything to stay resident.
	ViewOrigins []cacheutils.Vector3

	// GPUMask selects which GPU replicas this frame renders on. Zero means
	// all GPUs the scene was created with.
	GPUMask GPUMask

	// HighResPageRequests is last frame's sampling feedback: individual
	// pages worth mapping above cards' locked floors.
	HighResPageRequests []VirtualPageRequest
}

// VirtualPageRequest asks for one optional page of a card resolution level.
type VirtualPageRequest struct {
	CardIndex      int32
	ResLevel       int32
	LocalPageIndex uint16
	Distance       float64
}

// FrameOutput is what the caller must act on after an Update: pages to
// capture and records to re-upload.
type FrameOutput struct {
	CapturePages []CapturePageJob

	// Dirty indices reference records whose GPU-visible copies are stale.
	// A dirty index may reference a record removed this frame.
	DirtyCardIndices      []int32
	DirtyMeshCardsIndices []int32
	DirtyPageTableIndices []int32

	Stats FrameStats
}

// FrameStats summarizes one Update.
type FrameStats struct {
	PagesAdded       int32
	PagesEvicted     int32
	TexelsCaptured   int64
	MeshCardsAdded   int32
	MeshCardsRemoved int32
	RequestsDropped  int32
}

// CreateScene builds an empty residency scene over a fixed-size physical
// atlas.
func CreateScene(options CreateOptions) (*Scene, error) {
	err := options.fillDefaults()
	if err != nil {
		return nil, err
	}

	scene := &Scene{
		logger:            options.Logger,
		physicalAtlasSize: options.PhysicalAtlasSizeInPages,
		numGPUs:           options.NumGPUs,
		groupsByID:        swiss.NewMap[GroupID, int32](64),
		frameIndex:        1,

		pagesAddedCounter:     metrics.GetOrRegisterCounter("cardatlas.pages_added", options.MetricsRegistry),
		pagesEvictedCounter:   metrics.GetOrRegisterCounter("cardatlas.pages_evicted", options.MetricsRegistry),
		texelsCapturedCounter: metrics.GetOrRegisterCounter("cardatlas.texels_captured", options.MetricsRegistry),
	}
	scene.allocator.Init(options.PhysicalAtlasSizeInPages)

	scene.logger.Info("surface cache scene created",
		"atlas_size_in_pages", options.PhysicalAtlasSizeInPages,
		"num_gpus", options.NumGPUs)
	return scene, nil
}

// FrameIndex returns the current frame counter, incremented by Update.
func (s *Scene) FrameIndex() uint32 {
	return s.frameIndex
}

// NumCards returns how many cards are currently registered.
func (s *Scene) NumCards() int {
	return s.cards.NumAllocated()
}

// Card returns a registered card by index for inspection.
func (s *Scene) Card(cardIndex int32) *Card {
	return s.cards.Get(int(cardIndex))
}

// PageTableEntry returns a page table entry by index for inspection.
func (s *Scene) PageTableEntry(pageTableIndex int32) *PageTableEntry {
	return s.pageTable.Get(int(pageTableIndex))
}

// NotifyPageUsed records sampling feedback for a mapped page, protecting it
// from LRU eviction on the given GPUs this frame.
func (s *Scene) NotifyPageUsed(pageTableIndex int32, gpuMask GPUMask) {
	if !s.pageTable.IsAllocated(int(pageTableIndex)) {
		return
	}
	entry := s.pageTable.Get(int(pageTableIndex))
	if !entry.IsMapped() {
		return
	}
	card := s.cards.Get(int(entry.CardIndex))
	if card.MipSlot(entry.ResLevel).Locked {
		return
	}
	for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
		if gpuMask.Contains(gpuIndex) {
			s.unlockedPageHeaps[gpuIndex].Update(s.frameIndex, uint32(pageTableIndex))
		}
	}
}

// Update runs one residency frame: classify every group and card against the
// viewers, then allocate, evict and schedule captures under the frame's
// budgets. The returned output is valid until the next Update.
func (s *Scene) Update(input FrameInput) FrameOutput {
	cfg := input.Config

	gpuMask := input.GPUMask & AllGPUs(s.numGPUs)
	if gpuMask == 0 {
		gpuMask = AllGPUs(s.numGPUs)
	}

	s.frameStats = FrameStats{}
	s.cardIndicesToUpdate.Reset()
	s.meshCardsIndicesToUpdate.Reset()
	s.pageTableIndicesToUpdate.Reset()

	s.updatePrimitiveGroups(&cfg, input.ViewOrigins)

	requests := s.updateSurfaceCacheCards(&cfg, input.ViewOrigins)
	requests = s.appendHighResPageRequests(requests, input.HighResPageRequests)
	sortRequestsByDistance(requests)

	jobs := s.processSurfaceCacheRequests(&cfg, gpuMask, requests)

	output := FrameOutput{
		CapturePages:          jobs,
		DirtyCardIndices:      s.cardIndicesToUpdate.Array,
		DirtyMeshCardsIndices: s.meshCardsIndicesToUpdate.Array,
		DirtyPageTableIndices: s.pageTableIndicesToUpdate.Array,
		Stats:                 s.frameStats,
	}

	s.frameIndex++
	if s.frameIndex == 0 {
		s.frameIndex = 1
	}
	return output
}
