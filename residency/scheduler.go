package residency

import (
	"math"

	"github.com/vellum-gfx/cardatlas/atlas"
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// CapturePageJob tells the caller to re-render one surface page into the
// transient capture atlas and copy it to its final physical atlas spot.
type CapturePageJob struct {
	MeshCardsIndex int32
	CardIndex      int32
	PageTableIndex int32

	// CardUVRect is the card-space region to render, (minU, minV, maxU, maxV).
	CardUVRect [4]float32

	// CaptureAtlasRect is the render destination in the transient capture
	// atlas, valid for this frame only.
	CaptureAtlasRect cacheutils.IntRect

	// PhysicalAtlasRect is the final destination in the persistent atlas.
	PhysicalAtlasRect cacheutils.IntRect

	// ResampleLastLighting indicates the card held data before this capture
	// and the previous lighting can seed the new page.
	ResampleLastLighting bool
}

// captureAtlasSizeInPages derives the transient capture atlas size from the
// physical atlas and CaptureFactor.
func (s *Scene) captureAtlasSizeInPages(cfg *Config) cacheutils.IntPoint {
	factor := math.Max(cfg.CaptureFactor, 1)
	downscale := math.Sqrt(factor)
	return cacheutils.IntPoint{
		X: cacheutils.Max(int32(float64(s.physicalAtlasSize.X)/downscale), 1),
		Y: cacheutils.Max(int32(float64(s.physicalAtlasSize.Y)/downscale), 1),
	}
}

// newCaptureAtlas builds the per-frame capture sub-allocator. Its space
// bounds how much capture work one frame can schedule; it is rebuilt empty
// every Update.
func (s *Scene) newCaptureAtlas(cfg *Config) *atlas.Allocator {
	var captureAtlas atlas.Allocator
	captureAtlas.Init(s.captureAtlasSizeInPages(cfg))
	return &captureAtlas
}

// mipSpaceAvailable reports whether allocator can fit resLevel of card,
// either the whole page grid or a single page of it.
func mipSpaceAvailable(allocator *atlas.Allocator, card *Card, resLevel int32, singlePage bool) bool {
	desc := card.MipMapDesc(resLevel)
	numPages := int32(1)
	if !singlePage {
		numPages = desc.SizeInPages.Area()
	}
	return allocator.IsSpaceAvailable(desc.PageResolution, numPages)
}

// numUnmappedPages returns how many capture pages committing resLevel of card
// would add. Reallocating the current floor level rebuilds its whole grid;
// a finer level that already holds sampled pages only pays for the holes.
func (s *Scene) numUnmappedPages(card *Card, resLevel int32) int32 {
	mip := card.MipSlot(resLevel)
	if !mip.IsAllocated() || resLevel == card.MinAllocatedResLevel {
		return card.MipMapDesc(resLevel).SizeInPages.Area()
	}
	numUnmapped := int32(0)
	for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
		if !s.pageTable.Get(int(mip.PageTableIndex(localPageIndex))).IsMapped() {
			numUnmapped++
		}
	}
	return numUnmapped
}

// buildCaptureJob reserves capture atlas space for one mapped page and emits
// its capture job. Fails only when the capture atlas is exhausted.
func (s *Scene) buildCaptureJob(captureAtlas *atlas.Allocator, card *Card, entry *PageTableEntry, pageTableIndex int32, resample bool) (CapturePageJob, bool) {
	captureAllocation, ok := captureAtlas.Allocate(entry.elementSize())
	if !ok {
		return CapturePageJob{}, false
	}
	return CapturePageJob{
		MeshCardsIndex:       card.MeshCardsIndex,
		CardIndex:            entry.CardIndex,
		PageTableIndex:       pageTableIndex,
		CardUVRect:           entry.CardUVRect,
		CaptureAtlasRect:     captureAllocation.Rect,
		PhysicalAtlasRect:    entry.PhysicalAtlasRect,
		ResampleLastLighting: resample,
	}, true
}

// markCaptured reprioritizes a page in the refresh heaps of the frame's GPUs.
func (s *Scene) markCaptured(pageTableIndex int32, gpuMask GPUMask) {
	for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
		if gpuMask.Contains(gpuIndex) {
			s.lastCapturedHeaps[gpuIndex].Update(s.frameIndex, uint32(pageTableIndex))
		}
	}
}

// processSurfaceCacheRequests turns the sorted request list into mapped pages
// and capture jobs, spending three budgets in priority order: locked floor
// reallocations first, then optional high-res pages, then refresh of the
// oldest captured pages. Page and texel caps bound the total capture work;
// requests past the caps are simply retried by classification next frame.
func (s *Scene) processSurfaceCacheRequests(cfg *Config, gpuMask GPUMask, requests []surfaceCacheRequest) []CapturePageJob {
	captureAtlas := s.newCaptureAtlas(cfg)

	var jobs []CapturePageJob
	var texelsCaptured int64
	var hiResPages []surfaceCacheRequest
	var dirtyCards cacheutils.UniqueIndexList

	for requestIndex := range requests {
		if int32(len(jobs)+len(hiResPages)) >= cfg.MaxPageCapturesPerFrame {
			break
		}
		request := &requests[requestIndex]

		if !request.IsLockedMip() {
			hiResPages = append(hiResPages, *request)
			continue
		}

		card := s.cards.Get(int(request.CardIndex))
		if card.DesiredLockedResLevel == request.ResLevel {
			// Another earlier request already settled this card.
			continue
		}

		requestDesc := card.MipMapDesc(request.ResLevel)
		mipTexels := int64(requestDesc.PageResolution.Area()) * int64(requestDesc.SizeInPages.Area())
		if texelsCaptured+mipTexels > cfg.MaxTexelCapturesPerFrame {
			break
		}

		// Evict stale pages until the mip fits, then fall back to coarser
		// levels if eviction alone cannot make room.
		newResLevel := request.ResLevel
		canAllocate := true
		for !mipSpaceAvailable(&s.allocator, card, newResLevel, false) {
			if !s.evictOldestAllocation(cfg.LockedEvictMaxAge, &dirtyCards) {
				canAllocate = false
				break
			}
		}
		for !canAllocate && newResLevel > MinResLevel {
			newResLevel--
			canAllocate = mipSpaceAvailable(&s.allocator, card, newResLevel, false)
		}
		if canAllocate && !mipSpaceAvailable(captureAtlas, card, newResLevel, false) {
			canAllocate = false
		}
		if !canAllocate {
			s.frameStats.RequestsDropped++
			continue
		}

		// A multi-page mip commits as a whole, so it must fit in what is
		// left of the page budget. Oversized mips wait for a future frame
		// rather than overshooting the cap.
		remainingPageBudget := cfg.MaxPageCapturesPerFrame - int32(len(jobs)+len(hiResPages))
		if s.numUnmappedPages(card, newResLevel) > remainingPageBudget {
			continue
		}

		resample := card.IsAllocated()
		card.Visible = true

		// Drop the old locked floor and any stale levels below the new one.
		s.freeVirtualSurface(card, card.MinAllocatedResLevel, card.MinAllocatedResLevel)
		s.freeVirtualSurface(card, card.MinAllocatedResLevel, newResLevel-1)

		s.reallocVirtualSurface(card, request.CardIndex, newResLevel, true)
		card.DesiredLockedResLevel = newResLevel

		mip := card.MipSlot(newResLevel)
		for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
			pageTableIndex := mip.PageTableIndex(localPageIndex)
			entry := s.pageTable.Get(int(pageTableIndex))
			if entry.IsMapped() {
				continue
			}
			if !s.mapSurfaceCachePage(mip, pageTableIndex, gpuMask) {
				continue
			}
			job, ok := s.buildCaptureJob(captureAtlas, card, entry, pageTableIndex, resample)
			if !ok {
				continue
			}
			jobs = append(jobs, job)
			texelsCaptured += int64(entry.NumPhysicalTexels())
			s.markCaptured(pageTableIndex, gpuMask)
		}
		dirtyCards.Add(request.CardIndex)
	}

	for hiResIndex := range hiResPages {
		pageRequest := &hiResPages[hiResIndex]
		card := s.cards.Get(int(pageRequest.CardIndex))
		if !card.IsAllocated() || !card.Visible || pageRequest.ResLevel <= card.MinAllocatedResLevel {
			continue
		}

		desc := card.MipMapDesc(pageRequest.ResLevel)
		if int32(pageRequest.LocalPageIndex) >= desc.SizeInPages.Area() {
			// Stale feedback from before the card's layout changed.
			continue
		}
		pageTexels := int64(desc.PageResolution.Area())
		if texelsCaptured+pageTexels > cfg.MaxTexelCapturesPerFrame {
			break
		}

		canAllocate := true
		for !mipSpaceAvailable(&s.allocator, card, pageRequest.ResLevel, true) {
			if !s.evictOldestAllocation(cfg.HiResEvictMaxAge, &dirtyCards) {
				canAllocate = false
				break
			}
		}
		if canAllocate && !mipSpaceAvailable(captureAtlas, card, pageRequest.ResLevel, true) {
			canAllocate = false
		}
		if !canAllocate {
			s.frameStats.RequestsDropped++
			continue
		}

		s.reallocVirtualSurface(card, pageRequest.CardIndex, pageRequest.ResLevel, false)
		mip := card.MipSlot(pageRequest.ResLevel)
		pageTableIndex := mip.PageTableIndex(int32(pageRequest.LocalPageIndex))
		entry := s.pageTable.Get(int(pageTableIndex))
		if entry.IsMapped() {
			continue
		}
		if !s.mapSurfaceCachePage(mip, pageTableIndex, gpuMask) {
			continue
		}
		job, ok := s.buildCaptureJob(captureAtlas, card, entry, pageTableIndex, false)
		if !ok {
			continue
		}
		jobs = append(jobs, job)
		texelsCaptured += pageTexels
		s.markCaptured(pageTableIndex, gpuMask)
		dirtyCards.Add(pageRequest.CardIndex)
	}

	jobs, texelsCaptured = s.refreshOldestPages(cfg, gpuMask, captureAtlas, jobs, texelsCaptured)

	// Final sweep: reclaim anything unsampled for too long.
	for s.evictOldestAllocation(cfg.NumFramesToKeepUnusedPages, &dirtyCards) {
	}

	for _, cardIndex := range dirtyCards.Array {
		if s.cards.IsAllocated(int(cardIndex)) {
			s.updateCardMipMapHierarchy(s.cards.Get(int(cardIndex)))
		}
		s.cardIndicesToUpdate.Add(cardIndex)
	}

	s.texelsCapturedCounter.Inc(texelsCaptured)
	s.frameStats.TexelsCaptured = texelsCaptured
	return jobs
}

// refreshOldestPages re-captures the longest-uncaptured resident pages so
// slowly changing lighting doesn't fossilize, spending a configured fraction
// of the capture atlas on top of whatever the allocation streams left over.
func (s *Scene) refreshOldestPages(cfg *Config, gpuMask GPUMask, captureAtlas *atlas.Allocator, jobs []CapturePageJob, texelsCaptured int64) ([]CapturePageJob, int64) {
	if cfg.CaptureRefreshFraction <= 0 {
		return jobs, texelsCaptured
	}
	firstGPU := gpuMask.FirstIndex()
	if firstGPU < 0 {
		return jobs, texelsCaptured
	}

	captureAtlasSize := s.captureAtlasSizeInPages(cfg)
	pageTexelCount := int64(PhysicalPageSize) * int64(PhysicalPageSize)

	// Round the budget up to whole pages so a small fraction still refreshes
	// at least one page per frame.
	refreshTexels := int64(cacheutils.AlignUp(
		int(float64(captureAtlasSize.Area())*float64(pageTexelCount)*cfg.CaptureRefreshFraction),
		uint(pageTexelCount)))
	if refreshTexels < pageTexelCount {
		refreshTexels = pageTexelCount
	}

	heap := &s.lastCapturedHeaps[firstGPU]
	for heap.Num() > 0 && int32(len(jobs)) < cfg.MaxPageCapturesPerFrame {
		if s.frameIndex-heap.TopKey() == 0 {
			// The oldest page was captured this frame, so all were.
			break
		}
		pageTableIndex := int32(heap.Top())
		entry := s.pageTable.Get(int(pageTableIndex))

		pageTexels := int64(entry.NumPhysicalTexels())
		refreshTexels -= pageTexels
		if refreshTexels < 0 {
			break
		}
		if texelsCaptured+pageTexels > cfg.MaxTexelCapturesPerFrame {
			break
		}

		card := s.cards.Get(int(entry.CardIndex))
		job, ok := s.buildCaptureJob(captureAtlas, card, entry, pageTableIndex, true)
		if !ok {
			break
		}
		jobs = append(jobs, job)
		texelsCaptured += pageTexels
		s.markCaptured(pageTableIndex, gpuMask)
	}
	return jobs, texelsCaptured
}
