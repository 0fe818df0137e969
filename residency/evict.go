package residency

import (
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// evictOldestAllocation unmaps the globally least recently used unlocked
// page, provided its age in frames exceeds maxFramesSinceLastUsed. Returns
// false when every remaining unlocked page is younger, or none exist.
//
// The freed page table span is not released here; owning cards are queued on
// dirtyCards and cleaned up by updateCardMipMapHierarchy at the end of the
// frame, so repeated evictions within one frame stay cheap.
func (s *Scene) evictOldestAllocation(maxFramesSinceLastUsed uint32, dirtyCards *cacheutils.UniqueIndexList) bool {
	bestGPU := -1
	var bestKey, bestIndex uint32

	for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
		heap := &s.unlockedPageHeaps[gpuIndex]
		if heap.Num() == 0 {
			continue
		}
		key := heap.TopKey()
		index := heap.Top()
		if bestGPU < 0 || key < bestKey || (key == bestKey && index < bestIndex) {
			bestGPU = gpuIndex
			bestKey = key
			bestIndex = index
		}
	}
	if bestGPU < 0 {
		return false
	}

	if s.frameIndex-bestKey <= maxFramesSinceLastUsed {
		return false
	}

	pageTableIndex := int32(bestIndex)
	entry := s.pageTable.Get(int(pageTableIndex))
	dirtyCards.Add(entry.CardIndex)

	s.unmapSurfaceCachePage(entry, pageTableIndex)
	s.pagesEvictedCounter.Inc(1)
	s.frameStats.PagesEvicted++
	return true
}

// ForceEvictEntireCache drops every resident page and page table span,
// returning the physical atlas to a cold state. Card sets and primitive
// groups stay registered; the next Update re-requests what is still visible.
func (s *Scene) ForceEvictEntireCache() {
	for cardIndex := 0; cardIndex < s.cards.Num(); cardIndex++ {
		if !s.cards.IsAllocated(cardIndex) {
			continue
		}
		card := s.cards.Get(cardIndex)
		if card.IsAllocated() {
			s.freeVirtualSurface(card, card.MinAllocatedResLevel, card.MaxAllocatedResLevel)
		}
		card.DesiredLockedResLevel = 0
		card.Visible = false
		s.cardIndicesToUpdate.Add(int32(cardIndex))
	}

	for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
		s.unlockedPageHeaps[gpuIndex].Clear()
		s.lastCapturedHeaps[gpuIndex].Clear()
	}

	s.logger.Info("surface cache force evicted",
		"free_pages", s.allocator.FreePageCount())
}
