package residency

import (
	"golang.org/x/exp/slog"

	"github.com/vellum-gfx/cardatlas/atlas"
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// PageTableEntry maps one virtual page of a card mip slot to its spot in the
// physical atlas. Entries live in contiguous spans owned by mip slots.
//
// The Sample* fields implement read redirection: an unmapped fine page points
// readers at the coarsest mapped page covering the same card region, so
// sampling never hits a hole while finer data is still being captured.
type PageTableEntry struct {
	// PhysicalPageCoord is the page grid coordinate in the physical atlas,
	// InvalidIntPoint while unmapped.
	PhysicalPageCoord cacheutils.IntPoint

	// PhysicalAtlasRect is the mapped texel rectangle, possibly smaller
	// than a page for sub-allocations.
	PhysicalAtlasRect cacheutils.IntRect

	// SubAllocationSize is the texel size for allocations smaller than a
	// full page on either axis, InvalidIntPoint for full pages.
	SubAllocationSize cacheutils.IntPoint

	SamplePageIndex  uint32
	SampleAtlasBias  cacheutils.IntPoint
	SampleResLevelX  uint16
	SampleResLevelY  uint16

	CardIndex      int32
	ResLevel       int32
	LocalPageCoord cacheutils.IntPoint

	// CardUVRect is the card-space UV rectangle this page covers, as
	// (minU, minV, maxU, maxV).
	CardUVRect [4]float32
}

func (e *PageTableEntry) IsMapped() bool {
	return e.PhysicalPageCoord.IsValid()
}

func (e *PageTableEntry) IsSubAllocation() bool {
	return e.SubAllocationSize.IsValid()
}

// elementSize is the texel footprint handed to the physical allocator.
func (e *PageTableEntry) elementSize() cacheutils.IntPoint {
	if e.IsSubAllocation() {
		return e.SubAllocationSize
	}
	return cacheutils.IntPoint{X: PhysicalPageSize, Y: PhysicalPageSize}
}

// NumPhysicalTexels returns the capture cost of this page in texels.
func (e *PageTableEntry) NumPhysicalTexels() int32 {
	return e.elementSize().Area()
}

// initPageTableSpan fills the freshly added page table span of a mip slot.
func (s *Scene) initPageTableSpan(cardIndex int32, resLevel int32, desc MipMapDesc, spanOffset int32) {
	subAllocSize := cacheutils.InvalidIntPoint
	if desc.PageResolution.X < PhysicalPageSize || desc.PageResolution.Y < PhysicalPageSize {
		subAllocSize = desc.PageResolution
	}

	for pageY := int32(0); pageY < desc.SizeInPages.Y; pageY++ {
		for pageX := int32(0); pageX < desc.SizeInPages.X; pageX++ {
			pageTableIndex := spanOffset + pageY*desc.SizeInPages.X + pageX
			entry := s.pageTable.Get(int(pageTableIndex))
			*entry = PageTableEntry{
				PhysicalPageCoord: cacheutils.InvalidIntPoint,
				SubAllocationSize: subAllocSize,
				CardIndex:         cardIndex,
				ResLevel:          resLevel,
				LocalPageCoord:    cacheutils.IntPoint{X: pageX, Y: pageY},
				CardUVRect: [4]float32{
					float32(pageX) / float32(desc.SizeInPages.X),
					float32(pageY) / float32(desc.SizeInPages.Y),
					float32(pageX+1) / float32(desc.SizeInPages.X),
					float32(pageY+1) / float32(desc.SizeInPages.Y),
				},
			}
		}
	}
}

// reallocVirtualSurface allocates the page table span for one resolution
// level of a card, leaving every page unmapped. Allocating an already
// allocated level only updates its lock state.
func (s *Scene) reallocVirtualSurface(card *Card, cardIndex int32, resLevel int32, lock bool) {
	mip := card.MipSlot(resLevel)
	if !mip.IsAllocated() {
		desc := card.MipMapDesc(resLevel)

		mip.SizeInPagesX = uint8(desc.SizeInPages.X)
		mip.SizeInPagesY = uint8(desc.SizeInPages.Y)
		mip.ResLevelX = uint8(desc.ResLevelX)
		mip.ResLevelY = uint8(desc.ResLevelY)

		spanSize := desc.SizeInPages.Area()
		mip.PageTableSpanOffset = int32(s.pageTable.AddSpan(int(spanSize)))
		mip.PageTableSpanSize = uint16(spanSize)

		s.initPageTableSpan(cardIndex, resLevel, desc, mip.PageTableSpanOffset)
		mip.Locked = lock
	} else if mip.Locked != lock {
		s.setMipLockState(mip, lock)
	}
	card.UpdateMinMaxAllocatedLevel()
}

// setMipLockState flips the lock state of an allocated slot and moves its
// already mapped pages in or out of the eviction heaps to match. A page that
// became part of the locked floor must not linger in the unlocked heaps, or
// the unused-page sweep would reclaim it.
func (s *Scene) setMipLockState(mip *MipSlot, lock bool) {
	mip.Locked = lock
	for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
		pageTableIndex := mip.PageTableIndex(localPageIndex)
		if !s.pageTable.Get(int(pageTableIndex)).IsMapped() {
			continue
		}
		for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
			if lock {
				s.unlockedPageHeaps[gpuIndex].Remove(uint32(pageTableIndex))
			} else {
				s.unlockedPageHeaps[gpuIndex].Update(s.frameIndex, uint32(pageTableIndex))
			}
		}
	}
}

// freeVirtualSurface releases the page table spans and any mapped physical
// pages for resolution levels [fromResLevel, toResLevel] of a card.
func (s *Scene) freeVirtualSurface(card *Card, fromResLevel, toResLevel int32) {
	if !card.IsAllocated() {
		return
	}
	fromResLevel = cacheutils.Clamp(fromResLevel, MinResLevel, MaxResLevel)
	toResLevel = cacheutils.Clamp(toResLevel, MinResLevel, MaxResLevel)

	for resLevel := fromResLevel; resLevel <= toResLevel; resLevel++ {
		mip := card.MipSlot(resLevel)
		if !mip.IsAllocated() {
			continue
		}

		for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
			pageTableIndex := mip.PageTableIndex(localPageIndex)
			s.unmapSurfaceCachePage(s.pageTable.Get(int(pageTableIndex)), pageTableIndex)
		}

		err := s.pageTable.RemoveSpan(int(mip.PageTableSpanOffset), int(mip.PageTableSpanSize))
		if err != nil {
			s.logger.Error("page table span removal failed",
				slog.Int("offset", int(mip.PageTableSpanOffset)),
				slog.Int("size", int(mip.PageTableSpanSize)),
				slog.Any("error", err))
		}
		mip.reset()
	}
	card.UpdateMinMaxAllocatedLevel()
}

// mapSurfaceCachePage backs one virtual page with physical atlas space.
// Returns false when the atlas cannot fit it; the caller is expected to have
// checked availability (and evicted) beforehand.
func (s *Scene) mapSurfaceCachePage(mip *MipSlot, pageTableIndex int32, gpuMask GPUMask) bool {
	entry := s.pageTable.Get(int(pageTableIndex))
	if entry.IsMapped() {
		return true
	}

	allocation, ok := s.allocator.Allocate(entry.elementSize())
	if !ok {
		return false
	}

	entry.PhysicalPageCoord = allocation.PageCoord
	entry.PhysicalAtlasRect = allocation.Rect
	entry.SamplePageIndex = uint32(pageTableIndex)
	entry.SampleAtlasBias = allocation.Rect.Min
	entry.SampleResLevelX = uint16(mip.ResLevelX)
	entry.SampleResLevelY = uint16(mip.ResLevelY)

	if !mip.Locked {
		for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
			if gpuMask.Contains(gpuIndex) {
				s.unlockedPageHeaps[gpuIndex].Update(s.frameIndex, uint32(pageTableIndex))
			}
		}
	}

	s.pageTableIndicesToUpdate.Add(pageTableIndex)
	s.pagesAddedCounter.Inc(1)
	s.frameStats.PagesAdded++
	return true
}

// unmapSurfaceCachePage releases the physical backing of one virtual page.
// Unmapping an already unmapped page is a no-op.
func (s *Scene) unmapSurfaceCachePage(entry *PageTableEntry, pageTableIndex int32) {
	if !entry.IsMapped() {
		return
	}

	s.allocator.Free(atlas.Allocation{
		PageCoord: entry.PhysicalPageCoord,
		Rect:      entry.PhysicalAtlasRect,
	})
	entry.PhysicalPageCoord = cacheutils.InvalidIntPoint
	entry.PhysicalAtlasRect = cacheutils.IntRect{}

	for gpuIndex := 0; gpuIndex < s.numGPUs; gpuIndex++ {
		s.unlockedPageHeaps[gpuIndex].Remove(uint32(pageTableIndex))
		s.lastCapturedHeaps[gpuIndex].Remove(uint32(pageTableIndex))
	}

	s.pageTableIndicesToUpdate.Add(pageTableIndex)
}

// updateCardMipMapHierarchy drops mip slots whose pages were all evicted and
// rebuilds the sample redirection of the remaining entries, pointing unmapped
// pages at the coarsest mapped level covering the same card region.
func (s *Scene) updateCardMipMapHierarchy(card *Card) {
	for resLevel := MinResLevel; resLevel <= MaxResLevel; resLevel++ {
		mip := card.MipSlot(resLevel)
		if !mip.IsAllocated() {
			continue
		}

		anyMapped := false
		for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
			if s.pageTable.Get(int(mip.PageTableIndex(localPageIndex))).IsMapped() {
				anyMapped = true
				break
			}
		}
		if !anyMapped {
			err := s.pageTable.RemoveSpan(int(mip.PageTableSpanOffset), int(mip.PageTableSpanSize))
			if err != nil {
				s.logger.Error("page table span removal failed",
					slog.Int("offset", int(mip.PageTableSpanOffset)),
					slog.Any("error", err))
			}
			mip.reset()
		}
	}
	card.UpdateMinMaxAllocatedLevel()
	if !card.IsAllocated() {
		return
	}

	coarsestMip := card.MipSlot(card.MinAllocatedResLevel)
	for resLevel := card.MinAllocatedResLevel; resLevel <= card.MaxAllocatedResLevel; resLevel++ {
		mip := card.MipSlot(resLevel)
		if !mip.IsAllocated() {
			continue
		}

		for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
			pageTableIndex := mip.PageTableIndex(localPageIndex)
			entry := s.pageTable.Get(int(pageTableIndex))

			if entry.IsMapped() {
				entry.SamplePageIndex = uint32(pageTableIndex)
				entry.SampleAtlasBias = entry.PhysicalAtlasRect.Min
				entry.SampleResLevelX = uint16(mip.ResLevelX)
				entry.SampleResLevelY = uint16(mip.ResLevelY)
			} else {
				// Redirect to the coarse page covering the same UVs.
				coarseX := entry.LocalPageCoord.X * int32(coarsestMip.SizeInPagesX) / int32(mip.SizeInPagesX)
				coarseY := entry.LocalPageCoord.Y * int32(coarsestMip.SizeInPagesY) / int32(mip.SizeInPagesY)
				coarseIndex := coarsestMip.PageTableIndex(coarseY*int32(coarsestMip.SizeInPagesX) + coarseX)
				coarseEntry := s.pageTable.Get(int(coarseIndex))

				entry.SamplePageIndex = uint32(coarseIndex)
				entry.SampleAtlasBias = coarseEntry.PhysicalAtlasRect.Min
				entry.SampleResLevelX = uint16(coarsestMip.ResLevelX)
				entry.SampleResLevelY = uint16(coarsestMip.ResLevelY)
			}
			s.pageTableIndicesToUpdate.Add(pageTableIndex)
		}
	}
}
