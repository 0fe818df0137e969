package residency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func lockedRequest(cardIndex int32, resLevel int32, distance float64) surfaceCacheRequest {
	return surfaceCacheRequest{
		CardIndex:      cardIndex,
		ResLevel:       resLevel,
		LocalPageIndex: lockedMipPageIndex,
		Distance:       distance,
	}
}

func TestLockedReallocMapsEveryPage(t *testing.T) {
	scene := newTestScene(t, 16)
	cardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1

	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(cardIndex, 9, 100),
	})

	card := scene.Card(cardIndex)
	mip := card.MipSlot(9)
	require.True(t, mip.IsAllocated())
	require.True(t, mip.Locked)
	require.Equal(t, int32(9), card.DesiredLockedResLevel)
	require.Equal(t, int32(9), card.MinAllocatedResLevel)

	// Every virtual page of the locked level is mapped and gets a capture
	// job.
	require.Len(t, jobs, 16)
	for localPageIndex := int32(0); localPageIndex < 16; localPageIndex++ {
		entry := scene.PageTableEntry(mip.PageTableIndex(localPageIndex))
		require.True(t, entry.IsMapped())
	}
	for _, job := range jobs {
		require.Equal(t, cardIndex, job.CardIndex)
		require.False(t, job.ResampleLastLighting)
		require.Equal(t, int32(PhysicalPageSize), job.PhysicalAtlasRect.Width())
	}
	require.NoError(t, scene.allocator.Validate())
}

func TestConflictingReallocsLaterWins(t *testing.T) {
	scene := newTestScene(t, 16)
	cardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1

	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(cardIndex, 8, 100),
		lockedRequest(cardIndex, 9, 200),
	})

	card := scene.Card(cardIndex)
	require.Equal(t, int32(9), card.DesiredLockedResLevel)
	require.Equal(t, int32(9), card.MinAllocatedResLevel)
	require.Equal(t, int32(9), card.MaxAllocatedResLevel)
	require.False(t, card.MipSlot(8).IsAllocated())

	// No page table entries dangle from the losing level.
	require.Equal(t, 16, scene.pageTable.NumAllocated())
	require.Equal(t, int32(16*16-16), scene.allocator.FreePageCount())

	// Both levels were captured before the second request replaced the
	// first.
	require.Len(t, jobs, 4+16)
	require.NoError(t, scene.allocator.Validate())
}

func TestPageBudgetStopsScheduling(t *testing.T) {
	scene := newTestScene(t, 8)
	firstCardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1
	cfg.MaxPageCapturesPerFrame = 2

	var requests []surfaceCacheRequest
	for cardOffset := int32(0); cardOffset < 6; cardOffset++ {
		requests = append(requests, lockedRequest(firstCardIndex+cardOffset, 7, float64(cardOffset)))
	}

	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), requests)
	require.Len(t, jobs, 2)

	// Only the first two cards got their floors this frame.
	require.True(t, scene.Card(firstCardIndex).IsAllocated())
	require.True(t, scene.Card(firstCardIndex+1).IsAllocated())
	require.False(t, scene.Card(firstCardIndex+2).IsAllocated())
}

func TestPageBudgetCoversMultiPageMips(t *testing.T) {
	scene := newTestScene(t, 16)
	firstCardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1
	cfg.MaxPageCapturesPerFrame = 1

	// A 4x4-page floor does not fit in a one-page budget; it waits for a
	// future frame instead of overshooting the cap, and a single-page floor
	// behind it still gets through.
	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex, 9, 1),
		lockedRequest(firstCardIndex+1, 7, 2),
	})
	require.Len(t, jobs, 1)
	require.False(t, scene.Card(firstCardIndex).IsAllocated())
	require.True(t, scene.Card(firstCardIndex+1).IsAllocated())
	require.Equal(t, int32(0), scene.frameStats.RequestsDropped)
}

func TestPageBudgetRemainderSkipsOversizedMip(t *testing.T) {
	scene := newTestScene(t, 16)
	firstCardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1
	cfg.MaxPageCapturesPerFrame = 20

	// The first 4x4 floor consumes 16 of the 20 pages; the second cannot fit
	// in the remaining 4 and is deferred whole.
	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex, 9, 1),
		lockedRequest(firstCardIndex+1, 9, 2),
	})
	require.Len(t, jobs, 16)
	require.True(t, scene.Card(firstCardIndex).IsAllocated())
	require.False(t, scene.Card(firstCardIndex+1).IsAllocated())
}

func TestTexelBudgetStopsScheduling(t *testing.T) {
	scene := newTestScene(t, 8)
	firstCardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1
	cfg.MaxTexelCapturesPerFrame = int64(PhysicalPageSize) * int64(PhysicalPageSize)

	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex, 7, 1),
		lockedRequest(firstCardIndex+1, 7, 2),
	})
	require.Len(t, jobs, 1)
	require.Equal(t, cfg.MaxTexelCapturesPerFrame, scene.frameStats.TexelsCaptured)
}

func TestLockedReallocDowngradesUnderPressure(t *testing.T) {
	scene := newTestScene(t, 2)
	firstCardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1

	// The first card's floor takes one of the four pages.
	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex, 7, 1),
	})
	require.Len(t, jobs, 1)
	require.Equal(t, int32(3), scene.allocator.FreePageCount())

	// A four page mip cannot fit and nothing is evictable, so the second
	// card is downgraded until it fits.
	jobs = scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex+1, 8, 1),
	})
	require.Len(t, jobs, 1)

	downgraded := scene.Card(firstCardIndex + 1)
	require.Equal(t, int32(7), downgraded.DesiredLockedResLevel)
	require.Equal(t, int32(7), downgraded.MinAllocatedResLevel)
	require.Equal(t, int32(0), scene.frameStats.RequestsDropped)

	// The first card keeps its floor.
	require.True(t, scene.Card(firstCardIndex).MipSlot(7).IsAllocated())
}

func TestHighResPageRequestMapsSinglePage(t *testing.T) {
	scene := newTestScene(t, 16)
	cardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1

	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(cardIndex, 6, 1),
	})

	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		{CardIndex: cardIndex, ResLevel: 8, LocalPageIndex: 2, Distance: 50},
	})
	require.Len(t, jobs, 1)
	require.False(t, jobs[0].ResampleLastLighting)

	card := scene.Card(cardIndex)
	fineMip := card.MipSlot(8)
	require.True(t, fineMip.IsAllocated())
	require.False(t, fineMip.Locked)

	mappedCount := 0
	for localPageIndex := int32(0); localPageIndex < int32(fineMip.PageTableSpanSize); localPageIndex++ {
		entry := scene.PageTableEntry(fineMip.PageTableIndex(localPageIndex))
		if entry.IsMapped() {
			mappedCount++
			require.Equal(t, int32(2), localPageIndex)
			require.True(t, scene.unlockedPageHeaps[0].IsPresent(uint32(fineMip.PageTableIndex(localPageIndex))))
		} else {
			// Unmapped siblings sample the locked floor.
			require.Equal(t, uint32(card.MipSlot(6).PageTableIndex(0)), entry.SamplePageIndex)
		}
	}
	require.Equal(t, 1, mappedCount)
}

func TestLockedFloorPromotionProtectsMappedPages(t *testing.T) {
	scene := newTestScene(t, 16)
	cardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1
	cfg.CaptureRefreshFraction = 0

	// A sampled hi-res page arrives before the card's floor catches up.
	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(cardIndex, 6, 1),
	})
	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		{CardIndex: cardIndex, ResLevel: 8, LocalPageIndex: 0, Distance: 50},
	})
	card := scene.Card(cardIndex)
	mip := card.MipSlot(8)
	pageTableIndex := mip.PageTableIndex(0)
	require.True(t, scene.unlockedPageHeaps[0].IsPresent(uint32(pageTableIndex)))

	// Promoting the floor to the same level locks the mapped page in place
	// and takes it out of LRU consideration.
	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(cardIndex, 8, 1),
	})
	require.Len(t, jobs, 3)
	require.True(t, mip.Locked)
	require.False(t, scene.unlockedPageHeaps[0].IsPresent(uint32(pageTableIndex)))

	// The unused-page sweep leaves the promoted floor alone.
	scene.frameIndex += cfg.NumFramesToKeepUnusedPages + 100
	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), nil)
	require.True(t, scene.PageTableEntry(pageTableIndex).IsMapped())
	require.Equal(t, int32(8), card.MinAllocatedResLevel)
	require.NoError(t, scene.allocator.Validate())
}

func TestHighResPageRequestSkipsInvisibleCard(t *testing.T) {
	scene := newTestScene(t, 16)
	cardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1

	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(cardIndex, 6, 1),
	})
	scene.Card(cardIndex).Visible = false

	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		{CardIndex: cardIndex, ResLevel: 8, LocalPageIndex: 0, Distance: 50},
	})
	require.Empty(t, jobs)
	require.False(t, scene.Card(cardIndex).MipSlot(8).IsAllocated())
}

func TestStaleResidentEvictedWhenNewCardArrives(t *testing.T) {
	scene := newTestScene(t, 2)
	firstCardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)

	cfg := DefaultConfig()
	cfg.CaptureFactor = 1
	cfg.CaptureRefreshFraction = 0

	// Two locked floors plus one unlocked resident page leave one page free.
	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex, 7, 1),
		lockedRequest(firstCardIndex+1, 7, 2),
	})
	stalePage := mapUnlockedPage(t, scene, firstCardIndex+2, 7)
	require.Equal(t, int32(1), scene.allocator.FreePageCount())

	scene.frameIndex += 300

	// A new card's floor lands in the free page; the stale page is
	// reclaimed by the end-of-frame sweep, leaving its card empty.
	jobs := scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), []surfaceCacheRequest{
		lockedRequest(firstCardIndex+3, 7, 1),
	})
	require.Len(t, jobs, 1)
	require.True(t, scene.Card(firstCardIndex+3).IsAllocated())

	require.False(t, scene.pageTable.IsAllocated(int(stalePage)))
	require.False(t, scene.Card(firstCardIndex+2).IsAllocated())
	require.Equal(t, int32(1), scene.allocator.FreePageCount())
	require.NoError(t, scene.allocator.Validate())
}

func TestUnusedPageSweep(t *testing.T) {
	scene := newTestScene(t, 8)
	cardIndex := addResidentGroup(t, scene, 1, vec3(0, 0, 0), 100)
	pageTableIndex := mapUnlockedPage(t, scene, cardIndex, 7)

	cfg := DefaultConfig()
	cfg.NumFramesToKeepUnusedPages = 16

	scene.frameIndex += 17
	scene.processSurfaceCacheRequests(&cfg, AllGPUs(1), nil)

	require.False(t, scene.pageTable.IsAllocated(int(pageTableIndex)))
	require.False(t, scene.Card(cardIndex).IsAllocated())
	require.Equal(t, int32(64), scene.allocator.FreePageCount())
}
