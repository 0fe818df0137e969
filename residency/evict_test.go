package residency

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// mapUnlockedPage allocates an unlocked single-page level and maps its first
// page, returning the page table index.
func mapUnlockedPage(t *testing.T, scene *Scene, cardIndex int32, resLevel int32) int32 {
	card := scene.Card(cardIndex)
	scene.reallocVirtualSurface(card, cardIndex, resLevel, false)
	mip := card.MipSlot(resLevel)
	pageTableIndex := mip.PageTableIndex(0)
	require.True(t, scene.mapSurfaceCachePage(mip, pageTableIndex, AllGPUs(scene.numGPUs)))
	return pageTableIndex
}

func TestEvictOldestAllocation(t *testing.T) {
	scene := newTestScene(t, 8)
	cardIndex := addResidentGroup(t, scene, 1, cacheutils.Vector3{}, 100)
	pageTableIndex := mapUnlockedPage(t, scene, cardIndex, 7)

	// The page was last used 300 frames ago.
	scene.frameIndex += 300

	var dirtyCards cacheutils.UniqueIndexList
	require.True(t, scene.evictOldestAllocation(256, &dirtyCards))
	require.True(t, dirtyCards.Contains(cardIndex))
	require.False(t, scene.PageTableEntry(pageTableIndex).IsMapped())
	require.Equal(t, int32(64), scene.allocator.FreePageCount())
	require.Equal(t, int32(1), scene.frameStats.PagesEvicted)

	// Once the hierarchy is rebuilt, the card holds nothing.
	scene.updateCardMipMapHierarchy(scene.Card(cardIndex))
	require.False(t, scene.Card(cardIndex).IsAllocated())
}

func TestEvictRespectsMaxAge(t *testing.T) {
	scene := newTestScene(t, 8)
	cardIndex := addResidentGroup(t, scene, 1, cacheutils.Vector3{}, 100)
	mapUnlockedPage(t, scene, cardIndex, 7)

	scene.frameIndex += 2

	var dirtyCards cacheutils.UniqueIndexList
	require.False(t, scene.evictOldestAllocation(2, &dirtyCards))
	require.True(t, scene.evictOldestAllocation(1, &dirtyCards))
}

func TestLockedPagesNeverEvicted(t *testing.T) {
	scene := newTestScene(t, 8)
	cardIndex := addResidentGroup(t, scene, 1, cacheutils.Vector3{}, 100)
	card := scene.Card(cardIndex)

	scene.reallocVirtualSurface(card, cardIndex, 7, true)
	mip := card.MipSlot(7)
	require.True(t, scene.mapSurfaceCachePage(mip, mip.PageTableIndex(0), AllGPUs(1)))

	scene.frameIndex += 10000

	var dirtyCards cacheutils.UniqueIndexList
	require.False(t, scene.evictOldestAllocation(0, &dirtyCards))
	require.True(t, scene.PageTableEntry(mip.PageTableIndex(0)).IsMapped())
}

func TestEvictOldestPicksLeastRecentlyUsed(t *testing.T) {
	scene := newTestScene(t, 8)
	firstCard := addResidentGroup(t, scene, 1, cacheutils.Vector3{}, 100)
	secondCard := addResidentGroup(t, scene, 2, cacheutils.Vector3{X: 1000}, 100)

	oldPage := mapUnlockedPage(t, scene, firstCard, 7)
	scene.frameIndex += 10
	youngPage := mapUnlockedPage(t, scene, secondCard, 7)
	scene.frameIndex += 10

	var dirtyCards cacheutils.UniqueIndexList
	require.True(t, scene.evictOldestAllocation(0, &dirtyCards))
	require.False(t, scene.PageTableEntry(oldPage).IsMapped())
	require.True(t, scene.PageTableEntry(youngPage).IsMapped())
}

func TestMultiGPULastUsedTracking(t *testing.T) {
	scene, err := CreateScene(CreateOptions{
		PhysicalAtlasSizeInPages: cacheutils.NewIntPoint(8, 8),
		NumGPUs:                  2,
		MetricsRegistry:          metrics.NewRegistry(),
	})
	require.NoError(t, err)

	cardIndex := addResidentGroup(t, scene, 1, cacheutils.Vector3{}, 100)
	pageTableIndex := mapUnlockedPage(t, scene, cardIndex, 7)

	require.True(t, scene.unlockedPageHeaps[0].IsPresent(uint32(pageTableIndex)))
	require.True(t, scene.unlockedPageHeaps[1].IsPresent(uint32(pageTableIndex)))

	// Only the second GPU samples the page later on; the first replica's
	// stamp stays old, so the page is still considered stale globally.
	scene.frameIndex += 100
	scene.NotifyPageUsed(pageTableIndex, GPUMask(1<<1))
	require.Equal(t, uint32(1), scene.unlockedPageHeaps[0].GetKey(uint32(pageTableIndex)))
	require.Equal(t, scene.frameIndex, scene.unlockedPageHeaps[1].GetKey(uint32(pageTableIndex)))

	var dirtyCards cacheutils.UniqueIndexList
	require.True(t, scene.evictOldestAllocation(50, &dirtyCards))
	require.False(t, scene.unlockedPageHeaps[0].IsPresent(uint32(pageTableIndex)))
	require.False(t, scene.unlockedPageHeaps[1].IsPresent(uint32(pageTableIndex)))
}

func TestForceEvictEntireCache(t *testing.T) {
	scene := newTestScene(t, 8)
	cardIndex := addResidentGroup(t, scene, 1, cacheutils.Vector3{}, 100)
	card := scene.Card(cardIndex)

	scene.reallocVirtualSurface(card, cardIndex, 8, true)
	mip := card.MipSlot(8)
	for localPageIndex := int32(0); localPageIndex < int32(mip.PageTableSpanSize); localPageIndex++ {
		require.True(t, scene.mapSurfaceCachePage(mip, mip.PageTableIndex(localPageIndex), AllGPUs(1)))
	}
	mapUnlockedPage(t, scene, cardIndex+1, 6)

	scene.ForceEvictEntireCache()

	require.Equal(t, int32(64), scene.allocator.FreePageCount())
	require.Equal(t, 0, scene.pageTable.NumAllocated())
	require.False(t, scene.Card(cardIndex).IsAllocated())
	require.Equal(t, 0, scene.unlockedPageHeaps[0].Num())
	require.NoError(t, scene.allocator.Validate())
}
