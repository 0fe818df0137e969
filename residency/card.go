package residency

import (
	"math"

	"github.com/vellum-gfx/cardatlas/atlas"
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

const (
	// PhysicalPageSize is the side length in texels of one physical atlas page.
	PhysicalPageSize = atlas.PageSize

	// MinCardResolution is the smallest resolution a card can be captured at.
	MinCardResolution int32 = 8

	// MinResLevel is the coarsest resolution level (1 << MinResLevel texels).
	MinResLevel int32 = 3
	// MaxResLevel is the finest resolution level (1 << MaxResLevel texels).
	MaxResLevel int32 = 11
	// NumResLevels is the number of mip slots per card.
	NumResLevels = int(MaxResLevel - MinResLevel + 1)

	// SubAllocationResLevel is the finest level that still fits inside a
	// single physical page. Levels at or below it occupy one (possibly
	// shared) page; finer levels span a grid of whole pages.
	SubAllocationResLevel int32 = 7
)

// invalidResLevel marks MinAllocatedResLevel when a card has no allocated
// mip slot. It compares greater than every valid level.
const invalidResLevel int32 = MaxResLevel + 1

// CardOBB is an oriented bounding box: an orthonormal basis around an origin
// with a per-axis half-extent. AxisZ is the card's facing direction; the card
// surface spans AxisX/AxisY.
type CardOBB struct {
	Origin cacheutils.Vector3
	AxisX  cacheutils.Vector3
	AxisY  cacheutils.Vector3
	AxisZ  cacheutils.Vector3
	Extent cacheutils.Vector3
}

// SquaredDistanceToPoint returns the squared distance from the box surface to
// point, 0 when the point is inside.
func (obb *CardOBB) SquaredDistanceToPoint(point cacheutils.Vector3) float64 {
	delta := point.Sub(obb.Origin)
	local := cacheutils.Vector3{
		X: delta.Dot(obb.AxisX),
		Y: delta.Dot(obb.AxisY),
		Z: delta.Dot(obb.AxisZ),
	}

	distSq := 0.0
	axisExcess := func(v, extent float64) float64 {
		excess := math.Abs(v) - extent
		if excess > 0 {
			return excess * excess
		}
		return 0
	}
	distSq += axisExcess(local.X, obb.Extent.X)
	distSq += axisExcess(local.Y, obb.Extent.Y)
	distSq += axisExcess(local.Z, obb.Extent.Z)
	return distSq
}

// MipSlot is one resolution level of a card's surface allocation. An
// allocated slot owns a contiguous span of page table entries; a slot is
// either fully unmapped (span size 0) or has an entry for every virtual page.
type MipSlot struct {
	SizeInPagesX uint8
	SizeInPagesY uint8
	ResLevelX    uint8
	ResLevelY    uint8

	PageTableSpanOffset int32
	PageTableSpanSize   uint16

	// Locked marks the card's always-resident floor level, protected from
	// LRU eviction.
	Locked bool
}

func (m *MipSlot) IsAllocated() bool {
	return m.PageTableSpanSize > 0
}

func (m *MipSlot) SizeInPages() cacheutils.IntPoint {
	return cacheutils.IntPoint{X: int32(m.SizeInPagesX), Y: int32(m.SizeInPagesY)}
}

// PageTableIndex converts a local page index within the slot to a page table
// index.
func (m *MipSlot) PageTableIndex(localPageIndex int32) int32 {
	return m.PageTableSpanOffset + localPageIndex
}

func (m *MipSlot) reset() {
	*m = MipSlot{PageTableSpanOffset: -1}
}

// MipMapDesc describes the virtual layout of one card resolution level.
type MipMapDesc struct {
	// Resolution is the level's total texel size, biased per axis by the
	// card's aspect ratio.
	Resolution cacheutils.IntPoint
	// SizeInPages is the virtual page grid covering Resolution.
	SizeInPages cacheutils.IntPoint
	// PageResolution is the texel size of one virtual page, equal to
	// Resolution for sub-page levels.
	PageResolution cacheutils.IntPoint
	ResLevelX      int32
	ResLevelY      int32
	// SubAllocation is set when the whole level shares one physical page
	// with other small allocations.
	SubAllocation bool
}

// Card is one oriented surface patch of baked material data. Cards live in a
// sparse array owned by the Scene and are referenced everywhere by index.
type Card struct {
	LocalOBB CardOBB
	WorldOBB CardOBB

	Visible     bool
	Heightfield bool

	// Coarsest and finest allocated mip slots. MinAllocatedResLevel
	// compares greater than MaxAllocatedResLevel when nothing is allocated.
	MinAllocatedResLevel int32
	MaxAllocatedResLevel int32

	// Resolution level the classification pass last committed for the
	// locked floor. The allocated level can end up coarser under memory
	// pressure; classification then re-requests the difference next frame.
	DesiredLockedResLevel int32

	ResolutionScale float32

	MeshCardsIndex            int32
	IndexInMeshCards          int32
	AxisAlignedDirectionIndex uint8

	mips [NumResLevels]MipSlot
}

// Initialize resets the card for reuse out of the sparse card array.
func (c *Card) Initialize(resolutionScale float32, obb CardOBB, meshCardsIndex, indexInMeshCards int32, directionIndex uint8) {
	*c = Card{
		LocalOBB:                  obb,
		WorldOBB:                  obb,
		MinAllocatedResLevel:      invalidResLevel,
		MaxAllocatedResLevel:      0,
		ResolutionScale:           resolutionScale,
		MeshCardsIndex:            meshCardsIndex,
		IndexInMeshCards:          indexInMeshCards,
		AxisAlignedDirectionIndex: directionIndex,
	}
	for mipIndex := range c.mips {
		c.mips[mipIndex].reset()
	}
}

// IsAllocated returns whether the card has any allocated mip slot.
func (c *Card) IsAllocated() bool {
	return c.MinAllocatedResLevel <= c.MaxAllocatedResLevel
}

// MipSlot returns the slot for a resolution level in [MinResLevel, MaxResLevel].
func (c *Card) MipSlot(resLevel int32) *MipSlot {
	return &c.mips[resLevel-MinResLevel]
}

// UpdateMinMaxAllocatedLevel recomputes the allocated level range from the
// mip slots.
func (c *Card) UpdateMinMaxAllocatedLevel() {
	c.MinAllocatedResLevel = invalidResLevel
	c.MaxAllocatedResLevel = 0
	for resLevel := MinResLevel; resLevel <= MaxResLevel; resLevel++ {
		if c.MipSlot(resLevel).IsAllocated() {
			if resLevel < c.MinAllocatedResLevel {
				c.MinAllocatedResLevel = resLevel
			}
			if resLevel > c.MaxAllocatedResLevel {
				c.MaxAllocatedResLevel = resLevel
			}
		}
	}
}

// resLevelToXYBias biases the smaller card axis down by the log2 aspect
// ratio, so elongated cards don't waste texels across their short side.
func (c *Card) resLevelToXYBias() cacheutils.IntPoint {
	extentX := c.WorldOBB.Extent.X
	extentY := c.WorldOBB.Extent.Y

	var bias cacheutils.IntPoint
	if extentX >= extentY && extentY > 0 {
		bias.Y = int32(cacheutils.FloorLog2(uint32(extentX / extentY)))
	} else if extentY > extentX && extentX > 0 {
		bias.X = int32(cacheutils.FloorLog2(uint32(extentY / extentX)))
	}
	return bias
}

// MipMapDesc computes the virtual layout of resLevel for this card.
func (c *Card) MipMapDesc(resLevel int32) MipMapDesc {
	bias := c.resLevelToXYBias()

	var desc MipMapDesc
	desc.ResLevelX = cacheutils.Clamp(resLevel-bias.X, MinResLevel, resLevel)
	desc.ResLevelY = cacheutils.Clamp(resLevel-bias.Y, MinResLevel, resLevel)
	desc.Resolution = cacheutils.IntPoint{
		X: 1 << desc.ResLevelX,
		Y: 1 << desc.ResLevelY,
	}

	if resLevel <= SubAllocationResLevel {
		desc.SubAllocation = true
		desc.SizeInPages = cacheutils.IntPoint{X: 1, Y: 1}
		desc.PageResolution = desc.Resolution
		return desc
	}

	pagesForAxis := func(axisLevel int32) int32 {
		if axisLevel <= SubAllocationResLevel {
			return 1
		}
		return 1 << (axisLevel - SubAllocationResLevel)
	}
	desc.SizeInPages = cacheutils.IntPoint{
		X: pagesForAxis(desc.ResLevelX),
		Y: pagesForAxis(desc.ResLevelY),
	}
	desc.PageResolution = cacheutils.IntPoint{
		X: cacheutils.Min(desc.Resolution.X, PhysicalPageSize),
		Y: cacheutils.Min(desc.Resolution.Y, PhysicalPageSize),
	}
	return desc
}
