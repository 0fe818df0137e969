package atlas

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

const (
	// PageSize is the side length in texels of one physical atlas page, the
	// fixed granularity of whole-page allocations.
	PageSize int32 = 128
)

// Allocation is a committed region of atlas space. PageCoord is the physical
// page grid coordinate and Rect the texel rectangle, which is a sub-rectangle
// of the page for binned allocations.
type Allocation struct {
	PageCoord cacheutils.IntPoint
	Rect      cacheutils.IntRect
}

// IsValid returns whether this allocation refers to committed atlas space.
func (a Allocation) IsValid() bool {
	return a.PageCoord.IsValid()
}

// pageBinAllocation is one physical page carved into a regular grid of
// equal-size elements, with a LIFO free list of element grid coordinates.
type pageBinAllocation struct {
	pageCoord cacheutils.IntPoint
	freeList  []cacheutils.IntPoint
}

// pageBin routes all allocations of one distinct element size.
type pageBin struct {
	elementSize        cacheutils.IntPoint
	pageSizeInElements cacheutils.IntPoint
	allocations        []pageBinAllocation
}

func newPageBin(elementSize cacheutils.IntPoint) pageBin {
	return pageBin{
		elementSize: elementSize,
		pageSizeInElements: cacheutils.IntPoint{
			X: PageSize / elementSize.X,
			Y: PageSize / elementSize.Y,
		},
	}
}

func (b *pageBin) numElementsPerPage() int32 {
	return b.pageSizeInElements.Area()
}

// Allocator hands out space from a fixed 2D grid of physical pages. Elements
// of at least a full page in either dimension take whole pages from a LIFO
// free list; smaller elements are binned per distinct size, sharing carved
// physical pages. A bin returns its page to the free list once every element
// on it has been freed.
//
// The allocator is the single owner of the page grid. It is not safe for
// concurrent use; the residency manager mutates it strictly sequentially.
type Allocator struct {
	sizeInPages cacheutils.IntPoint

	physicalPageFreeList []cacheutils.IntPoint
	pageBins             []pageBin

	wholePageAllocationCount int32
}

// Init prepares the allocator to manage a sizeInPages.X x sizeInPages.Y page
// grid with every page free. Any previous state is discarded, so this doubles
// as the cold reset path.
func (a *Allocator) Init(sizeInPages cacheutils.IntPoint) {
	a.sizeInPages = sizeInPages
	a.pageBins = nil
	a.wholePageAllocationCount = 0

	// LIFO pop order walks the grid row-major from (0,0)
	a.physicalPageFreeList = a.physicalPageFreeList[:0]
	for y := sizeInPages.Y - 1; y >= 0; y-- {
		for x := sizeInPages.X - 1; x >= 0; x-- {
			a.physicalPageFreeList = append(a.physicalPageFreeList, cacheutils.IntPoint{X: x, Y: y})
		}
	}
}

// SizeInPages returns the page grid dimensions passed to Init.
func (a *Allocator) SizeInPages() cacheutils.IntPoint {
	return a.sizeInPages
}

// FreePageCount returns the number of whole pages on the free list.
func (a *Allocator) FreePageCount() int32 {
	return int32(len(a.physicalPageFreeList))
}

func (a *Allocator) allocatePhysicalPage() (cacheutils.IntPoint, bool) {
	if len(a.physicalPageFreeList) == 0 {
		return cacheutils.InvalidIntPoint, false
	}
	last := len(a.physicalPageFreeList) - 1
	pageCoord := a.physicalPageFreeList[last]
	a.physicalPageFreeList = a.physicalPageFreeList[:last]
	return pageCoord, true
}

func (a *Allocator) freePhysicalPage(pageCoord cacheutils.IntPoint) {
	a.physicalPageFreeList = append(a.physicalPageFreeList, pageCoord)
}

func isSubPageSize(elementSize cacheutils.IntPoint) bool {
	return elementSize.X < PageSize || elementSize.Y < PageSize
}

func (a *Allocator) findBin(elementSize cacheutils.IntPoint) *pageBin {
	for binIndex := range a.pageBins {
		if a.pageBins[binIndex].elementSize == elementSize {
			return &a.pageBins[binIndex]
		}
	}
	return nil
}

// Allocate commits atlas space for one element of the given texel size.
// Element dimensions must be powers of two no larger than PageSize. Returns
// false without committing anything when no compatible bin slot and no whole
// page is free; the caller is expected to evict or downgrade and retry.
func (a *Allocator) Allocate(elementSize cacheutils.IntPoint) (Allocation, bool) {
	cacheutils.DebugCheckPow2(elementSize.X, "element size X")
	cacheutils.DebugCheckPow2(elementSize.Y, "element size Y")

	if !isSubPageSize(elementSize) {
		pageCoord, ok := a.allocatePhysicalPage()
		if !ok {
			return Allocation{PageCoord: cacheutils.InvalidIntPoint}, false
		}
		a.wholePageAllocationCount++
		origin := pageCoord.Mul(PageSize)
		return Allocation{
			PageCoord: pageCoord,
			Rect: cacheutils.IntRect{
				Min: origin,
				Max: origin.Add(cacheutils.IntPoint{X: PageSize, Y: PageSize}),
			},
		}, true
	}

	bin := a.findBin(elementSize)
	if bin == nil {
		a.pageBins = append(a.pageBins, newPageBin(elementSize))
		bin = &a.pageBins[len(a.pageBins)-1]
	}

	var binAlloc *pageBinAllocation
	for allocIndex := range bin.allocations {
		if len(bin.allocations[allocIndex].freeList) > 0 {
			binAlloc = &bin.allocations[allocIndex]
			break
		}
	}

	if binAlloc == nil {
		pageCoord, ok := a.allocatePhysicalPage()
		if !ok {
			return Allocation{PageCoord: cacheutils.InvalidIntPoint}, false
		}

		freeList := make([]cacheutils.IntPoint, 0, bin.numElementsPerPage())
		for y := bin.pageSizeInElements.Y - 1; y >= 0; y-- {
			for x := bin.pageSizeInElements.X - 1; x >= 0; x-- {
				freeList = append(freeList, cacheutils.IntPoint{X: x, Y: y})
			}
		}

		bin.allocations = append(bin.allocations, pageBinAllocation{
			pageCoord: pageCoord,
			freeList:  freeList,
		})
		binAlloc = &bin.allocations[len(bin.allocations)-1]
	}

	last := len(binAlloc.freeList) - 1
	elementCoord := binAlloc.freeList[last]
	binAlloc.freeList = binAlloc.freeList[:last]

	origin := cacheutils.IntPoint{
		X: binAlloc.pageCoord.X*PageSize + elementCoord.X*elementSize.X,
		Y: binAlloc.pageCoord.Y*PageSize + elementCoord.Y*elementSize.Y,
	}
	return Allocation{
		PageCoord: binAlloc.pageCoord,
		Rect: cacheutils.IntRect{
			Min: origin,
			Max: origin.Add(elementSize),
		},
	}, true
}

// Free returns an allocation's space to the appropriate free structure. The
// texel rect alone identifies the allocation; the page coordinate is derived
// from it. Callers guard against double-free through their own mapped flags;
// passing an allocation that is not currently live corrupts the free lists,
// which Validate will detect in debug builds.
func (a *Allocator) Free(alloc Allocation) {
	elementSize := alloc.Rect.Size()
	pageCoord := alloc.Rect.Min.Div(PageSize)

	if !isSubPageSize(elementSize) {
		a.wholePageAllocationCount--
		a.freePhysicalPage(pageCoord)
		return
	}

	bin := a.findBin(elementSize)
	if bin == nil {
		return
	}

	for allocIndex := range bin.allocations {
		binAlloc := &bin.allocations[allocIndex]
		if binAlloc.pageCoord != pageCoord {
			continue
		}

		elementCoord := cacheutils.IntPoint{
			X: (alloc.Rect.Min.X - pageCoord.X*PageSize) / elementSize.X,
			Y: (alloc.Rect.Min.Y - pageCoord.Y*PageSize) / elementSize.Y,
		}
		binAlloc.freeList = append(binAlloc.freeList, elementCoord)

		if int32(len(binAlloc.freeList)) == bin.numElementsPerPage() {
			a.freePhysicalPage(binAlloc.pageCoord)
			bin.allocations = append(bin.allocations[:allocIndex], bin.allocations[allocIndex+1:]...)
		}
		return
	}
}

// IsSpaceAvailable is a dry-run query: whether numPages allocations of
// elementSize could be committed right now. The scheduler uses it before
// starting an eviction cascade.
func (a *Allocator) IsSpaceAvailable(elementSize cacheutils.IntPoint, numPages int32) bool {
	if !isSubPageSize(elementSize) {
		return int32(len(a.physicalPageFreeList)) >= numPages
	}

	// One free bin slot services a sub-page element, otherwise a whole page
	// can be carved
	if len(a.physicalPageFreeList) > 0 {
		return true
	}
	bin := a.findBin(elementSize)
	if bin == nil {
		return false
	}
	freeSlots := int32(0)
	for allocIndex := range bin.allocations {
		freeSlots += int32(len(bin.allocations[allocIndex].freeList))
		if freeSlots >= numPages {
			return true
		}
	}
	return false
}

// BinStats describes one element-size bin for introspection.
type BinStats struct {
	ElementSize    cacheutils.IntPoint
	NumAllocations int32
	NumPages       int32
}

// Stats is a point-in-time utilization snapshot.
type Stats struct {
	TotalPages        int32
	FreePages         int32
	WholePageAllocs   int32
	BinNumPages       int32
	BinNumWastedPages int32
	BinPageFreeTexels int32

	Bins []BinStats
}

// GetStats sums current utilization into stats.
func (a *Allocator) GetStats(stats *Stats) {
	stats.TotalPages = a.sizeInPages.Area()
	stats.FreePages = int32(len(a.physicalPageFreeList))
	stats.WholePageAllocs = a.wholePageAllocationCount

	for binIndex := range a.pageBins {
		bin := &a.pageBins[binIndex]

		binStats := BinStats{
			ElementSize: bin.elementSize,
			NumPages:    int32(len(bin.allocations)),
		}
		for allocIndex := range bin.allocations {
			binAlloc := &bin.allocations[allocIndex]
			numFree := int32(len(binAlloc.freeList))
			binStats.NumAllocations += bin.numElementsPerPage() - numFree
			stats.BinPageFreeTexels += numFree * bin.elementSize.Area()
			if numFree == bin.numElementsPerPage() {
				stats.BinNumWastedPages++
			}
		}

		stats.BinNumPages += binStats.NumPages
		stats.Bins = append(stats.Bins, binStats)
	}
}

// BuildStatsJson populates a json object with current utilization.
func (a *Allocator) BuildStatsJson(json jwriter.ObjectState) {
	var stats Stats
	a.GetStats(&stats)

	json.Name("TotalPages").Int(int(stats.TotalPages))
	json.Name("FreePages").Int(int(stats.FreePages))
	json.Name("WholePageAllocs").Int(int(stats.WholePageAllocs))
	json.Name("BinPages").Int(int(stats.BinNumPages))
	json.Name("BinPageFreeTexels").Int(int(stats.BinPageFreeTexels))

	binArray := json.Name("Bins").Array()
	for _, binStats := range stats.Bins {
		binObj := binArray.Object()
		binObj.Name("ElementSizeX").Int(int(binStats.ElementSize.X))
		binObj.Name("ElementSizeY").Int(int(binStats.ElementSize.Y))
		binObj.Name("Allocations").Int(int(binStats.NumAllocations))
		binObj.Name("Pages").Int(int(binStats.NumPages))
		binObj.End()
	}
	binArray.End()
}

// Validate performs internal consistency checks, including the conservation
// invariant: free pages plus pages held by bins plus outstanding whole-page
// allocations must reconcile to the grid's total page count. When the
// implementation is functioning correctly, it should not be possible for this
// method to return an error.
func (a *Allocator) Validate() error {
	totalPages := a.sizeInPages.Area()

	seenPages := make(map[cacheutils.IntPoint]bool, totalPages)
	notePage := func(pageCoord cacheutils.IntPoint) error {
		if pageCoord.X < 0 || pageCoord.Y < 0 || pageCoord.X >= a.sizeInPages.X || pageCoord.Y >= a.sizeInPages.Y {
			return errors.Newf("page coordinate (%d, %d) is outside the grid", pageCoord.X, pageCoord.Y)
		}
		if seenPages[pageCoord] {
			return errors.Newf("page coordinate (%d, %d) appears twice", pageCoord.X, pageCoord.Y)
		}
		seenPages[pageCoord] = true
		return nil
	}

	for _, pageCoord := range a.physicalPageFreeList {
		if err := notePage(pageCoord); err != nil {
			return err
		}
	}

	binPages := int32(0)
	for binIndex := range a.pageBins {
		bin := &a.pageBins[binIndex]
		if PageSize%bin.elementSize.X != 0 || PageSize%bin.elementSize.Y != 0 {
			return errors.Newf("bin element size (%d, %d) does not divide the page size", bin.elementSize.X, bin.elementSize.Y)
		}
		for allocIndex := range bin.allocations {
			binAlloc := &bin.allocations[allocIndex]
			if err := notePage(binAlloc.pageCoord); err != nil {
				return err
			}
			if int32(len(binAlloc.freeList)) > bin.numElementsPerPage() {
				return errors.Newf("bin (%d, %d) page has more free slots than elements", bin.elementSize.X, bin.elementSize.Y)
			}
			binPages++
		}
	}

	accounted := int32(len(a.physicalPageFreeList)) + binPages + a.wholePageAllocationCount
	if accounted != totalPages {
		return errors.Newf("%d free + %d bin + %d whole-page pages != %d total",
			len(a.physicalPageFreeList), binPages, a.wholePageAllocationCount, totalPages)
	}
	return nil
}
