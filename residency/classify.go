package residency

import (
	"math"
	"runtime"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// lockedMipPageIndex marks a request for a card's whole locked floor level
// rather than a single optional page.
const lockedMipPageIndex uint16 = 0xFFFF

// minViewerDistance avoids resolution blowing up when the viewer stands
// inside a card's bounds.
const minViewerDistance = 100.0

type surfaceCacheRequest struct {
	CardIndex      int32
	ResLevel       int32
	LocalPageIndex uint16
	Distance       float64
}

func (r *surfaceCacheRequest) IsLockedMip() bool {
	return r.LocalPageIndex == lockedMipPageIndex
}

// classifyChunkSize is the work granularity of the parallel passes. Chunk
// outputs are merged in chunk order, keeping results independent of worker
// scheduling.
const classifyChunkSize = 256

// forEachChunk runs process over [0, numItems) in fixed-size chunks across a
// bounded worker pool. process receives the chunk index and its item range.
func forEachChunk(numItems int, process func(chunkIndex, first, last int)) {
	if numItems == 0 {
		return
	}
	numChunks := cacheutils.DivideAndRoundUp(numItems, classifyChunkSize)
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > numChunks {
		numWorkers = numChunks
	}

	var waitGroup sync.WaitGroup
	waitGroup.Add(numWorkers)
	for workerIndex := 0; workerIndex < numWorkers; workerIndex++ {
		go func(workerIndex int) {
			defer waitGroup.Done()
			for chunkIndex := workerIndex; chunkIndex < numChunks; chunkIndex += numWorkers {
				first := chunkIndex * classifyChunkSize
				last := first + classifyChunkSize
				if last > numItems {
					last = numItems
				}
				process(chunkIndex, first, last)
			}
		}(workerIndex)
	}
	waitGroup.Wait()
}

type meshCardsAdd struct {
	groupIndex int32
	distanceSq float64
}

type groupChunkOutput struct {
	adds    []meshCardsAdd
	removes []int32
}

// updatePrimitiveGroups decides per group whether its card set should exist,
// based on projected size against the viewers. Far or tiny groups lose their
// card sets; newly relevant groups are instantiated nearest-first, throttled
// per frame.
func (s *Scene) updatePrimitiveGroups(cfg *Config, viewOrigins []cacheutils.Vector3) {
	chunkOutputs := make([]groupChunkOutput, cacheutils.DivideAndRoundUp(s.primitiveGroups.Num(), classifyChunkSize))

	minResolution := cfg.minResolutionForSceneDetail()

	forEachChunk(s.primitiveGroups.Num(), func(chunkIndex, first, last int) {
		output := &chunkOutputs[chunkIndex]
		for groupIndex := first; groupIndex < last; groupIndex++ {
			if !s.primitiveGroups.IsAllocated(groupIndex) {
				continue
			}
			group := s.primitiveGroups.Get(groupIndex)

			distanceSq := math.MaxFloat64
			for _, origin := range viewOrigins {
				originDistSq := group.WorldBounds.SquaredDistanceToPoint(origin)
				if originDistSq < distanceSq {
					distanceSq = originDistSq
				}
			}
			distance := math.Sqrt(distanceSq)

			maxDistance := cfg.MaxDistanceFromCamera
			if group.FarField {
				maxDistance = cfg.FarFieldDistance
			}

			maxExtent := group.WorldBounds.Extent().MaxComponent()
			maxProjectedResolution := cfg.TexelDensityScale * maxExtent / math.Max(distance, 1)
			if group.FarField {
				maxProjectedResolution = float64(cfg.FarFieldResolution)
			}

			groupMinResolution := minResolution
			if group.Emissive {
				groupMinResolution = 1
			}

			keep := distance < maxDistance && int32(maxProjectedResolution) >= groupMinResolution
			if keep && !group.HasMeshCards() {
				output.adds = append(output.adds, meshCardsAdd{
					groupIndex: int32(groupIndex),
					distanceSq: distanceSq,
				})
			} else if !keep && group.HasMeshCards() {
				output.removes = append(output.removes, group.MeshCardsIndex)
			}
		}
	})

	var adds []meshCardsAdd
	for chunkIndex := range chunkOutputs {
		output := &chunkOutputs[chunkIndex]
		for _, meshCardsIndex := range output.removes {
			s.removeMeshCards(meshCardsIndex)
		}
		adds = append(adds, output.adds...)
	}

	// Nearest groups get their card sets first when the add budget is tight.
	slices.SortStableFunc(adds, func(a, b meshCardsAdd) bool {
		if a.distanceSq != b.distanceSq {
			return a.distanceSq < b.distanceSq
		}
		return a.groupIndex < b.groupIndex
	})
	numAdds := int32(len(adds))
	if numAdds > cfg.MaxMeshCardsAddsPerFrame {
		numAdds = cfg.MaxMeshCardsAddsPerFrame
	}
	for addIndex := int32(0); addIndex < numAdds; addIndex++ {
		s.addMeshCards(adds[addIndex].groupIndex)
	}
}

type cardChunkOutput struct {
	requests []surfaceCacheRequest
	hides    []int32
}

// updateSurfaceCacheCards computes each card's desired locked resolution
// level. Cards that fell out of range are hidden and freed; cards whose
// desired level moved emit a locked reallocation request. Requests from
// already-resident cards are pushed back by a distance penalty so first-time
// allocations win under a tight capture budget; the penalty shrinks as the
// resolution jump grows.
func (s *Scene) updateSurfaceCacheCards(cfg *Config, viewOrigins []cacheutils.Vector3) []surfaceCacheRequest {
	chunkOutputs := make([]cardChunkOutput, cacheutils.DivideAndRoundUp(s.cards.Num(), classifyChunkSize))

	minResolution := cfg.minResolutionForSceneDetail()

	forEachChunk(s.cards.Num(), func(chunkIndex, first, last int) {
		output := &chunkOutputs[chunkIndex]
		for cardIndex := first; cardIndex < last; cardIndex++ {
			if !s.cards.IsAllocated(cardIndex) {
				continue
			}
			card := s.cards.Get(cardIndex)
			meshCards := s.meshCards.Get(int(card.MeshCardsIndex))

			viewerDistance := math.MaxFloat64
			for _, origin := range viewOrigins {
				originDistance := math.Sqrt(card.WorldOBB.SquaredDistanceToPoint(origin))
				if originDistance < viewerDistance {
					viewerDistance = originDistance
				}
			}
			viewerDistance = math.Max(viewerDistance, minViewerDistance)

			maxDistance := cfg.MaxDistanceFromCamera
			if meshCards.FarField {
				maxDistance = cfg.FarFieldDistance
			}

			maxExtent := math.Max(card.WorldOBB.Extent.X, card.WorldOBB.Extent.Y)
			maxProjectedSize := math.Min(
				cfg.TexelDensityScale*maxExtent*float64(card.ResolutionScale)/viewerDistance,
				cfg.MaxTexelDensity*maxExtent,
			)
			if meshCards.FarField {
				maxProjectedSize = float64(cfg.FarFieldResolution)
			}

			cardMinResolution := minResolution
			if meshCards.Emissive {
				cardMinResolution = 1
			}

			snappedSize := int32(cacheutils.RoundUpToPowerOfTwo(uint32(
				cacheutils.Clamp(int32(maxProjectedSize), 0, cfg.MaxCardResolution))))

			visible := viewerDistance < maxDistance && snappedSize >= cardMinResolution

			resLevel := int32(cacheutils.FloorLog2(uint32(
				cacheutils.Max(snappedSize, MinCardResolution))))
			resLevel = cacheutils.Clamp(resLevel, MinResLevel, MaxResLevel)

			if !visible && card.Visible {
				output.hides = append(output.hides, int32(cardIndex))
			} else if visible && resLevel != card.DesiredLockedResLevel {
				distance := viewerDistance
				if card.IsAllocated() {
					levelDelta := resLevel - card.MinAllocatedResLevel
					if levelDelta < 0 {
						levelDelta = -levelDelta
					}
					distance += (1 - cacheutils.Clamp(float64(levelDelta+1)/3, 0, 1)) *
						cfg.ReallocDistancePenalty
				}
				output.requests = append(output.requests, surfaceCacheRequest{
					CardIndex:      int32(cardIndex),
					ResLevel:       resLevel,
					LocalPageIndex: lockedMipPageIndex,
					Distance:       distance,
				})
			}
		}
	})

	var requests []surfaceCacheRequest
	for chunkIndex := range chunkOutputs {
		output := &chunkOutputs[chunkIndex]
		for _, cardIndex := range output.hides {
			s.removeCardFromAtlas(cardIndex)
		}
		requests = append(requests, output.requests...)
	}
	return requests
}

// appendHighResPageRequests folds the caller's sampling feedback into the
// request list, keeping only requests for finer-than-resident levels of
// cards that still exist.
func (s *Scene) appendHighResPageRequests(requests []surfaceCacheRequest, feedback []VirtualPageRequest) []surfaceCacheRequest {
	for _, pageRequest := range feedback {
		if !s.cards.IsAllocated(int(pageRequest.CardIndex)) {
			continue
		}
		card := s.cards.Get(int(pageRequest.CardIndex))
		if !card.IsAllocated() {
			continue
		}
		if pageRequest.ResLevel <= card.MinAllocatedResLevel || pageRequest.ResLevel > MaxResLevel {
			continue
		}
		requests = append(requests, surfaceCacheRequest{
			CardIndex:      pageRequest.CardIndex,
			ResLevel:       pageRequest.ResLevel,
			LocalPageIndex: pageRequest.LocalPageIndex,
			Distance:       pageRequest.Distance,
		})
	}
	return requests
}

// sortRequestsByDistance orders requests nearest-first. The sort is stable
// and ties break on card index, so scheduling is deterministic regardless of
// how the classification chunks were scheduled.
func sortRequestsByDistance(requests []surfaceCacheRequest) {
	slices.SortStableFunc(requests, func(a, b surfaceCacheRequest) bool {
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return a.CardIndex < b.CardIndex
	})
}
