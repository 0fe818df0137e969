package residency

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsJson populates a json object with a snapshot of the scene's
// residency state.
func (s *Scene) BuildStatsJson(json jwriter.ObjectState) {
	json.Name("FrameIndex").Int(int(s.frameIndex))
	json.Name("PrimitiveGroups").Int(s.primitiveGroups.NumAllocated())
	json.Name("MeshCards").Int(s.meshCards.NumAllocated())
	json.Name("Cards").Int(s.cards.NumAllocated())
	json.Name("PageTableEntries").Int(s.pageTable.NumAllocated())

	var mappedPages, lockedPages int
	for pageTableIndex := 0; pageTableIndex < s.pageTable.Num(); pageTableIndex++ {
		if !s.pageTable.IsAllocated(pageTableIndex) {
			continue
		}
		entry := s.pageTable.Get(pageTableIndex)
		if !entry.IsMapped() {
			continue
		}
		mappedPages++
		card := s.cards.Get(int(entry.CardIndex))
		if card.MipSlot(entry.ResLevel).Locked {
			lockedPages++
		}
	}
	json.Name("MappedPages").Int(mappedPages)
	json.Name("LockedPages").Int(lockedPages)

	atlasObj := json.Name("PhysicalAtlas").Object()
	s.allocator.BuildStatsJson(atlasObj)
	atlasObj.End()
}

// BuildStatsString renders BuildStatsJson as a JSON string.
func (s *Scene) BuildStatsString() string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	s.BuildStatsJson(obj)
	obj.End()

	return string(writer.Bytes())
}
