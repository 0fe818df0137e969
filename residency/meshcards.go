package residency

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/vellum-gfx/cardatlas/cacheutils"
)

// GroupID is the caller's stable identifier for a primitive group.
type GroupID uint64

// PrimitiveGroupDesc describes a primitive group being registered.
type PrimitiveGroupDesc struct {
	ID          GroupID
	WorldBounds cacheutils.Box3

	// CardResolutionScale scales the capture resolution of every card
	// generated for this group. Defaults to 1 when zero.
	CardResolutionScale float32

	// FarField keeps the group resident out to the far-field distance at a
	// fixed low resolution.
	FarField bool

	// Heightfield groups generate a single upward-facing card instead of a
	// six-sided set.
	Heightfield bool

	// Emissive groups stay resident at any projected size, since even a
	// few texels of emission are visible.
	Emissive bool
}

// PrimitiveGroup is a registered batch of geometry sharing bounds and card
// instantiation state.
type PrimitiveGroup struct {
	ID                  GroupID
	WorldBounds         cacheutils.Box3
	CardResolutionScale float32

	FarField    bool
	Heightfield bool
	Emissive    bool

	// MeshCardsIndex is the group's instantiated card set, -1 while the
	// classification pass considers the group too small or too far.
	MeshCardsIndex int32
}

func (g *PrimitiveGroup) HasMeshCards() bool {
	return g.MeshCardsIndex >= 0
}

// MeshCards is an instantiated card set: a contiguous span of cards sharing
// the owning group's bounds.
type MeshCards struct {
	PrimitiveGroupIndex int32
	WorldBounds         cacheutils.Box3

	FirstCardIndex int32
	NumCards       int32

	FarField    bool
	Heightfield bool
	Emissive    bool
}

// The six axis-aligned capture directions. Heightfields only use the
// upward-facing one.
var cardDirections = [6]struct {
	axisX, axisY, axisZ cacheutils.Vector3
}{
	{cacheutils.Vector3{Y: 1}, cacheutils.Vector3{Z: 1}, cacheutils.Vector3{X: -1}},
	{cacheutils.Vector3{Y: 1}, cacheutils.Vector3{Z: 1}, cacheutils.Vector3{X: 1}},
	{cacheutils.Vector3{X: 1}, cacheutils.Vector3{Z: 1}, cacheutils.Vector3{Y: -1}},
	{cacheutils.Vector3{X: 1}, cacheutils.Vector3{Z: 1}, cacheutils.Vector3{Y: 1}},
	{cacheutils.Vector3{X: 1}, cacheutils.Vector3{Y: 1}, cacheutils.Vector3{Z: -1}},
	{cacheutils.Vector3{X: 1}, cacheutils.Vector3{Y: 1}, cacheutils.Vector3{Z: 1}},
}

const upDirectionIndex = 5

// buildCardOBB orients a card over bounds for one capture direction. The
// card's XY extents come from the two box axes perpendicular to the facing
// direction.
func buildCardOBB(directionIndex uint8, bounds cacheutils.Box3) CardOBB {
	direction := &cardDirections[directionIndex]
	extent := bounds.Extent()

	obb := CardOBB{
		Origin: bounds.Center(),
		AxisX:  direction.axisX,
		AxisY:  direction.axisY,
		AxisZ:  direction.axisZ,
	}
	projectExtent := func(axis cacheutils.Vector3) float64 {
		return extent.X*abs(axis.X) + extent.Y*abs(axis.Y) + extent.Z*abs(axis.Z)
	}
	obb.Extent = cacheutils.Vector3{
		X: projectExtent(direction.axisX),
		Y: projectExtent(direction.axisY),
		Z: projectExtent(direction.axisZ),
	}
	return obb
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// AddPrimitiveGroup registers a primitive group. Card sets are not
// instantiated here; the next Update decides whether the group is worth
// keeping resident.
func (s *Scene) AddPrimitiveGroup(desc PrimitiveGroupDesc) error {
	if _, exists := s.groupsByID.Get(desc.ID); exists {
		return errors.Errorf("primitive group %d already registered", desc.ID)
	}

	resolutionScale := desc.CardResolutionScale
	if resolutionScale == 0 {
		resolutionScale = 1
	}

	groupIndex := int32(s.primitiveGroups.AddSpan(1))
	group := s.primitiveGroups.Get(int(groupIndex))
	*group = PrimitiveGroup{
		ID:                  desc.ID,
		WorldBounds:         desc.WorldBounds,
		CardResolutionScale: resolutionScale,
		FarField:            desc.FarField,
		Heightfield:         desc.Heightfield,
		Emissive:            desc.Emissive,
		MeshCardsIndex:      -1,
	}
	s.groupsByID.Put(desc.ID, groupIndex)
	return nil
}

// UpdatePrimitiveGroupTransform moves a registered group to new world
// bounds. Resident cards keep their allocations; only their placement is
// updated and re-uploaded.
func (s *Scene) UpdatePrimitiveGroupTransform(id GroupID, worldBounds cacheutils.Box3) error {
	groupIndex, exists := s.groupsByID.Get(id)
	if !exists {
		return errors.Errorf("primitive group %d not registered", id)
	}

	group := s.primitiveGroups.Get(int(groupIndex))
	group.WorldBounds = worldBounds
	if !group.HasMeshCards() {
		return nil
	}

	meshCards := s.meshCards.Get(int(group.MeshCardsIndex))
	meshCards.WorldBounds = worldBounds
	s.meshCardsIndicesToUpdate.Add(group.MeshCardsIndex)

	for cardOffset := int32(0); cardOffset < meshCards.NumCards; cardOffset++ {
		cardIndex := meshCards.FirstCardIndex + cardOffset
		card := s.cards.Get(int(cardIndex))
		obb := buildCardOBB(card.AxisAlignedDirectionIndex, worldBounds)
		card.LocalOBB = obb
		card.WorldOBB = obb
		s.cardIndicesToUpdate.Add(cardIndex)
	}
	return nil
}

// RemovePrimitiveGroup unregisters a group, releasing its card set and every
// resident page.
func (s *Scene) RemovePrimitiveGroup(id GroupID) error {
	groupIndex, exists := s.groupsByID.Get(id)
	if !exists {
		return errors.Errorf("primitive group %d not registered", id)
	}

	group := s.primitiveGroups.Get(int(groupIndex))
	if group.HasMeshCards() {
		s.removeMeshCards(group.MeshCardsIndex)
	}

	err := s.primitiveGroups.RemoveSpan(int(groupIndex), 1)
	if err != nil {
		return err
	}
	s.groupsByID.Delete(id)
	return nil
}

// addMeshCards instantiates the card set for a primitive group.
func (s *Scene) addMeshCards(groupIndex int32) {
	group := s.primitiveGroups.Get(int(groupIndex))

	numCards := int32(len(cardDirections))
	firstDirection := uint8(0)
	if group.Heightfield {
		numCards = 1
		firstDirection = upDirectionIndex
	}

	meshCardsIndex := int32(s.meshCards.AddSpan(1))
	firstCardIndex := int32(s.cards.AddSpan(int(numCards)))

	meshCards := s.meshCards.Get(int(meshCardsIndex))
	*meshCards = MeshCards{
		PrimitiveGroupIndex: groupIndex,
		WorldBounds:         group.WorldBounds,
		FirstCardIndex:      firstCardIndex,
		NumCards:            numCards,
		FarField:            group.FarField,
		Heightfield:         group.Heightfield,
		Emissive:            group.Emissive,
	}

	for cardOffset := int32(0); cardOffset < numCards; cardOffset++ {
		directionIndex := firstDirection + uint8(cardOffset)
		cardIndex := firstCardIndex + cardOffset
		card := s.cards.Get(int(cardIndex))
		card.Initialize(
			group.CardResolutionScale,
			buildCardOBB(directionIndex, group.WorldBounds),
			meshCardsIndex,
			cardOffset,
			directionIndex,
		)
		card.Heightfield = group.Heightfield
		s.cardIndicesToUpdate.Add(cardIndex)
	}

	group.MeshCardsIndex = meshCardsIndex
	s.meshCardsIndicesToUpdate.Add(meshCardsIndex)
	s.frameStats.MeshCardsAdded++
}

// removeMeshCards tears down a card set, freeing every resident page.
func (s *Scene) removeMeshCards(meshCardsIndex int32) {
	meshCards := s.meshCards.Get(int(meshCardsIndex))

	for cardOffset := int32(0); cardOffset < meshCards.NumCards; cardOffset++ {
		cardIndex := meshCards.FirstCardIndex + cardOffset
		s.removeCardFromAtlas(cardIndex)
	}

	group := s.primitiveGroups.Get(int(meshCards.PrimitiveGroupIndex))
	group.MeshCardsIndex = -1

	err := s.cards.RemoveSpan(int(meshCards.FirstCardIndex), int(meshCards.NumCards))
	if err != nil {
		s.logger.Error("card span removal failed", slog.Any("error", err))
	}
	err = s.meshCards.RemoveSpan(int(meshCardsIndex), 1)
	if err != nil {
		s.logger.Error("mesh cards span removal failed", slog.Any("error", err))
	}
	s.meshCardsIndicesToUpdate.Add(meshCardsIndex)
	s.frameStats.MeshCardsRemoved++
}

// removeCardFromAtlas hides a card and frees its pages, keeping the card
// registered so classification can bring it back later.
func (s *Scene) removeCardFromAtlas(cardIndex int32) {
	card := s.cards.Get(int(cardIndex))
	if card.IsAllocated() {
		s.freeVirtualSurface(card, card.MinAllocatedResLevel, card.MaxAllocatedResLevel)
	}
	card.DesiredLockedResLevel = 0
	card.Visible = false
	s.cardIndicesToUpdate.Add(cardIndex)
}
