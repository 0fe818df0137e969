// Package residency manages which surface cache data is resident in a
// fixed-size physical texture atlas.
//
// Geometry is registered as primitive groups. Each relevant group gets a set
// of oriented cards, and each card owns a pyramid of resolution levels backed
// by a virtual page table. Every frame, Update classifies all cards against
// the viewer positions, decides desired resolutions, maps and evicts physical
// pages under capture budgets, and returns the list of pages the caller must
// re-render.
package residency
