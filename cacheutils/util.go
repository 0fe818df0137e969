package cacheutils

import (
	"fmt"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int32 | ~uint32
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func DivideAndRoundUp[T Number](value T, divisor T) T {
	return (value + divisor - 1) / divisor
}

// FloorLog2 returns the exponent of the largest power of two that does not
// exceed value. FloorLog2(0) is 0.
func FloorLog2(value uint32) uint32 {
	if value == 0 {
		return 0
	}
	return uint32(31 - bits.LeadingZeros32(value))
}

// RoundUpToPowerOfTwo returns the smallest power of two greater than or equal
// to value.
func RoundUpToPowerOfTwo(value uint32) uint32 {
	if value <= 1 {
		return 1
	}
	return 1 << (32 - bits.LeadingZeros32(value-1))
}

func Clamp[T Number | ~float32 | ~float64](value, min, max T) T {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func Max[T Number | ~float32 | ~float64](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T Number | ~float32 | ~float64](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// IntPoint is a 2d integer coordinate, used for page grid coordinates and
// texel sizes.
type IntPoint struct {
	X int32
	Y int32
}

func NewIntPoint(x, y int32) IntPoint {
	return IntPoint{X: x, Y: y}
}

// InvalidIntPoint is the sentinel "no coordinate" value.
var InvalidIntPoint = IntPoint{X: -1, Y: -1}

func (p IntPoint) IsValid() bool {
	return p.X >= 0 && p.Y >= 0
}

func (p IntPoint) Area() int32 {
	return p.X * p.Y
}

func (p IntPoint) Add(other IntPoint) IntPoint {
	return IntPoint{X: p.X + other.X, Y: p.Y + other.Y}
}

func (p IntPoint) Mul(scale int32) IntPoint {
	return IntPoint{X: p.X * scale, Y: p.Y * scale}
}

func (p IntPoint) Div(divisor int32) IntPoint {
	return IntPoint{X: p.X / divisor, Y: p.Y / divisor}
}

func (p IntPoint) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

func (p IntPoint) MaxComponent() int32 {
	if p.X > p.Y {
		return p.X
	}
	return p.Y
}

// IntRect is a half-open integer rectangle [Min, Max).
type IntRect struct {
	Min IntPoint
	Max IntPoint
}

func NewIntRect(minX, minY, maxX, maxY int32) IntRect {
	return IntRect{
		Min: IntPoint{X: minX, Y: minY},
		Max: IntPoint{X: maxX, Y: maxY},
	}
}

func (r IntRect) Width() int32 {
	return r.Max.X - r.Min.X
}

func (r IntRect) Height() int32 {
	return r.Max.Y - r.Min.Y
}

func (r IntRect) Size() IntPoint {
	return IntPoint{X: r.Width(), Y: r.Height()}
}

func (r IntRect) Area() int32 {
	return r.Width() * r.Height()
}

// Intersects reports whether the two rectangles share any texel.
func (r IntRect) Intersects(other IntRect) bool {
	return r.Min.X < other.Max.X && other.Min.X < r.Max.X &&
		r.Min.Y < other.Max.Y && other.Min.Y < r.Max.Y
}

// Vector3 is a world-space position or extent.
type Vector3 struct {
	X float64
	Y float64
	Z float64
}

func (v Vector3) Add(other Vector3) Vector3 {
	return Vector3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

func (v Vector3) Sub(other Vector3) Vector3 {
	return Vector3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

func (v Vector3) Dot(other Vector3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vector3) Scale(scale float64) Vector3 {
	return Vector3{X: v.X * scale, Y: v.Y * scale, Z: v.Z * scale}
}

func (v Vector3) MaxComponent() float64 {
	max := v.X
	if v.Y > max {
		max = v.Y
	}
	if v.Z > max {
		max = v.Z
	}
	return max
}

// Box3 is an axis-aligned world-space bounding box.
type Box3 struct {
	Min Vector3
	Max Vector3
}

func (b Box3) Center() Vector3 {
	return Vector3{
		X: (b.Min.X + b.Max.X) * 0.5,
		Y: (b.Min.Y + b.Max.Y) * 0.5,
		Z: (b.Min.Z + b.Max.Z) * 0.5,
	}
}

func (b Box3) Extent() Vector3 {
	return Vector3{
		X: (b.Max.X - b.Min.X) * 0.5,
		Y: (b.Max.Y - b.Min.Y) * 0.5,
		Z: (b.Max.Z - b.Min.Z) * 0.5,
	}
}

// SquaredDistanceToPoint returns the squared distance from the box surface to
// a point, 0 if the point is inside.
func (b Box3) SquaredDistanceToPoint(point Vector3) float64 {
	distSq := 0.0
	axisDist := func(v, min, max float64) float64 {
		if v < min {
			return min - v
		}
		if v > max {
			return v - max
		}
		return 0
	}
	dx := axisDist(point.X, b.Min.X, b.Max.X)
	dy := axisDist(point.Y, b.Min.Y, b.Max.Y)
	dz := axisDist(point.Z, b.Min.Z, b.Max.Z)
	distSq = dx*dx + dy*dy + dz*dz
	return distSq
}
