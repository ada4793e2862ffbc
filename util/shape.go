package util

import "fmt"

// TensorShape is an NHWC shape.
type TensorShape [4]uint32

// Channels returns the depth of the shape.
func (s TensorShape) Channels() uint32 { return s[3] }

// Height returns the height of the shape.
func (s TensorShape) Height() uint32 { return s[1] }

// Width returns the width of the shape.
func (s TensorShape) Width() uint32 { return s[2] }

// NumElements returns the product of all dimensions.
func (s TensorShape) NumElements() uint32 {
	return s[0] * s[1] * s[2] * s[3]
}

// IsZero reports whether any dimension of the shape is zero.
func (s TensorShape) IsZero() bool {
	return s[0] == 0 || s[1] == 0 || s[2] == 0 || s[3] == 0
}

func (s TensorShape) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", s[0], s[1], s[2], s[3])
}

// Fraction is a rational multiplier applied to a spatial dimension.
type Fraction struct {
	Numerator   uint32
	Denominator uint32
}

// One is the identity fraction.
var One = Fraction{1, 1}

// Apply multiplies x by the fraction, rounding down.
func (f Fraction) Apply(x uint32) uint32 {
	return x * f.Numerator / f.Denominator
}

// Inverse swaps numerator and denominator.
func (f Fraction) Inverse() Fraction {
	return Fraction{f.Denominator, f.Numerator}
}

// ShapeMultiplier describes how an operation changes the shape of its input.
type ShapeMultiplier struct {
	H Fraction
	W Fraction
	C Fraction
}

// IdentityShapeMultiplier leaves every dimension unchanged.
var IdentityShapeMultiplier = ShapeMultiplier{One, One, One}

// Mul composes two shape multipliers.
func (m ShapeMultiplier) Mul(o ShapeMultiplier) ShapeMultiplier {
	return ShapeMultiplier{
		H: Fraction{m.H.Numerator * o.H.Numerator, m.H.Denominator * o.H.Denominator},
		W: Fraction{m.W.Numerator * o.W.Numerator, m.W.Denominator * o.W.Denominator},
		C: Fraction{m.C.Numerator * o.C.Numerator, m.C.Denominator * o.C.Denominator},
	}
}

// ApplyTo scales the H, W and C dimensions of a shape.
func (m ShapeMultiplier) ApplyTo(s TensorShape) TensorShape {
	return TensorShape{s[0], m.H.Apply(s[1]), m.W.Apply(s[2]), m.C.Apply(s[3])}
}

// RoundUpHeightAndWidthToBrickGroup rounds H and W to multiples of the brick
// group, leaving N and C alone.
func RoundUpHeightAndWidthToBrickGroup(s, brickGroup TensorShape) TensorShape {
	return TensorShape{s[0], RoundUp(s[1], brickGroup[1]), RoundUp(s[2], brickGroup[2]), s[3]}
}

// RoundUpToBrickGroup rounds H, W and C to multiples of the brick group.
func RoundUpToBrickGroup(s, brickGroup TensorShape) TensorShape {
	return TensorShape{
		s[0],
		RoundUp(s[1], brickGroup[1]),
		RoundUp(s[2], brickGroup[2]),
		RoundUp(s[3], brickGroup[3]),
	}
}

// TotalSizeBytes returns the byte size of an 8-bit tensor in NHWC.
func TotalSizeBytes(s TensorShape) uint32 {
	return s.NumElements()
}

// TotalSizeBytesNHWCB returns the byte size of an 8-bit tensor stored in
// brick groups.
func TotalSizeBytesNHWCB(s, brickGroup TensorShape) uint32 {
	return TotalSizeBytes(RoundUpToBrickGroup(s, brickGroup))
}

// TotalSizeBytesFCAF returns the byte size of a tensor stored in a compressed
// cell format with the given cell shape.
func TotalSizeBytesFCAF(s, cell TensorShape) uint32 {
	return TotalSizeBytes(TensorShape{
		s[0],
		RoundUp(s[1], cell[1]),
		RoundUp(s[2], cell[2]),
		RoundUp(s[3], cell[3]),
	})
}
