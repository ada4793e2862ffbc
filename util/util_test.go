package util_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/util"
)

var _ = Describe("Rounding", func() {
	DescribeTable("RoundUp",
		func(x, m, expected uint32) {
			Expect(util.RoundUp(x, m)).To(Equal(expected))
		},
		Entry("already aligned", uint32(16), uint32(8), uint32(16)),
		Entry("rounds up", uint32(17), uint32(8), uint32(24)),
		Entry("zero", uint32(0), uint32(8), uint32(0)),
		Entry("zero multiple", uint32(5), uint32(0), uint32(5)),
	)

	It("should divide rounding up", func() {
		Expect(util.DivRoundUp(uint32(9), uint32(4))).To(Equal(uint32(3)))
		Expect(util.DivRoundUp(uint32(8), uint32(4))).To(Equal(uint32(2)))
	})

	It("should find the next power of two", func() {
		Expect(util.NextPowerOfTwo(0)).To(Equal(uint32(1)))
		Expect(util.NextPowerOfTwo(17)).To(Equal(uint32(32)))
		Expect(util.NextPowerOfTwo(32)).To(Equal(uint32(32)))
	})
})

var _ = Describe("TensorShape", func() {
	brickGroup := util.TensorShape{1, 8, 8, 16}

	It("should compute NHWCB sizes on brick boundaries", func() {
		s := util.TensorShape{1, 17, 9, 3}
		Expect(util.TotalSizeBytes(s)).To(Equal(uint32(17 * 9 * 3)))
		Expect(util.TotalSizeBytesNHWCB(s, brickGroup)).To(Equal(uint32(24 * 16 * 16)))
	})

	It("should apply shape multipliers", func() {
		m := util.ShapeMultiplier{
			H: util.Fraction{Numerator: 1, Denominator: 2},
			W: util.Fraction{Numerator: 1, Denominator: 2},
			C: util.One,
		}
		Expect(m.ApplyTo(util.TensorShape{1, 16, 16, 8})).
			To(Equal(util.TensorShape{1, 8, 8, 8}))
		Expect(m.Mul(m).H).To(Equal(util.Fraction{Numerator: 1, Denominator: 4}))
	})

	It("should detect zero dimensions", func() {
		Expect(util.TensorShape{1, 0, 2, 3}.IsZero()).To(BeTrue())
		Expect(util.TensorShape{1, 1, 2, 3}.IsZero()).To(BeFalse())
	})
})

var _ = Describe("Rescale", func() {
	It("should represent the scale within one unit of precision", func() {
		for _, scale := range []float64{0.5, 0.0039215, 1.0, 3.75, 92.3} {
			mult, shift := util.CalculateRescaleMultiplierAndShift(scale)
			Expect(mult).To(BeNumerically(">=", 1<<15))
			got := float64(mult) / math.Pow(2, float64(shift))
			Expect(got).To(BeNumerically("~", scale, scale/(1<<14)))
		}
	})

	It("should return zero for non-positive scales", func() {
		mult, shift := util.CalculateRescaleMultiplierAndShift(0)
		Expect(mult).To(BeZero())
		Expect(shift).To(BeZero())
	})
})
