package pass

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/util"
)

var _ = Describe("sizingWeightsShape", func() {
	DescribeTable("rounds the kernel the strategies reserve SRAM for",
		func(weights util.TensorShape, algorithm graph.Algorithm, expected util.TensorShape) {
			Expect(sizingWeightsShape(weights, algorithm)).To(Equal(expected))
		},
		Entry("direct 7x7 is kept", util.TensorShape{7, 7, 16, 16}, graph.AlgorithmDirect,
			util.TensorShape{7, 7, 16, 16}),
		Entry("direct 8x8 rounds to 9x9", util.TensorShape{8, 8, 16, 16}, graph.AlgorithmDirect,
			util.TensorShape{9, 9, 16, 16}),
		Entry("direct 8x1 keeps the unit width", util.TensorShape{8, 1, 16, 16}, graph.AlgorithmDirect,
			util.TensorShape{9, 1, 16, 16}),
		Entry("direct 2x10 rounds both", util.TensorShape{2, 10, 16, 16}, graph.AlgorithmDirect,
			util.TensorShape{3, 12, 16, 16}),
		Entry("winograd 5x5 rounds to 6x6", util.TensorShape{5, 5, 16, 16}, graph.AlgorithmWinograd,
			util.TensorShape{6, 6, 16, 16}),
		Entry("winograd 1x2 keeps the unit height", util.TensorShape{1, 2, 16, 16}, graph.AlgorithmWinograd,
			util.TensorShape{1, 3, 16, 16}),
	)
})
