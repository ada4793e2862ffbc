package graph_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

func buildNetwork(desc string, estimation bool) *network.Network {
	d, err := network.ParseDescription([]byte(desc))
	Expect(err).NotTo(HaveOccurred())
	net, err := d.Build(network.BuildOptions{Estimation: estimation})
	Expect(err).NotTo(HaveOccurred())
	return net
}

func findKind(g *graph.Graph, kind graph.NodeKind) *graph.Node {
	for _, n := range g.SortedNodes() {
		if n.Kind() == kind {
			return n
		}
	}
	return nil
}

var _ = Describe("FromNetwork", func() {
	var opts graph.ConvertOptions

	BeforeEach(func() {
		opts = graph.ConvertOptions{
			Caps: config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild(),
		}
	})

	It("should interleave the input of a strided convolution", func() {
		net := buildNetwork(`
layers:
  - {name: input, type: Input, tensor: {shape: [1, 16, 16, 16]}}
  - {name: conv, type: Convolution, inputs: [input], weights: {shape: [1, 1, 16, 16], quant: {zero_point: 0, scale: 0.5}, fill: 2}, stride: [2, 2]}
  - {name: output, type: Output, inputs: [conv]}
`, false)

		g, err := graph.FromNetwork(net, opts)

		Expect(err).NotTo(HaveOccurred())
		Expect(kinds(g.SortedNodes())).To(Equal([]graph.NodeKind{
			graph.KindInput,
			graph.KindFormatConversion,
			graph.KindFuseOnlyPle,
			graph.KindMce,
			graph.KindFormatConversion,
			graph.KindOutput,
		}))

		interleave := findKind(g, graph.KindFuseOnlyPle)
		Expect(interleave.Ple.Operation).To(Equal(cmdstream.PleInterleave2x2_2_2))
		Expect(interleave.Shape).To(Equal(util.TensorShape{1, 8, 8, 64}))

		mce := findKind(g, graph.KindMce)
		Expect(mce.Shape).To(Equal(util.TensorShape{1, 8, 8, 16}))
		Expect(mce.Mce.UninterleavedInputShape).To(Equal(util.TensorShape{1, 16, 16, 16}))
		Expect(mce.Mce.WeightsData).To(HaveLen(256))
		Expect(mce.Mce.BiasData).To(Equal(make([]int32, 16)))
		Expect(mce.OperationIDs()).To(ContainElement(uint32(3)))
	})

	It("should view fully connected inputs as linear NHWCB", func() {
		net := buildNetwork(`
layers:
  - {name: input, type: Input, tensor: {shape: [1, 4, 4, 2]}}
  - {name: fc, type: FullyConnected, inputs: [input], weights: {shape: [1, 1, 32, 8], fill: 1}}
  - {name: output, type: Output, inputs: [fc]}
`, false)

		g, err := graph.FromNetwork(net, opts)

		Expect(err).NotTo(HaveOccurred())
		reinterpret := findKind(g, graph.KindReinterpret)
		Expect(reinterpret).NotTo(BeNil())
		Expect(reinterpret.Shape).To(Equal(util.TensorShape{1, 4, 4, 2}))
		Expect(reinterpret.InputFormat(0)).To(Equal(graph.FormatNHWC))

		mce := findKind(g, graph.KindMce)
		Expect(mce.Mce.Operation).To(Equal(cmdstream.MceFullyConnected))
		Expect(mce.Mce.Weights.Dimensions).To(Equal(util.TensorShape{1, 1, 1024, 8}))
		Expect(mce.Mce.WeightsData[:8]).To(HaveEach(byte(1)))
		Expect(mce.Mce.WeightsData[32*8:]).To(HaveEach(byte(0)))
	})

	It("should keep unknown layers as estimate-only nodes", func() {
		net := buildNetwork(`
layers:
  - {name: input, type: Input, tensor: {shape: [1, 8, 8, 16]}}
  - {name: abs, type: Abs, inputs: [input]}
  - {name: output, type: Output, inputs: [abs]}
`, true)

		g, err := graph.FromNetwork(net, opts)

		Expect(err).NotTo(HaveOccurred())
		n := findKind(g, graph.KindEstimateOnly)
		Expect(n.Reason).To(Equal(network.EstimateOnlyReason))
		Expect(n.IsPrepared()).To(BeFalse())
	})

	It("should reject depthwise multipliers over several channels", func() {
		net := buildNetwork(`
layers:
  - {name: input, type: Input, tensor: {shape: [1, 8, 8, 16]}}
  - {name: dw, type: DepthwiseConvolution, inputs: [input], weights: {shape: [1, 1, 16, 2], fill: 1}}
  - {name: output, type: Output, inputs: [dw]}
`, false)

		_, err := graph.FromNetwork(net, opts)

		Expect(err).To(MatchError(graph.ErrUnsupported))
	})

	It("should replace weights by compressible data when asked", func() {
		opts.Estimation = &config.EstimationOptions{
			UseWeightCompressionOverride: true,
			WeightCompressionSaving:      1,
		}
		net := buildNetwork(`
layers:
  - {name: input, type: Input, tensor: {shape: [1, 8, 8, 16]}}
  - {name: conv, type: Convolution, inputs: [input], weights: {shape: [1, 1, 16, 16], quant: {zero_point: 7, scale: 1}, fill: 2}}
  - {name: output, type: Output, inputs: [conv]}
`, false)

		g, err := graph.FromNetwork(net, opts)

		Expect(err).NotTo(HaveOccurred())
		Expect(findKind(g, graph.KindMce).Mce.WeightsData).To(HaveEach(byte(7)))
	})
})

var _ = Describe("Helpers", func() {
	caps := config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()

	DescribeTable("NumSubmapChannels",
		func(channels, sx, sy, want uint32) {
			Expect(graph.NumSubmapChannels(channels, sx, sy, caps)).To(Equal(want))
		},
		Entry("unstrided", uint32(3), uint32(1), uint32(1), uint32(3)),
		Entry("full SRAM groups", uint32(16), uint32(2), uint32(2), uint32(64)),
		Entry("partial SRAM group", uint32(3), uint32(2), uint32(2), uint32(51)),
	)

	DescribeTable("ShapeContainingLinearElements",
		func(numElements uint32, want util.TensorShape) {
			Expect(graph.ShapeContainingLinearElements(caps.BrickGroupShape(), numElements)).To(Equal(want))
		},
		Entry("single patch column", uint32(32), util.TensorShape{1, 4, 4, 2}),
		Entry("full brick groups", uint32(2048), util.TensorShape{1, 8, 8, 32}),
	)

	It("should generate the same data every time", func() {
		a := graph.GenerateCompressibleData(64, 0.5, 3)
		Expect(graph.GenerateCompressibleData(64, 0.5, 3)).To(Equal(a))
		Expect(graph.GenerateCompressibleData(64, 0, 3)).NotTo(HaveEach(byte(3)))
	})
})
