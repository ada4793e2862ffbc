package strategy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/strategy"
	"github.com/sarchlab/npuc/util"
)

func convParams(caps config.HardwareCapabilities, in util.TensorShape, outC uint32) strategy.Params {
	out := util.TensorShape{1, in.Height(), in.Width(), outC}
	return strategy.Params{
		Caps:               caps,
		Operation:          cmdstream.MceConvolution,
		Algorithm:          cmdstream.AlgorithmDirect,
		InputShape:         in,
		MceOutputShape:     out,
		OutputShape:        out,
		WeightsShape:       util.TensorShape{1, 1, in.Channels(), outC},
		MceShapeMultiplier: util.IdentityShapeMultiplier,
		PleShapeMultiplier: util.IdentityShapeMultiplier,
		DepthMax:           strategy.NoDepthMax,
	}
}

var _ = Describe("Block config sorting", func() {
	var all []config.BlockConfig

	BeforeEach(func() {
		all = []config.BlockConfig{{16, 16}, {32, 8}, {8, 32}, {8, 8}}
	})

	DescribeTable("ordering",
		func(h, w uint32, expected []config.BlockConfig) {
			sorted := strategy.SortBlockConfigs(all,
				util.TensorShape{1, h, w, 16}, util.TensorShape{1, 1, 16, 16})
			Expect(sorted).To(Equal(expected))
		},
		Entry("output fits every block", uint32(8), uint32(8),
			[]config.BlockConfig{{8, 8}, {16, 16}, {32, 8}, {8, 32}}),
		Entry("output fits one block", uint32(16), uint32(16),
			[]config.BlockConfig{{16, 16}, {8, 32}, {32, 8}, {8, 8}}),
		Entry("largest remainder first", uint32(17), uint32(17),
			[]config.BlockConfig{{8, 32}, {32, 8}, {16, 16}, {8, 8}}),
	)

	It("should prefer wide blocks for wide kernels on ties", func() {
		sorted := strategy.SortBlockConfigs(all,
			util.TensorShape{1, 17, 17, 16}, util.TensorShape{1, 3, 16, 16})
		Expect(sorted[0]).To(Equal(config.BlockConfig{Width: 32, Height: 8}))
	})

	It("should not modify its input", func() {
		strategy.SortBlockConfigs(all, util.TensorShape{1, 17, 17, 16}, util.TensorShape{1, 1, 16, 16})
		Expect(all[0]).To(Equal(config.BlockConfig{Width: 16, Height: 16}))
	})
})

var _ = Describe("Weight size estimate", func() {
	caps := config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()

	It("should estimate a 1x1 convolution", func() {
		Expect(strategy.EstimateWeightSizeBytes(util.TensorShape{1, 1, 16, 16}, caps, false)).
			To(Equal(uint32(768)))
	})

	It("should estimate a 1x1 depthwise convolution", func() {
		Expect(strategy.EstimateWeightSizeBytes(util.TensorShape{1, 1, 16, 1}, caps, true)).
			To(Equal(uint32(256)))
	})
})

var _ = Describe("Strategies", func() {
	var (
		caps  config.HardwareCapabilities
		alloc sram.Allocator
		tc    strategy.TensorConfig
		bc    config.BlockConfig
	)

	BeforeEach(func() {
		caps = config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()
		alloc = sram.NewAllocator(caps.SramSizePerBank())
		tc = strategy.TensorConfig{}
		bc = config.BlockConfig{Width: 16, Height: 16}
	})

	It("should keep a small convolution in SRAM with strategy 3", func() {
		p := convParams(caps, util.TensorShape{1, 16, 16, 16}, 16)

		ok := strategy.Strategy3{}.TrySetup(&tc, &alloc, p, bc)

		Expect(ok).To(BeTrue())
		Expect(tc.Strategy).To(Equal(config.Strategy3))
		Expect(tc.Input.StripeShape).To(Equal(util.TensorShape{1, 16, 16, 16}))
		Expect(tc.Output.StripeShape).To(Equal(util.TensorShape{1, 16, 16, 16}))
		Expect(tc.Weights.StripeShape).To(Equal(util.TensorShape{1, 1, 16, 16}))
		Expect(tc.Input.TileSize).To(Equal(uint32(4096)))
		Expect(tc.Weights.TileSize).To(Equal(uint32(768)))
		Expect(tc.Output.TileSize).To(Equal(uint32(4096)))
		Expect(tc.Input.Offset).To(Equal(uint32(0)))
		Expect(tc.Weights.Offset).To(Equal(uint32(256)))
		Expect(tc.Output.Offset).To(Equal(uint32(65280)))
		Expect(tc.Ple.Offset).To(Equal(uint32(304)))
		Expect(alloc.UsedBytes()).To(Equal(uint32(256 + 48 + 256 + 4096)))
	})

	It("should not allocate the input when it is already in SRAM", func() {
		p := convParams(caps, util.TensorShape{1, 16, 16, 16}, 16)
		p.InputStatic = true
		p.InputOffset = 1024

		ok := strategy.Strategy3{}.TrySetup(&tc, &alloc, p, bc)

		Expect(ok).To(BeTrue())
		Expect(tc.Input.Offset).To(Equal(uint32(1024)))
		Expect(alloc.UsedBytes()).To(Equal(uint32(48 + 256 + 4096)))
	})

	It("should split in height with strategy 0", func() {
		p := convParams(caps, util.TensorShape{1, 64, 64, 16}, 16)

		ok := strategy.Strategy0{}.TrySetup(&tc, &alloc, p, bc)

		Expect(ok).To(BeTrue())
		Expect(tc.Strategy).To(Equal(config.Strategy0))
		Expect(tc.Output.StripeShape).To(Equal(util.TensorShape{1, 32, 64, 16}))
		Expect(tc.Input.StripeShape).To(Equal(util.TensorShape{1, 32, 64, 16}))
		Expect(tc.Input.NumStripesInTile).To(Equal(uint32(2)))
	})

	It("should refuse strategy 0 when the output is a single block high", func() {
		p := convParams(caps, util.TensorShape{1, 8, 8, 16}, 16)

		Expect(strategy.Strategy0{}.TrySetup(&tc, &alloc, p, bc)).To(BeFalse())
	})

	It("should split in depth with strategy 1", func() {
		p := convParams(caps, util.TensorShape{1, 16, 16, 64}, 64)

		ok := strategy.Strategy1{}.TrySetup(&tc, &alloc, p, bc)

		Expect(ok).To(BeTrue())
		Expect(tc.Output.StripeShape).To(Equal(util.TensorShape{1, 16, 16, 32}))
		Expect(tc.Weights.StripeShape).To(Equal(util.TensorShape{1, 1, 64, 32}))
		Expect(tc.Weights.NumStripesInTile).To(Equal(uint32(2)))
	})

	It("should only use strategy 7 for depthwise weights", func() {
		p := convParams(caps, util.TensorShape{1, 64, 64, 64}, 64)

		Expect(strategy.Strategy7{}.TrySetup(&tc, &alloc, p, bc)).To(BeFalse())
	})

	It("should pick a block config for strategy 4", func() {
		p := convParams(caps, util.TensorShape{1, 16, 64, 64}, 64)

		ok := strategy.TrySetupAnyBlockConfig(strategy.Strategy4{}, &tc, &alloc, p, caps.SupportedBlockConfigs())

		Expect(ok).To(BeTrue())
		Expect(tc.Output.StripeShape.Width()).To(Equal(uint32(8)))
		Expect(tc.BlockConfig.Width).To(Equal(uint32(8)))
	})

	It("should set up a fully connected layer", func() {
		p := convParams(caps, util.TensorShape{1, 1, 1, 2048}, 16)
		p.Operation = cmdstream.MceFullyConnected
		p.WeightsShape = util.TensorShape{1, 1, 2048, 16}

		ok := strategy.StrategyFC{}.TrySetup(&tc, &alloc, p, config.BlockConfig{Width: 8, Height: 8})

		Expect(ok).To(BeTrue())
		Expect(tc.Strategy).To(Equal(config.StrategyFC))
		Expect(tc.Weights.StripeShape).To(Equal(util.TensorShape{1, 1, 2048, 16}))
		Expect(tc.BlockConfig).To(Equal(config.BlockConfig{Width: 8, Height: 8}))
	})

	Context("when nothing fits", func() {
		var (
			p        strategy.Params
			snapshot sram.Allocator
		)

		BeforeEach(func() {
			p = convParams(caps, util.TensorShape{1, 16, 16, 40000}, 16)
			_, ok := alloc.Allocate(128, sram.Start, "previous")
			Expect(ok).To(BeTrue())
			snapshot = alloc
		})

		It("should leave the allocator unchanged", func() {
			for _, s := range []strategy.Strategy{
				strategy.Strategy0{}, strategy.Strategy1{}, strategy.Strategy3{},
				strategy.Strategy4{}, strategy.Strategy6{}, strategy.Strategy7{},
			} {
				trial := alloc
				strategy.TrySetupAnyBlockConfig(s, &tc, &trial, p, caps.SupportedBlockConfigs())
				Expect(alloc.Equal(&snapshot)).To(BeTrue(), string(s.ID()))
			}
		})

		It("should report no strategy", func() {
			all := strategy.FromOptions(config.DefaultCompilationOptions())
			_, ok := strategy.ChooseAndSetup(all, &alloc, p, caps.SupportedBlockConfigs())

			Expect(ok).To(BeFalse())
			Expect(alloc.Equal(&snapshot)).To(BeTrue())
		})
	})

	It("should choose the first strategy that fits", func() {
		all := strategy.FromOptions(config.DefaultCompilationOptions())
		p := convParams(caps, util.TensorShape{1, 16, 16, 16}, 16)

		tc, ok := strategy.ChooseAndSetup(all, &alloc, p, caps.SupportedBlockConfigs())

		Expect(ok).To(BeTrue())
		Expect(tc.Strategy).To(Equal(config.Strategy3))
		Expect(tc.BlockConfig).To(Equal(config.BlockConfig{Width: 16, Height: 16}))
		Expect(alloc.IsEmpty()).To(BeFalse())
	})
})

var _ = Describe("StrategyX", func() {
	var (
		caps config.HardwareCapabilities
		all  []strategy.Strategy
	)

	BeforeEach(func() {
		caps = config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()
		all = strategy.FromOptions(config.DefaultCompilationOptions())
	})

	It("should never be tried for fully connected layers", func() {
		p := convParams(caps, util.TensorShape{1, 1, 1, 1024}, 16)
		p.Operation = cmdstream.MceFullyConnected
		p.InputStatic = true

		Expect(strategy.IsStrategyXCandidate(p, "", all)).To(BeFalse())
		Expect(strategy.IsStrategyXCandidate(p, config.StrategyFC, all)).To(BeFalse())
	})

	It("should only be tried for static inputs of convolutions", func() {
		p := convParams(caps, util.TensorShape{1, 16, 16, 16}, 16)
		Expect(strategy.IsStrategyXCandidate(p, "", all)).To(BeFalse())

		p.InputStatic = true
		Expect(strategy.IsStrategyXCandidate(p, "", all)).To(BeTrue())
		Expect(strategy.IsStrategyXCandidate(p, config.Strategy3, all)).To(BeFalse())

		p.Algorithm = cmdstream.AlgorithmWinograd
		Expect(strategy.IsStrategyXCandidate(p, "", all)).To(BeFalse())
	})

	It("should not be tried when strategy 7 is disabled", func() {
		p := convParams(caps, util.TensorShape{1, 16, 16, 16}, 16)
		p.InputStatic = true

		Expect(strategy.IsStrategyXCandidate(p, "", all[:1])).To(BeFalse())
	})

	It("should stream the input in depth", func() {
		p := convParams(caps, util.TensorShape{1, 16, 16, 256}, 16)
		alloc := sram.NewAllocator(caps.SramSizePerBank())
		tc := strategy.TensorConfig{}

		ok := strategy.TryStrategyX(&tc, &alloc, p, caps.SupportedBlockConfigs())

		Expect(ok).To(BeTrue())
		Expect(tc.Strategy).To(Equal(config.StrategyX))
		Expect(tc.Input.StripeShape.Channels()).To(BeNumerically("<", uint32(256)))
	})
})
