package config_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/util"
)

var _ = Describe("CapabilitiesBuilder", func() {
	It("should build the 4TOPS 4PLE variant", func() {
		caps, err := config.CapabilitiesBuilder{}.
			WithVariant(config.EthosN78_4TOPS_4PLE).
			Build()

		Expect(err).ToNot(HaveOccurred())
		Expect(caps.NumberOfEngines()).To(Equal(uint32(8)))
		Expect(caps.NumberOfOfm()).To(Equal(uint32(16)))
		Expect(caps.IfmConsumed()).To(Equal(uint32(16)))
		Expect(caps.NumberOfSrams()).To(Equal(uint32(16)))
		Expect(caps.TotalSramSize()).To(Equal(uint32(1024 * 1024)))
		Expect(caps.SramSizePerBank()).To(Equal(uint32(64 * 1024)))
		Expect(caps.NumPleLanes()).To(Equal(uint32(2)))
		Expect(caps.TotalAccumulatorsPerEngine()).To(Equal(uint32(512)))
		Expect(caps.BrickGroupShape()).To(Equal(util.TensorShape{1, 8, 8, 16}))
		Expect(caps.IsNchwSupported()).To(BeFalse())
	})

	It("should default to the 4TOPS 4PLE variant", func() {
		caps := config.CapabilitiesBuilder{}.MustBuild()
		Expect(caps.Variant()).To(Equal(config.DefaultVariant))
	})

	It("should apply an SRAM override", func() {
		caps, err := config.CapabilitiesBuilder{}.
			WithVariant(config.EthosN77).
			WithSramSizeOverride(512 * 1024).
			Build()

		Expect(err).ToNot(HaveOccurred())
		Expect(caps.TotalSramSize()).To(Equal(uint32(512 * 1024)))
		Expect(caps.SramSizePerBank()).To(Equal(uint32(32 * 1024)))
	})

	It("should reject an override that does not split across the banks", func() {
		_, err := config.CapabilitiesBuilder{}.
			WithVariant(config.EthosN77).
			WithSramSizeOverride(1000).
			Build()

		Expect(err).To(HaveOccurred())
	})

	It("should reject unknown variants", func() {
		_, err := config.CapabilitiesBuilder{}.WithVariant("Ethos-N99").Build()
		Expect(err).To(MatchError(ContainSubstring("unknown hardware variant")))
	})

	It("should list all variants", func() {
		Expect(config.Variants()).To(ContainElements(
			config.EthosN77, config.EthosN57, config.EthosN37,
			config.EthosN78_4TOPS_4PLE, config.EthosN78_8TOPS_2PLE))
	})
})

var _ = Describe("CompilationOptions", func() {
	var caps config.HardwareCapabilities

	BeforeEach(func() {
		caps = config.CapabilitiesBuilder{}.MustBuild()
	})

	It("should keep the defaults for fields absent from the file", func() {
		opts, err := config.ParseCompilationOptions([]byte("disable_winograd: true\n"))

		Expect(err).ToNot(HaveOccurred())
		Expect(opts.DisableWinograd).To(BeTrue())
		Expect(opts.EnableIntermediateCompression).To(BeTrue())
		Expect(opts.Strategies).To(HaveLen(6))
		Expect(opts.Strategies[0]).To(Equal(config.Strategy3))
		Expect(opts.EstimationMode()).To(BeFalse())
	})

	It("should parse estimation options", func() {
		opts, err := config.ParseCompilationOptions([]byte(`
strategies: [strategy0, strategy1]
block_configs:
  - {width: 8, height: 8}
estimation:
  activation_compression_saving: 0.5
  current: true
`))

		Expect(err).ToNot(HaveOccurred())
		Expect(opts.Strategies).To(Equal([]config.StrategyID{config.Strategy0, config.Strategy1}))
		Expect(opts.BlockConfigs).To(Equal([]config.BlockConfig{{Width: 8, Height: 8}}))
		Expect(opts.EstimationMode()).To(BeTrue())
		Expect(opts.Estimation.Current).To(BeTrue())
		Expect(opts.Validate(caps)).To(Succeed())
	})

	It("should reject strategies that cannot be requested", func() {
		opts := config.DefaultCompilationOptions()
		opts.Strategies = append(opts.Strategies, config.StrategyX)
		Expect(opts.Validate(caps)).To(HaveOccurred())
	})

	It("should reject unsupported block configs", func() {
		opts := config.DefaultCompilationOptions()
		opts.BlockConfigs = []config.BlockConfig{{Width: 64, Height: 64}}
		Expect(opts.Validate(caps)).To(HaveOccurred())
	})
})
