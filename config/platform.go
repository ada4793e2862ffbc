package config

import (
	"fmt"

	"github.com/sarchlab/npuc/util"
)

// Variant names one hardware configuration.
type Variant string

// Known hardware variants.
const (
	EthosN77            Variant = "Ethos-N77"
	EthosN57            Variant = "Ethos-N57"
	EthosN37            Variant = "Ethos-N37"
	EthosN78_1TOPS_2PLE Variant = "Ethos-N78_1TOPS_2PLE_RATIO"
	EthosN78_1TOPS_4PLE Variant = "Ethos-N78_1TOPS_4PLE_RATIO"
	EthosN78_2TOPS_2PLE Variant = "Ethos-N78_2TOPS_2PLE_RATIO"
	EthosN78_2TOPS_4PLE Variant = "Ethos-N78_2TOPS_4PLE_RATIO"
	EthosN78_4TOPS_2PLE Variant = "Ethos-N78_4TOPS_2PLE_RATIO"
	EthosN78_4TOPS_4PLE Variant = "Ethos-N78_4TOPS_4PLE_RATIO"
	EthosN78_8TOPS_2PLE Variant = "Ethos-N78_8TOPS_2PLE_RATIO"
)

// DefaultVariant is used when no variant is configured.
const DefaultVariant = EthosN78_4TOPS_4PLE

// BlockConfig is the spatial granularity of MCE work.
type BlockConfig struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

func (b BlockConfig) String() string {
	return fmt.Sprintf("%dx%d", b.Width, b.Height)
}

// Area returns width times height.
func (b BlockConfig) Area() uint32 {
	return b.Width * b.Height
}

// HardwareCapabilities is the immutable description of one hardware variant.
type HardwareCapabilities struct {
	variant Variant

	totalSramSize                uint32
	numberOfEngines              uint32
	ifmPerEngine                 uint32
	ofmPerEngine                 uint32
	emcPerEngine                 uint32
	numPleLanes                  uint32
	maxPleSize                   uint32
	boundaryStripeHeight         uint32
	numBoundarySlots             uint32
	numCentralSlots              uint32
	brickGroupShape              util.TensorShape
	patchShape                   util.TensorShape
	macUnitsPerEngine            uint32
	accumulatorsPerMacUnit       uint32
	activationCompressionVersion uint32
	weightCompressionVersion     uint32
	nchwSupported                bool
}

func (c *HardwareCapabilities) setCommon() {
	c.maxPleSize = 4096
	c.boundaryStripeHeight = 8
	c.numBoundarySlots = 8
	// Slot ids are 4 bits wide, shared between central and boundary slots.
	c.numCentralSlots = 8
	c.brickGroupShape = util.TensorShape{1, 8, 8, 16}
	c.patchShape = util.TensorShape{1, 4, 4, 1}
	c.macUnitsPerEngine = 8
	c.accumulatorsPerMacUnit = 64
}

// Variant returns the name of the hardware variant.
func (c HardwareCapabilities) Variant() Variant { return c.variant }

// TotalSramSize returns the SRAM size summed over all engines in bytes.
func (c HardwareCapabilities) TotalSramSize() uint32 { return c.totalSramSize }

// NumberOfEngines returns the number of compute engines.
func (c HardwareCapabilities) NumberOfEngines() uint32 { return c.numberOfEngines }

// IfmPerEngine returns the number of input channels each engine consumes at once.
func (c HardwareCapabilities) IfmPerEngine() uint32 { return c.ifmPerEngine }

// OfmPerEngine returns the number of output channels each engine produces at once.
func (c HardwareCapabilities) OfmPerEngine() uint32 { return c.ofmPerEngine }

// NumberOfOfm returns the number of output channels produced in parallel.
func (c HardwareCapabilities) NumberOfOfm() uint32 { return c.ofmPerEngine * c.numberOfEngines }

// IfmConsumed returns the number of input channels consumed in parallel.
func (c HardwareCapabilities) IfmConsumed() uint32 { return c.ifmPerEngine * c.numberOfEngines }

// NumberOfSrams returns the number of SRAM banks.
func (c HardwareCapabilities) NumberOfSrams() uint32 { return c.emcPerEngine * c.numberOfEngines }

// NumberOfSramsPerEngine returns the number of SRAM banks in each engine.
func (c HardwareCapabilities) NumberOfSramsPerEngine() uint32 { return c.emcPerEngine }

// SramSizePerBank returns the capacity of a single SRAM bank.
func (c HardwareCapabilities) SramSizePerBank() uint32 {
	return c.totalSramSize / c.NumberOfSrams()
}

func (c HardwareCapabilities) NumPleLanes() uint32               { return c.numPleLanes }
func (c HardwareCapabilities) MaxPleSize() uint32                { return c.maxPleSize }
func (c HardwareCapabilities) BoundaryStripeHeight() uint32      { return c.boundaryStripeHeight }
func (c HardwareCapabilities) NumBoundarySlots() uint32          { return c.numBoundarySlots }
func (c HardwareCapabilities) NumCentralSlots() uint32           { return c.numCentralSlots }
func (c HardwareCapabilities) BrickGroupShape() util.TensorShape { return c.brickGroupShape }
func (c HardwareCapabilities) PatchShape() util.TensorShape      { return c.patchShape }
func (c HardwareCapabilities) MacUnitsPerEngine() uint32         { return c.macUnitsPerEngine }

// TotalAccumulatorsPerEngine returns the accumulator count of one engine.
func (c HardwareCapabilities) TotalAccumulatorsPerEngine() uint32 {
	return c.macUnitsPerEngine * c.accumulatorsPerMacUnit
}

// Winograd parameters are fixed across variants.
func (c HardwareCapabilities) MacsPerWinograd2D() uint32       { return 16 }
func (c HardwareCapabilities) OutputSizePerWinograd2D() uint32 { return 2 }
func (c HardwareCapabilities) MacsPerWinograd1D() uint32       { return 4 }
func (c HardwareCapabilities) OutputSizePerWinograd1D() uint32 { return 1 }
func (c HardwareCapabilities) WideKernelSize() uint32          { return 3 }

// ActivationCompressionVersion is 0 for NHWCB_COMPRESSED and 1 for FCAF.
func (c HardwareCapabilities) ActivationCompressionVersion() uint32 {
	return c.activationCompressionVersion
}

func (c HardwareCapabilities) WeightCompressionVersion() uint32 {
	return c.weightCompressionVersion
}

// IsNchwSupported reports whether the DMA can read and write NCHW tensors.
func (c HardwareCapabilities) IsNchwSupported() bool { return c.nchwSupported }

// SupportedBlockConfigs lists the block configs the MCE can be programmed with.
func (c HardwareCapabilities) SupportedBlockConfigs() []BlockConfig {
	return []BlockConfig{{16, 16}, {32, 8}, {8, 32}, {8, 8}}
}
