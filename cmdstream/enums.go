package cmdstream

// Opcode selects the payload of a command.
type Opcode uint32

// Opcodes of the legacy command stream.
const (
	OpcodeMcePle Opcode = iota
	OpcodePleOnly
	OpcodeSoftmax
	OpcodeConvert
	OpcodeSpaceToDepth
	OpcodeDumpDram
	OpcodeDumpSram
	OpcodeFence
	OpcodeSection
	OpcodeDelay
	OpcodeCascade
)

var opcodeNames = [...]string{
	"OPERATION_MCE_PLE",
	"OPERATION_PLE_ONLY",
	"OPERATION_SOFTMAX",
	"OPERATION_CONVERT",
	"OPERATION_SPACE_TO_DEPTH",
	"DUMP_DRAM",
	"DUMP_SRAM",
	"FENCE",
	"SECTION",
	"DELAY",
	"CASCADE",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return "UNKNOWN"
}

// DataType is the element type of a tensor.
type DataType uint8

const (
	DataTypeU8 DataType = iota
	DataTypeS8
)

func (d DataType) String() string {
	if d == DataTypeS8 {
		return "S8"
	}
	return "U8"
}

// Range returns the representable values of the type.
func (d DataType) Range() (lo, hi int16) {
	if d == DataTypeS8 {
		return -128, 127
	}
	return 0, 255
}

// DataFormat is the memory layout of a tensor.
type DataFormat uint8

const (
	DataFormatNHWCBCompressed DataFormat = iota
	DataFormatNHWCB
	DataFormatNHWC
	DataFormatNCHW
	DataFormatWeightStream
	DataFormatFCAFDeep
	DataFormatFCAFWide
)

var dataFormatNames = [...]string{
	"NHWCB_COMPRESSED", "NHWCB", "NHWC", "NCHW", "WEIGHT_STREAM", "FCAF_DEEP", "FCAF_WIDE",
}

func (d DataFormat) String() string {
	if int(d) < len(dataFormatNames) {
		return dataFormatNames[d]
	}
	return "UNKNOWN"
}

// SramAllocationStrategy tags the tiling strategy of an MCE/PLE command.
type SramAllocationStrategy uint8

const (
	Strategy0 SramAllocationStrategy = iota
	Strategy1
	Strategy3
	Strategy4
	Strategy6
	Strategy7
	StrategyX
)

var strategyNames = [...]string{
	"STRATEGY_0", "STRATEGY_1", "STRATEGY_3", "STRATEGY_4", "STRATEGY_6", "STRATEGY_7", "STRATEGY_X",
}

func (s SramAllocationStrategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return "UNKNOWN"
}

type UpsampleType uint8

const (
	UpsampleOff UpsampleType = iota
	UpsampleBilinear
	UpsampleNearestNeighbour
	UpsampleTranspose
)

type UpsampleEdgeMode uint8

const (
	EdgeModeGenerate UpsampleEdgeMode = iota
	EdgeModeDrop
)

// MceOperation is the kind of work the MCE performs.
type MceOperation uint8

const (
	MceConvolution MceOperation = iota
	MceDepthwiseConvolution
	MceFullyConnected
)

func (m MceOperation) String() string {
	switch m {
	case MceConvolution:
		return "CONVOLUTION"
	case MceDepthwiseConvolution:
		return "DEPTHWISE_CONVOLUTION"
	case MceFullyConnected:
		return "FULLY_CONNECTED"
	}
	return "UNKNOWN"
}

// MceAlgorithm selects how a convolution is computed.
type MceAlgorithm uint8

const (
	AlgorithmDirect MceAlgorithm = iota
	AlgorithmWinograd
)

func (a MceAlgorithm) String() string {
	if a == AlgorithmWinograd {
		return "WINOGRAD"
	}
	return "DIRECT"
}

// DataLocation is where a tensor lives while a command runs.
type DataLocation uint8

const (
	LocationDram DataLocation = iota
	LocationSram
)

func (l DataLocation) String() string {
	if l == LocationSram {
		return "SRAM"
	}
	return "DRAM"
}

// SectionType describes the shape of a group of commands.
type SectionType uint8

const (
	SectionSISO SectionType = iota
	SectionSISOCascaded
	SectionSIMO
	SectionSIMOCascaded
	SectionSISOBranchedCascaded
	SectionMISO
)

// PleOperation is the PLE kernel run after the MCE.
type PleOperation uint8

const (
	PleAddition PleOperation = iota
	PleAdditionRescale
	PleAvgPool3x3_1_1Udma
	PleDownsample2x2
	PleFault
	PleInterleave2x2_2_2
	PleMaxPool2x2_2_2
	PleMaxPool3x3_2_2Even
	PleMaxPool3x3_2_2Odd
	PleMeanXY8x8
	PlePassthrough
	PleSigmoid
	PleTransposeXY
	PleLeakyRelu
	PleMeanXY7x7
	PleMaxPool1D
)

var pleOperationNames = [...]string{
	"ADDITION", "ADDITION_RESCALE", "AVGPOOL_3X3_1_1_UDMA", "DOWNSAMPLE_2X2", "FAULT",
	"INTERLEAVE_2X2_2_2", "MAXPOOL_2X2_2_2", "MAXPOOL_3X3_2_2_EVEN", "MAXPOOL_3X3_2_2_ODD",
	"MEAN_XY_8X8", "PASSTHROUGH", "SIGMOID", "TRANSPOSE_XY", "LEAKY_RELU", "MEAN_XY_7X7",
	"MAXPOOL1D",
}

func (p PleOperation) String() string {
	if int(p) < len(pleOperationNames) {
		return pleOperationNames[p]
	}
	return "UNKNOWN"
}

// IsAgnosticToRequantisation reports whether requantizing before or after
// the kernel gives the same result.
func (p PleOperation) IsAgnosticToRequantisation() bool {
	switch p {
	case PleInterleave2x2_2_2, PleMaxPool2x2_2_2, PleMaxPool3x3_2_2Even,
		PleMaxPool3x3_2_2Odd, PleMeanXY7x7, PleMeanXY8x8, PlePassthrough:
		return true
	}
	return false
}
