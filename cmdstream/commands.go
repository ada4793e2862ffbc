package cmdstream

import "github.com/sarchlab/npuc/layout"

// CommandData is the opcode-specific payload of a command.
type CommandData interface {
	Opcode() Opcode
}

// McePle runs one MCE and PLE pass.
type McePle struct {
	InputInfo              TensorInfo
	WeightInfo             TensorInfo
	WeightMetadataBufferID uint32
	OutputInfo             TensorInfo
	SramConfig             SramConfig
	BlockConfig            BlockConfig
	MceData                MceData
	PleData                PleData
}

// PleOnly runs a PLE kernel without the MCE.
type PleOnly struct {
	NumInputInfos int32
	InputInfo     TensorInfo
	InputInfo2    TensorInfo
	OutputInfo    TensorInfo
	SramConfig    SramConfig
	PleData       PleData
}

type Softmax struct {
	InputInfo           TensorInfo
	OutputInfo          TensorInfo
	ScaledDiff          int32
	ExpAccumulation     int32
	InputBetaMultiplier int32
	InputBetaLeftShift  int32
	DiffMin             int32
}

// Convert changes the format of a tensor in DRAM.
type Convert struct {
	InputInfo  TensorInfo
	OutputInfo TensorInfo
}

type SpaceToDepth struct {
	InputInfo         TensorInfo
	OutputInfo        TensorInfo
	UsedEmcs          uint32
	Intermediate1Size uint32
	Intermediate2Size uint32
}

// DumpDram writes a DRAM buffer to a file on the host.
type DumpDram struct {
	DramBufferID uint32
	Filename     Filename
}

// DumpSram writes the SRAM contents to a file on the host.
type DumpSram struct {
	Filename Filename
}

// Fence waits for all previous commands.
type Fence struct{}

type Section struct {
	Type SectionType
}

type Delay struct {
	Value uint32
}

// Cascade is followed by Size bytes of cascading command stream.
type Cascade struct {
	Size uint32
}

func (McePle) Opcode() Opcode       { return OpcodeMcePle }
func (PleOnly) Opcode() Opcode      { return OpcodePleOnly }
func (Softmax) Opcode() Opcode      { return OpcodeSoftmax }
func (Convert) Opcode() Opcode      { return OpcodeConvert }
func (SpaceToDepth) Opcode() Opcode { return OpcodeSpaceToDepth }
func (DumpDram) Opcode() Opcode     { return OpcodeDumpDram }
func (DumpSram) Opcode() Opcode     { return OpcodeDumpSram }
func (Fence) Opcode() Opcode        { return OpcodeFence }
func (Section) Opcode() Opcode      { return OpcodeSection }
func (Delay) Opcode() Opcode        { return OpcodeDelay }
func (Cascade) Opcode() Opcode      { return OpcodeCascade }

// CommandHeader precedes every command.
type CommandHeader struct {
	Opcode Opcode
}

var (
	_ = layout.MustDefine[McePle](364)
	_ = layout.MustDefine[PleOnly](280)
	_ = layout.MustDefine[Softmax](188)
	_ = layout.MustDefine[Convert](168)
	_ = layout.MustDefine[SpaceToDepth](180)
	_ = layout.MustDefine[DumpDram](132)
	_ = layout.MustDefine[DumpSram](128)
	_ = layout.MustDefine[Fence](0)
	_ = layout.MustDefine[Section](1)
	_ = layout.MustDefine[Delay](4)
	_ = layout.MustDefine[Cascade](4)
	_ = layout.MustDefine[CommandHeader](4)
)

// newCommandData returns a zero payload for the opcode.
func newCommandData(op Opcode) (CommandData, bool) {
	switch op {
	case OpcodeMcePle:
		return &McePle{}, true
	case OpcodePleOnly:
		return &PleOnly{}, true
	case OpcodeSoftmax:
		return &Softmax{}, true
	case OpcodeConvert:
		return &Convert{}, true
	case OpcodeSpaceToDepth:
		return &SpaceToDepth{}, true
	case OpcodeDumpDram:
		return &DumpDram{}, true
	case OpcodeDumpSram:
		return &DumpSram{}, true
	case OpcodeFence:
		return &Fence{}, true
	case OpcodeSection:
		return &Section{}, true
	case OpcodeDelay:
		return &Delay{}, true
	case OpcodeCascade:
		return &Cascade{}, true
	}
	return nil, false
}
