package cmdstream

import (
	"github.com/sarchlab/npuc/layout"
	"github.com/sarchlab/npuc/util"
)

// Filename is a NUL-padded file name carried by the dump commands.
type Filename [128]byte

// MakeFilename truncates name to fit the record.
func MakeFilename(name string) Filename {
	var f Filename
	copy(f[:len(f)-1], name)
	return f
}

func (f Filename) String() string {
	for i, c := range f {
		if c == 0 {
			return string(f[:i])
		}
	}
	return string(f[:])
}

// TensorInfo describes one tensor of a command.
type TensorInfo struct {
	DataType          DataType
	DataFormat        DataFormat
	TensorShape       util.TensorShape
	SupertensorShape  util.TensorShape
	SupertensorOffset util.TensorShape
	StripeShape       util.TensorShape
	TileSize          uint32
	DramBufferID      uint32
	SramOffset        uint32
	ZeroPoint         int16
	DataLocation      DataLocation
}

type SramConfig struct {
	AllocationStrategy SramAllocationStrategy
}

type BlockConfig struct {
	BlockWidth  uint32
	BlockHeight uint32
}

type MceStrideConfig struct {
	X uint32
	Y uint32
}

// MceData programs the MCE.
type MceData struct {
	Stride                  MceStrideConfig
	PadTop                  uint32
	PadLeft                 uint32
	UninterleavedInputShape util.TensorShape
	OutputShape             util.TensorShape
	OutputStripeShape       util.TensorShape
	OutputZeroPoint         int16
	UpsampleType            UpsampleType
	UpsampleEdgeModeRow     UpsampleEdgeMode
	UpsampleEdgeModeCol     UpsampleEdgeMode
	Operation               MceOperation
	Algorithm               MceAlgorithm
	ActivationMin           int16
	ActivationMax           int16
}

// PleData programs the PLE.
type PleData struct {
	CeSram             uint32
	PleSram            uint32
	Operation          PleOperation
	RescaleMultiplier0 uint16
	RescaleShift0      uint16
	RescaleMultiplier1 uint16
	RescaleShift1      uint16
}

var (
	_ = layout.MustDefine[TensorInfo](84)
	_ = layout.MustDefine[SramConfig](1)
	_ = layout.MustDefine[BlockConfig](8)
	_ = layout.MustDefine[MceData](76)
	_ = layout.MustDefine[PleData](20)
)
