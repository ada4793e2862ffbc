package codegen

import (
	"fmt"
	"slices"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/util"
)

// BufferType is the role of a buffer in the compiled network.
type BufferType uint8

const (
	BufferInput BufferType = iota
	BufferOutput
	BufferConstantDma
	BufferConstantControlUnit
	BufferIntermediate
)

var bufferTypeNames = [...]string{
	"Input", "Output", "ConstantDma", "ConstantControlUnit", "Intermediate",
}

func (t BufferType) String() string {
	if int(t) < len(bufferTypeNames) {
		return bufferTypeNames[t]
	}
	return "Unknown"
}

// CommandStreamBufferID is the buffer holding the command stream itself.
const CommandStreamBufferID uint32 = 0

// firstSramBufferID starts the ID space of SRAM buffers, which are not
// needed at runtime.
const firstSramBufferID uint32 = 0x8000000

// DramAlignment is the alignment of every DRAM buffer. FCAF needs 64 bytes.
const DramAlignment = 64

// BufferInfo is one entry of the buffer table.
type BufferInfo struct {
	ID       uint32
	Type     BufferType
	Location cmdstream.DataLocation
	Offset   uint32
	Size     uint32

	// Data holds the contents of constant buffers.
	Data []byte

	// The network output or input the buffer corresponds to.
	SourceOperationID          uint32
	SourceOperationOutputIndex uint32

	// Lifetime of intermediate buffers in command indices.
	LifetimeStart uint32
	LifetimeEnd   uint32
}

// BufferManager hands out buffer IDs while the command stream is generated.
type BufferManager interface {
	// AddDram adds an input, output or intermediate DRAM buffer.
	AddDram(t BufferType, size uint32) uint32

	// AddDramConstant adds a DRAM buffer holding data.
	AddDramConstant(t BufferType, data []byte) uint32

	// AddDramInput adds the buffer of a network input.
	AddDramInput(size, sourceOperationID uint32) uint32

	// AddSram records a buffer kept in SRAM at offset.
	AddSram(size, offset uint32) uint32

	// ChangeToOutput marks a buffer as output index of a network operation.
	ChangeToOutput(id, sourceOperationID, outputIndex uint32) error

	// SramOffset returns the SRAM offset of an SRAM buffer and 0 for any
	// other buffer.
	SramOffset(id uint32) uint32

	// Buffer returns the entry of a buffer.
	Buffer(id uint32) (BufferInfo, bool)
}

// Buffers is the buffer table of a network being compiled.
type Buffers struct {
	buffers    map[uint32]*BufferInfo
	nextDramID uint32
	nextSramID uint32

	constantDma         []byte
	constantControlUnit []byte
}

// NewBuffers creates an empty buffer table. ID 0 is kept for the command
// stream.
func NewBuffers() *Buffers {
	return &Buffers{
		buffers:    map[uint32]*BufferInfo{},
		nextDramID: CommandStreamBufferID + 1,
		nextSramID: firstSramBufferID,
	}
}

func (b *Buffers) addDram(info BufferInfo) uint32 {
	info.ID = b.nextDramID
	info.Location = cmdstream.LocationDram
	b.buffers[info.ID] = &info
	b.nextDramID++
	return info.ID
}

func (b *Buffers) AddDram(t BufferType, size uint32) uint32 {
	if t != BufferInput && t != BufferOutput && t != BufferIntermediate {
		panic(fmt.Sprintf("AddDram with buffer type %s", t))
	}
	return b.addDram(BufferInfo{Type: t, Size: size})
}

func (b *Buffers) AddDramConstant(t BufferType, data []byte) uint32 {
	if t != BufferConstantDma && t != BufferConstantControlUnit {
		panic(fmt.Sprintf("AddDramConstant with buffer type %s", t))
	}
	return b.addDram(BufferInfo{Type: t, Size: uint32(len(data)), Data: data})
}

func (b *Buffers) AddDramInput(size, sourceOperationID uint32) uint32 {
	return b.addDram(BufferInfo{Type: BufferInput, Size: size, SourceOperationID: sourceOperationID})
}

func (b *Buffers) AddSram(size, offset uint32) uint32 {
	id := b.nextSramID
	b.buffers[id] = &BufferInfo{
		ID:       id,
		Type:     BufferIntermediate,
		Location: cmdstream.LocationSram,
		Offset:   offset,
		Size:     size,
	}
	b.nextSramID++
	return id
}

// AddCommandStream stores the finished command stream as buffer 0.
func (b *Buffers) AddCommandStream(stream []byte) {
	b.buffers[CommandStreamBufferID] = &BufferInfo{
		ID:       CommandStreamBufferID,
		Type:     BufferConstantControlUnit,
		Location: cmdstream.LocationDram,
		Size:     uint32(len(stream)),
		Data:     stream,
	}
}

func (b *Buffers) ChangeToOutput(id, sourceOperationID, outputIndex uint32) error {
	buf, ok := b.buffers[id]
	if !ok {
		return fmt.Errorf("unknown buffer %d", id)
	}
	buf.Type = BufferOutput
	buf.SourceOperationID = sourceOperationID
	buf.SourceOperationOutputIndex = outputIndex
	return nil
}

func (b *Buffers) SramOffset(id uint32) uint32 {
	buf, ok := b.buffers[id]
	if !ok || buf.Location != cmdstream.LocationSram {
		return 0
	}
	return buf.Offset
}

func (b *Buffers) Buffer(id uint32) (BufferInfo, bool) {
	buf, ok := b.buffers[id]
	if !ok {
		return BufferInfo{}, false
	}
	return *buf, true
}

// MarkBufferUsedAtTime sets the lifetime of a buffer to [start, end).
func (b *Buffers) MarkBufferUsedAtTime(id, start, end uint32) {
	if buf, ok := b.buffers[id]; ok {
		buf.LifetimeStart = start
		buf.LifetimeEnd = end
	}
}

// Allocate assigns DRAM offsets. Inputs, outputs and each kind of
// constant are packed into their own region, the command stream first
// among the control unit constants. Intermediate buffers share
// one region, reusing space of buffers whose lifetimes do not overlap.
func (b *Buffers) Allocate() {
	var inputs, outputs uint32
	var intermediates []*BufferInfo

	for _, buf := range b.sorted() {
		if buf.Location != cmdstream.LocationDram {
			continue
		}

		switch buf.Type {
		case BufferIntermediate:
			intermediates = append(intermediates, buf)
		case BufferConstantControlUnit:
			buf.Offset = appendAligned(&b.constantControlUnit, buf.Data)
		case BufferConstantDma:
			buf.Offset = appendAligned(&b.constantDma, buf.Data)
		case BufferInput:
			buf.Offset = reserveAligned(&inputs, buf.Size)
		case BufferOutput:
			buf.Offset = reserveAligned(&outputs, buf.Size)
		}
	}

	firstFit(intermediates)
}

func appendAligned(dst *[]byte, data []byte) uint32 {
	*dst = append(*dst, make([]byte, util.RoundUp(len(*dst), DramAlignment)-len(*dst))...)
	offset := uint32(len(*dst))
	*dst = append(*dst, data...)
	return offset
}

func reserveAligned(end *uint32, size uint32) uint32 {
	offset := util.RoundUp(*end, DramAlignment)
	*end = offset + size
	return offset
}

// firstFit places each buffer at the lowest aligned offset that does not
// overlap a placed buffer alive at the same time.
func firstFit(buffers []*BufferInfo) {
	var placed []*BufferInfo
	for _, buf := range buffers {
		var conflicts []*BufferInfo
		for _, p := range placed {
			if p.LifetimeStart < buf.LifetimeEnd && buf.LifetimeStart < p.LifetimeEnd {
				conflicts = append(conflicts, p)
			}
		}
		slices.SortFunc(conflicts, func(x, y *BufferInfo) int {
			return int(int64(x.Offset) - int64(y.Offset))
		})

		offset := uint32(0)
		for _, c := range conflicts {
			if offset+buf.Size <= c.Offset {
				break
			}
			offset = max(offset, util.RoundUp(c.Offset+c.Size, DramAlignment))
		}
		buf.Offset = offset
		placed = append(placed, buf)
	}
}

func (b *Buffers) sorted() []*BufferInfo {
	res := make([]*BufferInfo, 0, len(b.buffers))
	for _, buf := range b.buffers {
		res = append(res, buf)
	}
	slices.SortFunc(res, func(x, y *BufferInfo) int {
		return int(int64(x.ID) - int64(y.ID))
	})
	return res
}

// Table returns the buffers ordered by ID.
func (b *Buffers) Table() []BufferInfo {
	var res []BufferInfo
	for _, buf := range b.sorted() {
		res = append(res, *buf)
	}
	return res
}

// ConstantDmaData is the packed data of the ConstantDma buffers, valid
// after Allocate.
func (b *Buffers) ConstantDmaData() []byte {
	return b.constantDma
}

// ConstantControlUnitData is the packed data of the ConstantControlUnit
// buffers, valid after Allocate.
func (b *Buffers) ConstantControlUnitData() []byte {
	return b.constantControlUnit
}
