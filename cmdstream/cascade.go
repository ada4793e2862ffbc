package cmdstream

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/npuc/layout"
)

// Tile describes the slots of a tensor buffered in SRAM.
type Tile struct {
	BaseAddr uint16
	NumSlots uint16
	SlotSize uint16
}

// TensorSize is a height, width, channels triple.
type TensorSize struct {
	Height   uint16
	Width    uint16
	Channels uint16
}

// FmSData is shared by the IFM and OFM streamers.
type FmSData struct {
	DramOffset        uint32
	BufferID          uint16
	Tile              Tile
	DfltStripeSize    TensorSize
	EdgeStripeSize    TensorSize
	StripeDramStrides TensorSize
	NumStripes        TensorSize
	StripeIDStrides   TensorSize
}

// IfmS streams input feature map stripes from DRAM into SRAM.
type IfmS struct {
	FmData FmSData
}

// OfmS streams output stripes from SRAM to DRAM.
type OfmS struct {
	FmData FmSData
}

// WgtS streams encoded weight stripes.
type WgtS struct {
	BufferID         uint16
	MetadataBufferID uint16
	Tile             Tile
	NumStripes       uint16
}

type BlockSize struct {
	Width  uint8
	Height uint8
}

// MceSWorkSize is the per-dimension work of the MCE scheduler.
type MceSWorkSize struct {
	OfmHeight   uint16
	OfmWidth    uint16
	OfmChannels uint16
	IfmChannels uint16
}

// MceS schedules MCE stripes.
type MceS struct {
	IfmTile         Tile
	WgtTile         Tile
	BlockSize       BlockSize
	DfltStripeSize  MceSWorkSize
	EdgeStripeSize  MceSWorkSize
	NumStripes      MceSWorkSize
	StripeIDStrides MceSWorkSize
}

// PleL loads PLE kernel code.
type PleL struct{}

type PleSWorkSize struct {
	OfmHeight   uint16
	OfmWidth    uint16
	OfmChannels uint16
}

// PleS schedules PLE stripes.
type PleS struct {
	OfmTile         Tile
	NumStripes      PleSWorkSize
	StripeIDStrides PleSWorkSize
}

// AgentType is the discriminant of AgentData.
type AgentType uint32

const (
	AgentIfmStreamer AgentType = iota
	AgentWgtStreamer
	AgentMceScheduler
	AgentPleLoader
	AgentPleScheduler
	AgentOfmStreamer
)

var agentTypeNames = [...]string{"IfmS", "WgtS", "MceS", "PleL", "PleS", "OfmS"}

func (t AgentType) String() string {
	if int(t) < len(agentTypeNames) {
		return agentTypeNames[t]
	}
	return "Unknown"
}

// AgentPayload is one of IfmS, WgtS, MceS, PleL, PleS or OfmS.
type AgentPayload interface {
	AgentType() AgentType
}

func (IfmS) AgentType() AgentType { return AgentIfmStreamer }
func (WgtS) AgentType() AgentType { return AgentWgtStreamer }
func (MceS) AgentType() AgentType { return AgentMceScheduler }
func (PleL) AgentType() AgentType { return AgentPleLoader }
func (PleS) AgentType() AgentType { return AgentPleScheduler }
func (OfmS) AgentType() AgentType { return AgentOfmStreamer }

// agentUnionShape returns the size and alignment of the payload union: as
// large as its largest member, aligned like the most aligned one.
func agentUnionShape() (int, int) {
	size, align := 0, 1
	for _, l := range []*layout.Layout{
		layout.For[IfmS](), layout.For[WgtS](), layout.For[MceS](),
		layout.For[PleL](), layout.For[PleS](), layout.For[OfmS](),
	} {
		size = max(size, l.Size)
		align = max(align, l.Align)
	}
	return (size + align - 1) / align * align, align
}

// AgentData is a tagged union of the agent payloads. The discriminant is
// encoded as a 32-bit word in front of the payload.
type AgentData struct {
	Payload AgentPayload
}

// Type returns the discriminant.
func (d AgentData) Type() AgentType {
	if d.Payload == nil {
		return AgentIfmStreamer
	}
	return d.Payload.AgentType()
}

// Ifm returns the payload if the agent is an IFM streamer.
func (d AgentData) Ifm() (IfmS, bool) {
	p, ok := d.Payload.(IfmS)
	return p, ok
}

// Wgt returns the payload if the agent is a weight streamer.
func (d AgentData) Wgt() (WgtS, bool) {
	p, ok := d.Payload.(WgtS)
	return p, ok
}

// Mce returns the payload if the agent is an MCE scheduler.
func (d AgentData) Mce() (MceS, bool) {
	p, ok := d.Payload.(MceS)
	return p, ok
}

// Ple returns the payload if the agent is a PLE scheduler.
func (d AgentData) Ple() (PleS, bool) {
	p, ok := d.Payload.(PleS)
	return p, ok
}

// Ofm returns the payload if the agent is an OFM streamer.
func (d AgentData) Ofm() (OfmS, bool) {
	p, ok := d.Payload.(OfmS)
	return p, ok
}

// LayoutShape implements layout.Custom.
func (d AgentData) LayoutShape() (int, int) {
	unionSize, unionAlign := agentUnionShape()
	align := max(4, unionAlign)
	return (d.payloadOffset() + unionSize + align - 1) / align * align, align
}

func (AgentData) payloadOffset() int {
	_, unionAlign := agentUnionShape()
	return (4 + unionAlign - 1) / unionAlign * unionAlign
}

// PutLayout implements layout.Custom.
func (d AgentData) PutLayout(b []byte) {
	binary.LittleEndian.PutUint32(b, uint32(d.Type()))
	if d.Payload == nil {
		return
	}
	copy(b[d.payloadOffset():], layout.MustMarshal(d.Payload))
}

// GetLayout implements layout.CustomDecoder.
func (d *AgentData) GetLayout(b []byte) error {
	t := AgentType(binary.LittleEndian.Uint32(b))
	body := b[d.payloadOffset():]

	var err error
	switch t {
	case AgentIfmStreamer:
		var p IfmS
		err = layout.Unmarshal(body, &p)
		d.Payload = p
	case AgentWgtStreamer:
		var p WgtS
		err = layout.Unmarshal(body, &p)
		d.Payload = p
	case AgentMceScheduler:
		var p MceS
		err = layout.Unmarshal(body, &p)
		d.Payload = p
	case AgentPleLoader:
		d.Payload = PleL{}
	case AgentPleScheduler:
		var p PleS
		err = layout.Unmarshal(body, &p)
		d.Payload = p
	case AgentOfmStreamer:
		var p OfmS
		err = layout.Unmarshal(body, &p)
		d.Payload = p
	default:
		return fmt.Errorf("invalid agent type %d", t)
	}
	return err
}

// Ratio relates the stripe counters of two agents.
type Ratio struct {
	Other uint8
	Self  uint8
}

// Dependency links an agent to another agent at a relative position.
type Dependency struct {
	RelativeAgentID uint8
	OuterRatio      Ratio
	InnerRatio      Ratio
	Boundary        int8
}

// IsValid reports whether the dependency is in use.
func (d Dependency) IsValid() bool {
	return d.RelativeAgentID != 0
}

// AgentDependencyInfo holds the dependencies of an agent.
type AgentDependencyInfo struct {
	NumStripesTotal      uint16
	ScheduleDependencies [1]Dependency
	ReadDependencies     [2]Dependency
	WriteDependencies    [1]Dependency
}

// Agent is one entry of the cascading agent array.
type Agent struct {
	Data AgentData
	Info AgentDependencyInfo
}

// CommandType identifies a command in one of the four cascading lists.
type CommandType uint32

const (
	CommandWaitForCounter CommandType = iota
	CommandLoadIfmStripe
	CommandLoadWgtStripe
	CommandProgramMceStripe
	CommandConfigMceif
	CommandStartMceStripe
	CommandLoadPleCodeIntoSram
	CommandLoadPleCodeIntoPleSram
	CommandStartPleStripe
	CommandStoreOfmStripe
)

// CounterName names a firmware progress counter.
type CounterName uint32

const (
	CounterDmaRd CounterName = iota
	CounterDmaWr
	CounterMceif
	CounterMceStripe
	CounterPleCodeLoadedIntoPleSram
	CounterPleStripe
)

// WaitForCounterCommand blocks a list until a counter reaches a value.
type WaitForCounterCommand struct {
	Type         CommandType
	CounterName  CounterName
	CounterValue uint32
}

// AgentCommand acts on one stripe of one agent.
type AgentCommand struct {
	Type     CommandType
	AgentID  uint32
	StripeID uint32
}

// CascadeCommand is either a WaitForCounterCommand or an AgentCommand.
type CascadeCommand interface {
	CommandType() CommandType
}

func (c WaitForCounterCommand) CommandType() CommandType { return c.Type }
func (c AgentCommand) CommandType() CommandType          { return c.Type }

// CascadeHeader locates the agent array and the four command lists.
type CascadeHeader struct {
	TotalSize           uint32
	AgentsOffset        uint32
	NumAgents           uint32
	DmaRdCommandsOffset uint32
	NumDmaRdCommands    uint32
	DmaWrCommandsOffset uint32
	NumDmaWrCommands    uint32
	MceCommandsOffset   uint32
	NumMceCommands      uint32
	PleCommandsOffset   uint32
	NumPleCommands      uint32
}

var (
	_ = layout.MustDefine[Tile](6)
	_ = layout.MustDefine[FmSData](44)
	_ = layout.MustDefine[WgtS](12)
	_ = layout.MustDefine[MceS](46)
	_ = layout.MustDefine[PleS](18)
	_ = layout.MustDefine[AgentData](52)
	_ = layout.MustDefine[Dependency](6)
	_ = layout.MustDefine[AgentDependencyInfo](26)
	_ = layout.MustDefine[Agent](80)
	_ = layout.MustDefine[WaitForCounterCommand](12)
	_ = layout.MustDefine[AgentCommand](12)
	_ = layout.MustDefine[CascadeHeader](44)
)

// CascadeStream is the decoded form of a cascading command stream.
type CascadeStream struct {
	Agents        []Agent
	DmaRdCommands []CascadeCommand
	DmaWrCommands []CascadeCommand
	MceCommands   []CascadeCommand
	PleCommands   []CascadeCommand
}

// BuildCascade serialises the agents and the four command lists behind a
// header holding their byte offsets.
func BuildCascade(s CascadeStream) []byte {
	headerSize := uint32(layout.SizeOf[CascadeHeader]())
	agentSize := uint32(layout.SizeOf[Agent]())

	h := CascadeHeader{}
	offset := headerSize

	h.AgentsOffset = offset
	h.NumAgents = uint32(len(s.Agents))
	offset += h.NumAgents * agentSize

	h.DmaRdCommandsOffset = offset
	h.NumDmaRdCommands = uint32(len(s.DmaRdCommands))
	offset += commandListSize(s.DmaRdCommands)

	h.DmaWrCommandsOffset = offset
	h.NumDmaWrCommands = uint32(len(s.DmaWrCommands))
	offset += commandListSize(s.DmaWrCommands)

	h.MceCommandsOffset = offset
	h.NumMceCommands = uint32(len(s.MceCommands))
	offset += commandListSize(s.MceCommands)

	h.PleCommandsOffset = offset
	h.NumPleCommands = uint32(len(s.PleCommands))
	offset += commandListSize(s.PleCommands)

	h.TotalSize = offset

	raw := make([]byte, 0, offset)
	raw = append(raw, layout.MustMarshal(h)...)
	for _, a := range s.Agents {
		raw = append(raw, layout.MustMarshal(a)...)
	}
	for _, list := range [][]CascadeCommand{s.DmaRdCommands, s.DmaWrCommands, s.MceCommands, s.PleCommands} {
		for _, c := range list {
			raw = append(raw, layout.MustMarshal(c)...)
		}
	}

	return raw
}

func commandListSize(cmds []CascadeCommand) uint32 {
	total := uint32(0)
	for _, c := range cmds {
		switch c.(type) {
		case WaitForCounterCommand:
			total += uint32(layout.SizeOf[WaitForCounterCommand]())
		default:
			total += uint32(layout.SizeOf[AgentCommand]())
		}
	}
	return total
}

// ParseCascade decodes a stream produced by BuildCascade.
func ParseCascade(raw []byte) (CascadeStream, error) {
	var h CascadeHeader
	if err := layout.Unmarshal(raw, &h); err != nil {
		return CascadeStream{}, err
	}
	if int(h.TotalSize) > len(raw) {
		return CascadeStream{}, fmt.Errorf("%w: header claims %d bytes, have %d",
			ErrTruncated, h.TotalSize, len(raw))
	}

	s := CascadeStream{Agents: make([]Agent, h.NumAgents)}
	agentSize := uint32(layout.SizeOf[Agent]())
	for i := range s.Agents {
		off := h.AgentsOffset + uint32(i)*agentSize
		if err := layout.Unmarshal(raw[off:], &s.Agents[i]); err != nil {
			return CascadeStream{}, fmt.Errorf("agent %d: %w", i, err)
		}
	}

	var err error
	if s.DmaRdCommands, err = parseCommandList(raw, h.DmaRdCommandsOffset, h.NumDmaRdCommands); err != nil {
		return CascadeStream{}, err
	}
	if s.DmaWrCommands, err = parseCommandList(raw, h.DmaWrCommandsOffset, h.NumDmaWrCommands); err != nil {
		return CascadeStream{}, err
	}
	if s.MceCommands, err = parseCommandList(raw, h.MceCommandsOffset, h.NumMceCommands); err != nil {
		return CascadeStream{}, err
	}
	if s.PleCommands, err = parseCommandList(raw, h.PleCommandsOffset, h.NumPleCommands); err != nil {
		return CascadeStream{}, err
	}

	return s, nil
}

func parseCommandList(raw []byte, offset, n uint32) ([]CascadeCommand, error) {
	cmds := make([]CascadeCommand, 0, n)
	pos := offset
	for i := uint32(0); i < n; i++ {
		if int(pos)+4 > len(raw) {
			return nil, ErrTruncated
		}

		t := CommandType(binary.LittleEndian.Uint32(raw[pos:]))
		if t == CommandWaitForCounter {
			var c WaitForCounterCommand
			if err := layout.Unmarshal(raw[pos:], &c); err != nil {
				return nil, err
			}
			cmds = append(cmds, c)
			pos += uint32(layout.SizeOf[WaitForCounterCommand]())
			continue
		}

		var c AgentCommand
		if err := layout.Unmarshal(raw[pos:], &c); err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
		pos += uint32(layout.SizeOf[AgentCommand]())
	}
	return cmds, nil
}
