package graph

import (
	"fmt"
	"math"
	"slices"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

// Pass is the group of nodes a node was assigned to.
type Pass interface {
	Index() int
}

// Edge connects the output of one node to an input of another.
type Edge struct {
	Source      *Node
	Destination *Node
}

// FixRequests are changes a failed pass formation asks FixGraph to make.
type FixRequests struct {
	ConvertOutputTo Format
	Location        LocationHint
	Compression     CompressionHint
	Algorithm       AlgorithmHint
	// InsertIdentity asks for an identity depthwise convolution in front
	// of the node.
	InsertIdentity bool
}

// Upsample describes the upscaling performed by an MCE node.
type Upsample struct {
	Type   cmdstream.UpsampleType
	Factor uint32
}

// MceAttrs are the parameters of an MCE operation node.
type MceAttrs struct {
	Operation               cmdstream.MceOperation
	UninterleavedInputShape util.TensorShape
	Stride                  network.Stride
	PadTop                  uint32
	PadLeft                 uint32
	Upsample                Upsample

	Weights     network.TensorInfo
	WeightsData []byte
	Bias        network.TensorInfo
	BiasData    []int32

	AlgorithmHint AlgorithmHint
	// Algorithm is chosen by the pass the node is assigned to.
	Algorithm Algorithm
}

// PleAttrs are the parameters of the PLE kernel of a fused or standalone
// PLE node.
type PleAttrs struct {
	Operation       cmdstream.PleOperation
	ShapeMultiplier util.ShapeMultiplier
	// Alpha is the slope of leaky ReLU.
	Alpha float32
}

// Node is one node of the scheduling graph.
type Node struct {
	id   NodeID
	kind NodeKind

	Shape    util.TensorShape
	DataType cmdstream.DataType
	Quant    network.QuantizationInfo
	Format   Format

	operationIDs []uint32

	inputs  []*Edge
	outputs []*Edge

	OptimizationHint OptimizationHint
	LocationHint     LocationHint
	CompressionHint  CompressionHint
	Fix              FixRequests

	Mce *MceAttrs
	Ple *PleAttrs

	// Lower and Upper are the bounds of an McePostProcess node.
	Lower, Upper int16

	// Constant data, in the data type given by ConstantInfo.
	ConstantInfo network.TensorInfo
	ConstantData []byte

	// The network output an Output node corresponds to.
	SourceOperationID    uint32
	SourceOperationIndex int

	// Reason is the explanation of an EstimateOnly node.
	Reason string

	pass                 Pass
	preparationAttempted bool

	Location         BufferLocation
	CompressedFormat CompressedFormat
	BufferID         uint32
	SramOffset       uint32
}

// TensorParams describes the tensor a node produces.
type TensorParams struct {
	Shape    util.TensorShape
	DataType cmdstream.DataType
	Quant    network.QuantizationInfo
	Format   Format
}

func (n *Node) ID() NodeID         { return n.id }
func (n *Node) Kind() NodeKind     { return n.kind }
func (n *Node) Inputs() []*Edge    { return n.inputs }
func (n *Node) Outputs() []*Edge   { return n.outputs }
func (n *Node) Input(i int) *Edge  { return n.inputs[i] }
func (n *Node) Output(i int) *Edge { return n.outputs[i] }

func (n *Node) String() string {
	return fmt.Sprintf("%s#%d", n.kind, n.id)
}

// OperationIDs returns the ids of the network operations the node was
// created from, in ascending order.
func (n *Node) OperationIDs() []uint32 {
	return n.operationIDs
}

// AddOperationIDs records that the node also implements the given
// operations.
func (n *Node) AddOperationIDs(ids ...uint32) {
	for _, id := range ids {
		if i, found := slices.BinarySearch(n.operationIDs, id); !found {
			n.operationIDs = slices.Insert(n.operationIDs, i, id)
		}
	}
}

func (n *Node) InputSource(i int) *Node { return n.inputs[i].Source }

func (n *Node) InputShape(i int) util.TensorShape { return n.InputSource(i).Shape }

func (n *Node) InputQuant(i int) network.QuantizationInfo { return n.InputSource(i).Quant }

func (n *Node) InputFormat(i int) Format { return n.InputSource(i).Format }

func (n *Node) InputLocation(i int) BufferLocation { return n.InputSource(i).Location }

func (n *Node) InputCompressed(i int) bool { return n.InputSource(i).Compressed() }

func (n *Node) InputSramOffset(i int) uint32 { return n.InputSource(i).SramOffset }

func (n *Node) InputBufferFormat(i int) cmdstream.DataFormat {
	return n.InputSource(i).BufferFormat()
}

// Compressed reports whether the node's buffer is compressed.
func (n *Node) Compressed() bool {
	return n.CompressedFormat != CompressionNone
}

// BufferFormat is the command-stream format of the node's buffer.
func (n *Node) BufferFormat() cmdstream.DataFormat {
	switch n.CompressedFormat {
	case CompressionNHWCB:
		return cmdstream.DataFormatNHWCBCompressed
	case CompressionFCAFDeep:
		return cmdstream.DataFormatFCAFDeep
	case CompressionFCAFWide:
		return cmdstream.DataFormatFCAFWide
	}

	switch n.Format {
	case FormatNHWCB:
		return cmdstream.DataFormatNHWCB
	case FormatNHWC:
		return cmdstream.DataFormatNHWC
	case FormatNCHW:
		return cmdstream.DataFormatNCHW
	}
	return cmdstream.DataFormatWeightStream
}

// ShapeMultiplier is how the node scales the shape of its input.
func (n *Node) ShapeMultiplier() util.ShapeMultiplier {
	switch {
	case n.Mce != nil:
		f := util.Fraction{Numerator: n.Mce.Upsample.Factor, Denominator: 1}
		return util.ShapeMultiplier{H: f, W: f, C: util.One}
	case n.Ple != nil:
		return n.Ple.ShapeMultiplier
	}
	return util.IdentityShapeMultiplier
}

// Pass returns the pass the node was assigned to, or nil.
func (n *Node) Pass() Pass { return n.pass }

func (n *Node) SetPass(p Pass) { n.pass = p }

// IsPrepared reports whether the node is ready for code generation.
func (n *Node) IsPrepared() bool {
	switch n.kind {
	case KindInput, KindReinterpret:
		return true
	case KindConstant, KindEstimateOnly:
		return false
	case KindOutput:
		return n.InputLocation(0) == LocationDram && !n.InputCompressed(0)
	}
	return n.pass != nil
}

// Reset forgets the outcome of the previous preparation attempt.
func (n *Node) Reset() {
	n.preparationAttempted = false
	n.pass = nil
	n.Location = LocationNone
	n.BufferID = InvalidBufferID
	n.SramOffset = 0
	n.CompressedFormat = CompressionNone

	switch n.kind {
	case KindInput:
		n.Location = LocationDram
	case KindMce:
		n.Mce.Algorithm = AlgorithmNone
	}
}

// PrepareAfterPassAssignment releases the SRAM held by the node's inputs
// once every consumer of those inputs has been visited.
func (n *Node) PrepareAfterPassAssignment(alloc *sram.Allocator) {
	n.preparationAttempted = true

	visited := map[*Node]bool{}
	for i := range n.inputs {
		src := n.InputSource(i)
		if visited[src] {
			break
		}
		visited[src] = true

		if n.InputLocation(i) != LocationSram {
			continue
		}

		canFree := true
		for _, e := range src.outputs {
			if !e.Destination.preparationAttempted {
				canFree = false
				break
			}
		}
		if canFree {
			alloc.Free(src.SramOffset)
		}
	}

	// A reinterpret outside of any pass aliases its input.
	if n.kind == KindReinterpret && n.pass == nil {
		n.Location = n.InputLocation(0)
		n.SramOffset = n.InputSramOffset(0)
	}
}

// ApplyPostProcess narrows the activation bounds of an MCE.
func (n *Node) ApplyPostProcess(md *cmdstream.MceData) {
	md.ActivationMin = max(md.ActivationMin, n.Lower)
	md.ActivationMax = min(md.ActivationMax, n.Upper)
}

// ApplyRequantize re-expresses the activation bounds of an MCE, given in
// the input quantization, in the quantization of the node.
func (n *Node) ApplyRequantize(md *cmdstream.MceData, in network.QuantizationInfo) {
	lo, hi := n.DataType.Range()
	requant := func(v int16) int16 {
		f := float64(in.Scale) * float64(int32(v)-in.ZeroPoint)
		q := math.Round(f/float64(n.Quant.Scale) + float64(n.Quant.ZeroPoint))
		return int16(util.Clamp(int32(q), int32(lo), int32(hi)))
	}
	md.ActivationMin = requant(md.ActivationMin)
	md.ActivationMax = requant(md.ActivationMax)
}

