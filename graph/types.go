// Package graph holds the scheduling graph the compiler prepares: nodes
// derived from the operations of a network, the hints that steer pass
// formation, and the transformations applied to the graph while preparing
// it.
package graph

import "fmt"

// NodeID identifies a node within its graph.
type NodeID uint32

// NodeKind is the role of a node, decided when the node is created.
type NodeKind uint8

const (
	KindInput NodeKind = iota
	KindOutput
	KindConstant
	KindMce
	KindMcePostProcess
	KindFuseOnlyPle
	KindStandalonePle
	KindFormatConversion
	KindReinterpret
	KindRequantize
	KindEstimateOnly
)

var nodeKindNames = [...]string{
	"Input", "Output", "Constant", "MceOperation", "McePostProcess", "FuseOnlyPle",
	"StandalonePle", "FormatConversion", "Reinterpret", "Requantize", "EstimateOnly",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// Format is the layout of the tensor a node produces.
type Format uint8

const (
	FormatNone Format = iota
	FormatNHWC
	FormatNHWCB
	FormatNCHW
	FormatWeight
)

func (f Format) String() string {
	switch f {
	case FormatNHWC:
		return "NHWC"
	case FormatNHWCB:
		return "NHWCB"
	case FormatNCHW:
		return "NCHW"
	case FormatWeight:
		return "WEIGHT"
	}
	return "NONE"
}

// CompressedFormat is the compression applied to a node's buffer.
type CompressedFormat uint8

const (
	CompressionNone CompressedFormat = iota
	CompressionNHWCB
	CompressionFCAFDeep
	CompressionFCAFWide
)

func (c CompressedFormat) String() string {
	switch c {
	case CompressionNHWCB:
		return "NHWCB_COMPRESSED"
	case CompressionFCAFDeep:
		return "FCAF_DEEP"
	case CompressionFCAFWide:
		return "FCAF_WIDE"
	}
	return "NONE"
}

// BufferLocation is where the output of a node is stored.
type BufferLocation uint8

const (
	LocationNone BufferLocation = iota
	LocationDram
	LocationSram
)

func (l BufferLocation) String() string {
	switch l {
	case LocationDram:
		return "DRAM"
	case LocationSram:
		return "SRAM"
	}
	return "NONE"
}

type LocationHint uint8

const (
	PreferSram LocationHint = iota
	RequireDram
)

type CompressionHint uint8

const (
	PreferCompressed CompressionHint = iota
	RequiredUncompressed
)

type AlgorithmHint uint8

const (
	AlgorithmHintNone AlgorithmHint = iota
	AllowWinograd
	RequireDirect
)

type OptimizationHint uint8

const (
	DontCare OptimizationHint = iota
	DoNotMerge
)

// Algorithm is the algorithm chosen for an MCE node by its pass.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = iota
	AlgorithmDirect
	AlgorithmWinograd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmDirect:
		return "DIRECT"
	case AlgorithmWinograd:
		return "WINOGRAD"
	}
	return "NONE"
}

// Severity orders the changes FixGraph may make. Low severity changes are
// tried on every node before any high severity change is made.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityHigh
)

// Severities lists the severities from the least to the most severe.
var Severities = []Severity{SeverityLow, SeverityHigh}

// InvalidBufferID marks a node without a buffer.
const InvalidBufferID uint32 = 0xFFFFFFFF
