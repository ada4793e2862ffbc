package graph

import (
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

// FixGraph acts on the requests left on the node by a failed preparation
// attempt and on the constraints of its kind. It reports whether the graph
// changed.
func (n *Node) FixGraph(g *Graph, severity Severity) bool {
	changed := n.fixRequests(g)

	switch n.kind {
	case KindMce:
		if n.pass == nil && n.Fix.Algorithm != AlgorithmHintNone &&
			n.Mce.AlgorithmHint != n.Fix.Algorithm {
			n.Mce.AlgorithmHint = RequireDirect
			n.Fix.Algorithm = AlgorithmHintNone
			util.Trace("FixGraph require direct", "node", n.String())
			changed = true
		}

	case KindMcePostProcess, KindFuseOnlyPle:
		if n.pass == nil && !n.followsExclusiveMce() {
			InsertIdentityNode(g, n.Input(0))
			util.Trace("FixGraph insert identity", "node", n.String())
			changed = true
		}

	case KindRequantize:
		if severity == SeverityHigh && n.pass == nil && !n.followsExclusiveMce() {
			InsertIdentityNode(g, n.Input(0))
			util.Trace("FixGraph insert identity", "node", n.String())
			changed = true
		}

	case KindStandalonePle:
		if n.pass == nil && len(n.inputs) > 1 {
			for i := range n.inputs {
				src := n.InputSource(i)
				if src.LocationHint != RequireDram {
					src.LocationHint = RequireDram
					changed = true
				}
			}
		}

	case KindFormatConversion:
		if n.pass == nil {
			src := n.InputSource(0)
			if src.LocationHint != RequireDram {
				src.LocationHint = RequireDram
				changed = true
			}
			if (src.CompressedFormat == CompressionFCAFDeep || src.CompressedFormat == CompressionFCAFWide) &&
				src.CompressionHint != RequiredUncompressed {
				src.CompressionHint = RequiredUncompressed
				changed = true
			}
		}

	case KindOutput:
		src := n.InputSource(0)
		if src.LocationHint != RequireDram {
			src.LocationHint = RequireDram
			changed = true
		}
		if src.CompressionHint != RequiredUncompressed {
			src.CompressionHint = RequiredUncompressed
			changed = true
		}
	}

	return changed
}

// followsExclusiveMce reports whether the node's only input comes from an
// MCE node that feeds nothing else.
func (n *Node) followsExclusiveMce() bool {
	src := n.InputSource(0)
	return src.kind == KindMce && len(src.outputs) == 1
}

// fixRequests applies the hints common to all node kinds.
func (n *Node) fixRequests(g *Graph) bool {
	changed := false

	if n.Fix.Location == RequireDram && n.LocationHint != RequireDram {
		n.LocationHint = RequireDram
		n.Fix.Location = PreferSram
		util.Trace("FixGraph require dram", "node", n.String())
		changed = true
	}

	if n.Fix.Compression == RequiredUncompressed && n.CompressionHint != RequiredUncompressed {
		n.CompressionHint = RequiredUncompressed
		n.Fix.Compression = PreferCompressed
		util.Trace("FixGraph require uncompressed", "node", n.String())
		changed = true
	}

	if n.Fix.InsertIdentity {
		InsertIdentityNode(g, n.Input(0))
		n.Fix.InsertIdentity = false
		util.Trace("FixGraph insert identity", "node", n.String())
		changed = true
	}

	if n.Fix.ConvertOutputTo != FormatNone && len(n.outputs) == 1 {
		required := n.Fix.ConvertOutputTo
		existing := n.Output(0).Destination
		if existing.kind != KindFormatConversion || existing.Format != required {
			// Convert to the required format and straight back, so the
			// consumers still see the format they were built for. A pass
			// can absorb one of the two conversions.
			params := TensorParams{Shape: n.Shape, DataType: n.DataType, Quant: n.Quant}

			params.Format = required
			first := g.AddFormatConversion(params, n.operationIDs...)
			first.OptimizationHint = DoNotMerge
			g.SplitEdge(n.Output(0), first)

			params.Format = n.Format
			second := g.AddFormatConversion(params, n.operationIDs...)
			g.SplitEdge(first.Output(0), second)

			n.Fix.ConvertOutputTo = FormatNone
			util.Trace("FixGraph convert output", "node", n.String(), "format", required.String())
			changed = true
		}
	} else if n.Fix.ConvertOutputTo != FormatNone {
		util.Trace("FixGraph cannot convert output",
			"node", n.String(),
			"format", n.Fix.ConvertOutputTo.String(),
			"outputs", len(n.outputs))
	}

	return changed
}

// identityWeightScale is the quantization scale of the weights of an
// identity depthwise convolution. The weights hold 2, so each output
// equals its input.
const identityWeightScale = 0.5

// InsertIdentityNode inserts an identity depthwise convolution on e, giving
// the destination of e an MCE operation to fuse with.
func InsertIdentityNode(g *Graph, e *Edge) *Node {
	prev := e.Source
	numIfm := prev.Shape.Channels()

	weights := make([]byte, numIfm)
	for i := range weights {
		weights[i] = 2
	}

	n := g.AddMce(TensorParams{
		Shape:    prev.Shape,
		DataType: prev.DataType,
		Quant:    prev.Quant,
		Format:   FormatNHWCB,
	}, MceAttrs{
		Operation:               cmdstream.MceDepthwiseConvolution,
		UninterleavedInputShape: prev.Shape,
		Stride:                  network.Stride{X: 1, Y: 1},
		Weights: network.TensorInfo{
			Dimensions:   util.TensorShape{1, 1, numIfm, 1},
			DataType:     network.DataTypeUint8Quantized,
			DataFormat:   network.FormatHWIM,
			Quantization: network.QuantizationInfo{Scale: identityWeightScale},
		},
		WeightsData: weights,
		Bias: network.TensorInfo{
			Dimensions:   util.TensorShape{1, 1, 1, numIfm},
			DataType:     network.DataTypeInt32Quantized,
			DataFormat:   network.FormatNHWC,
			Quantization: network.QuantizationInfo{Scale: identityWeightScale * prev.Quant.Scale},
		},
		BiasData: make([]int32, numIfm),
	}, prev.operationIDs...)

	g.SplitEdge(e, n)
	return n
}
