package graph

// optimization rewrites the graph around n and reports whether it did.
type optimization func(g *Graph, n *Node) bool

var optimizations = []optimization{
	mergeFormatConversions,
	mergeRequantizes,
	reorderReinterpretAndRequantize,
	removeUnconnected,
	mergeConstantAndFormatConversion,
}

// Optimize applies the local rewrites until none of them applies.
func (g *Graph) Optimize() {
	for {
		changed := false
		for _, n := range g.SortedNodes() {
			for _, opt := range optimizations {
				if opt(g, n) {
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
		if !changed {
			return
		}
	}
}

// mergeFormatConversions removes pairs of conversions whose second undoes
// the first:
//
//	X (NHWCB) -> to NHWC -> to NHWCB -> Y   becomes   X -> Y
func mergeFormatConversions(g *Graph, n *Node) bool {
	if n.kind != KindFormatConversion || len(n.outputs) != 1 || n.OptimizationHint == DoNotMerge {
		return false
	}

	next := n.Output(0).Destination
	if next.kind != KindFormatConversion || next.OptimizationHint == DoNotMerge ||
		n.InputFormat(0) != next.Format {
		return false
	}

	g.CollapseEdge(n.Input(0))
	g.CollapseEdge(next.Input(0))
	return true
}

// mergeRequantizes drops a requantize that only feeds another requantize.
func mergeRequantizes(g *Graph, n *Node) bool {
	if n.kind != KindRequantize || len(n.outputs) != 1 {
		return false
	}

	next := n.Output(0).Destination
	if next.kind != KindRequantize {
		return false
	}

	next.AddOperationIDs(n.operationIDs...)
	g.CollapseNode(n)
	return true
}

// reorderReinterpretAndRequantize moves a requantize in front of the
// reinterpret feeding it, so the requantize can be fused with an earlier
// MCE.
func reorderReinterpretAndRequantize(g *Graph, n *Node) bool {
	if n.kind != KindReinterpret || len(n.outputs) != 1 {
		return false
	}

	requant := n.Output(0).Destination
	if requant.kind != KindRequantize {
		return false
	}

	moved := g.AddRequantize(TensorParams{
		Shape:    n.InputShape(0),
		DataType: requant.DataType,
		Quant:    requant.Quant,
		Format:   n.InputFormat(0),
	}, requant.operationIDs...)
	g.SplitEdge(n.Input(0), moved)
	g.CollapseNode(requant)
	return true
}

// removeUnconnected removes nodes nothing consumes, except outputs.
func removeUnconnected(g *Graph, n *Node) bool {
	if n.kind == KindOutput || len(n.outputs) != 0 {
		return false
	}
	g.RemoveNode(n)
	return true
}

// mergeConstantAndFormatConversion lets an NHWC constant feed the
// consumers of the conversion following it directly. The constant is
// written in whatever format the consumer needs.
func mergeConstantAndFormatConversion(g *Graph, n *Node) bool {
	if n.kind != KindConstant || n.Format != FormatNHWC || len(n.outputs) != 1 {
		return false
	}

	conv := n.Output(0).Destination
	if conv.kind != KindFormatConversion {
		return false
	}

	n.Format = conv.Format
	n.AddOperationIDs(conv.operationIDs...)
	g.CollapseEdge(n.Output(0))
	return true
}
