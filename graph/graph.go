package graph

import (
	"slices"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

// Graph owns its nodes and the edges between them.
type Graph struct {
	nodes  []*Node
	nextID NodeID
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{}
}

// Nodes returns the nodes in creation order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

func (g *Graph) add(kind NodeKind, t TensorParams, ids []uint32) *Node {
	n := &Node{
		id:       g.nextID,
		kind:     kind,
		Shape:    t.Shape,
		DataType: t.DataType,
		Quant:    t.Quant,
		Format:   t.Format,
	}
	g.nextID++
	n.AddOperationIDs(ids...)
	g.nodes = append(g.nodes, n)
	return n
}

// AddInput creates a node producing a network input in DRAM.
func (g *Graph) AddInput(t TensorParams, ids ...uint32) *Node {
	n := g.add(KindInput, t, ids)
	n.Reset()
	return n
}

// AddConstant creates a node holding constant data.
func (g *Graph) AddConstant(info network.TensorInfo, data []byte, ids ...uint32) *Node {
	n := g.add(KindConstant, TensorParams{
		Shape:    info.Dimensions,
		DataType: CommandDataType(info.DataType),
		Quant:    info.Quantization,
		Format:   convertFormat(info.DataFormat),
	}, ids)
	n.ConstantInfo = info
	n.ConstantData = data
	n.Reset()
	return n
}

// AddMce creates an MCE operation node.
func (g *Graph) AddMce(t TensorParams, attrs MceAttrs, ids ...uint32) *Node {
	n := g.add(KindMce, t, ids)
	if attrs.Upsample.Factor == 0 {
		attrs.Upsample.Factor = 1
	}
	if attrs.AlgorithmHint == AlgorithmHintNone {
		attrs.AlgorithmHint = AllowWinograd
	}
	n.Mce = &attrs
	n.Reset()
	return n
}

// AddMcePostProcess creates a node clamping the output of an MCE to
// [lower, upper].
func (g *Graph) AddMcePostProcess(t TensorParams, lower, upper int16, ids ...uint32) *Node {
	n := g.add(KindMcePostProcess, t, ids)
	n.Lower, n.Upper = lower, upper
	n.Reset()
	return n
}

// AddFuseOnlyPle creates a PLE kernel node that must follow an MCE.
func (g *Graph) AddFuseOnlyPle(t TensorParams, attrs PleAttrs, ids ...uint32) *Node {
	n := g.add(KindFuseOnlyPle, t, ids)
	if attrs.ShapeMultiplier == (util.ShapeMultiplier{}) {
		attrs.ShapeMultiplier = util.IdentityShapeMultiplier
	}
	n.Ple = &attrs
	n.Reset()
	return n
}

// AddStandalonePle creates a PLE kernel node that runs without an MCE.
func (g *Graph) AddStandalonePle(t TensorParams, op cmdstream.PleOperation, ids ...uint32) *Node {
	n := g.add(KindStandalonePle, t, ids)
	n.Ple = &PleAttrs{Operation: op, ShapeMultiplier: util.IdentityShapeMultiplier}
	n.Reset()
	return n
}

// AddFormatConversion creates a node converting its input to t.Format.
func (g *Graph) AddFormatConversion(t TensorParams, ids ...uint32) *Node {
	n := g.add(KindFormatConversion, t, ids)
	n.Reset()
	return n
}

// AddReinterpret creates a node viewing its input with another shape.
func (g *Graph) AddReinterpret(t TensorParams, ids ...uint32) *Node {
	n := g.add(KindReinterpret, t, ids)
	n.Reset()
	return n
}

// AddRequantize creates a node changing the quantization of its input.
func (g *Graph) AddRequantize(t TensorParams, ids ...uint32) *Node {
	n := g.add(KindRequantize, t, ids)
	n.Reset()
	return n
}

// AddOutput creates a node marking its input as output sourceIndex of
// network operation sourceID.
func (g *Graph) AddOutput(dt cmdstream.DataType, sourceID uint32, sourceIndex int) *Node {
	n := g.add(KindOutput, TensorParams{DataType: dt}, []uint32{sourceID})
	n.SourceOperationID = sourceID
	n.SourceOperationIndex = sourceIndex
	n.Reset()
	return n
}

// AddEstimateOnly creates a node standing for an operation that can only
// be estimated.
func (g *Graph) AddEstimateOnly(t TensorParams, reason string, ids ...uint32) *Node {
	n := g.add(KindEstimateOnly, t, ids)
	n.Reason = reason
	n.Reset()
	return n
}

// Connect adds an edge from source to destination. The edge becomes input
// index of destination, or its last input when index is negative.
func (g *Graph) Connect(source, destination *Node, index int) {
	e := &Edge{Source: source, Destination: destination}
	source.outputs = append(source.outputs, e)
	if index < 0 {
		destination.inputs = append(destination.inputs, e)
		return
	}
	destination.inputs = slices.Insert(destination.inputs, index, e)
}

// RemoveEdge disconnects an edge and returns the input index it had at its
// destination.
func (g *Graph) RemoveEdge(e *Edge) int {
	src := e.Source
	src.outputs = slices.DeleteFunc(src.outputs, func(o *Edge) bool { return o == e })

	dst := e.Destination
	idx := slices.Index(dst.inputs, e)
	if idx < 0 {
		panic("edge is not an input of its destination")
	}
	dst.inputs = slices.Delete(dst.inputs, idx, idx+1)
	return idx
}

// RemoveNode removes a node and all its edges.
func (g *Graph) RemoveNode(n *Node) {
	for _, e := range slices.Clone(n.inputs) {
		g.RemoveEdge(e)
	}
	for _, e := range slices.Clone(n.outputs) {
		g.RemoveEdge(e)
	}
	g.nodes = slices.DeleteFunc(g.nodes, func(o *Node) bool { return o == n })
}

// SplitEdge inserts n between the source and the destination of e.
func (g *Graph) SplitEdge(e *Edge, n *Node) {
	first, last := e.Source, e.Destination
	idx := g.RemoveEdge(e)
	g.Connect(first, n, -1)
	g.Connect(n, last, idx)
}

// CollapseEdge removes the destination of e, connecting its consumers to
// the source of e.
func (g *Graph) CollapseEdge(e *Edge) {
	source, dest := e.Source, e.Destination

	type consumer struct {
		node  *Node
		index int
	}
	var consumers []consumer
	for _, o := range dest.outputs {
		consumers = append(consumers, consumer{o.Destination, slices.Index(o.Destination.inputs, o)})
	}

	g.RemoveNode(dest)
	for _, c := range consumers {
		g.Connect(source, c.node, c.index)
	}
}

// CollapseNode removes n, connecting all of its inputs to each of its
// consumers in place of n.
func (g *Graph) CollapseNode(n *Node) {
	for _, out := range slices.Clone(n.outputs) {
		consumer := out.Destination
		idx := slices.Index(consumer.inputs, out)
		for _, in := range n.inputs {
			g.Connect(in.Source, consumer, idx)
			idx++
		}
		g.RemoveEdge(out)
	}

	g.RemoveNode(n)
}

// InsertNodeAfter moves the consumers of position to n and makes n the
// only consumer of position.
func (g *Graph) InsertNodeAfter(position, n *Node) {
	for _, e := range slices.Clone(position.outputs) {
		dest := e.Destination
		idx := g.RemoveEdge(e)
		g.Connect(n, dest, idx)
	}
	g.Connect(position, n, -1)
}

// SortedNodes returns the nodes in topological order. Nodes are visited
// depth first from the sinks, inputs in order.
func (g *Graph) SortedNodes() []*Node {
	var (
		sorted  []*Node
		visited = map[*Node]bool{}
		visit   func(n *Node)
	)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, e := range n.inputs {
			visit(e.Source)
		}
		sorted = append(sorted, n)
	}

	for _, n := range g.nodes {
		if len(n.outputs) == 0 {
			visit(n)
		}
	}
	return sorted
}

// CommandDataType maps a network data type to the command-stream one.
func CommandDataType(dt network.DataType) cmdstream.DataType {
	if dt == network.DataTypeInt8Quantized {
		return cmdstream.DataTypeS8
	}
	return cmdstream.DataTypeU8
}

func convertFormat(f network.DataFormat) Format {
	switch f {
	case network.FormatNHWCB:
		return FormatNHWCB
	case network.FormatNCHW:
		return FormatNCHW
	case network.FormatHWIO, network.FormatHWIM:
		return FormatWeight
	}
	return FormatNHWC
}
