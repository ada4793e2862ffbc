// Package pass groups the nodes of a graph into passes. A pass is the unit
// of work the hardware runs: one MCE operation with its fused post
// processing, a standalone PLE kernel, or a format conversion.
package pass

import (
	"slices"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/strategy"
)

// Kind tells the passes apart.
type Kind int

const (
	KindMcePle Kind = iota
	KindPle
	KindConversion
)

func (k Kind) String() string {
	switch k {
	case KindMcePle:
		return "McePlePass"
	case KindPle:
		return "PlePass"
	case KindConversion:
		return "ConversionPass"
	}
	return "UnknownPass"
}

// Pass is a group of consecutive nodes run as one hardware operation.
type Pass interface {
	Index() int
	Kind() Kind
	Nodes() []*graph.Node
	OperationIDs() []uint32
}

// Options configure pass formation.
type Options struct {
	Caps         config.HardwareCapabilities
	Strategies   []strategy.Strategy
	BlockConfigs []config.BlockConfig

	EnableWinograd                bool
	EnableIntermediateCompression bool
}

// OptionsFrom derives the pass formation options from compilation options.
func OptionsFrom(caps config.HardwareCapabilities, opts config.CompilationOptions) Options {
	return Options{
		Caps:                          caps,
		Strategies:                    strategy.FromOptions(opts),
		BlockConfigs:                  opts.BlockConfigs,
		EnableWinograd:                !opts.DisableWinograd,
		EnableIntermediateCompression: opts.EnableIntermediateCompression,
	}
}

// Create forms the largest pass starting at n, trying an MCE pass first,
// then a PLE pass, then a conversion pass. It returns nil when no pass can
// start at n, possibly leaving a fix request on a node of the graph.
func Create(opts Options, index int, n *graph.Node, alloc *sram.Allocator) Pass {
	if p := CreateMcePle(opts, index, n, alloc); p != nil {
		return p
	}
	if p := CreatePle(opts.Caps, index, n, alloc); p != nil {
		return p
	}
	if p := CreateConversion(opts.Caps, index, n, alloc); p != nil {
		return p
	}
	return nil
}

type base struct {
	index int
	nodes []*graph.Node
}

func (b *base) Index() int           { return b.index }
func (b *base) Nodes() []*graph.Node { return b.nodes }
func (b *base) First() *graph.Node   { return b.nodes[0] }
func (b *base) Last() *graph.Node    { return b.nodes[len(b.nodes)-1] }

func (b *base) assign(p graph.Pass) {
	for _, n := range b.nodes {
		n.SetPass(p)
	}
}

// OperationIDs returns the network operations implemented by the pass, in
// ascending order.
func (b *base) OperationIDs() []uint32 {
	var ids []uint32
	for _, n := range b.nodes {
		for _, id := range n.OperationIDs() {
			if i, found := slices.BinarySearch(ids, id); !found {
				ids = slices.Insert(ids, i, id)
			}
		}
	}
	return ids
}

// nextLinear returns the node following n when n feeds exactly one node
// and that node has no other input.
func nextLinear(n *graph.Node) *graph.Node {
	if len(n.Outputs()) != 1 {
		return nil
	}
	next := n.Output(0).Destination
	if len(next.Inputs()) != 1 {
		return nil
	}
	return next
}

// searchDependencies returns the first node satisfying pred, searching n
// and then its inputs depth first.
func searchDependencies(n *graph.Node, pred func(*graph.Node) bool) *graph.Node {
	if pred(n) {
		return n
	}
	for i := range n.Inputs() {
		if found := searchDependencies(n.InputSource(i), pred); found != nil {
			return found
		}
	}
	return nil
}

// requestDramForSramDependency asks the nearest dependency of n held in
// SRAM to move to DRAM, freeing SRAM for the next attempt.
func requestDramForSramDependency(n *graph.Node) {
	inSram := func(d *graph.Node) bool { return d.Location == graph.LocationSram }
	if d := searchDependencies(n, inSram); d != nil {
		d.Fix.Location = graph.RequireDram
	}
}
