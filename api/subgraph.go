package api

import (
	"github.com/sarchlab/npuc/compiler"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/network"
)

// SubgraphView is a part of a framework graph offered to the backend. Its
// Input and Output layers stand for the slots connecting it to the rest of
// the graph.
type SubgraphView struct {
	Name    string
	Network network.Description
}

// NumInputSlots is the number of tensors the subgraph consumes.
func (s SubgraphView) NumInputSlots() int {
	return s.Network.NumInputs()
}

// NumOutputSlots is the number of tensors the subgraph produces.
func (s SubgraphView) NumOutputSlots() int {
	return s.Network.NumOutputs()
}

// NumLayers counts the layers that are not slots.
func (s SubgraphView) NumLayers() int {
	return len(s.Network.Layers) - s.NumInputSlots() - s.NumOutputSlots()
}

// PreCompiledLayer runs a whole subgraph on the NPU. Estimate is set
// instead of Compiled when the backend only estimates performance.
type PreCompiledLayer struct {
	Name       string
	NumInputs  int
	NumOutputs int

	Compiled *compiler.CompiledNetwork
	Estimate *estimate.Report
}

// Replacement is the subgraph put in place of a substituted one.
type Replacement struct {
	Layers         []PreCompiledLayer
	NumInputSlots  int
	NumOutputSlots int
}

// Substitution replaces Original with Replacement.
type Substitution struct {
	Original    SubgraphView
	Replacement Replacement
}

// OptimizationViews is the outcome of offering subgraphs to the backend.
// Every subgraph is either substituted as a whole or reported failed.
type OptimizationViews struct {
	Substitutions []Substitution
	Failed        []SubgraphView
}
