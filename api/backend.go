// Package api substitutes the subgraphs of a framework graph that the NPU
// can run with pre-compiled layers.
package api

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/npuc/compiler"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

// NetworkCompiler turns a network into what runs it on the NPU.
type NetworkCompiler interface {
	Compile(net *network.Network) (*compiler.CompiledNetwork, error)
	Estimate(net *network.Network) (estimate.Report, error)
}

// Backend offers subgraphs to the compiler.
type Backend struct {
	caps        config.HardwareCapabilities
	opts        config.CompilationOptions
	mapping     network.Mapping
	compiler    NetworkCompiler
	cache       *compiler.Cache
	metrics     *compiler.Metrics
	parallelism int
}

// OptimizeSubgraphViews compiles every subgraph independently. A subgraph
// that fails to compile is reported failed without affecting the others.
// The returned views keep the order of subgraphs. An error is returned
// only when ctx is done before every subgraph is handled.
func (b *Backend) OptimizeSubgraphViews(ctx context.Context, subgraphs []SubgraphView) (OptimizationViews, error) {
	layers := make([]*PreCompiledLayer, len(subgraphs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)

	for i, s := range subgraphs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			layers[i] = b.compileSubgraph(s)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return OptimizationViews{}, err
	}

	var views OptimizationViews
	for i, s := range subgraphs {
		if layers[i] == nil {
			b.metrics.ObserveFailedSubgraph()
			views.Failed = append(views.Failed, s)
			continue
		}

		views.Substitutions = append(views.Substitutions, Substitution{
			Original: s,
			Replacement: Replacement{
				Layers:         []PreCompiledLayer{*layers[i]},
				NumInputSlots:  s.NumInputSlots(),
				NumOutputSlots: s.NumOutputSlots(),
			},
		})
	}
	return views, nil
}

// OptimizeSubgraphView handles a single subgraph.
func (b *Backend) OptimizeSubgraphView(ctx context.Context, s SubgraphView) (OptimizationViews, error) {
	return b.OptimizeSubgraphViews(ctx, []SubgraphView{s})
}

// compileSubgraph returns nil when the subgraph cannot run on the NPU. A
// panicking compiler fails the subgraph, not the whole graph.
func (b *Backend) compileSubgraph(s SubgraphView) (layer *PreCompiledLayer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subgraph compiler panicked", "subgraph", s.Name, "panic", r)
			layer = nil
		}
	}()

	build := network.BuildOptions{Estimation: b.opts.EstimationMode()}
	if b.opts.EstimationMode() {
		build.Mapping = b.mapping
	}

	net, err := s.Network.Build(build)
	if err != nil {
		slog.Warn("Subgraph not supported", "subgraph", s.Name, "error", err)
		return nil
	}

	layer = &PreCompiledLayer{
		Name:       "pre-compiled",
		NumInputs:  s.NumInputSlots(),
		NumOutputs: s.NumOutputSlots(),
	}

	if b.opts.EstimationMode() {
		report, err := b.compiler.Estimate(net)
		if err != nil {
			slog.Warn("Subgraph estimate failed", "subgraph", s.Name, "error", err)
			return nil
		}
		layer.Estimate = &report
		return layer
	}

	compiled, err := b.compile(s, net)
	if err != nil {
		slog.Warn("Subgraph compilation failed", "subgraph", s.Name, "error", err)
		return nil
	}
	layer.Compiled = compiled

	util.Trace("Subgraph substituted", "subgraph", s.Name,
		"operations", len(compiled.OperationIDs), "sections", len(compiled.Sections))
	return layer
}

func (b *Backend) compile(s SubgraphView, net *network.Network) (*compiler.CompiledNetwork, error) {
	compile := func() (*compiler.CompiledNetwork, error) {
		return b.compiler.Compile(net)
	}
	if b.cache == nil {
		return compile()
	}

	key, err := compiler.Key(b.caps.Variant(), b.opts, s.Network)
	if err != nil {
		return nil, err
	}
	return b.cache.Compile(key, compile)
}
