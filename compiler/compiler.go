// Package compiler drives the compilation of a network: it converts the
// network into a graph, prepares the graph by forming passes and fixing
// the graph until every node is part of a pass, and finally generates the
// command stream or estimates the performance.
package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

// ErrNotSupported is returned when the graph cannot be prepared, because
// some of its operations cannot be placed in any pass.
var ErrNotSupported = errors.New("not supported")

// Section is a group of passes the firmware schedules together.
type Section struct {
	ID     string
	Type   cmdstream.SectionType
	Passes []int
}

// Compiler compiles networks for one hardware variant.
type Compiler struct {
	caps    config.HardwareCapabilities
	opts    config.CompilationOptions
	encoder codegen.WeightEncoder
	metrics *Metrics
}

// Builder builds compilers.
type Builder struct {
	caps    config.HardwareCapabilities
	opts    config.CompilationOptions
	encoder codegen.WeightEncoder
	metrics *Metrics
}

// WithCapabilities sets the hardware the compiler targets.
func (b Builder) WithCapabilities(caps config.HardwareCapabilities) Builder {
	b.caps = caps
	return b
}

// WithOptions sets the compilation options.
func (b Builder) WithOptions(opts config.CompilationOptions) Builder {
	b.opts = opts
	return b
}

// WithEncoder replaces the weight encoder.
func (b Builder) WithEncoder(encoder codegen.WeightEncoder) Builder {
	b.encoder = encoder
	return b
}

// WithMetrics makes the compiler record what it does.
func (b Builder) WithMetrics(m *Metrics) Builder {
	b.metrics = m
	return b
}

// Build validates the options and creates the compiler.
func (b Builder) Build() (*Compiler, error) {
	if err := b.opts.Validate(b.caps); err != nil {
		return nil, fmt.Errorf("invalid compilation options: %w", err)
	}

	c := &Compiler{
		caps:    b.caps,
		opts:    b.opts,
		encoder: b.encoder,
		metrics: b.metrics,
	}
	if c.encoder == nil {
		c.encoder = codegen.NewEncoder(b.caps)
	}
	return c, nil
}

// Convert builds the graph of a network.
func (c *Compiler) Convert(net *network.Network) (*graph.Graph, error) {
	g, err := graph.FromNetwork(net, graph.ConvertOptions{Caps: c.caps, Estimation: c.opts.Estimation})
	if err != nil {
		return nil, err
	}
	c.dumpGraph(g, "GraphInitial.dot")
	return g, nil
}

// Prepare repeatedly forms passes on g. After every failed attempt the
// nodes are asked to fix the graph, mildest changes first. It returns the
// passes of the first attempt that leaves every node prepared.
func (c *Compiler) Prepare(g *graph.Graph) ([]pass.Pass, error) {
	passOpts := pass.OptionsFrom(c.caps, c.opts)
	maxIterations := 10 * len(g.Nodes())

	for iteration := 0; ; {
		c.dumpGraph(g, fmt.Sprintf("GraphPrepareIteration%d_Pre.dot", iteration))

		g.Optimize()
		passes := c.createPasses(passOpts, g)

		c.dumpGraph(g, fmt.Sprintf("GraphPrepareIteration%d_Post.dot", iteration))

		if isPrepared(g) {
			c.metrics.observePrepared(iteration, len(passes))
			util.Trace("Graph prepared", "iterations", iteration, "passes", len(passes))
			return passes, nil
		}

		iteration++

		nodes := g.SortedNodes()
		changed := false
		for _, severity := range graph.Severities {
			for _, n := range nodes {
				if n.FixGraph(g, severity) {
					changed = true
				}
			}
			if changed {
				c.metrics.observeFix(severity)
				util.Trace("Graph fixed", "iteration", iteration, "severity", severity)
				break
			}
		}

		if !changed || iteration > maxIterations {
			return nil, fmt.Errorf(
				"Unable to prepare graph after %d iterations."+
					"The operation(s) with the following ids have failed to compile: %s: %w",
				iteration, joinIDs(failedOperationIDs(nodes)), ErrNotSupported)
		}

		for _, n := range g.Nodes() {
			n.Reset()
		}
	}
}

func (c *Compiler) createPasses(opts pass.Options, g *graph.Graph) []pass.Pass {
	var passes []pass.Pass
	alloc := sram.NewAllocator(c.caps.TotalSramSize() / c.caps.NumberOfSrams())

	for _, n := range g.SortedNodes() {
		if n.Pass() != nil {
			continue
		}
		if p := pass.Create(opts, len(passes), n, &alloc); p != nil {
			passes = append(passes, p)
		}
		n.PrepareAfterPassAssignment(&alloc)
	}
	return passes
}

func isPrepared(g *graph.Graph) bool {
	for _, n := range g.Nodes() {
		if !n.IsPrepared() {
			return false
		}
	}
	return true
}

func failedOperationIDs(nodes []*graph.Node) []uint32 {
	var ids []uint32
	for _, n := range nodes {
		if !n.IsPrepared() {
			ids = append(ids, n.OperationIDs()...)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func joinIDs(ids []uint32) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = fmt.Sprint(id)
	}
	return strings.Join(s, " ")
}

// Sections puts every pass in a section of its own. A pass whose first
// node has more than one input makes a multiple-input section.
func Sections(passes []pass.Pass) []Section {
	sections := make([]Section, 0, len(passes))
	for _, p := range passes {
		t := cmdstream.SectionSISO
		if len(p.Nodes()[0].Inputs()) > 1 {
			t = cmdstream.SectionMISO
		}
		sections = append(sections, Section{
			ID:     fmt.Sprint(len(sections)),
			Type:   t,
			Passes: []int{p.Index()},
		})
	}
	return sections
}

// Compile compiles net into a command stream and the buffers it uses.
func (c *Compiler) Compile(net *network.Network) (*CompiledNetwork, error) {
	start := time.Now()

	compiled, err := c.compile(net)
	c.metrics.observeCompile(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

func (c *Compiler) compile(net *network.Network) (*CompiledNetwork, error) {
	g, err := c.Convert(net)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	passes, err := c.Prepare(g)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	sections := Sections(passes)

	buffers := codegen.NewBuffers()
	gen := codegen.NewGenerator(c.caps, c.opts, buffers, c.encoder)
	if err := c.generate(g, passes, sections, gen, buffers); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	stream := gen.Stream().Bytes()
	buffers.AddCommandStream(stream)
	buffers.Allocate()

	ids := make([]uint32, 0, len(net.Operations()))
	for _, op := range net.Operations() {
		ids = append(ids, op.ID)
	}

	compiled := newCompiledNetwork(buffers, sections, ids)
	if c.opts.EnableCascading {
		if compiled.PassCycles, err = c.replayCascades(passes, gen); err != nil {
			return nil, fmt.Errorf("compile: %w", err)
		}
	}

	util.Trace("Network compiled",
		"passes", len(passes),
		"commands", gen.Stream().NumCommands(),
		"bytes", len(stream))

	return compiled, nil
}

// generate emits the commands of every pass in the order of its first
// node.
func (c *Compiler) generate(
	g *graph.Graph,
	passes []pass.Pass,
	sections []Section,
	gen *codegen.Generator,
	buffers *codegen.Buffers,
) error {
	byIndex := make(map[int]pass.Pass, len(passes))
	for _, p := range passes {
		byIndex[p.Index()] = p
	}
	sectionOf := map[int]Section{}
	for _, s := range sections {
		for _, idx := range s.Passes {
			sectionOf[idx] = s
		}
	}

	if c.opts.InitialSramDump {
		gen.DumpSram("initial_ce")
	}

	generated := map[int]bool{}
	for _, n := range g.SortedNodes() {
		switch n.Kind() {
		case graph.KindInput:
			size := codegen.BufferSize(c.caps, n.Shape, n.BufferFormat())
			n.BufferID = buffers.AddDramInput(size, n.OperationIDs()[0])

		case graph.KindOutput:
			src := n.InputSource(0)
			if err := buffers.ChangeToOutput(src.BufferID, n.SourceOperationID,
				uint32(n.SourceOperationIndex)); err != nil {
				return fmt.Errorf("output of operation %d: %w", n.SourceOperationID, err)
			}

		default:
			gp := n.Pass()
			if gp == nil || generated[gp.Index()] {
				continue
			}
			generated[gp.Index()] = true

			if c.opts.EnableCascading {
				gen.AddSection(sectionOf[gp.Index()].Type)
			}
			if err := gen.Generate(byIndex[gp.Index()]); err != nil {
				return err
			}
		}
	}

	c.markLifetimes(g, gen, buffers)
	c.dumpGraph(g, "GraphFinal.dot")
	return nil
}

// markLifetimes records, for every intermediate DRAM buffer, the commands
// from its producer to its last consumer so that buffers whose lifetimes
// do not overlap can share memory.
func (c *Compiler) markLifetimes(g *graph.Graph, gen *codegen.Generator, buffers *codegen.Buffers) {
	end := uint32(gen.Stream().NumCommands())

	for _, n := range g.Nodes() {
		if n.Location != graph.LocationDram || n.Pass() == nil {
			continue
		}
		info, ok := buffers.Buffer(n.BufferID)
		if !ok || info.Type != codegen.BufferIntermediate {
			continue
		}
		producer, ok := gen.Span(n.Pass().Index())
		if !ok {
			continue
		}

		last := uint32(producer.End)
		for _, e := range n.Outputs() {
			consumer := e.Destination.Pass()
			if consumer == nil {
				last = end
				continue
			}
			if span, ok := gen.Span(consumer.Index()); ok {
				last = max(last, uint32(span.End))
			}
		}
		buffers.MarkBufferUsedAtTime(n.BufferID, uint32(producer.First), last)
	}
}

// Estimate predicts the performance of net. Operations that cannot be
// prepared are reported rather than failing the estimate.
func (c *Compiler) Estimate(net *network.Network) (estimate.Report, error) {
	opts := config.EstimationOptions{}
	if c.opts.Estimation != nil {
		opts = *c.opts.Estimation
	}

	g, err := c.Convert(net)
	if err != nil {
		return estimate.Report{}, fmt.Errorf("estimate: %w", err)
	}

	passes, err := c.Prepare(g)
	if err != nil && !errors.Is(err, ErrNotSupported) {
		return estimate.Report{}, fmt.Errorf("estimate: %w", err)
	}
	if err != nil {
		passes = c.partialPasses(g)
		util.Trace("Estimating unprepared graph", "error", err.Error())
	}

	for _, n := range g.SortedNodes() {
		if !n.IsPrepared() && n.Kind() != graph.KindEstimateOnly {
			util.Trace("Failed to prepare operation", "ids", joinIDs(n.OperationIDs()))
		}
	}

	data, err := estimate.NewEstimator(c.caps, opts, c.encoder).Estimate(g, passes)
	if err != nil {
		return estimate.Report{}, fmt.Errorf("estimate: %w", err)
	}
	c.dumpGraph(g, "GraphFinal.dot")

	return estimate.NewReport(c.caps, opts, net, data), nil
}

// partialPasses collects the passes of the last attempt of a failed
// preparation, which are still attached to their nodes.
func (c *Compiler) partialPasses(g *graph.Graph) []pass.Pass {
	var passes []pass.Pass
	seen := map[int]bool{}
	for _, n := range g.SortedNodes() {
		p, ok := n.Pass().(pass.Pass)
		if !ok || seen[p.Index()] {
			continue
		}
		seen[p.Index()] = true
		passes = append(passes, p)
	}
	return passes
}

func (c *Compiler) dumpGraph(g *graph.Graph, name string) {
	if c.opts.DebugDir == "" {
		return
	}

	f, err := os.Create(filepath.Join(c.opts.DebugDir, name))
	if err != nil {
		util.Trace("Graph dump failed", "file", name, "error", err.Error())
		return
	}
	defer f.Close()

	if err := g.WriteDot(f); err != nil {
		util.Trace("Graph dump failed", "file", name, "error", err.Error())
	}
}
