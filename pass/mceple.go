package pass

import (
	"slices"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/strategy"
	"github.com/sarchlab/npuc/util"
)

// McePle is a pass built around one MCE operation. The MCE may be preceded
// by format conversions and followed by post processing, one fused PLE
// kernel, requantizes and format conversions.
type McePle struct {
	base

	PreConversions  []*graph.Node
	Mce             *graph.Node
	PostProcesses   []*graph.Node
	Ple             *graph.Node
	PostConversions []*graph.Node

	TensorConfig strategy.TensorConfig
	Algorithm    graph.Algorithm
}

func (p *McePle) Kind() Kind { return KindMcePle }

// PleOperation is the kernel the PLE runs, passthrough when no PLE node
// was fused.
func (p *McePle) PleOperation() cmdstream.PleOperation {
	if p.Ple == nil {
		return cmdstream.PlePassthrough
	}
	return p.Ple.Ple.Operation
}

// ConvAlgorithm picks the algorithm needing fewer multiplications for a
// w x h kernel. Winograd is only chosen when it needs strictly fewer.
func ConvAlgorithm(caps config.HardwareCapabilities, w, h uint32) graph.Algorithm {
	wide := caps.WideKernelSize()

	var direct, winograd uint32
	if w == 1 || h == 1 {
		direct = w * h * caps.OutputSizePerWinograd2D() * caps.OutputSizePerWinograd1D()
		winograd = caps.MacsPerWinograd1D() * util.DivRoundUp(w*h, wide)
	} else {
		direct = w * h * caps.OutputSizePerWinograd2D() * caps.OutputSizePerWinograd2D()
		winograd = caps.MacsPerWinograd2D() * util.DivRoundUp(w, wide) * util.DivRoundUp(h, wide)
	}

	if winograd < direct {
		return graph.AlgorithmWinograd
	}
	return graph.AlgorithmDirect
}

func isMaxPool3x3(op cmdstream.PleOperation) bool {
	return op == cmdstream.PleMaxPool3x3_2_2Even || op == cmdstream.PleMaxPool3x3_2_2Odd
}

// FilterBlockConfigs keeps the block configs the MCE and fused PLE support.
// For Winograd the configs are also bounded by the accumulators and sorted
// best first.
func FilterBlockConfigs(
	mce *graph.Node,
	ple *graph.Node,
	allowed []config.BlockConfig,
	caps config.HardwareCapabilities,
	outputShape util.TensorShape,
	algorithm graph.Algorithm,
) []config.BlockConfig {
	weights := mce.Mce.Weights.Dimensions
	res := slices.Clone(allowed)

	if algorithm == graph.AlgorithmWinograd {
		maxArea := caps.TotalAccumulatorsPerEngine() / 2
		if weights[0] > 1 && weights[1] > 1 {
			maxArea = caps.TotalAccumulatorsPerEngine() / 4
		}
		res = slices.DeleteFunc(res, func(bc config.BlockConfig) bool { return bc.Area() > maxArea })
		res = strategy.SortBlockConfigs(res, outputShape, weights)
	}

	keepOnly := func(sizes ...config.BlockConfig) {
		res = slices.DeleteFunc(res, func(bc config.BlockConfig) bool {
			return !slices.Contains(sizes, bc)
		})
	}

	if mce.Mce.Operation == cmdstream.MceFullyConnected {
		keepOnly(config.BlockConfig{Width: 8, Height: 8})
	}

	if ple != nil {
		switch op := ple.Ple.Operation; {
		case op == cmdstream.PleInterleave2x2_2_2:
			keepOnly(config.BlockConfig{Width: 16, Height: 16})
		case op == cmdstream.PleMaxPool2x2_2_2:
			keepOnly(
				config.BlockConfig{Width: 16, Height: 16},
				config.BlockConfig{Width: 32, Height: 8},
				config.BlockConfig{Width: 8, Height: 8})
		case op == cmdstream.PleMeanXY7x7 || op == cmdstream.PleMeanXY8x8:
			keepOnly(config.BlockConfig{Width: 8, Height: 8})
		case isMaxPool3x3(op):
			keepOnly(
				config.BlockConfig{Width: 32, Height: 8},
				config.BlockConfig{Width: 8, Height: 8})
		}
	}

	return res
}

// validStrategies narrows the allowed strategies to those the operation
// supports.
func validStrategies(mce, ple *graph.Node, allowed []strategy.Strategy) []strategy.Strategy {
	if mce.Mce.Operation == cmdstream.MceFullyConnected {
		return []strategy.Strategy{strategy.StrategyFC{}}
	}

	res := slices.Clone(allowed)
	if ple != nil && isMaxPool3x3(ple.Ple.Operation) {
		// The kernel traverses blocks in XYZ order, so the width cannot be
		// split.
		res = slices.DeleteFunc(res, func(s strategy.Strategy) bool {
			return s.ID() == config.Strategy4 || s.ID() == config.Strategy6
		})
	}
	return res
}

// sizingWeightsShape is the weights shape strategies reserve SRAM for.
// Winograd and wide kernels round every dimension other than 1 up to a
// multiple of 3.
func sizingWeightsShape(weights util.TensorShape, algorithm graph.Algorithm) util.TensorShape {
	if algorithm == graph.AlgorithmWinograd || weights[0] > 7 || weights[1] > 7 {
		for i := 0; i < 2; i++ {
			if weights[i] != 1 {
				weights[i] = util.RoundUp(weights[i], 3)
			}
		}
	}
	return weights
}

type linearNodes struct {
	nodes []*graph.Node
	mce   *graph.Node
	ple   *graph.Node

	selected       bool
	algorithm      graph.Algorithm
	tensorConfig   strategy.TensorConfig
	alloc          sram.Allocator
	outputLocation graph.BufferLocation
	requiredFormat graph.Format
	blockConfigs   []config.BlockConfig
}

// evaluate sets up a strategy for the nodes gathered so far and returns the
// output format later conversions must keep.
func (ln *linearNodes) evaluate(
	opts Options,
	nodes []*graph.Node,
	mce, ple *graph.Node,
	alloc sram.Allocator,
) graph.Format {
	caps := opts.Caps
	first, last := nodes[0], nodes[len(nodes)-1]
	attrs := mce.Mce

	algorithm := graph.AlgorithmDirect
	if attrs.AlgorithmHint == graph.AllowWinograd && opts.EnableWinograd &&
		attrs.Operation == cmdstream.MceConvolution &&
		attrs.Stride == (network.Stride{X: 1, Y: 1}) &&
		attrs.Upsample.Type == cmdstream.UpsampleOff {
		algorithm = ConvAlgorithm(caps, attrs.Weights.Dimensions[1], attrs.Weights.Dimensions[0])
	}

	depthMax := uint32(strategy.NoDepthMax)
	pleMultiplier := util.IdentityShapeMultiplier
	if ple != nil {
		pleMultiplier = ple.Ple.ShapeMultiplier
		if isMaxPool3x3(ple.Ple.Operation) {
			// The kernel buffers data from the neighbouring stripe.
			depthMax = caps.NumberOfOfm()
			if attrs.Operation == cmdstream.MceDepthwiseConvolution {
				depthMax = caps.NumberOfSrams()
			}
		}
	}

	cmdAlgorithm := cmdstream.AlgorithmDirect
	if algorithm == graph.AlgorithmWinograd {
		cmdAlgorithm = cmdstream.AlgorithmWinograd
	}

	params := strategy.Params{
		Caps:               caps,
		Operation:          attrs.Operation,
		Upsample:           attrs.Upsample.Type,
		Algorithm:          cmdAlgorithm,
		InputShape:         mce.InputShape(0),
		MceOutputShape:     mce.Shape,
		OutputShape:        last.Shape,
		Hwim:               attrs.Weights.DataFormat == network.FormatHWIM,
		WeightsShape:       sizingWeightsShape(attrs.Weights.Dimensions, algorithm),
		MceShapeMultiplier: mce.ShapeMultiplier(),
		PleShapeMultiplier: pleMultiplier,
		InputStatic:        first.InputLocation(0) == graph.LocationSram,
		InputOffset:        first.InputSramOffset(0),
		DepthMax:           depthMax,
		PadTop:             attrs.PadTop,
		PadLeft:            attrs.PadLeft,
	}

	strategies := validStrategies(mce, ple, opts.Strategies)
	blockConfigs := FilterBlockConfigs(mce, ple, opts.BlockConfigs, caps, last.Shape, algorithm)

	trial := alloc
	tc, selected := strategy.ChooseAndSetup(strategies, &trial, params, blockConfigs)
	if strategy.IsStrategyXCandidate(params, tc.Strategy, strategies) {
		// The wide search starts again from the incoming allocation and
		// the catalogue result stands if it finds nothing.
		xTc, xAlloc := tc, alloc
		if strategy.TryStrategyX(&xTc, &xAlloc, params, blockConfigs) {
			tc, trial, selected = xTc, xAlloc, true
		}
	}

	util.Trace("McePle attempt",
		"first", first.String(), "last", last.String(),
		"algorithm", algorithm.String(), "selected", selected)
	if !selected {
		if !ln.selected {
			ln.mce, ln.ple, ln.algorithm = mce, ple, algorithm
			ln.blockConfigs = blockConfigs
		}
		return graph.FormatNone
	}

	required := graph.FormatNone
	outStripe := tc.Output.StripeShape
	switch {
	case attrs.Operation == cmdstream.MceFullyConnected:
		// Fully connected results are only written as NHWC.
		required = graph.FormatNHWC
	case outStripe.Channels() < last.Shape.Channels() || outStripe.Width() < last.Shape.Width():
		// Output stripes that are not contiguous in DRAM can only be
		// written as NHWCB.
		required = graph.FormatNHWCB
	}

	ln.outputLocation = graph.LocationDram
	if tc.Strategy == config.Strategy3 && last.Format == graph.FormatNHWCB &&
		last.LocationHint != graph.RequireDram {
		required = graph.FormatNHWCB
		ln.outputLocation = graph.LocationSram
	}
	ln.requiredFormat = required

	ln.nodes = slices.Clone(nodes)
	ln.mce, ln.ple = mce, ple
	ln.selected = true
	ln.algorithm = algorithm
	ln.tensorConfig = tc
	ln.alloc = trial
	ln.blockConfigs = blockConfigs
	return required
}

// findLinearNodes gathers the longest chain of nodes starting at first
// that can form one MCE pass. Every extension is evaluated from scratch,
// and the last set a strategy was found for is kept.
func findLinearNodes(opts Options, first *graph.Node, alloc sram.Allocator) linearNodes {
	var (
		ln              linearNodes
		nodes           []*graph.Node
		mce, ple        *graph.Node
		postConversions bool
		requantizes     bool
		required        graph.Format
	)

	for current := first; current != nil; current = nextLinear(current) {
		kind := current.Kind()

		switch {
		case mce == nil && kind == graph.KindFormatConversion:
		case mce == nil && kind == graph.KindMce:
			mce = current
		case mce != nil && ple == nil && !postConversions && !requantizes &&
			kind == graph.KindMcePostProcess:
		case mce != nil && ple == nil && !postConversions && kind == graph.KindFuseOnlyPle:
			ple = current
		case mce != nil && kind == graph.KindRequantize:
			// The requantize is applied by the MCE, so it can only follow
			// PLE kernels that do not depend on the quantization.
			if ple != nil && !ple.Ple.Operation.IsAgnosticToRequantisation() {
				return ln
			}
			requantizes = true
		case mce != nil && kind == graph.KindFormatConversion:
			if required != graph.FormatNone && current.Format != required {
				return ln
			}
			postConversions = true
		default:
			return ln
		}
		nodes = append(nodes, current)

		if mce != nil {
			required = ln.evaluate(opts, nodes, mce, ple, alloc)
		}
	}

	return ln
}

// CreateMcePle forms the largest MCE pass starting at first. When no pass
// can be formed it leaves at most one fix request on the graph and returns
// nil. On success alloc keeps the output tile of the pass if the output
// stays in SRAM.
func CreateMcePle(opts Options, index int, first *graph.Node, alloc *sram.Allocator) *McePle {
	ln := findLinearNodes(opts, first, *alloc)
	if ln.mce == nil {
		return nil
	}

	if ln.selected {
		last := ln.nodes[len(ln.nodes)-1]
		if ln.requiredFormat != graph.FormatNone && last.Format != ln.requiredFormat {
			last.Fix.ConvertOutputTo = ln.requiredFormat
			util.Trace("McePle hint", "node", last.String(), "convert_to", ln.requiredFormat.String())
			return nil
		}
	}

	if (len(ln.blockConfigs) == 0 || !ln.selected) && ln.algorithm == graph.AlgorithmWinograd {
		ln.mce.Fix.Algorithm = graph.RequireDirect
		util.Trace("McePle hint", "node", ln.mce.String(), "algorithm", "direct")
		return nil
	}

	if !ln.selected {
		if ln.ple != nil && isMaxPool3x3(ln.ple.Ple.Operation) {
			src := ln.ple.InputSource(0)
			if src.Kind() == graph.KindMce && src.Mce.Operation != cmdstream.MceDepthwiseConvolution {
				// A deep convolution splits the input in width, which the
				// kernel does not support. An identity depthwise in front
				// of the kernel does not.
				ln.ple.Fix.InsertIdentity = true
				util.Trace("McePle hint", "node", ln.ple.String(), "insert_identity", true)
				return nil
			}
		}

		requestDramForSramDependency(ln.mce)
		util.Trace("McePle no strategy", "node", ln.mce.String())
		return nil
	}

	front, last := ln.nodes[0], ln.nodes[len(ln.nodes)-1]
	tc := ln.tensorConfig
	nchw := front.InputFormat(0) == graph.FormatNCHW || last.Format == graph.FormatNCHW
	if nchw && (!opts.Caps.IsNchwSupported() || tc.Strategy != config.Strategy3) {
		return nil
	}

	inShape := front.InputShape(0)
	inStripe := tc.Input.StripeShape
	if front.InputFormat(0) == graph.FormatNHWC &&
		(inStripe.Channels() < inShape.Channels() ||
			(inStripe.Height() < inShape.Height() && inStripe.Width() < inShape.Width())) {
		// NHWC input can neither be loaded with boundary stripes nor
		// split in depth.
		front.InputSource(0).Fix.ConvertOutputTo = graph.FormatNHWCB
		util.Trace("McePle hint", "node", front.InputSource(0).String(), "convert_to", "NHWCB")
		return nil
	}

	if front.InputCompressed(0) &&
		!IsCompressionCompatible(front.InputSource(0).CompressedFormat, inShape, inStripe, tc.Strategy) {
		front.InputSource(0).Fix.Compression = graph.RequiredUncompressed
		util.Trace("McePle hint", "node", front.InputSource(0).String(), "compression", "none")
		return nil
	}

	compressed := intermediateCompressedFormat(opts, &ln)

	*alloc = ln.alloc
	alloc.Free(tc.Weights.Offset)
	alloc.Free(tc.Ple.Offset)
	if first.InputLocation(0) != graph.LocationSram {
		alloc.Free(tc.Input.Offset)
	}
	if ln.outputLocation == graph.LocationDram {
		alloc.Free(tc.Output.Offset)
	}

	p := &McePle{
		base:         base{index: index, nodes: ln.nodes},
		TensorConfig: tc,
		Algorithm:    ln.algorithm,
	}
	for _, n := range ln.nodes {
		switch n.Kind() {
		case graph.KindFormatConversion:
			if p.Mce == nil {
				p.PreConversions = append(p.PreConversions, n)
			} else {
				p.PostConversions = append(p.PostConversions, n)
			}
		case graph.KindMce:
			p.Mce = n
		case graph.KindMcePostProcess, graph.KindRequantize:
			p.PostProcesses = append(p.PostProcesses, n)
		case graph.KindFuseOnlyPle:
			p.Ple = n
		}
	}
	p.assign(p)

	last.SramOffset = tc.Output.Offset
	last.Location = ln.outputLocation
	last.CompressedFormat = compressed
	p.Mce.Mce.Algorithm = ln.algorithm

	util.Trace("McePle pass created",
		"index", index,
		"nodes", len(ln.nodes),
		"strategy", tc.Strategy,
		"location", ln.outputLocation.String(),
		"compression", compressed.String())
	return p
}

// IsCompressionCompatible reports whether a tensor of the given shape
// stored with stripes of stripeShape can use the compressed format.
func IsCompressionCompatible(
	format graph.CompressedFormat,
	shape, stripeShape util.TensorShape,
	id config.StrategyID,
) bool {
	fcafStrategy := id != config.Strategy7 && id != config.StrategyFC

	switch format {
	case graph.CompressionNHWCB:
		return stripeShape.Width() >= shape.Width() && stripeShape.Channels() >= shape.Channels()
	case graph.CompressionFCAFDeep:
		return fcafStrategy && strategy.IsCompressionCompatible(cmdstream.DataFormatFCAFDeep, stripeShape)
	case graph.CompressionFCAFWide:
		return fcafStrategy && strategy.IsCompressionCompatible(cmdstream.DataFormatFCAFWide, stripeShape)
	}
	return false
}

func intermediateCompressedFormat(opts Options, ln *linearNodes) graph.CompressedFormat {
	last := ln.nodes[len(ln.nodes)-1]
	if last.CompressionHint == graph.RequiredUncompressed ||
		last.Format != graph.FormatNHWCB ||
		ln.outputLocation != graph.LocationDram ||
		!opts.EnableIntermediateCompression {
		return graph.CompressionNone
	}

	stripe := ln.tensorConfig.Output.StripeShape
	candidates := []graph.CompressedFormat{graph.CompressionFCAFDeep, graph.CompressionFCAFWide}
	if opts.Caps.ActivationCompressionVersion() == 0 {
		candidates = []graph.CompressedFormat{graph.CompressionNHWCB}
	}
	for _, f := range candidates {
		if IsCompressionCompatible(f, last.Shape, stripe, ln.tensorConfig.Strategy) {
			return f
		}
	}
	return graph.CompressionNone
}
