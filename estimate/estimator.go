package estimate

import (
	"fmt"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/util"
)

// Estimator predicts the statistics of the passes of a prepared graph.
type Estimator struct {
	caps    config.HardwareCapabilities
	opts    config.EstimationOptions
	encoder codegen.WeightEncoder
}

// NewEstimator creates an estimator. The encoder is used to know the size
// of the weight streams, headers included.
func NewEstimator(
	caps config.HardwareCapabilities,
	opts config.EstimationOptions,
	encoder codegen.WeightEncoder,
) *Estimator {
	return &Estimator{caps: caps, opts: opts, encoder: encoder}
}

// Estimate walks the nodes of g in order and estimates every pass once.
// Operations that could not be estimated are listed under Issues. The
// cascading estimate then rewrites the stream with Cascade.
func (e *Estimator) Estimate(g *graph.Graph, passes []pass.Pass) (NetworkPerformanceData, error) {
	data := NetworkPerformanceData{Issues: map[uint32]string{}}

	byIndex := make(map[int]pass.Pass, len(passes))
	for _, p := range passes {
		byIndex[p.Index()] = p
	}

	estimated := map[int]bool{}
	for _, n := range g.SortedNodes() {
		if n.Kind() == graph.KindEstimateOnly {
			for _, id := range n.OperationIDs() {
				data.Issues[id] = n.Reason
			}
			continue
		}

		gp := n.Pass()
		if gp == nil || estimated[gp.Index()] {
			continue
		}
		p, ok := byIndex[gp.Index()]
		if !ok {
			continue
		}
		estimated[p.Index()] = true

		perf, err := e.EstimatePass(p)
		if err != nil {
			return NetworkPerformanceData{}, err
		}
		data.Stream = append(data.Stream, perf)
	}

	if !e.opts.Current {
		data.Stream = Cascade(data.Stream, e.caps.TotalSramSize())
	}

	util.Trace("Estimate done", "passes", len(data.Stream), "issues", len(data.Issues))
	return data, nil
}

// EstimatePass builds the report entry of one pass.
func (e *Estimator) EstimatePass(p pass.Pass) (PassPerformanceData, error) {
	var (
		stats  PassStats
		metric float64
		err    error
	)

	switch p := p.(type) {
	case *pass.McePle:
		stats, err = e.mcePleStats(p)
		if err == nil && !e.opts.Current {
			metric = mcePleMetric(p, stats)
		}
	case *pass.Ple:
		stats = e.pleStats(p)
		if !e.opts.Current {
			metric = plePassMetric(p, stats)
		}
	case *pass.Conversion:
		stats = e.conversionStats(p)
		if !e.opts.Current {
			metric = Metric(stats, nil, nil)
		}
	default:
		err = fmt.Errorf("estimate %s pass %d: unknown pass", p.Kind(), p.Index())
	}
	if err != nil {
		return PassPerformanceData{}, err
	}

	return PassPerformanceData{
		OperationIDs: p.OperationIDs(),
		ParentIDs:    parentsOf(p.Nodes()[0]),
		PassStats:    stats,
		Metric:       metric,
	}, nil
}

func (e *Estimator) compressed(s InputStats, isCompressed bool) InputStats {
	if !isCompressed {
		return s
	}
	return accountForActivationCompression(s, e.opts.ActivationCompressionSaving)
}

func (e *Estimator) roundedShape(shape util.TensorShape, format cmdstream.DataFormat) util.TensorShape {
	if format == cmdstream.DataFormatNHWC {
		return shape
	}
	return util.RoundUpHeightAndWidthToBrickGroup(shape, e.caps.BrickGroupShape())
}

func (e *Estimator) mcePleStats(p *pass.McePle) (PassStats, error) {
	var stats PassStats
	tc := p.TensorConfig
	mce := p.Mce
	attrs := mce.Mce
	front, last := p.Nodes()[0], p.Nodes()[len(p.Nodes())-1]

	inShape := mce.InputShape(0)
	outShape := last.Shape
	numOutStripesC := util.DivRoundUp(outShape.Channels(), tc.Output.StripeShape.Channels())

	weights := weightsView{shape: attrs.Weights.Dimensions, hwim: attrs.Weights.DataFormat == network.FormatHWIM}
	stats.Input = e.compressed(
		inputStats(e.caps, e.roundedShape(inShape, front.InputBufferFormat(0)), tc.Input.StripeShape,
			front.InputLocation(0), tc.Input.TileSize, weights, numOutStripesC),
		front.InputCompressed(0))

	stats.Output = e.compressed(
		outputStats(e.roundedShape(outShape, last.BufferFormat()), tc.Output.StripeShape, last.Location),
		last.Compressed())

	depth, size := codegen.WeightStripeDepthAndSize(attrs, tc.Weights.StripeShape)
	encoded, err := e.encoder.Encode(mce, depth, size, codegen.OutputQuant(p))
	if err != nil {
		return PassStats{}, fmt.Errorf("estimate pass %d: %w", p.Index(), err)
	}
	stats.Weights = weightsStats(e.caps, encoded, attrs.Weights, tc.Weights.StripeShape,
		tc.Weights.TileSize, inShape, tc.Input.StripeShape)

	stats.Mce = mceStats(e.caps, attrs, inShape, mce.Shape)
	stats.Ple = pleStats(e.caps, []util.TensorShape{mce.Shape},
		e.caps.NumberOfEngines()*e.caps.NumPleLanes(), uint32(p.PleOperation()))
	return stats, nil
}

func (e *Estimator) pleStats(p *pass.Ple) PassStats {
	var stats PassStats
	op := p.Op
	last := p.Nodes()[len(p.Nodes())-1]

	var shapes []util.TensorShape
	for i := range op.Inputs() {
		shape := op.InputShape(i)
		shapes = append(shapes, shape)
		in := inputStats(e.caps, e.roundedShape(shape, op.InputBufferFormat(i)), p.Inputs[i].StripeShape,
			op.InputLocation(i), p.Inputs[i].TileSize, noWeights, 1)
		stats.Input = stats.Input.Add(e.compressed(in, op.InputCompressed(i)))
	}

	stats.Output = e.compressed(
		outputStats(e.roundedShape(last.Shape, last.BufferFormat()), p.Output.StripeShape, last.Location),
		last.Compressed())
	stats.Ple = pleStats(e.caps, shapes, e.caps.NumberOfEngines(), uint32(p.PleOperation()))
	return stats
}

func (e *Estimator) conversionStats(p *pass.Conversion) PassStats {
	var stats PassStats
	front, last := p.Nodes()[0], p.Nodes()[len(p.Nodes())-1]
	bg := e.caps.BrickGroupShape()

	inShape, outShape := front.InputShape(0), last.Shape
	roundedIn := util.RoundUpHeightAndWidthToBrickGroup(inShape, bg).NumElements()
	roundedOut := util.RoundUpHeightAndWidthToBrickGroup(outShape, bg).NumElements()

	if front.InputLocation(0) != graph.LocationSram {
		stats.Input.DramNonParallelBytes = roundedIn
		if front.InputBufferFormat(0) == cmdstream.DataFormatNHWC {
			stats.Input.DramNonParallelBytes = inShape.NumElements()
		}
		stats.Input.NumCentralStripes = countStripes(inShape, p.StripeShape).total()

		stats.Output.DramNonParallelBytes = roundedOut
		if last.BufferFormat() == cmdstream.DataFormatNHWC {
			stats.Output.DramNonParallelBytes = outShape.NumElements()
		}
		stats.Output.NumCentralStripes = countStripes(outShape, p.StripeShape).total()
	} else {
		stats.Input.SramBytes = roundedIn
		stats.Output.SramBytes = roundedOut
	}

	stats.Input = e.compressed(stats.Input, front.InputCompressed(0))
	stats.Output = e.compressed(stats.Output, last.Compressed())
	return stats
}

// mceStats counts the operations and the cycles of an MCE operation.
func mceStats(
	caps config.HardwareCapabilities,
	attrs *graph.MceAttrs,
	inShape, outShape util.TensorShape,
) MceStats {
	kh, kw := attrs.Weights.Dimensions[0], attrs.Weights.Dimensions[1]

	var cycles uint64
	if attrs.Algorithm == graph.AlgorithmWinograd {
		cycles = winogradCycles(caps, inShape, outShape, kh, kw)
	} else {
		cycles = directCycles(caps, attrs.Stride, attrs.Operation, inShape, outShape, kh, kw)
	}

	return MceStats{
		Operations: numOperations(attrs.Stride, attrs.Operation, inShape, outShape, kh, kw),
		CycleCount: uint32(cycles),
	}
}

func directCycles(
	caps config.HardwareCapabilities,
	stride network.Stride,
	op cmdstream.MceOperation,
	inShape, outShape util.TensorShape,
	kh, kw uint32,
) uint64 {
	ifmConsumed := caps.IfmPerEngine() * caps.NumberOfEngines()
	ofmProduced := caps.OfmPerEngine() * caps.NumberOfEngines()
	halfPatchH := caps.PatchShape().Height()
	halfPatchW := util.DivRoundUp(caps.PatchShape().Width(), 2)
	actualIfms := inShape.Channels() / (stride.X * stride.Y)

	numIfms, numOfms := actualIfms, outShape.Channels()
	if op == cmdstream.MceDepthwiseConvolution {
		numIfms, numOfms = ifmConsumed, actualIfms
	}

	// Output elements are processed in half patches.
	outElems := uint64(util.RoundUp(outShape.Width(), halfPatchW)) *
		uint64(util.RoundUp(outShape.Height(), halfPatchH))
	macOps := outElems * uint64(kh*kw)
	perOfm := uint64(util.RoundUp(numIfms, ifmConsumed)) * macOps /
		uint64(ifmConsumed*caps.MacUnitsPerEngine())
	return perOfm * uint64(util.DivRoundUp(numOfms, ofmProduced))
}

func winogradCycles(
	caps config.HardwareCapabilities,
	inShape, outShape util.TensorShape,
	kh, kw uint32,
) uint64 {
	ifmConsumed := caps.IfmPerEngine() * caps.NumberOfEngines()
	ofmProduced := caps.OfmPerEngine() * caps.NumberOfEngines()

	outH, outW := caps.OutputSizePerWinograd2D(), caps.OutputSizePerWinograd2D()
	if kh == 1 {
		outH = caps.OutputSizePerWinograd1D()
	}
	if kw == 1 {
		outW = caps.OutputSizePerWinograd1D()
	}
	numOutputs := uint64(util.DivRoundUp(outShape.Width(), outW)) *
		uint64(util.DivRoundUp(outShape.Height(), outH))

	wide := caps.WideKernelSize()
	var macsPerOutput uint64
	if kh == 1 || kw == 1 {
		macsPerOutput = uint64(caps.MacsPerWinograd1D() * util.DivRoundUp(kw*kh, wide))
	} else {
		macsPerOutput = uint64(caps.MacsPerWinograd2D() * util.DivRoundUp(kw, wide) * util.DivRoundUp(kh, wide))
	}

	perOfm := uint64(util.RoundUp(inShape.Channels(), ifmConsumed)) * numOutputs * macsPerOutput /
		uint64(ifmConsumed*caps.MacUnitsPerEngine())
	return perOfm * uint64(util.DivRoundUp(outShape.Channels(), ofmProduced))
}

// numOperations counts a multiply and an add per kernel element, for every
// input element of every IFM and OFM pair.
func numOperations(
	stride network.Stride,
	op cmdstream.MceOperation,
	inShape, outShape util.TensorShape,
	kh, kw uint32,
) uint64 {
	opsPerElement := 2 * uint64(kh*kw)
	actualIfms := uint64(util.DivRoundUp(inShape.Channels(), stride.X*stride.Y))
	opsPerIfm := uint64(inShape.Height()) * uint64(inShape.Width()) * opsPerElement

	numIfms, numOfms := actualIfms, uint64(outShape.Channels())
	if op == cmdstream.MceDepthwiseConvolution {
		numIfms, numOfms = 1, actualIfms
	}
	return numIfms * opsPerIfm * numOfms
}
