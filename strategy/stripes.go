package strategy

import (
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

const (
	defaultMaxInputBuffersInTile  = 3
	defaultMaxWeightBuffersInTile = 2
	maxOutputBuffersInTile        = 2
)

type offsets struct {
	ple, input, weights, output uint32
}

// fitsInSram allocates the tiles of a pass, each split evenly over the SRAM
// banks. The input and output tiles go to opposite ends of SRAM so loads and
// stores can overlap.
func fitsInSram(
	alloc *sram.Allocator,
	caps config.HardwareCapabilities,
	input, weights, output uint32,
	p Params,
) (offsets, bool) {
	res := offsets{}
	banks := caps.NumberOfSrams()

	if p.InputStatic {
		res.input = p.InputOffset
	} else {
		off, ok := alloc.Allocate(input/banks, sram.Start, "input")
		if !ok {
			return res, false
		}
		res.input = off
	}

	outputPref, weightsPref := sram.End, sram.Start
	if res.input > caps.SramSizePerBank()/2 {
		outputPref, weightsPref = sram.Start, sram.End
	}

	off, ok := alloc.Allocate(weights/banks, weightsPref, "weights")
	if !ok {
		return res, false
	}
	res.weights = off

	off, ok = alloc.Allocate(output/banks, outputPref, "outputs")
	if !ok {
		return res, false
	}
	res.output = off

	off, ok = alloc.Allocate(caps.MaxPleSize(), sram.Start, "ple")
	if !ok {
		return res, false
	}
	res.ple = off

	return res, true
}

func (tc *TensorConfig) setOffsets(o offsets) {
	tc.Ple.Offset = o.ple
	tc.Input.Offset = o.input
	tc.Weights.Offset = o.weights
	tc.Output.Offset = o.output
}

// accountForFullDimension converts an output stripe dimension to the input
// stripe dimension producing it.
func accountForFullDimension(outputDim, inputDim, outputStripeDim uint32, m util.Fraction) uint32 {
	if outputStripeDim >= outputDim {
		return inputDim
	}
	return m.Inverse().Apply(outputStripeDim)
}

// stripeResult is a candidate produced by tryStripeShapes.
type stripeResult struct {
	config TensorConfig
	alloc  sram.Allocator

	// inputDramBytes is the amount of input data loaded from DRAM.
	inputDramBytes uint64
}

// tryStripeShapes rounds a requested output stripe to what the hardware and
// firmware support, derives the input and weight stripes and tiles, and
// checks that all tiles fit in SRAM.
func tryStripeShapes(
	p Params,
	alloc sram.Allocator,
	requested util.TensorShape,
	maxWeightBuffers, maxInputBuffers uint32,
) (stripeResult, bool) {
	caps := p.Caps
	brick := caps.BrickGroupShape()
	patchWidth := caps.PatchShape().Width()
	banks := caps.NumberOfSrams()
	mult := p.MceShapeMultiplier.Mul(p.PleShapeMultiplier)

	in := p.InputShape
	out := p.OutputShape
	weights := p.WeightsShape

	outW := min(
		util.RoundUp(requested.Width(), max(brick.Width(), mult.W.Apply(brick.Width()))),
		util.RoundUp(out.Width(), brick.Width()))
	if requested.Width() == patchWidth {
		outW = patchWidth
	}

	outH := min(
		util.RoundUp(requested.Height(), max(brick.Height(), mult.H.Apply(brick.Height()))),
		util.RoundUp(out.Height(), brick.Height()))

	var outC uint32
	if util.DivRoundUp(out.Channels(), requested.Channels()) > 1 &&
		requested.Channels() > mult.C.Apply(brick.Channels()) {
		outC = util.RoundUp(requested.Channels(), mult.C.Apply(brick.Channels()))
	} else {
		outC = util.RoundUp(requested.Channels(), mult.C.Apply(banks))
	}

	inH := util.RoundUp(
		min(accountForFullDimension(out.Height(), in.Height(), outH, mult.H), in.Height()),
		brick.Height())
	inW := util.RoundUp(
		min(accountForFullDimension(out.Width(), in.Width(), outW, mult.W), in.Width()),
		brick.Width())

	boundaryHeight := uint32(0)
	if in.Height() > inH && in.Width() > inW && weights[0] > 1 {
		boundaryHeight = caps.BoundaryStripeHeight()
	}

	// The stripes must cover the kernel or a full convolution is never
	// computed.
	if in.Height() > inH {
		h := inH
		if boundaryHeight != 0 {
			h = boundaryHeight
		}
		if 2*h < weights[0]-1 {
			return stripeResult{}, false
		}
	}
	if in.Width() > inW && 2*inW < weights[1]-1 {
		return stripeResult{}, false
	}

	if util.DivRoundUp(in.Height(), inH) > 1 {
		outC = min(outC, p.DepthMax)
	}

	outputStripe := util.TensorShape{1, outH, outW, outC}
	inputStripe := util.TensorShape{1, inH, inW, util.RoundUp(in.Channels(), banks)}

	var weightStripe util.TensorShape
	if p.Hwim {
		stride := util.DivRoundUp(util.RoundUp(in.Channels(), banks), util.RoundUp(weights[2], banks))
		weightStripe = util.TensorShape{
			weights[0], weights[1], mult.C.Inverse().Apply(outC) * stride, weights[3],
		}
		if !p.InputStatic && inputStripe.Width() >= in.Width() {
			inputStripe[3] = weightStripe[2]
		}
	} else {
		weightStripe = util.TensorShape{weights[0], weights[1], in.Channels(), mult.C.Inverse().Apply(outC)}
	}

	kernel := weights[0]
	if in.Width() > inputStripe.Width() {
		kernel = weights[1]
	}
	maxInputStripes := min(min(kernel, 3)+1, maxInputBuffers)
	inStripesX := util.DivRoundUp(in.Width(), inputStripe.Width())
	inStripesY := util.DivRoundUp(in.Height(), inputStripe.Height())
	inStripesTotal := inStripesX * inStripesY

	inStripesInTile := min(maxInputStripes, inStripesTotal)
	if p.InputStatic {
		inStripesInTile = inStripesTotal
	}
	if inStripesInTile > caps.NumCentralSlots() {
		return stripeResult{}, false
	}

	inputTileMax := util.TotalSizeBytes(util.TensorShape{
		1, util.RoundUp(in.Height(), brick.Height()), util.RoundUp(in.Width(), brick.Width()),
		util.RoundUp(in.Channels(), banks),
	})
	if in.Height() > inputStripe.Height() && in.Width() > inputStripe.Width() {
		inputTileMax = max(inputTileMax,
			util.TotalSizeBytes(util.TensorShape{
				1, util.RoundUp(in.Height(), inputStripe.Height()), util.RoundUp(in.Width(), brick.Width()),
				util.RoundUp(in.Channels(), banks),
			}),
			util.TotalSizeBytes(util.TensorShape{
				1, util.RoundUp(in.Height(), brick.Height()), util.RoundUp(in.Width(), inputStripe.Width()),
				util.RoundUp(in.Channels(), banks),
			}))
	}

	boundarySlots := caps.NumBoundarySlots() * boundaryHeight * inputStripe.Width() * inputStripe.Channels()
	inputTile := min(util.TotalSizeBytes(inputStripe)*inStripesInTile, inputTileMax) + boundarySlots

	weightStripesTotal := util.DivRoundUp(out.Channels(), outputStripe.Channels())
	weightStripesInTile := min(maxWeightBuffers, weightStripesTotal)
	weightTile := uint32(0)
	if util.TotalSizeBytes(weightStripe) != 0 {
		weightTile = EstimateWeightSizeBytes(weightStripe, caps, p.Hwim) * weightStripesInTile
	}

	outStripesX := util.DivRoundUp(out.Width(), outputStripe.Width())
	outStripesY := util.DivRoundUp(out.Height(), outputStripe.Height())
	outStripesZ := util.DivRoundUp(out.Channels(), outputStripe.Channels())
	outStripesInTile := min(maxOutputBuffersInTile, outStripesX*outStripesY*outStripesZ)
	outputTileMax := util.TotalSizeBytes(util.TensorShape{
		1, util.RoundUp(out.Height(), brick.Height()), util.RoundUp(out.Width(), brick.Width()),
		util.RoundUp(out.Channels(), banks),
	})
	outputTileMin := util.TotalSizeBytes(util.RoundUpHeightAndWidthToBrickGroup(outputStripe, brick))
	outputTile := max(min(util.TotalSizeBytes(outputStripe)*outStripesInTile, outputTileMax), outputTileMin)

	// The firmware streamer cannot handle these traversals.
	if (inStripesX != outStripesX && outStripesY > 1) || inStripesY < outStripesY {
		return stripeResult{}, false
	}

	o, ok := fitsInSram(&alloc, caps, inputTile, weightTile, outputTile, p)
	if !ok {
		return stripeResult{}, false
	}

	res := stripeResult{alloc: alloc}
	res.config.Input = Allocation{
		StripeShape: inputStripe, TileSize: inputTile, NumStripesInTile: inStripesInTile,
	}
	res.config.Output = Allocation{
		StripeShape: outputStripe, TileSize: outputTile, NumStripesInTile: outStripesInTile,
	}
	res.config.Weights = Allocation{
		StripeShape: weightStripe, TileSize: weightTile, NumStripesInTile: weightStripesInTile,
	}
	res.config.Ple = Allocation{TileSize: caps.MaxPleSize() * banks}
	res.config.setOffsets(o)

	if !p.InputStatic {
		loads := uint64(1)
		if inputTile < inputTileMax {
			loads = uint64(outStripesZ)
		}
		res.inputDramBytes = uint64(util.TotalSizeBytesNHWCB(in, brick)) * loads
	}

	return res, true
}
