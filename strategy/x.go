package strategy

import (
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

type weightsReloading int

const (
	noReloading weightsReloading = iota
	reloadingDoubleBuffered
	reloadingSingleBuffered
)

type xOptions struct {
	allowInputBuffering   bool
	avoidInputReloading   bool
	activationCompression bool
	weightsReloading      weightsReloading
}

type boundary struct {
	before, after bool
}

func boundaryRequirements(padBefore, ifmSize, ifmStripe, ofmStripe, kernel uint32) boundary {
	if ifmSize <= ifmStripe {
		return boundary{}
	}
	return boundary{
		before: padBefore > 0,
		after:  ofmStripe+kernel-1 > ifmStripe+padBefore,
	}
}

func isBlockConfigCompatibleX(bc config.BlockConfig, p Params) bool {
	if bc.Area() > p.Caps.TotalAccumulatorsPerEngine() {
		return false
	}
	if p.Operation == cmdstream.MceFullyConnected && (bc.Width != 8 || bc.Height != 8) {
		return false
	}
	// Upsampled inputs are loaded in half blocks, which the DMA can only
	// do for 16x16 blocks.
	if p.Upsample != cmdstream.UpsampleOff && (bc.Width != 16 || bc.Height != 16) {
		return false
	}
	return true
}

// tryStripeShapesX is the stripe search of StrategyX. Unlike the generic
// strategies it may split the input in depth and decouples the MCE and
// output stripes.
func tryStripeShapesX(
	p Params,
	alloc sram.Allocator,
	requested util.TensorShape,
	requestedInputChannels uint32,
	opts xOptions,
) (stripeResult, bool) {
	if p.Hwim {
		return stripeResult{}, false
	}

	caps := p.Caps
	brick := caps.BrickGroupShape()
	banks := caps.NumberOfSrams()
	isFC := p.Operation == cmdstream.MceFullyConnected
	ple := p.PleShapeMultiplier
	mult := p.MceShapeMultiplier.Mul(ple)
	in, out, weights := p.InputShape, p.OutputShape, p.WeightsShape

	outW := min(util.RoundUp(requested.Width(), mult.W.Apply(brick.Width())), util.RoundUp(out.Width(), brick.Width()))
	outH := min(util.RoundUp(requested.Height(), mult.H.Apply(brick.Height())),
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

	mceStripe := util.TensorShape{
		1, ple.H.Inverse().Apply(outH), ple.W.Inverse().Apply(outW), ple.C.Inverse().Apply(outC),
	}

	// De-interleaved input channels travel together.
	stride := util.DivRoundUp(util.RoundUp(in.Channels(), banks), util.RoundUp(weights[2], banks))
	var inC uint32
	if util.DivRoundUp(in.Channels(), requestedInputChannels) > 1 &&
		requestedInputChannels > brick.Channels()*stride {
		inC = util.RoundUp(requestedInputChannels, brick.Channels()*stride)
	} else {
		inC = util.RoundUp(requestedInputChannels, banks*stride)
	}
	inputStripe := util.TensorShape{1, inH, inW, inC}

	weightC := inC
	if isFC {
		weightC = util.RoundUp(inH*inW*inC, fcWeightsChannelMultiple)
	}
	weightStripe := util.TensorShape{weights[0], weights[1], weightC, mceStripe.Channels()}

	needY := boundaryRequirements(p.PadTop, in.Height(), inH, mceStripe.Height(), weights[0])
	boundarySlot := uint32(0)
	if needY.before || needY.after {
		boundarySlot = brick.Height() * inW * inC
	}
	slotSize := 2*boundarySlot + util.TotalSizeBytes(inputStripe)

	inX := util.DivRoundUp(in.Width(), inW)
	inY := util.DivRoundUp(in.Height(), inH)
	inZ := util.DivRoundUp(in.Channels(), inC)

	needX := boundaryRequirements(p.PadLeft, in.Width(), inW, mceStripe.Width(), weights[1])
	slots := uint32(1)
	if needX.before {
		slots++
	}
	if needX.after {
		slots++
	}
	slots = min(slots, inX)

	groups := uint32(2)
	if opts.avoidInputReloading && inX == 1 && inY == 1 {
		groups = inX * inY * inZ
	}
	inStripesInTile := slots
	if opts.allowInputBuffering && in.Channels() > inC {
		inStripesInTile *= groups
	}
	inputTile := slotSize * inStripesInTile

	var weightStripesInTile uint32
	switch {
	case isFC:
		weightStripesInTile = 2
	case opts.weightsReloading == noReloading:
		weightStripesInTile = inZ
	case opts.weightsReloading == reloadingDoubleBuffered:
		weightStripesInTile = 2
	default:
		weightStripesInTile = 1
	}
	weightTile := EstimateWeightSizeBytes(weightStripe, caps, false) * weightStripesInTile

	if opts.activationCompression {
		minDepth := FcafWideCell.Channels()
		if out.Height() <= 8 && out.Width() <= 8 {
			minDepth = FcafDeepCell.Channels()
		}
		// Several MCE stripes are accumulated into one compressible
		// output stripe.
		if minDepth > outC {
			outC = minDepth
			outH = util.RoundUp(out.Height(), 8)
			outW = util.RoundUp(out.Width(), 8)
		}
	}

	outputStripe := util.TensorShape{1, outH, outW, outC}
	if outH%brick.Height() != 0 || outW%brick.Width() != 0 {
		return stripeResult{}, false
	}

	outStripes := util.DivRoundUp(out.Width(), outW) *
		util.DivRoundUp(out.Height(), outH) *
		util.DivRoundUp(out.Channels(), outC)
	outStripesInTile := min(maxOutputBuffersInTile, outStripes)
	outputTileMax := util.TotalSizeBytes(util.TensorShape{
		1, util.RoundUp(out.Height(), brick.Height()), util.RoundUp(out.Width(), brick.Width()),
		util.RoundUp(out.Channels(), caps.NumberOfOfm()),
	})
	outputTile := min(util.TotalSizeBytes(outputStripe)*outStripesInTile, outputTileMax)

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

	return res, true
}

type xParams struct {
	bc            config.BlockConfig
	inputChannels uint32
	outputStripe  util.TensorShape
	compression   bool
}

func (x xParams) try(p Params, alloc sram.Allocator, opts xOptions) (stripeResult, bool) {
	opts.activationCompression = x.compression
	r, ok := tryStripeShapesX(p, alloc, x.outputStripe, x.inputChannels, opts)
	if !ok {
		return r, false
	}
	r.config.Strategy = config.StrategyX
	r.config.BlockConfig = x.bc
	return r, true
}

// tryInputXYOutputXYZ streams the input in X and Y with full depth. Only
// fully connected layers use it.
func tryInputXYOutputXYZ(p Params, alloc sram.Allocator, configs []config.BlockConfig) (stripeResult, bool) {
	if p.Operation != cmdstream.MceFullyConnected {
		return stripeResult{}, false
	}

	var params []xParams
	for _, bc := range sortByWidthThenHeight(configs) {
		if !isBlockConfigCompatibleX(bc, p) {
			continue
		}
		params = append(params, xParams{
			bc:            bc,
			inputChannels: p.InputShape.Channels(),
			outputStripe: util.TensorShape{
				1,
				p.PleShapeMultiplier.H.Apply(bc.Height),
				p.PleShapeMultiplier.W.Apply(bc.Width),
				p.PleShapeMultiplier.C.Apply(p.Caps.NumberOfOfm()),
			},
		})
	}

	for _, buffering := range []bool{true, false} {
		for _, x := range params {
			if r, ok := x.try(p, alloc, xOptions{allowInputBuffering: buffering}); ok {
				return r, true
			}
		}
	}

	return stripeResult{}, false
}

// tryInputZXYOutputXYZ streams the input in depth as well, one MCE block of
// output at a time.
func tryInputZXYOutputXYZ(p Params, alloc sram.Allocator, configs []config.BlockConfig) (stripeResult, bool) {
	compression := []bool{false}
	if p.Operation != cmdstream.MceFullyConnected {
		compression = []bool{true, false}
	}

	inC := p.InputShape.Channels()
	var params []xParams
	for _, c := range compression {
		for _, bc := range sortByWidthThenHeight(configs) {
			if !isBlockConfigCompatibleX(bc, p) {
				continue
			}
			for splits := uint32(2); splits < inC; splits++ {
				params = append(params, xParams{
					bc:            bc,
					inputChannels: inC / splits,
					outputStripe: util.TensorShape{
						1,
						p.PleShapeMultiplier.H.Apply(bc.Height),
						p.PleShapeMultiplier.W.Apply(bc.Width),
						p.PleShapeMultiplier.C.Apply(p.Caps.NumberOfOfm()),
					},
					compression: c,
				})
			}
		}
	}

	buffering := []xOptions{
		{allowInputBuffering: true, avoidInputReloading: true},
		{allowInputBuffering: true},
		{},
	}
	for _, reload := range []weightsReloading{noReloading, reloadingDoubleBuffered, reloadingSingleBuffered} {
		for _, opts := range buffering {
			opts.weightsReloading = reload
			for _, x := range params {
				r, ok := x.try(p, alloc, opts)
				// Only a partial depth input stripe makes this traversal
				// worthwhile.
				if ok && r.config.Input.StripeShape.Channels() < inC {
					return r, true
				}
			}
		}
	}

	return stripeResult{}, false
}

// IsStrategyXCandidate reports whether the wide search should run after the
// catalogue produced selected ("" when nothing fit).
func IsStrategyXCandidate(p Params, selected config.StrategyID, allowed []Strategy) bool {
	s7Allowed := false
	for _, s := range allowed {
		if s.ID() == config.Strategy7 {
			s7Allowed = true
		}
	}

	return p.Operation == cmdstream.MceConvolution &&
		p.Algorithm == cmdstream.AlgorithmDirect &&
		(selected == "" || selected == config.Strategy7) &&
		s7Allowed &&
		p.InputStatic &&
		p.Upsample == cmdstream.UpsampleOff
}

// TryStrategyX runs the wide search against a copy of alloc and advances
// alloc only on success.
func TryStrategyX(tc *TensorConfig, alloc *sram.Allocator, p Params, configs []config.BlockConfig) bool {
	r, ok := tryInputXYOutputXYZ(p, *alloc, configs)
	if !ok {
		r, ok = tryInputZXYOutputXYZ(p, *alloc, configs)
	}
	if !ok {
		return false
	}

	*tc = r.config
	*alloc = r.alloc
	util.Trace("StrategyX selected",
		"block", tc.BlockConfig.String(),
		"input_stripe", tc.Input.StripeShape.String(),
		"output_stripe", tc.Output.StripeShape.String())
	return true
}
