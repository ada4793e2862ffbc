package estimate

import (
	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/strategy"
	"github.com/sarchlab/npuc/util"
)

type stripeCounts struct {
	h, w, c uint32
}

func countStripes(shape, stripe util.TensorShape) stripeCounts {
	return stripeCounts{
		h: util.DivRoundUp(shape.Height(), stripe.Height()),
		w: util.DivRoundUp(shape.Width(), stripe.Width()),
		c: util.DivRoundUp(shape.Channels(), stripe.Channels()),
	}
}

func (s stripeCounts) total() uint32 { return s.h * s.w * s.c }

func minSlots(needNeighbour bool, numStripes uint32) uint32 {
	if needNeighbour {
		return min(3, numStripes)
	}
	return min(1, numStripes)
}

// effectiveSize adds the borders loaded again for every stripe boundary.
func effectiveSize(size, stripe, before, after uint32) uint32 {
	return size + (before+after)*((size-1)/stripe)
}

func validStripe(shape, stripe util.TensorShape) util.TensorShape {
	return util.TensorShape{
		min(stripe[0], shape[0]),
		min(stripe[1], shape[1]),
		min(stripe[2], shape[2]),
		min(stripe[3], shape[3]),
	}
}

// weightsView is what the input streaming needs to know of the weights.
type weightsView struct {
	shape util.TensorShape
	hwim  bool
}

// noWeights stands for the kernel of a standalone PLE operation.
var noWeights = weightsView{shape: util.TensorShape{1, 1, 1, 1}}

func inputReloads(
	caps config.HardwareCapabilities,
	n stripeCounts,
	weights weightsView,
	numOutStripesC uint32,
) uint32 {
	switch {
	case n.c > 1:
		return util.DivRoundUp(weights.shape[3], caps.NumberOfOfm()) - 1
	case n.h > 1 || n.w > 1:
		if weights.hwim {
			return 0
		}
		return numOutStripesC - 1
	}
	return 0
}

func inputSlotsForBuffering(n stripeCounts, neighbourH, neighbourW bool) uint32 {
	switch {
	case n.c > 1:
		return 2 * minSlots(neighbourH, n.h) * minSlots(neighbourW, n.w)
	case n.w > 1:
		return minSlots(neighbourW, n.w) + 1
	case n.h > 1:
		return minSlots(neighbourH, n.h) + 1
	}
	return 1
}

// inputStats describes how an input is streamed into SRAM. An input
// already in SRAM only counts its size.
func inputStats(
	caps config.HardwareCapabilities,
	shape, stripe util.TensorShape,
	location graph.BufferLocation,
	tileSize uint32,
	weights weightsView,
	numOutStripesC uint32,
) InputStats {
	var s InputStats
	if location == graph.LocationSram {
		s.SramBytes = shape.NumElements()
		return s
	}

	valid := validStripe(shape, stripe)
	stripeSize := stripe.NumElements()
	n := countStripes(shape, stripe)
	neighbourH := weights.shape[0] > 1
	neighbourW := weights.shape[1] > 1
	streamH, streamW, streamC := n.h > 1, n.w > 1, n.c > 1

	s.NumReloads = inputReloads(caps, n, weights, max(numOutStripesC, 1))

	var totalBorderH, totalBorderW uint32
	if neighbourW && streamC {
		totalBorderW = stripe.Width()
	}
	if neighbourH && (streamC || (streamH && streamW)) {
		totalBorderH = caps.BoundaryStripeHeight()
	}
	total := (s.NumReloads + 1) * shape[0] *
		effectiveSize(shape.Height(), stripe.Height(), totalBorderH, totalBorderH) *
		effectiveSize(shape.Width(), stripe.Width(), totalBorderW, totalBorderW) *
		shape.Channels()

	var borderH, borderW uint32
	if neighbourH && streamH {
		borderH = valid.Height()
		if streamC || streamW {
			borderH = caps.BoundaryStripeHeight()
		}
	}
	if neighbourW && streamW {
		borderW = valid.Width()
	}

	usingBoundarySlots := neighbourH && streamH && streamW && !streamC
	boundarySize := uint32(0)
	if usingBoundarySlots {
		boundarySize = borderH * stripe.Width() * stripe.Channels()
	}
	boundaryTotal := boundarySize * caps.NumBoundarySlots()
	numStripesInTile := uint32(0)
	if tileSize > boundaryTotal {
		numStripesInTile = util.DivRoundUp(tileSize-boundaryTotal, stripeSize)
	}

	s.DramNonParallelBytes = (valid.Height() + borderH) * (valid.Width() + borderW) * valid.Channels()
	if numStripesInTile >= inputSlotsForBuffering(n, neighbourH, neighbourW) && total >= s.DramNonParallelBytes {
		s.DramParallelBytes = total - s.DramNonParallelBytes
	} else {
		s.DramNonParallelBytes = total
	}

	s.NumCentralStripes = n.total()
	if usingBoundarySlots {
		s.NumBoundaryStripes = (n.h - 1) * n.w
	}
	return s
}

// outputStats describes how an output leaves SRAM. Everything but the
// last stripe is written back while the pass still runs.
func outputStats(shape, stripe util.TensorShape, location graph.BufferLocation) OutputStats {
	var s OutputStats
	total := shape.NumElements()
	if location == graph.LocationSram {
		s.SramBytes = total
		return s
	}

	s.DramNonParallelBytes = validStripe(shape, stripe).NumElements()
	s.DramParallelBytes = total - s.DramNonParallelBytes
	s.NumCentralStripes = countStripes(shape, stripe).total()
	return s
}

// accountForActivationCompression scales the DRAM traffic of a compressed
// tensor by the expected saving.
func accountForActivationCompression(s InputStats, saving float32) InputStats {
	s.DramNonParallelBytes = uint32(float32(s.DramNonParallelBytes) * (1 - saving))
	s.DramParallelBytes = uint32(float32(s.DramParallelBytes) * (1 - saving))
	return s
}

func weightsReloads(
	caps config.HardwareCapabilities,
	inShape, inStripe util.TensorShape,
	weights network.TensorInfo,
	tileSize uint32,
) uint32 {
	n := countStripes(inShape, inStripe)
	full := strategy.EstimateWeightSizeBytes(weights.Dimensions, caps, weights.DataFormat == network.FormatHWIM)

	// Streaming the input in height and depth loads the weights again for
	// every row of stripes, unless they all fit the tile.
	if n.h > 1 && n.w == 1 && n.c > 1 && tileSize < full {
		return n.w*n.h - 1
	}
	return 0
}

func weightsStats(
	caps config.HardwareCapabilities,
	encoded codegen.EncodedWeights,
	weights network.TensorInfo,
	stripe util.TensorShape,
	tileSize uint32,
	inShape, inStripe util.TensorShape,
) WeightsStats {
	var s WeightsStats
	stripeSize := strategy.EstimateWeightSizeBytes(stripe, caps, weights.DataFormat == network.FormatHWIM)

	s.NumCentralStripes = uint32(len(encoded.Metadata))
	s.NumReloads = weightsReloads(caps, inShape, inStripe, weights, tileSize)

	loaded := (s.NumReloads + 1) * uint32(len(encoded.Data))
	if tileSize > stripeSize && len(encoded.Metadata) > 0 {
		// Only the first stripe has to arrive before the MCE starts.
		s.DramNonParallelBytes = encoded.Metadata[0].Size
		s.DramParallelBytes = loaded - s.DramNonParallelBytes
	} else {
		s.DramNonParallelBytes = loaded
	}

	if raw := weights.Dimensions.NumElements(); raw > 0 {
		s.CompressionSavings = max(0, 1-float32(len(encoded.Data))/float32(raw))
	}
	return s
}

// pleStats counts the patches the PLE processes for the largest input.
// lanes is the number of channels processed per patch.
func pleStats(caps config.HardwareCapabilities, inputs []util.TensorShape, lanes uint32, op uint32) PleStats {
	patch := caps.PatchShape()
	var h, w, c uint32
	for _, in := range inputs {
		h = max(h, util.DivRoundUp(in.Height(), patch.Height()))
		w = max(w, util.DivRoundUp(in.Width(), patch.Width()))
		c = max(c, util.DivRoundUp(in.Channels(), lanes))
	}
	return PleStats{NumOfPatches: h * w * c, Operation: op}
}
