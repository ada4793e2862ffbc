package strategy

import (
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/util"
)

// WeightHeaderBytes is the size of the per-OFM header of an encoded weight
// stream: bias, multiplier, shift and zero point.
const WeightHeaderBytes = 8

// WeightStreamAlignment is the alignment of each encoded weight stream.
const WeightStreamAlignment = 16

// ifmsPerCe returns the number of input channels encoded per OFM.
func ifmsPerCe(ifms uint32, caps config.HardwareCapabilities, hwim bool) uint32 {
	if hwim {
		return 1 + caps.NumberOfSrams()/8
	}
	return util.RoundUp(ifms, caps.IfmConsumed())
}

// EstimateWeightSizeBytes returns the encoded size of a weight stripe of the
// given HWIO/HWIM shape.
//
// OFMs are spread over the streams produced in parallel. Each OFM carries a
// header followed by one 16-bit value per kernel element and input channel,
// and each stream is padded to WeightStreamAlignment.
func EstimateWeightSizeBytes(shape util.TensorShape, caps config.HardwareCapabilities, hwim bool) uint32 {
	bytesPerOfm := shape[0]*shape[1]*ifmsPerCe(shape[2], caps, hwim)*2 + WeightHeaderBytes

	numOfms := shape[3]
	parallel := caps.NumberOfOfm()
	if hwim {
		numOfms *= shape[2]
		parallel = caps.NumberOfSrams()
	}

	perStream := util.RoundUp(bytesPerOfm*util.DivRoundUp(numOfms, parallel), WeightStreamAlignment)
	return perStream * parallel
}

// FCAF cell shapes.
var (
	FcafDeepCell = util.TensorShape{1, 8, 8, 32}
	FcafWideCell = util.TensorShape{1, 8, 16, 16}
)

// IsCompressionCompatible reports whether stripes of the given shape can be
// stored in the compressed format.
func IsCompressionCompatible(format cmdstream.DataFormat, stripe util.TensorShape) bool {
	var cell util.TensorShape
	switch format {
	case cmdstream.DataFormatFCAFDeep:
		cell = FcafDeepCell
	case cmdstream.DataFormatFCAFWide:
		cell = FcafWideCell
	default:
		return false
	}

	return stripe.Height()%cell.Height() == 0 &&
		stripe.Width()%cell.Width() == 0 &&
		stripe.Channels()%cell.Channels() == 0
}

func isFcafStripe(stripe util.TensorShape) bool {
	return IsCompressionCompatible(cmdstream.DataFormatFCAFDeep, stripe) ||
		IsCompressionCompatible(cmdstream.DataFormatFCAFWide, stripe)
}
