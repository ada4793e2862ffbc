package codegen

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/layout"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/strategy"
	"github.com/sarchlab/npuc/util"
)

// WeightsMetadata locates one encoded weight stripe in the weight buffer.
type WeightsMetadata struct {
	Offset uint32
	Size   uint32
}

var _ = layout.MustDefine[WeightsMetadata](8)

// EncodedWeights is the weight stream of one MCE operation.
type EncodedWeights struct {
	Data     []byte
	Metadata []WeightsMetadata
	// MaxSize is the size of the largest stripe.
	MaxSize uint32
}

// MetadataBytes returns the metadata as the firmware reads it.
func (w EncodedWeights) MetadataBytes() []byte {
	var b []byte
	for _, m := range w.Metadata {
		b = append(b, layout.MustMarshal(m)...)
	}
	return b
}

// WeightEncoder turns the weights of an MCE node into a weight stream.
// stripeDepth is the number of OFMs per stripe and stripeSize the number
// of input channels per stripe. quant is the quantization of the pass
// output.
type WeightEncoder interface {
	Encode(mce *graph.Node, stripeDepth, stripeSize uint32, quant network.QuantizationInfo) (EncodedWeights, error)
}

// Encoder writes uncompressed weight streams.
//
// Each stripe is split into streams, one per OFM produced in parallel,
// with OFMs dealt round robin. An OFM is an 8 byte header (bias,
// multiplier, shift, output zero point) followed by one 16-bit weight per
// kernel element and input channel. Streams are padded to 16 bytes.
type Encoder struct {
	caps config.HardwareCapabilities
}

// NewEncoder creates an encoder for the hardware.
func NewEncoder(caps config.HardwareCapabilities) *Encoder {
	return &Encoder{caps: caps}
}

type weightSource struct {
	attrs  *graph.MceAttrs
	kernel util.TensorShape
	hwim   bool
}

func (s weightSource) value(y, x, ifm, ofm uint32) int16 {
	dims := s.attrs.Weights.Dimensions
	if y >= dims[0] || x >= dims[1] || len(s.attrs.WeightsData) == 0 {
		return 0
	}

	var idx uint32
	if s.hwim {
		i, m := ofm/dims[3], ofm%dims[3]
		idx = ((y*dims[1]+x)*dims[2]+i)*dims[3] + m
	} else {
		idx = ((y*dims[1]+x)*dims[2]+ifm)*dims[3] + ofm
	}

	raw := int16(s.attrs.WeightsData[idx])
	if s.attrs.Weights.DataType == network.DataTypeInt8Quantized {
		raw = int16(int8(s.attrs.WeightsData[idx]))
	}
	return raw - int16(s.attrs.Weights.Quantization.ZeroPoint)
}

func (e *Encoder) Encode(
	mce *graph.Node,
	stripeDepth, stripeSize uint32,
	quant network.QuantizationInfo,
) (EncodedWeights, error) {
	attrs := mce.Mce
	dims := attrs.Weights.Dimensions
	if stripeDepth == 0 || stripeSize == 0 {
		return EncodedWeights{}, fmt.Errorf("encode weights of %s: empty stripe", mce)
	}
	if len(attrs.WeightsData) != 0 && uint32(len(attrs.WeightsData)) != dims.NumElements() {
		return EncodedWeights{}, fmt.Errorf("encode weights of %s: %d bytes for shape %s",
			mce, len(attrs.WeightsData), dims)
	}

	src := weightSource{attrs: attrs, hwim: attrs.Weights.DataFormat == network.FormatHWIM}
	src.kernel = dims
	if attrs.Algorithm == graph.AlgorithmWinograd {
		for i := 0; i < 2; i++ {
			if src.kernel[i] != 1 {
				src.kernel[i] = util.RoundUp(src.kernel[i], 3)
			}
		}
	}

	numOfms := dims[3]
	numIfms := dims[2]
	parallel := e.caps.NumberOfOfm()
	if src.hwim {
		numOfms = dims[2] * dims[3]
		numIfms = 1
		stripeSize = 1
		parallel = e.caps.NumberOfSrams()
	}

	scale := float64(mce.InputQuant(0).Scale) * float64(attrs.Weights.Quantization.Scale) / float64(quant.Scale)
	mult, shift := util.CalculateRescaleMultiplierAndShift(scale)
	h := ofmHeader{mult: mult, shift: uint8(shift), zeroPoint: uint8(quant.ZeroPoint)}

	var res EncodedWeights
	for ofm0 := uint32(0); ofm0 < numOfms; ofm0 += stripeDepth {
		ofms := min(stripeDepth, numOfms-ofm0)
		for ifm0 := uint32(0); ifm0 < numIfms; ifm0 += stripeSize {
			ifms := min(stripeSize, numIfms-ifm0)
			stripe := e.encodeStripe(src, h, ofm0, ofms, ifm0, ifms, parallel)

			res.Metadata = append(res.Metadata, WeightsMetadata{
				Offset: uint32(len(res.Data)),
				Size:   uint32(len(stripe)),
			})
			res.MaxSize = max(res.MaxSize, uint32(len(stripe)))
			res.Data = append(res.Data, stripe...)
		}
	}

	return res, nil
}

type ofmHeader struct {
	mult      uint16
	shift     uint8
	zeroPoint uint8
}

func (e *Encoder) encodeStripe(
	src weightSource,
	h ofmHeader,
	ofm0, ofms, ifm0, ifms, parallel uint32,
) []byte {
	ifmsPerOfm := util.RoundUp(ifms, e.caps.IfmConsumed())
	if src.hwim {
		ifmsPerOfm = 1 + e.caps.NumberOfSrams()/8
	}

	numStreams := min(parallel, ofms)
	var stripe []byte
	for s := uint32(0); s < numStreams; s++ {
		var stream []byte
		for o := s; o < ofms; o += numStreams {
			ofm := ofm0 + o

			bias := int32(0)
			if ifm0 == 0 && ofm < uint32(len(src.attrs.BiasData)) {
				bias = src.attrs.BiasData[ofm]
			}
			stream = binary.LittleEndian.AppendUint32(stream, uint32(bias))
			stream = binary.LittleEndian.AppendUint16(stream, h.mult)
			stream = append(stream, h.shift, h.zeroPoint)

			for y := uint32(0); y < src.kernel[0]; y++ {
				for x := uint32(0); x < src.kernel[1]; x++ {
					for i := uint32(0); i < ifmsPerOfm; i++ {
						var w int16
						switch {
						case src.hwim && i == 0:
							w = src.value(y, x, 0, ofm)
						case !src.hwim && i < ifms:
							w = src.value(y, x, ifm0+i, ofm)
						}
						stream = binary.LittleEndian.AppendUint16(stream, uint16(w))
					}
				}
			}
		}
		stream = append(stream, make([]byte, util.RoundUp(len(stream), strategy.WeightStreamAlignment)-len(stream))...)
		stripe = append(stripe, stream...)
	}
	return stripe
}
