package graph

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

// ErrUnsupported is returned when an operation has no node equivalent.
var ErrUnsupported = network.ErrUnsupported

// fcWeightsChannelMultiple is the input length fully connected weights are
// padded to.
const fcWeightsChannelMultiple = 1024

// ConvertOptions steer the conversion of a network into a graph.
type ConvertOptions struct {
	Caps config.HardwareCapabilities

	// Estimation, when set with a weight compression override, replaces
	// the weights by synthetic data of the requested compressibility.
	Estimation *config.EstimationOptions
}

type converter struct {
	g      *Graph
	opts   ConvertOptions
	nodeOf map[*network.Operand]*Node
}

// FromNetwork builds the graph of a network. Inputs are converted to NHWCB
// on entry, outputs back to the requested format on exit.
func FromNetwork(net *network.Network, opts ConvertOptions) (*Graph, error) {
	c := &converter{g: New(), opts: opts, nodeOf: map[*network.Operand]*Node{}}

	for _, op := range net.Operations() {
		if err := c.visit(op); err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", op, err)
		}
	}

	return c.g, nil
}

func params(info network.TensorInfo) TensorParams {
	return TensorParams{
		Shape:    info.Dimensions,
		DataType: CommandDataType(info.DataType),
		Quant:    info.Quantization,
		Format:   FormatNHWCB,
	}
}

// chain connects nodes one after the other, the inputs of op to the first
// and the output of op to the last.
func (c *converter) chain(op *network.Operation, nodes ...*Node) {
	for i := 0; i+1 < len(nodes); i++ {
		c.g.Connect(nodes[i], nodes[i+1], -1)
	}
	for _, in := range op.Inputs {
		c.g.Connect(c.nodeOf[in], nodes[0], -1)
	}
	if len(op.Outputs) > 0 {
		c.nodeOf[op.Outputs[0]] = nodes[len(nodes)-1]
	}
}

func (c *converter) visit(op *network.Operation) error {
	switch attrs := op.Attrs.(type) {
	case network.InputAttrs:
		c.visitInput(op)
	case network.ConstantAttrs:
		// Weights and biases are folded into the operations using them.
		if len(op.Outputs[0].Consumers) > 0 {
			c.chain(op, c.g.AddConstant(op.Outputs[0].Info, attrs.Data, op.ID))
		}
	case network.ConvolutionAttrs:
		return c.visitConvolution(op, attrs.Info, attrs.Weights, attrs.Bias, false)
	case network.DepthwiseConvolutionAttrs:
		return c.visitConvolution(op, attrs.Info, attrs.Weights, attrs.Bias, true)
	case network.FullyConnectedAttrs:
		c.visitFullyConnected(op, attrs)
	case network.ReluAttrs:
		c.chain(op, c.g.AddMcePostProcess(params(op.Outputs[0].Info), attrs.Lower, attrs.Upper, op.ID))
	case network.LeakyReluAttrs:
		c.chain(op, c.g.AddFuseOnlyPle(params(op.Outputs[0].Info),
			PleAttrs{Operation: cmdstream.PleLeakyRelu, Alpha: attrs.Alpha}, op.ID))
	case network.SigmoidAttrs:
		c.chain(op, c.g.AddFuseOnlyPle(params(op.Outputs[0].Info),
			PleAttrs{Operation: cmdstream.PleSigmoid}, op.ID))
	case network.PoolingAttrs:
		return c.visitPooling(op, attrs.Info)
	case network.RequantizeAttrs:
		c.chain(op, c.g.AddRequantize(params(op.Outputs[0].Info), op.ID))
	case network.EstimateOnlyAttrs:
		c.visitEstimateOnly(op, attrs.Reason)
	case network.OutputAttrs:
		c.visitOutput(op, attrs.Format)
	default:
		return fmt.Errorf("%w: operation %s", ErrUnsupported, op.Kind())
	}
	return nil
}

func (c *converter) visitInput(op *network.Operation) {
	info := op.Outputs[0].Info
	t := params(info)
	t.Format = convertFormat(info.DataFormat)

	nodes := []*Node{c.g.AddInput(t, op.ID)}
	if t.Format != FormatNHWCB {
		nodes = append(nodes, c.g.AddFormatConversion(params(info), op.ID))
	}
	c.chain(op, nodes...)
}

func (c *converter) visitConvolution(
	op *network.Operation,
	info network.ConvolutionInfo,
	weightsOp, biasOp *network.Operation,
	depthwise bool,
) error {
	in := op.Inputs[0].Info
	out := op.Outputs[0].Info
	ids := []uint32{op.ID, biasOp.ID, weightsOp.ID}

	var nodes []*Node
	if info.Stride.X > 1 || info.Stride.Y > 1 {
		// Strided convolutions read an interleaved input.
		interleaved := params(in)
		interleaved.Shape = util.TensorShape{
			in.Dimensions[0],
			util.DivRoundUp(in.Dimensions.Height(), info.Stride.Y),
			util.DivRoundUp(in.Dimensions.Width(), info.Stride.X),
			NumSubmapChannels(in.Dimensions.Channels(), info.Stride.X, info.Stride.Y, c.opts.Caps),
		}
		nodes = append(nodes, c.g.AddFuseOnlyPle(interleaved, PleAttrs{
			Operation: cmdstream.PleInterleave2x2_2_2,
			ShapeMultiplier: util.ShapeMultiplier{
				H: util.Fraction{Numerator: 1, Denominator: info.Stride.Y},
				W: util.Fraction{Numerator: 1, Denominator: info.Stride.X},
				C: util.Fraction{Numerator: info.Stride.X * info.Stride.Y, Denominator: 1},
			},
		}, ids...))
	}

	weights := weightsOp.Outputs[0].Info
	operation := cmdstream.MceConvolution
	if depthwise {
		operation = cmdstream.MceDepthwiseConvolution
		// With a single input channel a depthwise convolution is an
		// ordinary convolution.
		if weights.Dimensions[3] > 1 {
			if weights.Dimensions[2] != 1 {
				return fmt.Errorf("%w: channel multiplier %d with %d input channels",
					ErrUnsupported, weights.Dimensions[3], weights.Dimensions[2])
			}
			weights.DataFormat = network.FormatHWIO
			operation = cmdstream.MceConvolution
		}
	}

	nodes = append(nodes, c.g.AddMce(params(out), MceAttrs{
		Operation:               operation,
		UninterleavedInputShape: in.Dimensions,
		Stride:                  info.Stride,
		PadTop:                  info.Padding.Top,
		PadLeft:                 info.Padding.Left,
		Weights:                 weights,
		WeightsData:             c.weightsData(weightsOp.Attrs.(network.ConstantAttrs).Data, weights),
		Bias:                    biasOp.Outputs[0].Info,
		BiasData:                biasData(biasOp),
	}, ids...))

	c.chain(op, nodes...)
	return nil
}

func (c *converter) visitFullyConnected(op *network.Operation, attrs network.FullyConnectedAttrs) {
	in := op.Inputs[0].Info
	out := op.Outputs[0].Info
	ids := []uint32{op.ID, attrs.Bias.ID, attrs.Weights.ID}

	var nodes []*Node
	if c.nodeOf[op.Inputs[0]].Format != FormatNHWC {
		t := params(in)
		t.Format = FormatNHWC
		nodes = append(nodes, c.g.AddFormatConversion(t, ids...))
	}

	// The NHWC data is copied into SRAM as if it were NHWCB, so it is
	// viewed with the smallest brick shape holding all its elements.
	reinterpreted := params(in)
	reinterpreted.Shape = ShapeContainingLinearElements(c.opts.Caps.BrickGroupShape(), in.Dimensions.NumElements())
	nodes = append(nodes, c.g.AddReinterpret(reinterpreted, ids...))

	weights := attrs.Weights.Outputs[0].Info
	weights.Dimensions[2] = util.RoundUp(weights.Dimensions[2], fcWeightsChannelMultiple)
	data := make([]byte, weights.SizeBytes())
	n := copy(data, attrs.Weights.Attrs.(network.ConstantAttrs).Data)
	for i := n; i < len(data); i++ {
		data[i] = byte(weights.Quantization.ZeroPoint)
	}

	nodes = append(nodes, c.g.AddMce(params(out), MceAttrs{
		Operation:               cmdstream.MceFullyConnected,
		UninterleavedInputShape: in.Dimensions,
		Stride:                  network.Stride{X: 1, Y: 1},
		Weights:                 weights,
		WeightsData:             c.weightsData(data, weights),
		Bias:                    attrs.Bias.Outputs[0].Info,
		BiasData:                biasData(attrs.Bias),
	}, ids...))

	c.chain(op, nodes...)
}

func (c *converter) visitPooling(op *network.Operation, info network.PoolingInfo) error {
	in := op.Inputs[0].Info.Dimensions
	t := params(op.Outputs[0].Info)

	fused := func(ple cmdstream.PleOperation) *Node {
		return c.g.AddFuseOnlyPle(t, PleAttrs{
			Operation: ple,
			ShapeMultiplier: util.ShapeMultiplier{
				H: util.Fraction{Numerator: 1, Denominator: info.Stride.Y},
				W: util.Fraction{Numerator: 1, Denominator: info.Stride.X},
				C: util.One,
			},
		}, op.ID)
	}

	even := in.Height()%2 == 0 && in.Width()%2 == 0
	odd := in.Height()%2 == 1 && in.Width()%2 == 1

	var n *Node
	switch {
	case info.IsGlobalMean(in) && in.Height() == 7:
		n = fused(cmdstream.PleMeanXY7x7)
	case info.IsGlobalMean(in) && in.Height() == 8:
		n = fused(cmdstream.PleMeanXY8x8)
	case info.Type == network.PoolingAvg && info.SizeX == 3 && info.SizeY == 3 && info.Stride.X == 1:
		n = c.g.AddStandalonePle(t, cmdstream.PleAvgPool3x3_1_1Udma, op.ID)
	case info.Type == network.PoolingMax && info.SizeX == 2 && info.SizeY == 2:
		n = fused(cmdstream.PleMaxPool2x2_2_2)
	case info.Type == network.PoolingMax && info.SizeX == 3 && even:
		n = fused(cmdstream.PleMaxPool3x3_2_2Even)
	case info.Type == network.PoolingMax && info.SizeX == 3 && odd:
		n = fused(cmdstream.PleMaxPool3x3_2_2Odd)
	default:
		return fmt.Errorf("%w: pooling %dx%d on %s", ErrUnsupported, info.SizeX, info.SizeY, in)
	}

	c.chain(op, n)
	return nil
}

func (c *converter) visitEstimateOnly(op *network.Operation, reason string) {
	for _, out := range op.Outputs {
		n := c.g.AddEstimateOnly(params(out.Info), reason, op.ID)
		c.nodeOf[out] = n
		for _, in := range op.Inputs {
			c.g.Connect(c.nodeOf[in], n, -1)
		}
	}
}

func (c *converter) visitOutput(op *network.Operation, format network.DataFormat) {
	operand := op.Inputs[0]
	producer := operand.Producer.ID

	var nodes []*Node
	if c.nodeOf[operand].Format != convertFormat(format) {
		t := params(operand.Info)
		t.Format = convertFormat(format)
		nodes = append(nodes, c.g.AddFormatConversion(t, producer))
	}
	nodes = append(nodes, c.g.AddOutput(CommandDataType(operand.Info.DataType), producer, operand.Index))

	c.chain(op, nodes...)
}

// weightsData returns the weights to encode, replaced by synthetic data
// when estimating with a weight compression override.
func (c *converter) weightsData(data []byte, info network.TensorInfo) []byte {
	e := c.opts.Estimation
	if e == nil || !e.UseWeightCompressionOverride {
		return data
	}
	return GenerateCompressibleData(len(data), e.WeightCompressionSaving, info.Quantization.ZeroPoint)
}

// GenerateCompressibleData returns n random weights of which about a
// saving fraction equal the zero point. The sequence is the same on every
// call.
func GenerateCompressibleData(n int, saving float32, zeroPoint int32) []byte {
	rng := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(rng.IntN(256))
		if rng.Float32() < saving {
			data[i] = byte(zeroPoint)
		}
	}
	return data
}

func biasData(op *network.Operation) []int32 {
	raw := op.Attrs.(network.ConstantAttrs).Data
	res := make([]int32, len(raw)/4)
	for i := range res {
		res[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return res
}

// NumSubmapChannels is the depth of a tensor interleaved for a strided
// convolution: every input channel is split into strideX*strideY submaps,
// each group of SRAM-count channels padded separately.
func NumSubmapChannels(channels, strideX, strideY uint32, caps config.HardwareCapabilities) uint32 {
	if strideX == 1 && strideY == 1 {
		return channels
	}

	stride := caps.NumberOfSrams()
	if rem := channels % stride; rem != 0 {
		return util.DivRoundUp(channels, stride)*stride*strideX*strideY - (stride - rem)
	}
	return channels * strideX * strideY
}

// ShapeContainingLinearElements is the smallest NHWCB shape holding
// numElements elements in linear order.
func ShapeContainingLinearElements(brickGroup util.TensorShape, numElements uint32) util.TensorShape {
	const patchHeight, patchWidth = 4, 4
	bgH, bgW, bgC := brickGroup.Height(), brickGroup.Width(), brickGroup.Channels()
	patchesPerBrickGroup := (bgH / patchHeight) * (bgW / patchWidth) * bgC

	numPatches := util.DivRoundUp(numElements, patchWidth*patchHeight)

	width := bgW
	if numPatches <= bgC*(bgH/patchHeight) {
		width = patchWidth
	}
	height := bgH
	if numPatches <= bgC {
		height = patchHeight
	}

	channels := bgC*(numPatches/patchesPerBrickGroup) + min(bgC, numPatches%patchesPerBrickGroup)
	return util.TensorShape{1, height, width, channels}
}
