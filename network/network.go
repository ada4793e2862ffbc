package network

import (
	"errors"
	"fmt"

	"github.com/sarchlab/npuc/util"
)

var (
	// ErrInvalid is returned when the arguments of an operation are
	// inconsistent with each other.
	ErrInvalid = errors.New("invalid operation")

	// ErrUnsupported is returned for well-formed operations the hardware
	// cannot run.
	ErrUnsupported = errors.New("operation not supported")
)

// Network is a graph of operations in the order they were added.
type Network struct {
	ops []*Operation
}

// New creates an empty network.
func New() *Network {
	return &Network{}
}

// Operations returns the operations in the order they were added. Every
// operation comes after the operations producing its inputs.
func (n *Network) Operations() []*Operation {
	return n.ops
}

// Operation returns the operation with the given id.
func (n *Network) Operation(id uint32) (*Operation, bool) {
	if int(id) < len(n.ops) {
		return n.ops[id], true
	}
	return nil, false
}

func (n *Network) add(attrs Attributes, inputs []*Operand, outputs ...TensorInfo) *Operation {
	op := &Operation{
		ID:     uint32(len(n.ops)),
		Attrs:  attrs,
		Inputs: inputs,
	}

	for i, in := range inputs {
		in.Consumers = append(in.Consumers, Consumer{Operation: op, Index: i})
	}
	for i, info := range outputs {
		op.Outputs = append(op.Outputs, &Operand{Producer: op, Index: i, Info: info})
	}

	n.ops = append(n.ops, op)
	return op
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

func checkActivation(info TensorInfo) error {
	if info.Dimensions.IsZero() {
		return invalid("tensor shape %s has a zero dimension", info.Dimensions)
	}
	if info.Dimensions[0] != 1 {
		return unsupported("batch size %d", info.Dimensions[0])
	}
	switch info.DataType {
	case DataTypeUint8Quantized, DataTypeInt8Quantized:
	default:
		return unsupported("activation data type %s", info.DataType)
	}
	switch info.DataFormat {
	case FormatNHWC, FormatNHWCB, FormatNCHW:
	default:
		return unsupported("activation data format %s", info.DataFormat)
	}
	if info.Quantization.Scale <= 0 {
		return invalid("quantization scale must be positive")
	}
	return nil
}

// AddInput adds a network input.
func (n *Network) AddInput(info TensorInfo) (*Operand, error) {
	if err := checkActivation(info); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}

	return n.add(InputAttrs{}, nil, info).Outputs[0], nil
}

// AddConstant adds a constant tensor, typically weights or bias.
func (n *Network) AddConstant(info TensorInfo, data []byte) (*Operand, error) {
	if info.Dimensions.IsZero() {
		return nil, fmt.Errorf("constant: %w", invalid("tensor shape %s has a zero dimension", info.Dimensions))
	}
	if uint32(len(data)) != info.SizeBytes() {
		return nil, fmt.Errorf("constant: %w",
			invalid("%d bytes of data for a %d byte tensor", len(data), info.SizeBytes()))
	}

	return n.add(ConstantAttrs{Data: data}, nil, info).Outputs[0], nil
}

func constantOf(o *Operand, what string) (*Operation, error) {
	if o == nil || o.Producer.Kind() != KindConstant {
		return nil, invalid("%s must be a constant", what)
	}
	return o.Producer, nil
}

func checkBias(bias *Operand, channels uint32, inQuant, wQuant QuantizationInfo) error {
	info := bias.Info
	if info.DataType != DataTypeInt32Quantized {
		return invalid("bias must be %s", DataTypeInt32Quantized)
	}
	if info.Dimensions != (util.TensorShape{1, 1, 1, channels}) {
		return invalid("bias shape %s does not match %d output channels", info.Dimensions, channels)
	}

	expected := inQuant.Scale * wQuant.Scale
	diff := info.Quantization.Scale - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > expected*1e-3 {
		return invalid("bias scale %g must be input scale times weight scale (%g)",
			info.Quantization.Scale, expected)
	}
	return nil
}

func windowedSize(in, padBefore, padAfter, window, stride uint32) (uint32, error) {
	if in+padBefore+padAfter < window {
		return 0, invalid("window %d larger than the padded input %d", window, in+padBefore+padAfter)
	}
	return (in+padBefore+padAfter-window)/stride + 1, nil
}

func checkStride(s Stride) error {
	if s.X != s.Y {
		return unsupported("stride %dx%d", s.X, s.Y)
	}
	if s.X != 1 && s.X != 2 {
		return unsupported("stride %d", s.X)
	}
	return nil
}

// AddConvolution adds a convolution with HWIO weights.
func (n *Network) AddConvolution(
	input, bias, weights *Operand,
	info ConvolutionInfo,
) (*Operand, error) {
	out, err := n.convolutionOutput(input, bias, weights, info, false)
	if err != nil {
		return nil, fmt.Errorf("convolution: %w", err)
	}

	attrs := ConvolutionAttrs{Info: info, Bias: bias.Producer, Weights: weights.Producer}
	return n.add(attrs, []*Operand{input}, out).Outputs[0], nil
}

// AddDepthwiseConvolution adds a depthwise convolution with HWIM weights.
func (n *Network) AddDepthwiseConvolution(
	input, bias, weights *Operand,
	info ConvolutionInfo,
) (*Operand, error) {
	out, err := n.convolutionOutput(input, bias, weights, info, true)
	if err != nil {
		return nil, fmt.Errorf("depthwise convolution: %w", err)
	}

	attrs := DepthwiseConvolutionAttrs{Info: info, Bias: bias.Producer, Weights: weights.Producer}
	return n.add(attrs, []*Operand{input}, out).Outputs[0], nil
}

func (n *Network) convolutionOutput(
	input, bias, weights *Operand,
	info ConvolutionInfo,
	depthwise bool,
) (TensorInfo, error) {
	if _, err := constantOf(weights, "weights"); err != nil {
		return TensorInfo{}, err
	}
	if _, err := constantOf(bias, "bias"); err != nil {
		return TensorInfo{}, err
	}
	if err := checkStride(info.Stride); err != nil {
		return TensorInfo{}, err
	}

	in := input.Info
	w := weights.Info
	wantFormat := FormatHWIO
	if depthwise {
		wantFormat = FormatHWIM
	}
	if w.DataFormat != wantFormat {
		return TensorInfo{}, invalid("weights must be %s, got %s", wantFormat, w.DataFormat)
	}
	if w.Dimensions[2] != in.Dimensions.Channels() {
		return TensorInfo{}, invalid("weights expect %d input channels, input has %d",
			w.Dimensions[2], in.Dimensions.Channels())
	}

	channels := w.Dimensions[3]
	if depthwise {
		channels = w.Dimensions[2] * w.Dimensions[3]
	}
	if err := checkBias(bias, channels, in.Quantization, w.Quantization); err != nil {
		return TensorInfo{}, err
	}

	p := info.Padding
	h, err := windowedSize(in.Dimensions.Height(), p.Top, p.Bottom, w.Dimensions[0], info.Stride.Y)
	if err != nil {
		return TensorInfo{}, err
	}
	width, err := windowedSize(in.Dimensions.Width(), p.Left, p.Right, w.Dimensions[1], info.Stride.X)
	if err != nil {
		return TensorInfo{}, err
	}

	return TensorInfo{
		Dimensions:   util.TensorShape{1, h, width, channels},
		DataType:     in.DataType,
		DataFormat:   in.DataFormat,
		Quantization: info.OutputQuantization,
	}, nil
}

// AddFullyConnected adds a fully connected layer. The input is flattened, so
// the weights are {1, 1, H*W*C, O} in HWIO.
func (n *Network) AddFullyConnected(
	input, bias, weights *Operand,
	outputQuant QuantizationInfo,
) (*Operand, error) {
	if _, err := constantOf(weights, "weights"); err != nil {
		return nil, fmt.Errorf("fully connected: %w", err)
	}
	if _, err := constantOf(bias, "bias"); err != nil {
		return nil, fmt.Errorf("fully connected: %w", err)
	}

	in := input.Info
	w := weights.Info
	if w.DataFormat != FormatHWIO || w.Dimensions[0] != 1 || w.Dimensions[1] != 1 {
		return nil, fmt.Errorf("fully connected: %w", invalid("weights must be 1x1 HWIO"))
	}
	flat := in.Dimensions.Height() * in.Dimensions.Width() * in.Dimensions.Channels()
	if w.Dimensions[2] != flat {
		return nil, fmt.Errorf("fully connected: %w",
			invalid("weights expect %d inputs, input has %d", w.Dimensions[2], flat))
	}
	if err := checkBias(bias, w.Dimensions[3], in.Quantization, w.Quantization); err != nil {
		return nil, fmt.Errorf("fully connected: %w", err)
	}

	out := TensorInfo{
		Dimensions:   util.TensorShape{1, 1, 1, w.Dimensions[3]},
		DataType:     in.DataType,
		DataFormat:   in.DataFormat,
		Quantization: outputQuant,
	}
	attrs := FullyConnectedAttrs{OutputQuantization: outputQuant, Bias: bias.Producer, Weights: weights.Producer}
	return n.add(attrs, []*Operand{input}, out).Outputs[0], nil
}

// AddRelu adds a bounded ReLU. The bounds are quantized values.
func (n *Network) AddRelu(input *Operand, attrs ReluAttrs) (*Operand, error) {
	if attrs.Lower > attrs.Upper {
		return nil, fmt.Errorf("relu: %w", invalid("lower bound %d above upper bound %d", attrs.Lower, attrs.Upper))
	}
	return n.add(attrs, []*Operand{input}, input.Info).Outputs[0], nil
}

// AddLeakyRelu adds a leaky ReLU, alpha in (0, 1).
func (n *Network) AddLeakyRelu(input *Operand, attrs LeakyReluAttrs) (*Operand, error) {
	if attrs.Alpha <= 0 || attrs.Alpha >= 1 {
		return nil, fmt.Errorf("leaky relu: %w", unsupported("alpha %g", attrs.Alpha))
	}

	out := input.Info
	out.Quantization = attrs.OutputQuantization
	return n.add(attrs, []*Operand{input}, out).Outputs[0], nil
}

// SigmoidQuantization is the fixed output quantization of a sigmoid.
var SigmoidQuantization = QuantizationInfo{ZeroPoint: 0, Scale: 1.0 / 256}

// AddSigmoid adds a sigmoid.
func (n *Network) AddSigmoid(input *Operand) (*Operand, error) {
	out := input.Info
	out.Quantization = SigmoidQuantization
	if out.DataType == DataTypeInt8Quantized {
		out.Quantization.ZeroPoint = -128
	}
	return n.add(SigmoidAttrs{}, []*Operand{input}, out).Outputs[0], nil
}

// IsGlobalMean reports whether the pooling averages a whole 7x7 or 8x8
// plane.
func (p PoolingInfo) IsGlobalMean(in util.TensorShape) bool {
	return p.Type == PoolingAvg &&
		p.SizeX == in.Width() && p.SizeY == in.Height() &&
		(p.SizeX == 7 || p.SizeX == 8) && p.SizeX == p.SizeY &&
		p.Padding == (Padding{})
}

func checkPooling(p PoolingInfo, in util.TensorShape) error {
	switch {
	case p.IsGlobalMean(in):
		return nil
	case p.Type == PoolingAvg && p.SizeX == 3 && p.SizeY == 3 && p.Stride == (Stride{1, 1}) &&
		p.Padding == (Padding{1, 1, 1, 1}):
		return nil
	case p.Type == PoolingMax && p.SizeX == 2 && p.SizeY == 2 && p.Stride == (Stride{2, 2}):
		return nil
	case p.Type == PoolingMax && p.SizeX == 3 && p.SizeY == 3 && p.Stride == (Stride{2, 2}):
		return nil
	}
	return unsupported("%s pooling %dx%d stride %dx%d", p.Type, p.SizeX, p.SizeY, p.Stride.X, p.Stride.Y)
}

// AddPooling adds a pooling operation.
func (n *Network) AddPooling(input *Operand, info PoolingInfo) (*Operand, error) {
	in := input.Info.Dimensions
	if err := checkPooling(info, in); err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}

	p := info.Padding
	h, err := windowedSize(in.Height(), p.Top, p.Bottom, info.SizeY, info.Stride.Y)
	if err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}
	w, err := windowedSize(in.Width(), p.Left, p.Right, info.SizeX, info.Stride.X)
	if err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}

	out := input.Info
	out.Dimensions = util.TensorShape{1, h, w, in.Channels()}
	return n.add(PoolingAttrs{Info: info}, []*Operand{input}, out).Outputs[0], nil
}

// AddRequantize changes the quantization of a tensor.
func (n *Network) AddRequantize(input *Operand, attrs RequantizeAttrs) (*Operand, error) {
	if attrs.OutputQuantization.Scale <= 0 {
		return nil, fmt.Errorf("requantize: %w", invalid("quantization scale must be positive"))
	}

	out := input.Info
	out.Quantization = attrs.OutputQuantization
	return n.add(attrs, []*Operand{input}, out).Outputs[0], nil
}

// AddEstimateOnly adds an operation that is only accounted for when
// estimating performance. Compiling a network containing one fails.
func (n *Network) AddEstimateOnly(inputs []*Operand, outputs []TensorInfo, reason string) ([]*Operand, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("estimate only: %w", invalid("needs at least one input and one output"))
	}

	return n.add(EstimateOnlyAttrs{Reason: reason}, inputs, outputs...).Outputs, nil
}

// AddOutput marks an operand as a network output.
func (n *Network) AddOutput(input *Operand, format DataFormat) (*Operation, error) {
	if format != FormatNHWC && format != FormatNHWCB {
		return nil, fmt.Errorf("output: %w", unsupported("output format %s", format))
	}

	return n.add(OutputAttrs{Format: format}, []*Operand{input}), nil
}

// Inputs returns the input operations.
func (n *Network) Inputs() []*Operation {
	return n.ofKind(KindInput)
}

// OutputOperations returns the output operations.
func (n *Network) OutputOperations() []*Operation {
	return n.ofKind(KindOutput)
}

func (n *Network) ofKind(k OperationKind) []*Operation {
	var res []*Operation
	for _, op := range n.ops {
		if op.Kind() == k {
			res = append(res, op)
		}
	}
	return res
}
