package network

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/npuc/util"
)

// EstimateOnlyReason is recorded for operators that have neither a builder
// nor a mapping entry.
const EstimateOnlyReason = "Could not be estimated: Please provide a mapping file entry for this operation"

// TensorDesc describes a tensor in a network description. Constant tensors
// take their content from Data, or repeat Fill.
type TensorDesc struct {
	Shape    []uint32          `yaml:"shape"`
	Format   string            `yaml:"format"`
	DataType string            `yaml:"data_type"`
	Quant    *QuantizationInfo `yaml:"quant"`
	Fill     int32             `yaml:"fill"`
	Data     []int32           `yaml:"data"`
}

// PoolingDesc describes the window of a Pooling layer.
type PoolingDesc struct {
	Type    string   `yaml:"type"`
	Size    []uint32 `yaml:"size"`
	Stride  []uint32 `yaml:"stride"`
	Padding []uint32 `yaml:"padding"`
}

// LayerDesc is one layer of a network description. Inputs name the layers
// feeding it, "name:i" selecting output i.
type LayerDesc struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Inputs  []string `yaml:"inputs"`
	Outputs int      `yaml:"outputs,omitempty"`

	Tensor  *TensorDesc `yaml:"tensor,omitempty"`
	Weights *TensorDesc `yaml:"weights,omitempty"`
	Bias    *TensorDesc `yaml:"bias,omitempty"`
	Output  *TensorDesc `yaml:"output,omitempty"`

	Stride      []uint32          `yaml:"stride,omitempty"`
	Padding     []uint32          `yaml:"padding,omitempty"`
	OutputQuant *QuantizationInfo `yaml:"output_quant,omitempty"`
	Lower       int16             `yaml:"lower,omitempty"`
	Upper       int16             `yaml:"upper,omitempty"`
	Alpha       float32           `yaml:"alpha,omitempty"`
	Pooling     *PoolingDesc      `yaml:"pooling,omitempty"`
	Format      string            `yaml:"format,omitempty"`
}

// Description is a network in its YAML form.
type Description struct {
	Name   string      `yaml:"name"`
	Layers []LayerDesc `yaml:"layers"`
}

// BuildOptions control how layers the builder does not know are handled.
type BuildOptions struct {
	Mapping Mapping

	// Estimation turns unknown layers into EstimateOnly operations instead
	// of failing.
	Estimation bool
}

const (
	layerInput                = "Input"
	layerOutput               = "Output"
	layerConvolution          = "Convolution"
	layerDepthwiseConvolution = "DepthwiseConvolution"
	layerFullyConnected       = "FullyConnected"
	layerRelu                 = "Relu"
	layerLeakyRelu            = "LeakyRelu"
	layerSigmoid              = "Sigmoid"
	layerPooling              = "Pooling"
	layerRequantize           = "Requantize"
)

var layerKinds = map[string]OperationKind{
	layerInput:                KindInput,
	layerOutput:               KindOutput,
	layerConvolution:          KindConvolution,
	layerDepthwiseConvolution: KindDepthwiseConvolution,
	layerFullyConnected:       KindFullyConnected,
	layerRelu:                 KindRelu,
	layerLeakyRelu:            KindLeakyRelu,
	layerSigmoid:              KindSigmoid,
	layerPooling:              KindPooling,
	layerRequantize:           KindRequantize,
}

// LoadDescription reads a network description file.
func LoadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("failed to read network description: %w", err)
	}

	return ParseDescription(data)
}

// ParseDescription decodes a YAML network description.
func ParseDescription(data []byte) (Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Description{}, fmt.Errorf("failed to parse network description: %w", err)
	}

	seen := make(map[string]bool)
	for i, l := range d.Layers {
		if l.Name == "" {
			return Description{}, fmt.Errorf("layer %d has no name", i)
		}
		if seen[l.Name] {
			return Description{}, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		seen[l.Name] = true
	}

	return d, nil
}

// NumInputs returns the number of Input layers.
func (d Description) NumInputs() int {
	return d.count(layerInput)
}

// NumOutputs returns the number of Output layers.
func (d Description) NumOutputs() int {
	return d.count(layerOutput)
}

func (d Description) count(layerType string) int {
	n := 0
	for _, l := range d.Layers {
		if l.Type == layerType {
			n++
		}
	}
	return n
}

type descBuilder struct {
	net      *Network
	opts     BuildOptions
	operands map[string][]*Operand
}

// Build creates the network described. Layers must be listed after the
// layers they consume.
func (d Description) Build(opts BuildOptions) (*Network, error) {
	b := &descBuilder{
		net:      New(),
		opts:     opts,
		operands: make(map[string][]*Operand),
	}

	for _, l := range d.Layers {
		if err := b.addLayer(l); err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
	}

	return b.net, nil
}

func (b *descBuilder) inputs(l LayerDesc) ([]*Operand, error) {
	var res []*Operand
	for _, ref := range l.Inputs {
		name, idx := ref, 0
		if i := strings.LastIndex(ref, ":"); i >= 0 {
			n, err := strconv.Atoi(ref[i+1:])
			if err != nil {
				return nil, fmt.Errorf("bad input reference %q", ref)
			}
			name, idx = ref[:i], n
		}

		outs, ok := b.operands[name]
		if !ok || idx >= len(outs) {
			return nil, fmt.Errorf("unknown input %q", ref)
		}
		res = append(res, outs[idx])
	}
	return res, nil
}

func (b *descBuilder) addLayer(l LayerDesc) error {
	inputs, err := b.inputs(l)
	if err != nil {
		return err
	}

	layerType := l.Type
	if _, known := layerKinds[layerType]; !known {
		if replacement, ok := b.opts.Mapping.Replacement(layerType); ok {
			util.Trace("Layer mapped", "layer", l.Name, "type", layerType, "replacement", replacement)
			layerType = replacement
		}
	}

	wantInputs := 1
	switch layerType {
	case layerInput:
		wantInputs = 0
	case layerOutput:
	default:
		if _, known := layerKinds[layerType]; !known {
			return b.addUnknown(l, inputs)
		}
	}
	if len(inputs) != wantInputs {
		return fmt.Errorf("%s takes %d input(s), got %d", layerType, wantInputs, len(inputs))
	}

	var outs []*Operand
	var out *Operand
	switch layerType {
	case layerInput:
		info, err := tensorInfo(l.Tensor, FormatNHWC)
		if err != nil {
			return err
		}
		out, err = b.net.AddInput(info)
		if err != nil {
			return err
		}
	case layerOutput:
		format, err := ParseDataFormat(l.Format)
		if err != nil {
			return err
		}
		op, err := b.net.AddOutput(inputs[0], format)
		if err != nil {
			return err
		}
		op.Name = l.Name
		return nil
	case layerConvolution, layerDepthwiseConvolution, layerFullyConnected:
		out, err = b.addWeighted(l, layerType, inputs[0])
	case layerRelu:
		out, err = b.net.AddRelu(inputs[0], ReluAttrs{Lower: l.Lower, Upper: l.Upper})
	case layerLeakyRelu:
		out, err = b.net.AddLeakyRelu(inputs[0], LeakyReluAttrs{
			Alpha:              l.Alpha,
			OutputQuantization: quantOr(l.OutputQuant, inputs[0].Info.Quantization),
		})
	case layerSigmoid:
		out, err = b.net.AddSigmoid(inputs[0])
	case layerPooling:
		var info PoolingInfo
		info, err = poolingInfo(l.Pooling)
		if err == nil {
			out, err = b.net.AddPooling(inputs[0], info)
		}
	case layerRequantize:
		out, err = b.net.AddRequantize(inputs[0], RequantizeAttrs{
			OutputQuantization: quantOr(l.OutputQuant, inputs[0].Info.Quantization),
		})
	}
	if err != nil {
		return err
	}

	out.Producer.Name = l.Name
	outs = append(outs, out)
	b.operands[l.Name] = outs
	return nil
}

func (b *descBuilder) addUnknown(l LayerDesc, inputs []*Operand) error {
	if !b.opts.Estimation {
		return fmt.Errorf("%w: layer type %q", ErrUnsupported, l.Type)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("layer type %q needs at least one input", l.Type)
	}

	info := inputs[0].Info
	if l.Output != nil {
		var err error
		info, err = tensorInfo(l.Output, info.DataFormat)
		if err != nil {
			return err
		}
	}
	numOutputs := max(l.Outputs, 1)
	infos := make([]TensorInfo, numOutputs)
	for i := range infos {
		infos[i] = info
	}

	outs, err := b.net.AddEstimateOnly(inputs, infos, EstimateOnlyReason)
	if err != nil {
		return err
	}

	outs[0].Producer.Name = l.Name
	b.operands[l.Name] = outs
	util.Trace("Layer estimated only", "layer", l.Name, "type", l.Type)
	return nil
}

func (b *descBuilder) addWeighted(l LayerDesc, layerType string, input *Operand) (*Operand, error) {
	defaultFormat := FormatHWIO
	if layerType == layerDepthwiseConvolution {
		defaultFormat = FormatHWIM
	}
	wInfo, err := tensorInfo(l.Weights, defaultFormat)
	if err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}
	weights, err := b.net.AddConstant(wInfo, constantData(l.Weights, wInfo))
	if err != nil {
		return nil, err
	}
	weights.Producer.Name = l.Name + "/weights"

	bInfo, err := biasInfo(l.Bias, wInfo, input.Info, layerType == layerDepthwiseConvolution)
	if err != nil {
		return nil, fmt.Errorf("bias: %w", err)
	}
	bias, err := b.net.AddConstant(bInfo, constantData(l.Bias, bInfo))
	if err != nil {
		return nil, err
	}
	bias.Producer.Name = l.Name + "/bias"

	outQuant := quantOr(l.OutputQuant, input.Info.Quantization)
	if layerType == layerFullyConnected {
		return b.net.AddFullyConnected(input, bias, weights, outQuant)
	}

	info := ConvolutionInfo{Stride: Stride{1, 1}, OutputQuantization: outQuant}
	if len(l.Stride) == 2 {
		info.Stride = Stride{X: l.Stride[0], Y: l.Stride[1]}
	}
	if len(l.Padding) == 4 {
		info.Padding = Padding{Top: l.Padding[0], Bottom: l.Padding[1], Left: l.Padding[2], Right: l.Padding[3]}
	}

	if layerType == layerDepthwiseConvolution {
		return b.net.AddDepthwiseConvolution(input, bias, weights, info)
	}
	return b.net.AddConvolution(input, bias, weights, info)
}

func quantOr(q *QuantizationInfo, def QuantizationInfo) QuantizationInfo {
	if q == nil {
		return def
	}
	return *q
}

func shapeOf(dims []uint32) (util.TensorShape, error) {
	if len(dims) != 4 {
		return util.TensorShape{}, fmt.Errorf("shape must have 4 dimensions, got %d", len(dims))
	}
	return util.TensorShape{dims[0], dims[1], dims[2], dims[3]}, nil
}

func tensorInfo(d *TensorDesc, defaultFormat DataFormat) (TensorInfo, error) {
	if d == nil {
		return TensorInfo{}, fmt.Errorf("missing tensor")
	}

	shape, err := shapeOf(d.Shape)
	if err != nil {
		return TensorInfo{}, err
	}
	dt, err := ParseDataType(d.DataType)
	if err != nil {
		return TensorInfo{}, err
	}
	format := defaultFormat
	if d.Format != "" {
		if format, err = ParseDataFormat(d.Format); err != nil {
			return TensorInfo{}, err
		}
	}

	return TensorInfo{
		Dimensions:   shape,
		DataType:     dt,
		DataFormat:   format,
		Quantization: quantOr(d.Quant, DefaultQuantization),
	}, nil
}

// biasInfo defaults the bias to zeros with the scale the hardware expects.
func biasInfo(d *TensorDesc, weights, input TensorInfo, depthwise bool) (TensorInfo, error) {
	channels := weights.Dimensions[3]
	if depthwise {
		channels = weights.Dimensions[2] * weights.Dimensions[3]
	}

	info := TensorInfo{
		Dimensions: util.TensorShape{1, 1, 1, channels},
		DataType:   DataTypeInt32Quantized,
		DataFormat: FormatNHWC,
		Quantization: QuantizationInfo{
			Scale: input.Quantization.Scale * weights.Quantization.Scale,
		},
	}
	if d == nil {
		return info, nil
	}

	if len(d.Shape) != 0 {
		shape, err := shapeOf(d.Shape)
		if err != nil {
			return TensorInfo{}, err
		}
		info.Dimensions = shape
	}
	if d.Quant != nil {
		info.Quantization = *d.Quant
	}
	return info, nil
}

func constantData(d *TensorDesc, info TensorInfo) []byte {
	n := info.Dimensions.NumElements()
	size := info.DataType.ElementSize()
	data := make([]byte, n*size)

	for i := uint32(0); i < n; i++ {
		v := int32(0)
		if d != nil {
			v = d.Fill
			if len(d.Data) > 0 {
				v = d.Data[int(i)%len(d.Data)]
			}
		}

		if size == 4 {
			binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
		} else {
			data[i] = byte(v)
		}
	}

	return data
}

func poolingInfo(d *PoolingDesc) (PoolingInfo, error) {
	if d == nil || len(d.Size) != 2 || len(d.Stride) != 2 {
		return PoolingInfo{}, fmt.Errorf("pooling needs a size and a stride")
	}

	info := PoolingInfo{
		SizeX:  d.Size[0],
		SizeY:  d.Size[1],
		Stride: Stride{X: d.Stride[0], Y: d.Stride[1]},
	}
	if len(d.Padding) == 4 {
		info.Padding = Padding{Top: d.Padding[0], Bottom: d.Padding[1], Left: d.Padding[2], Right: d.Padding[3]}
	}

	switch strings.ToUpper(d.Type) {
	case "MAX":
		info.Type = PoolingMax
	case "AVG", "AVERAGE":
		info.Type = PoolingAvg
	default:
		return PoolingInfo{}, fmt.Errorf("unknown pooling type %q", d.Type)
	}

	return info, nil
}
