package network

import "fmt"

// OperationKind identifies the operator of an Operation.
type OperationKind uint8

const (
	KindInput OperationKind = iota
	KindOutput
	KindConstant
	KindConvolution
	KindDepthwiseConvolution
	KindFullyConnected
	KindRelu
	KindLeakyRelu
	KindSigmoid
	KindPooling
	KindRequantize
	KindEstimateOnly
)

var kindNames = [...]string{
	"Input", "Output", "Constant", "Convolution", "DepthwiseConvolution",
	"FullyConnected", "Relu", "LeakyRelu", "Sigmoid", "Pooling", "Requantize",
	"EstimateOnly",
}

func (k OperationKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("OperationKind(%d)", uint8(k))
}

// Attributes holds the parameters specific to one kind of operation.
type Attributes interface {
	Kind() OperationKind
}

type InputAttrs struct{}

type OutputAttrs struct {
	Format DataFormat
}

type ConstantAttrs struct {
	Data []byte
}

// ConvolutionInfo is shared by the convolution operators.
type ConvolutionInfo struct {
	Padding            Padding
	Stride             Stride
	OutputQuantization QuantizationInfo
}

type ConvolutionAttrs struct {
	Info    ConvolutionInfo
	Bias    *Operation
	Weights *Operation
}

type DepthwiseConvolutionAttrs struct {
	Info    ConvolutionInfo
	Bias    *Operation
	Weights *Operation
}

type FullyConnectedAttrs struct {
	OutputQuantization QuantizationInfo
	Bias               *Operation
	Weights            *Operation
}

// ReluAttrs clamps the quantized output to [Lower, Upper].
type ReluAttrs struct {
	Lower int16
	Upper int16
}

type LeakyReluAttrs struct {
	Alpha              float32
	OutputQuantization QuantizationInfo
}

type SigmoidAttrs struct{}

// PoolingType selects the reduction of a pooling window.
type PoolingType uint8

const (
	PoolingMax PoolingType = iota
	PoolingAvg
)

func (p PoolingType) String() string {
	if p == PoolingAvg {
		return "AVG"
	}
	return "MAX"
}

type PoolingInfo struct {
	SizeX, SizeY uint32
	Stride       Stride
	Padding      Padding
	Type         PoolingType
}

type PoolingAttrs struct {
	Info PoolingInfo
}

type RequantizeAttrs struct {
	OutputQuantization QuantizationInfo
}

// EstimateOnlyAttrs stands for an operator the compiler cannot build but
// whose presence should show up in a performance estimate.
type EstimateOnlyAttrs struct {
	Reason string
}

func (InputAttrs) Kind() OperationKind                { return KindInput }
func (OutputAttrs) Kind() OperationKind               { return KindOutput }
func (ConstantAttrs) Kind() OperationKind             { return KindConstant }
func (ConvolutionAttrs) Kind() OperationKind          { return KindConvolution }
func (DepthwiseConvolutionAttrs) Kind() OperationKind { return KindDepthwiseConvolution }
func (FullyConnectedAttrs) Kind() OperationKind       { return KindFullyConnected }
func (ReluAttrs) Kind() OperationKind                 { return KindRelu }
func (LeakyReluAttrs) Kind() OperationKind            { return KindLeakyRelu }
func (SigmoidAttrs) Kind() OperationKind              { return KindSigmoid }
func (PoolingAttrs) Kind() OperationKind              { return KindPooling }
func (RequantizeAttrs) Kind() OperationKind           { return KindRequantize }
func (EstimateOnlyAttrs) Kind() OperationKind         { return KindEstimateOnly }

// Operation is a vertex of the network.
type Operation struct {
	ID      uint32
	Name    string
	Attrs   Attributes
	Inputs  []*Operand
	Outputs []*Operand
}

// Kind returns the operator of the operation.
func (o *Operation) Kind() OperationKind {
	return o.Attrs.Kind()
}

func (o *Operation) String() string {
	if o.Name != "" {
		return fmt.Sprintf("%s %d (%s)", o.Kind(), o.ID, o.Name)
	}
	return fmt.Sprintf("%s %d", o.Kind(), o.ID)
}

// Operand is an output of an operation, possibly consumed by others.
type Operand struct {
	Producer  *Operation
	Index     int
	Info      TensorInfo
	Consumers []Consumer
}

// Consumer is an input slot reading an operand.
type Consumer struct {
	Operation *Operation
	Index     int
}
