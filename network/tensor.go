// Package network is the operator graph handed to the compiler. Operations
// are added through a Network and validated as they are added, so that a
// network that was built without error only contains shapes the compiler can
// reason about.
package network

import (
	"fmt"
	"strings"

	"github.com/sarchlab/npuc/util"
)

// DataType is the element type of a tensor.
type DataType uint8

const (
	DataTypeUint8Quantized DataType = iota
	DataTypeInt8Quantized
	DataTypeInt32Quantized
)

var dataTypeNames = map[DataType]string{
	DataTypeUint8Quantized: "UINT8_QUANTIZED",
	DataTypeInt8Quantized:  "INT8_QUANTIZED",
	DataTypeInt32Quantized: "INT32_QUANTIZED",
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint8(d))
}

// ElementSize returns the size of one element in bytes.
func (d DataType) ElementSize() uint32 {
	if d == DataTypeInt32Quantized {
		return 4
	}
	return 1
}

// ParseDataType accepts the names printed by String, case-insensitively.
// An empty string selects DataTypeUint8Quantized.
func ParseDataType(s string) (DataType, error) {
	if s == "" {
		return DataTypeUint8Quantized, nil
	}
	for d, name := range dataTypeNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// DataFormat is the memory layout of a tensor.
type DataFormat uint8

const (
	FormatNHWC DataFormat = iota
	FormatNHWCB
	FormatNCHW
	FormatHWIO
	FormatHWIM
)

var dataFormatNames = map[DataFormat]string{
	FormatNHWC:  "NHWC",
	FormatNHWCB: "NHWCB",
	FormatNCHW:  "NCHW",
	FormatHWIO:  "HWIO",
	FormatHWIM:  "HWIM",
}

func (f DataFormat) String() string {
	if name, ok := dataFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("DataFormat(%d)", uint8(f))
}

// ParseDataFormat accepts the names printed by String, case-insensitively.
// An empty string selects FormatNHWC.
func ParseDataFormat(s string) (DataFormat, error) {
	if s == "" {
		return FormatNHWC, nil
	}
	for f, name := range dataFormatNames {
		if strings.EqualFold(name, s) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown data format %q", s)
}

// QuantizationInfo maps quantized values q to real values
// Scale * (q - ZeroPoint).
type QuantizationInfo struct {
	ZeroPoint int32   `yaml:"zero_point"`
	Scale     float32 `yaml:"scale"`
}

// DefaultQuantization is used when a description leaves the quantization
// out.
var DefaultQuantization = QuantizationInfo{ZeroPoint: 0, Scale: 1}

// TensorInfo describes one tensor.
type TensorInfo struct {
	Dimensions   util.TensorShape
	DataType     DataType
	DataFormat   DataFormat
	Quantization QuantizationInfo
}

// SizeBytes returns the size of the tensor data.
func (t TensorInfo) SizeBytes() uint32 {
	return t.Dimensions.NumElements() * t.DataType.ElementSize()
}

// Padding is applied around the spatial dimensions of an input.
type Padding struct {
	Top, Bottom, Left, Right uint32
}

// Stride of a convolution or pooling window.
type Stride struct {
	X, Y uint32
}
