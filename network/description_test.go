package network_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

const reluAbsDescription = `
name: relu-abs
layers:
  - name: input
    type: Input
    tensor:
      shape: [1, 16, 16, 16]
      quant: {zero_point: 0, scale: 1}
  - name: relu
    type: Relu
    inputs: [input]
    lower: 0
    upper: 6
  - name: abs
    type: Abs
    inputs: [relu]
  - name: output
    type: Output
    inputs: [abs]
`

var _ = Describe("Description", func() {
	It("should build a convolution with default bias", func() {
		d, err := network.ParseDescription([]byte(`
layers:
  - name: input
    type: Input
    tensor: {shape: [1, 16, 16, 16], quant: {zero_point: 0, scale: 1}}
  - name: conv
    type: Convolution
    inputs: [input]
    weights: {shape: [1, 1, 16, 16], quant: {zero_point: 0, scale: 0.5}, fill: 2}
    output_quant: {zero_point: 0, scale: 1.5}
  - name: output
    type: Output
    inputs: [conv]
`))
		Expect(err).ToNot(HaveOccurred())

		n, err := d.Build(network.BuildOptions{})
		Expect(err).ToNot(HaveOccurred())

		ops := n.Operations()
		Expect(ops).To(HaveLen(5))
		conv := ops[3]
		Expect(conv.Name).To(Equal("conv"))
		Expect(conv.Kind()).To(Equal(network.KindConvolution))
		Expect(conv.Outputs[0].Info.Dimensions).To(Equal(util.TensorShape{1, 16, 16, 16}))

		attrs := conv.Attrs.(network.ConvolutionAttrs)
		Expect(attrs.Weights.Attrs.(network.ConstantAttrs).Data).To(HaveEach(byte(2)))
		Expect(attrs.Bias.Outputs[0].Info.Quantization.Scale).To(BeNumerically("~", 0.5))
		Expect(d.NumInputs()).To(Equal(1))
		Expect(d.NumOutputs()).To(Equal(1))
	})

	It("should fail on unknown layers when compiling", func() {
		d, err := network.ParseDescription([]byte(reluAbsDescription))
		Expect(err).ToNot(HaveOccurred())

		_, err = d.Build(network.BuildOptions{})
		Expect(err).To(MatchError(network.ErrUnsupported))
	})

	It("should estimate unknown layers only", func() {
		d, _ := network.ParseDescription([]byte(reluAbsDescription))

		n, err := d.Build(network.BuildOptions{Estimation: true})
		Expect(err).ToNot(HaveOccurred())

		abs := n.Operations()[2]
		Expect(abs.Kind()).To(Equal(network.KindEstimateOnly))
		Expect(abs.Attrs.(network.EstimateOnlyAttrs).Reason).To(Equal(network.EstimateOnlyReason))
	})

	It("should apply the mapping file", func() {
		d, _ := network.ParseDescription([]byte(reluAbsDescription))
		m, err := network.ParseMapping([]byte(`
mappings:
  - pattern: Abs
    replacement: Sigmoid
`))
		Expect(err).ToNot(HaveOccurred())

		n, err := d.Build(network.BuildOptions{Mapping: m, Estimation: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(n.Operations()[2].Kind()).To(Equal(network.KindSigmoid))
	})

	It("should reject mappings to unknown operators", func() {
		_, err := network.ParseMapping([]byte(`
mappings:
  - pattern: Abs
    replacement: Magic
`))
		Expect(err).To(HaveOccurred())
	})

	It("should reject duplicate layer names", func() {
		_, err := network.ParseDescription([]byte(`
layers:
  - {name: a, type: Input, tensor: {shape: [1, 1, 1, 1]}}
  - {name: a, type: Output, inputs: [a]}
`))
		Expect(err).To(MatchError(ContainSubstring("duplicate")))
	})

	It("should report unknown inputs", func() {
		d, _ := network.ParseDescription([]byte(`
layers:
  - {name: out, type: Output, inputs: [missing]}
`))
		_, err := d.Build(network.BuildOptions{})
		Expect(err).To(MatchError(ContainSubstring("unknown input")))
	})
})
