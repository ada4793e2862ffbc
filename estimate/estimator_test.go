package estimate_test

import (
	"bytes"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

func activation(shape util.TensorShape) graph.TensorParams {
	return graph.TensorParams{
		Shape:  shape,
		Quant:  network.QuantizationInfo{Scale: 1},
		Format: graph.FormatNHWCB,
	}
}

func conv(g *graph.Graph, in *graph.Node, kernel, outC uint32, hint graph.AlgorithmHint) *graph.Node {
	inShape := in.Shape
	n := g.AddMce(activation(util.TensorShape{1, inShape.Height(), inShape.Width(), outC}),
		graph.MceAttrs{
			Operation:               cmdstream.MceConvolution,
			UninterleavedInputShape: inShape,
			Stride:                  network.Stride{X: 1, Y: 1},
			PadTop:                  kernel / 2,
			PadLeft:                 kernel / 2,
			AlgorithmHint:           hint,
			Weights: network.TensorInfo{
				Dimensions:   util.TensorShape{kernel, kernel, inShape.Channels(), outC},
				DataFormat:   network.FormatHWIO,
				Quantization: network.QuantizationInfo{Scale: 0.5},
			},
		}, 1)
	g.Connect(in, n, -1)
	return n
}

var _ = Describe("Estimator", func() {
	var (
		caps      config.HardwareCapabilities
		passOpts  pass.Options
		estOpts   config.EstimationOptions
		g         *graph.Graph
		input     *graph.Node
		alloc     sram.Allocator
		estimator *estimate.Estimator
	)

	BeforeEach(func() {
		caps = config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()
		passOpts = pass.OptionsFrom(caps, config.DefaultCompilationOptions())
		estOpts = config.EstimationOptions{Current: true}
		g = graph.New()
		alloc = sram.NewAllocator(caps.TotalSramSize() / caps.NumberOfSrams())
		input = g.AddInput(activation(util.TensorShape{1, 16, 16, 16}), 0)
	})

	JustBeforeEach(func() {
		estimator = estimate.NewEstimator(caps, estOpts, codegen.NewEncoder(caps))
	})

	Context("with a 1x1 convolution", func() {
		var p *pass.McePle

		BeforeEach(func() {
			mce := conv(g, input, 1, 16, graph.AllowWinograd)
			mce.LocationHint = graph.RequireDram
			out := g.AddOutput(cmdstream.DataTypeU8, 1, 0)
			g.Connect(mce, out, -1)

			p = pass.CreateMcePle(passOpts, 0, mce, &alloc)
			Expect(p).NotTo(BeNil())
		})

		It("should count the MCE and PLE work", func() {
			perf, err := estimator.EstimatePass(p)

			Expect(err).NotTo(HaveOccurred())
			Expect(perf.OperationIDs).To(Equal([]uint32{1}))
			Expect(perf.Mce.Operations).To(Equal(uint64(131072)))
			Expect(perf.Mce.CycleCount).To(Equal(uint32(32)))
			Expect(perf.Ple.NumOfPatches).To(Equal(uint32(16)))
			Expect(perf.Ple.Operation).To(Equal(uint32(cmdstream.PlePassthrough)))
			Expect(perf.Weights.DramNonParallelBytes).To(Equal(uint32(768)))
			Expect(perf.Metric).To(BeZero())
		})

		It("should read the whole input from DRAM", func() {
			perf, err := estimator.EstimatePass(p)

			Expect(err).NotTo(HaveOccurred())
			Expect(perf.Input.DramParallelBytes + perf.Input.DramNonParallelBytes).
				To(BeNumerically(">=", uint32(16*16*16)))
			Expect(perf.Output.DramParallelBytes + perf.Output.DramNonParallelBytes).
				To(Equal(uint32(16 * 16 * 16)))
		})

		It("should list no issues", func() {
			data, err := estimator.Estimate(g, []pass.Pass{p})

			Expect(err).NotTo(HaveOccurred())
			Expect(data.Stream).To(HaveLen(1))
			Expect(data.Issues).To(BeEmpty())
			Expect(data.TotalCycles()).To(Equal(uint64(32)))
		})

		Context("for the cascading estimate", func() {
			BeforeEach(func() {
				estOpts.Current = false
			})

			It("should give a cycle metric", func() {
				perf, err := estimator.EstimatePass(p)

				Expect(err).NotTo(HaveOccurred())
				Expect(perf.Metric).To(BeNumerically(">=", 2500))
			})
		})
	})

	Context("with a 3x3 convolution", func() {
		It("should count Winograd cycles", func() {
			mce := conv(g, input, 3, 16, graph.AllowWinograd)
			mce.LocationHint = graph.RequireDram

			p := pass.CreateMcePle(passOpts, 0, mce, &alloc)
			Expect(p).NotTo(BeNil())
			Expect(p.Algorithm).To(Equal(graph.AlgorithmWinograd))

			perf, err := estimator.EstimatePass(p)

			Expect(err).NotTo(HaveOccurred())
			Expect(perf.Mce.CycleCount).To(Equal(uint32(128)))
			Expect(perf.Mce.Operations).To(Equal(uint64(9 * 131072)))
		})

		It("should count direct cycles when Winograd is not allowed", func() {
			mce := conv(g, input, 3, 16, graph.RequireDirect)
			mce.LocationHint = graph.RequireDram

			p := pass.CreateMcePle(passOpts, 0, mce, &alloc)
			Expect(p).NotTo(BeNil())

			perf, err := estimator.EstimatePass(p)

			Expect(err).NotTo(HaveOccurred())
			Expect(perf.Mce.CycleCount).To(Equal(uint32(288)))
		})
	})

	Context("with an operation that cannot be estimated", func() {
		It("should report it under Issues", func() {
			abs := g.AddEstimateOnly(activation(input.Shape), network.EstimateOnlyReason, 7)
			g.Connect(input, abs, -1)

			data, err := estimator.Estimate(g, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(data.Stream).To(BeEmpty())
			Expect(data.Issues).To(HaveKeyWithValue(uint32(7), network.EstimateOnlyReason))
		})
	})

	Context("with a standalone PLE operation", func() {
		It("should count patches per engine", func() {
			pool := g.AddStandalonePle(activation(util.TensorShape{1, 16, 16, 16}),
				cmdstream.PleAvgPool3x3_1_1Udma, 1)
			pool.LocationHint = graph.RequireDram
			g.Connect(input, pool, -1)

			p := pass.CreatePle(caps, 0, pool, &alloc)
			Expect(p).NotTo(BeNil())

			perf, err := estimator.EstimatePass(p)

			Expect(err).NotTo(HaveOccurred())
			Expect(perf.Ple.NumOfPatches).To(Equal(uint32(4 * 4 * 2)))
			Expect(perf.Ple.Operation).To(Equal(uint32(cmdstream.PleAvgPool3x3_1_1Udma)))
			Expect(perf.Mce).To(Equal(estimate.MceStats{}))
		})
	})
})

var _ = Describe("Metric", func() {
	It("should be bounded below by the per stripe minimum", func() {
		m := estimate.Metric(estimate.PassStats{}, &estimate.ComputeWork{Cycles: 10, Stripes: 2, Overhead: 100}, nil)
		Expect(m).To(Equal(5000.0))
	})

	It("should add transfers that cannot overlap", func() {
		s := estimate.PassStats{}
		s.Input.DramNonParallelBytes = 16 * 10000
		s.Input.NumCentralStripes = 1

		Expect(estimate.Metric(s, nil, nil)).To(Equal(10100.0))
	})

	It("should hide parallel transfers behind the slowest unit", func() {
		s := estimate.PassStats{}
		s.Input.DramParallelBytes = 16 * 1000
		s.Input.NumCentralStripes = 1

		Expect(estimate.Metric(s, &estimate.ComputeWork{Cycles: 8000, Stripes: 1, Overhead: 100}, nil)).
			To(Equal(8100.0))
	})
})

var _ = Describe("Report", func() {
	It("should name the operations and list the issues", func() {
		caps := config.CapabilitiesBuilder{}.MustBuild()
		net := network.New()
		in, err := net.AddInput(network.TensorInfo{
			Dimensions:   util.TensorShape{1, 16, 16, 16},
			DataType:     network.DataTypeUint8Quantized,
			DataFormat:   network.FormatNHWC,
			Quantization: network.QuantizationInfo{Scale: 1},
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = net.AddOutput(in, network.FormatNHWC)
		Expect(err).NotTo(HaveOccurred())

		r := estimate.NewReport(caps, config.EstimationOptions{Current: true}, net,
			estimate.NetworkPerformanceData{Issues: map[uint32]string{1: network.EstimateOnlyReason}})

		var buf bytes.Buffer
		Expect(r.WriteJSON(&buf)).To(Succeed())

		var decoded map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &decoded)).To(Succeed())
		Expect(decoded).To(HaveKey("Config"))
		Expect(decoded["OperationNames"]).To(HaveLen(2))
		Expect(decoded["Results"]).To(HaveKeyWithValue("Issues",
			HaveKeyWithValue("1", network.EstimateOnlyReason)))
	})

	It("should summarise passes in a table", func() {
		d := estimate.NetworkPerformanceData{
			Stream: []estimate.PassPerformanceData{{
				OperationIDs: []uint32{1, 2},
				PassStats:    estimate.PassStats{Mce: estimate.MceStats{Operations: 131072, CycleCount: 32}},
			}},
			Issues: map[uint32]string{3: network.EstimateOnlyReason},
		}

		out := estimate.Summary(d)

		Expect(out).To(ContainSubstring("131072"))
		Expect(out).To(ContainSubstring("1,2"))
		Expect(out).To(ContainSubstring(network.EstimateOnlyReason))
	})
})

var _ = Describe("Cascade", func() {
	entry := func(in, wgt, out uint32) estimate.PassPerformanceData {
		p := estimate.PassPerformanceData{}
		p.Input.DramNonParallelBytes = in
		p.Weights.DramNonParallelBytes = wgt
		p.Output.DramNonParallelBytes = out
		return p
	}

	It("should keep the intermediate feature maps in SRAM", func() {
		stream := []estimate.PassPerformanceData{entry(1000, 100, 1000), entry(1000, 100, 1000)}

		res := estimate.Cascade(stream, 1<<20)

		Expect(res[0].Input.DramNonParallelBytes).To(Equal(uint32(200)))
		Expect(res[0].Input.DramParallelBytes).To(Equal(uint32(800)))
		Expect(res[0].Output.SramBytes).To(Equal(uint32(1000)))
		Expect(res[0].Output.DramNonParallelBytes).To(BeZero())

		Expect(res[1].Input.SramBytes).To(Equal(uint32(1000)))
		Expect(res[1].Weights.DramParallelBytes).To(Equal(uint32(100)))
		Expect(res[1].Weights.DramNonParallelBytes).To(BeZero())
		Expect(res[1].Output.DramNonParallelBytes).To(Equal(uint32(200)))
		Expect(res[1].Output.DramParallelBytes).To(Equal(uint32(800)))
	})

	It("should not change the input stream", func() {
		stream := []estimate.PassPerformanceData{entry(1000, 100, 1000), entry(1000, 100, 1000)}

		estimate.Cascade(stream, 1<<20)

		Expect(stream[0].Input.DramNonParallelBytes).To(Equal(uint32(1000)))
	})

	It("should end the section when SRAM is full", func() {
		stream := []estimate.PassPerformanceData{entry(1000, 100, 1000), entry(1000, 5000, 1000)}

		res := estimate.Cascade(stream, 2000)

		Expect(res[0].Input.SramBytes).To(Equal(uint32(1000)))
		Expect(res[0].Output.DramNonParallelBytes).To(Equal(uint32(200)))
		Expect(res[1].Input.DramNonParallelBytes).To(Equal(uint32(1000)))
	})
})
