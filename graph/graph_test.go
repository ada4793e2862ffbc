package graph_test

import (
	"bytes"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/util"
)

func tensor(format graph.Format) graph.TensorParams {
	return graph.TensorParams{
		Shape:  util.TensorShape{1, 16, 16, 16},
		Quant:  network.QuantizationInfo{Scale: 1},
		Format: format,
	}
}

func kinds(nodes []*graph.Node) []graph.NodeKind {
	var res []graph.NodeKind
	for _, n := range nodes {
		res = append(res, n.Kind())
	}
	return res
}

var _ = Describe("Graph", func() {
	var (
		g      *graph.Graph
		input  *graph.Node
		relu   *graph.Node
		output *graph.Node
	)

	BeforeEach(func() {
		g = graph.New()
		input = g.AddInput(tensor(graph.FormatNHWCB), 0)
		relu = g.AddMcePostProcess(tensor(graph.FormatNHWCB), 0, 6, 1)
		output = g.AddOutput(cmdstream.DataTypeU8, 1, 0)
		g.Connect(input, relu, -1)
		g.Connect(relu, output, -1)
	})

	It("should sort nodes from inputs to outputs", func() {
		Expect(g.SortedNodes()).To(Equal([]*graph.Node{input, relu, output}))
	})

	It("should write every node and edge as dot", func() {
		var b strings.Builder
		Expect(g.WriteDot(&b)).To(Succeed())

		dot := b.String()
		Expect(dot).To(HavePrefix("digraph"))
		Expect(strings.Count(dot, "[label = ")).To(Equal(3))
		Expect(dot).To(ContainSubstring("Node0 -> Node1"))
		Expect(dot).To(ContainSubstring("Node1 -> Node2"))
	})

	It("should split an edge", func() {
		req := g.AddRequantize(tensor(graph.FormatNHWCB), 2)
		g.SplitEdge(relu.Input(0), req)

		Expect(kinds(g.SortedNodes())).To(Equal([]graph.NodeKind{
			graph.KindInput, graph.KindRequantize, graph.KindMcePostProcess, graph.KindOutput,
		}))
		Expect(relu.InputSource(0)).To(Equal(req))
	})

	It("should collapse a node into its consumers", func() {
		g.CollapseNode(relu)

		Expect(g.Nodes()).To(HaveLen(2))
		Expect(output.InputSource(0)).To(Equal(input))
		Expect(input.Outputs()).To(HaveLen(1))
	})

	It("should keep the input index when inserting after a node", func() {
		other := g.AddInput(tensor(graph.FormatNHWCB), 3)
		est := g.AddEstimateOnly(tensor(graph.FormatNHWCB), "x", 4)
		g.Connect(other, est, -1)
		g.Connect(relu, est, -1)

		req := g.AddRequantize(tensor(graph.FormatNHWCB), 5)
		g.InsertNodeAfter(relu, req)

		Expect(est.InputSource(1)).To(Equal(req))
		Expect(output.InputSource(0)).To(Equal(req))
		Expect(relu.Outputs()).To(HaveLen(1))
	})

	It("should merge operation ids in order", func() {
		relu.AddOperationIDs(9, 1, 3)
		Expect(relu.OperationIDs()).To(Equal([]uint32{1, 3, 9}))
	})

	It("should reset inputs to DRAM", func() {
		Expect(input.Location).To(Equal(graph.LocationDram))
		Expect(relu.Location).To(Equal(graph.LocationNone))
		Expect(relu.BufferID).To(Equal(graph.InvalidBufferID))
	})

	It("should only prepare outputs reading uncompressed DRAM", func() {
		relu.Location = graph.LocationDram
		Expect(output.IsPrepared()).To(BeTrue())

		relu.CompressedFormat = graph.CompressionFCAFDeep
		Expect(output.IsPrepared()).To(BeFalse())
		Expect(relu.BufferFormat()).To(Equal(cmdstream.DataFormatFCAFDeep))
	})
})

var _ = Describe("FixGraph", func() {
	var (
		g     *graph.Graph
		input *graph.Node
		mce   *graph.Node
		out   *graph.Node
	)

	BeforeEach(func() {
		g = graph.New()
		input = g.AddInput(tensor(graph.FormatNHWCB), 0)
		mce = g.AddMce(tensor(graph.FormatNHWCB), graph.MceAttrs{Operation: cmdstream.MceConvolution}, 1)
		out = g.AddOutput(cmdstream.DataTypeU8, 1, 0)
		g.Connect(input, mce, -1)
		g.Connect(mce, out, -1)
	})

	It("should insert a conversion and its inverse on request", func() {
		mce.Fix.ConvertOutputTo = graph.FormatNHWC

		Expect(mce.FixGraph(g, graph.SeverityLow)).To(BeTrue())

		first := mce.Output(0).Destination
		Expect(first.Kind()).To(Equal(graph.KindFormatConversion))
		Expect(first.Format).To(Equal(graph.FormatNHWC))
		Expect(first.OptimizationHint).To(Equal(graph.DoNotMerge))
		second := first.Output(0).Destination
		Expect(second.Format).To(Equal(graph.FormatNHWCB))
		Expect(second.Output(0).Destination).To(Equal(out))
		Expect(mce.Fix.ConvertOutputTo).To(Equal(graph.FormatNone))

		mce.Fix.ConvertOutputTo = graph.FormatNHWC
		Expect(mce.FixGraph(g, graph.SeverityLow)).To(BeFalse())
	})

	It("should trace a conversion it cannot insert after several outputs", func() {
		var buf bytes.Buffer
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: util.LevelTrace})))
		DeferCleanup(func() { slog.SetDefault(prev) })

		other := g.AddOutput(cmdstream.DataTypeU8, 1, 1)
		g.Connect(mce, other, -1)
		mce.Fix.ConvertOutputTo = graph.FormatNHWC

		Expect(mce.FixGraph(g, graph.SeverityLow)).To(BeFalse())
		Expect(mce.Fix.ConvertOutputTo).To(Equal(graph.FormatNHWC))
		Expect(mce.Output(0).Destination).To(Equal(out))
		Expect(buf.String()).To(ContainSubstring("FixGraph cannot convert output"))
		Expect(buf.String()).To(ContainSubstring("outputs=2"))
	})

	It("should turn an algorithm request into require direct", func() {
		Expect(mce.Mce.AlgorithmHint).To(Equal(graph.AllowWinograd))
		mce.Fix.Algorithm = graph.RequireDirect

		Expect(mce.FixGraph(g, graph.SeverityLow)).To(BeTrue())
		Expect(mce.Mce.AlgorithmHint).To(Equal(graph.RequireDirect))
		Expect(mce.Fix.Algorithm).To(Equal(graph.AlgorithmHintNone))
		Expect(mce.FixGraph(g, graph.SeverityLow)).To(BeFalse())
	})

	It("should move a location request to the hint", func() {
		mce.Fix.Location = graph.RequireDram

		Expect(mce.FixGraph(g, graph.SeverityLow)).To(BeTrue())
		Expect(mce.LocationHint).To(Equal(graph.RequireDram))
	})

	It("should make outputs read uncompressed DRAM", func() {
		Expect(out.FixGraph(g, graph.SeverityLow)).To(BeTrue())
		Expect(mce.LocationHint).To(Equal(graph.RequireDram))
		Expect(mce.CompressionHint).To(Equal(graph.RequiredUncompressed))
		Expect(out.FixGraph(g, graph.SeverityLow)).To(BeFalse())
	})

	It("should give a post process without an MCE an identity convolution", func() {
		relu := g.AddMcePostProcess(tensor(graph.FormatNHWCB), 0, 6, 2)
		g.Connect(input, relu, -1)

		Expect(relu.FixGraph(g, graph.SeverityLow)).To(BeTrue())

		identity := relu.InputSource(0)
		Expect(identity.Kind()).To(Equal(graph.KindMce))
		Expect(identity.Mce.Operation).To(Equal(cmdstream.MceDepthwiseConvolution))
		Expect(identity.Mce.Weights.Dimensions).To(Equal(util.TensorShape{1, 1, 16, 1}))
		Expect(identity.Mce.WeightsData).To(HaveEach(byte(2)))
		Expect(identity.InputSource(0)).To(Equal(input))
	})

	It("should only requantize through an identity when severe", func() {
		req := g.AddRequantize(tensor(graph.FormatNHWCB), 2)
		g.Connect(input, req, -1)

		Expect(req.FixGraph(g, graph.SeverityLow)).To(BeFalse())
		Expect(req.FixGraph(g, graph.SeverityHigh)).To(BeTrue())
		Expect(req.InputSource(0).Kind()).To(Equal(graph.KindMce))
	})
})

var _ = Describe("Optimize", func() {
	It("should remove opposite conversions", func() {
		g := graph.New()
		in := g.AddInput(tensor(graph.FormatNHWCB), 0)
		toNHWC := g.AddFormatConversion(tensor(graph.FormatNHWC), 1)
		toNHWCB := g.AddFormatConversion(tensor(graph.FormatNHWCB), 1)
		out := g.AddOutput(cmdstream.DataTypeU8, 0, 0)
		g.Connect(in, toNHWC, -1)
		g.Connect(toNHWC, toNHWCB, -1)
		g.Connect(toNHWCB, out, -1)

		g.Optimize()

		Expect(g.SortedNodes()).To(Equal([]*graph.Node{in, out}))
	})

	It("should keep conversions that must not be merged", func() {
		g := graph.New()
		in := g.AddInput(tensor(graph.FormatNHWCB), 0)
		toNHWC := g.AddFormatConversion(tensor(graph.FormatNHWC), 1)
		toNHWC.OptimizationHint = graph.DoNotMerge
		toNHWCB := g.AddFormatConversion(tensor(graph.FormatNHWCB), 1)
		out := g.AddOutput(cmdstream.DataTypeU8, 0, 0)
		g.Connect(in, toNHWC, -1)
		g.Connect(toNHWC, toNHWCB, -1)
		g.Connect(toNHWCB, out, -1)

		g.Optimize()

		Expect(g.Nodes()).To(HaveLen(4))
	})

	It("should merge chained requantizes and drop dangling nodes", func() {
		g := graph.New()
		in := g.AddInput(tensor(graph.FormatNHWCB), 0)
		r1 := g.AddRequantize(tensor(graph.FormatNHWCB), 1)
		r2 := g.AddRequantize(tensor(graph.FormatNHWCB), 2)
		out := g.AddOutput(cmdstream.DataTypeU8, 2, 0)
		dangling := g.AddRequantize(tensor(graph.FormatNHWCB), 3)
		g.Connect(in, r1, -1)
		g.Connect(r1, r2, -1)
		g.Connect(r2, out, -1)
		g.Connect(in, dangling, -1)

		g.Optimize()

		Expect(g.SortedNodes()).To(Equal([]*graph.Node{in, r2, out}))
		Expect(r2.OperationIDs()).To(Equal([]uint32{1, 2}))
	})
})

var _ = Describe("Requantize", func() {
	It("should express activation bounds in the new quantization", func() {
		g := graph.New()
		req := g.AddRequantize(graph.TensorParams{
			Shape: util.TensorShape{1, 1, 1, 1},
			Quant: network.QuantizationInfo{ZeroPoint: 10, Scale: 2},
		})
		md := cmdstream.MceData{ActivationMin: 0, ActivationMax: 255}

		req.ApplyRequantize(&md, network.QuantizationInfo{ZeroPoint: 0, Scale: 1})

		Expect(md.ActivationMin).To(Equal(int16(10)))
		Expect(md.ActivationMax).To(Equal(int16(138)))
	})
})
