package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sarchlab/npuc/compiler"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/network"
)

func convChain(name string, channels, convs int) SubgraphView {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\nlayers:\n", name)
	fmt.Fprintf(&b, "  - name: input\n    type: Input\n")
	fmt.Fprintf(&b, "    tensor: {shape: [1, 16, 16, %d], quant: {zero_point: 0, scale: 1}}\n", channels)

	prev := "input"
	for i := range convs {
		conv := fmt.Sprintf("conv%d", i+1)
		fmt.Fprintf(&b, "  - name: %s\n    type: Convolution\n    inputs: [%s]\n", conv, prev)
		fmt.Fprintf(&b, "    weights: {shape: [1, 1, %d, 16], quant: {zero_point: 0, scale: 0.5}, fill: 1}\n", channels)
		fmt.Fprintf(&b, "    output_quant: {zero_point: 0, scale: 1.1}\n")
		prev, channels = conv, 16
	}
	fmt.Fprintf(&b, "  - name: output\n    type: Output\n    inputs: [%s]\n", prev)

	desc, err := network.ParseDescription([]byte(b.String()))
	Expect(err).NotTo(HaveOccurred())
	return SubgraphView{Name: name, Network: desc}
}

var _ = Describe("Backend", func() {
	var (
		caps config.HardwareCapabilities
		reg  *prometheus.Registry
		m    *compiler.Metrics
	)

	BeforeEach(func() {
		caps = config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()
		reg = prometheus.NewRegistry()
		m = compiler.NewMetrics(reg)
	})

	It("should need capabilities", func() {
		_, err := BackendBuilder{}.Build()

		Expect(err).To(HaveOccurred())
	})

	Context("with the compiler", func() {
		var backend *Backend

		BeforeEach(func() {
			var err error
			backend, err = BackendBuilder{}.
				WithCapabilities(caps).
				WithMetrics(m).
				Build()
			Expect(err).NotTo(HaveOccurred())
		})

		It("should substitute five chained convolutions with one layer", func() {
			s := convChain("five", 16, 5)
			Expect(s.NumLayers()).To(Equal(5))

			views, err := backend.OptimizeSubgraphView(context.Background(), s)

			Expect(err).NotTo(HaveOccurred())
			Expect(views.Failed).To(BeEmpty())
			Expect(views.Substitutions).To(HaveLen(1))

			sub := views.Substitutions[0]
			Expect(sub.Replacement.Layers).To(HaveLen(1))
			Expect(sub.Replacement.NumInputSlots).To(Equal(s.NumInputSlots()))
			Expect(sub.Replacement.NumOutputSlots).To(Equal(s.NumOutputSlots()))
			Expect(sub.Replacement.Layers[0].Compiled).NotTo(BeNil())
			Expect(sub.Replacement.Layers[0].Compiled.CommandStream()).NotTo(BeEmpty())
		})

		It("should report a subgraph that does not fit as failed", func() {
			s := convChain("huge", 100000, 1)

			views, err := backend.OptimizeSubgraphView(context.Background(), s)

			Expect(err).NotTo(HaveOccurred())
			Expect(views.Substitutions).To(BeEmpty())
			Expect(views.Failed).To(HaveLen(1))
			Expect(views.Failed[0]).To(Equal(s))
			Expect(testutil.ToFloat64(m.FailedSubgraphs)).To(Equal(1.0))
		})
	})

	Context("with a mocked compiler", func() {
		var (
			mockCtrl     *gomock.Controller
			mockCompiler *MockNetworkCompiler
			builder      BackendBuilder
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			mockCompiler = NewMockNetworkCompiler(mockCtrl)
			builder = BackendBuilder{}.
				WithCapabilities(caps).
				WithCompiler(mockCompiler).
				WithMetrics(m)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should not let a failure affect sibling subgraphs", func() {
			good, bad := convChain("good", 16, 1), convChain("bad", 16, 2)
			mockCompiler.EXPECT().
				Compile(gomock.Any()).
				DoAndReturn(func(net *network.Network) (*compiler.CompiledNetwork, error) {
					if len(net.Operations()) > 5 {
						return nil, errors.New("no strategy")
					}
					return &compiler.CompiledNetwork{}, nil
				}).
				Times(2)
			backend, err := builder.Build()
			Expect(err).NotTo(HaveOccurred())

			views, err := backend.OptimizeSubgraphViews(context.Background(), []SubgraphView{bad, good})

			Expect(err).NotTo(HaveOccurred())
			Expect(views.Failed).To(Equal([]SubgraphView{bad}))
			Expect(views.Substitutions).To(HaveLen(1))
			Expect(views.Substitutions[0].Original).To(Equal(good))
		})

		It("should fail a subgraph whose compiler panics", func() {
			mockCompiler.EXPECT().
				Compile(gomock.Any()).
				DoAndReturn(func(*network.Network) (*compiler.CompiledNetwork, error) {
					panic("index out of range")
				})
			backend, err := builder.Build()
			Expect(err).NotTo(HaveOccurred())

			views, err := backend.OptimizeSubgraphView(context.Background(), convChain("c", 16, 1))

			Expect(err).NotTo(HaveOccurred())
			Expect(views.Failed).To(HaveLen(1))
		})

		It("should compile identical subgraphs once with a cache", func() {
			compiled := &compiler.CompiledNetwork{}
			mockCompiler.EXPECT().Compile(gomock.Any()).Return(compiled, nil).Times(1)
			backend, err := builder.
				WithCache(compiler.NewCache(0, m)).
				WithParallelism(1).
				Build()
			Expect(err).NotTo(HaveOccurred())

			s := convChain("c", 16, 1)
			views, err := backend.OptimizeSubgraphViews(context.Background(), []SubgraphView{s, s})

			Expect(err).NotTo(HaveOccurred())
			Expect(views.Substitutions).To(HaveLen(2))
			Expect(views.Substitutions[1].Replacement.Layers[0].Compiled).To(BeIdenticalTo(compiled))
			Expect(testutil.ToFloat64(m.CacheHits)).To(Equal(1.0))
		})

		It("should estimate instead of compiling in estimation mode", func() {
			opts := config.DefaultCompilationOptions()
			opts.Estimation = &config.EstimationOptions{Current: true}
			report := estimate.Report{OperationNames: map[string]string{"1": "conv1"}}
			mockCompiler.EXPECT().Estimate(gomock.Any()).Return(report, nil)
			backend, err := builder.WithOptions(opts).Build()
			Expect(err).NotTo(HaveOccurred())

			views, err := backend.OptimizeSubgraphView(context.Background(), convChain("c", 16, 1))

			Expect(err).NotTo(HaveOccurred())
			Expect(views.Substitutions).To(HaveLen(1))
			layer := views.Substitutions[0].Replacement.Layers[0]
			Expect(layer.Compiled).To(BeNil())
			Expect(layer.Estimate.OperationNames).To(HaveKeyWithValue("1", "conv1"))
		})

		It("should stop when the context is done", func() {
			backend, err := builder.Build()
			Expect(err).NotTo(HaveOccurred())
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err = backend.OptimizeSubgraphView(ctx, convChain("c", 16, 1))

			Expect(err).To(MatchError(context.Canceled))
		})
	})
})
