package estimate_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

func agentCommands(s cmdstream.CascadeStream) int {
	n := 0
	for _, list := range [][]cmdstream.CascadeCommand{s.DmaRdCommands, s.DmaWrCommands, s.MceCommands, s.PleCommands} {
		for _, c := range list {
			if _, ok := c.(cmdstream.AgentCommand); ok {
				n++
			}
		}
	}
	return n
}

var _ = Describe("Timeline", func() {
	var timeline *estimate.Timeline

	BeforeEach(func() {
		engine := sim.NewSerialEngine()
		timeline = estimate.TimelineBuilder{}.
			WithEngine(engine).
			WithFreq(1 * sim.GHz).
			Build("Timeline")
	})

	It("should replay the cascade of a convolution", func() {
		caps := config.CapabilitiesBuilder{}.WithVariant(config.EthosN78_4TOPS_4PLE).MustBuild()
		g := graph.New()
		input := g.AddInput(activation(util.TensorShape{1, 32, 32, 64}), 0)
		mce := conv(g, input, 1, 64, graph.RequireDirect)
		mce.LocationHint = graph.RequireDram
		alloc := sram.NewAllocator(caps.TotalSramSize() / caps.NumberOfSrams())

		p := pass.CreateMcePle(pass.OptionsFrom(caps, config.DefaultCompilationOptions()), 0, mce, &alloc)
		Expect(p).NotTo(BeNil())

		perf, err := estimate.NewEstimator(caps, config.EstimationOptions{Current: true}, codegen.NewEncoder(caps)).
			EstimatePass(p)
		Expect(err).NotTo(HaveOccurred())

		stream := codegen.Agents(caps, p, codegen.AgentBuffers{WeightStripes: 1})
		res, err := timeline.Replay(stream, estimate.CostsFor(perf.PassStats, stream))

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Events).To(HaveLen(agentCommands(stream)))
		Expect(res.Cycles).To(BeNumerically(">=", uint64(perf.Mce.CycleCount)))
	})

	It("should run the units side by side", func() {
		stream := cmdstream.CascadeStream{
			DmaRdCommands: []cmdstream.CascadeCommand{
				cmdstream.AgentCommand{Type: cmdstream.CommandLoadIfmStripe},
				cmdstream.AgentCommand{Type: cmdstream.CommandLoadIfmStripe, StripeID: 1},
			},
			MceCommands: []cmdstream.CascadeCommand{
				cmdstream.WaitForCounterCommand{
					Type: cmdstream.CommandWaitForCounter, CounterName: cmdstream.CounterDmaRd, CounterValue: 1,
				},
				cmdstream.AgentCommand{Type: cmdstream.CommandStartMceStripe},
			},
		}

		res, err := timeline.Replay(stream, estimate.StripeCosts{IfmStripe: 10, MceStripe: 10})

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Events).To(HaveLen(3))
		Expect(res.Cycles).To(BeNumerically("<", 30))
	})

	It("should fail when a wait is never satisfied", func() {
		stream := cmdstream.CascadeStream{
			PleCommands: []cmdstream.CascadeCommand{
				cmdstream.WaitForCounterCommand{
					Type: cmdstream.CommandWaitForCounter, CounterName: cmdstream.CounterMceStripe, CounterValue: 1,
				},
			},
		}

		_, err := timeline.Replay(stream, estimate.StripeCosts{})

		Expect(err).To(MatchError(ContainSubstring("stalled")))
	})
})
