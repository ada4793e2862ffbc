package compiler

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/estimate"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/util"
)

// replayCascades runs the cascade of every MCE pass on its own timeline and
// returns the cycles each pass takes.
func (c *Compiler) replayCascades(passes []pass.Pass, gen *codegen.Generator) (map[int]uint64, error) {
	est := estimate.NewEstimator(c.caps, config.EstimationOptions{Current: true}, c.encoder)
	cycles := map[int]uint64{}

	for _, p := range passes {
		stream, ok := gen.Cascade(p.Index())
		if !ok {
			continue
		}

		perf, err := est.EstimatePass(p)
		if err != nil {
			return nil, err
		}

		engine := sim.NewSerialEngine()
		timeline := estimate.TimelineBuilder{}.
			WithEngine(engine).
			WithFreq(1 * sim.GHz).
			Build(fmt.Sprintf("Pass%d.Timeline", p.Index()))

		res, err := timeline.Replay(stream, estimate.CostsFor(perf.PassStats, stream))
		if err != nil {
			return nil, err
		}
		cycles[p.Index()] = res.Cycles
		util.Trace("Cascade replayed", "pass", p.Index(), "cycles", res.Cycles)
	}

	return cycles, nil
}
