package strategy

import (
	"slices"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

func (r stripeResult) commit(tc *TensorConfig, alloc *sram.Allocator, id config.StrategyID) bool {
	*tc = r.config
	tc.Strategy = id
	*alloc = r.alloc
	return true
}

// heightSteps lists output stripe heights starting from half the MCE output
// and shrinking one block at a time down to a single block.
func heightSteps(p Params, blockHeight uint32, mustSplit bool) (heights []uint32, ok bool) {
	mceH := p.MceOutputShape.Height()
	maxMce := util.RoundUp(mceH/2, blockHeight)
	if mustSplit && maxMce >= mceH {
		return nil, false
	}

	for h := maxMce; h >= blockHeight; h -= blockHeight {
		heights = append(heights, p.PleShapeMultiplier.H.Apply(h))
	}

	return heights, true
}

// Strategy0 streams the input one stripe of rows at a time and loads all the
// weights at once.
type Strategy0 struct{}

func (Strategy0) ID() config.StrategyID { return config.Strategy0 }

func (s Strategy0) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, bc config.BlockConfig) bool {
	heights, ok := heightSteps(p, bc.Height, true)
	if !ok {
		return false
	}

	out := p.OutputShape
	for _, h := range heights {
		for inputBuffers := uint32(4); inputBuffers >= defaultMaxInputBuffersInTile; inputBuffers-- {
			r, ok := tryStripeShapes(p, *alloc, util.TensorShape{1, h, out.Width(), out.Channels()},
				defaultMaxWeightBuffersInTile, inputBuffers)
			if ok {
				return r.commit(tc, alloc, s.ID())
			}
		}
	}

	return false
}

type depthParams struct {
	height, channels, weightBuffers uint32
}

// depthSplits lists the output depth splits tried by strategies 1 and 7,
// double and triple buffered weights first and single buffered weights as a
// last resort.
func depthSplits(heights []uint32, channels uint32) []depthParams {
	var res []depthParams
	for _, h := range heights {
		for splits := uint32(2); splits < channels; splits++ {
			for wb := uint32(3); wb >= defaultMaxWeightBuffersInTile; wb-- {
				res = append(res, depthParams{h, channels / splits, wb})
			}
		}
	}
	for _, h := range heights {
		for splits := uint32(2); splits < channels; splits++ {
			res = append(res, depthParams{h, channels / splits, 1})
		}
	}
	return res
}

// Strategy1 splits the output in depth and keeps full planes.
type Strategy1 struct{}

func (Strategy1) ID() config.StrategyID { return config.Strategy1 }

func (s Strategy1) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, _ config.BlockConfig) bool {
	out := p.OutputShape
	for _, d := range depthSplits([]uint32{out.Height()}, out.Channels()) {
		r, ok := tryStripeShapes(p, *alloc, util.TensorShape{1, d.height, out.Width(), d.channels},
			d.weightBuffers, defaultMaxInputBuffersInTile)
		if ok {
			return r.commit(tc, alloc, s.ID())
		}
	}
	return false
}

// Strategy3 keeps the whole input, weights and output in SRAM at once.
type Strategy3 struct{}

func (Strategy3) ID() config.StrategyID { return config.Strategy3 }

func (s Strategy3) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, _ config.BlockConfig) bool {
	r, ok := tryStripeShapes(p, *alloc, p.OutputShape,
		defaultMaxWeightBuffersInTile, defaultMaxInputBuffersInTile)
	if !ok {
		return false
	}
	return r.commit(tc, alloc, s.ID())
}

// Strategy4 splits the output in width and depth, one brick group wide and
// as deep as the number of OFMs produced in parallel.
type Strategy4 struct{}

func (Strategy4) ID() config.StrategyID { return config.Strategy4 }

func (s Strategy4) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, bc config.BlockConfig) bool {
	return s.trySetupAnyBlockConfig(tc, alloc, p, []config.BlockConfig{bc})
}

func (s Strategy4) trySetupAnyBlockConfig(
	tc *TensorConfig,
	alloc *sram.Allocator,
	p Params,
	configs []config.BlockConfig,
) bool {
	caps := p.Caps
	out := p.OutputShape
	ofmRegion := min(out.Channels(), caps.NumberOfOfm())
	depth := p.PleShapeMultiplier.C.Apply(
		p.MceShapeMultiplier.C.Apply(util.RoundUp(ofmRegion, caps.NumberOfSrams())))

	mceWidth := p.MceShapeMultiplier.W.Apply(caps.BrickGroupShape().Width())
	width := p.PleShapeMultiplier.W.Apply(mceWidth)

	sorted := SortBlockConfigs(configs, out, p.WeightsShape)
	// Blocks as wide as the stripe avoid partial blocks.
	slices.SortStableFunc(sorted, func(a, b config.BlockConfig) int {
		score := func(bc config.BlockConfig) int {
			if bc.Width == mceWidth {
				return 1
			}
			return 0
		}
		return score(b) - score(a)
	})

	for _, bc := range sorted {
		for wb := uint32(2); wb >= 1; wb-- {
			r, ok := tryStripeShapes(p, *alloc, util.TensorShape{1, out.Height(), width, depth},
				wb, defaultMaxInputBuffersInTile)
			if ok {
				r.commit(tc, alloc, s.ID())
				tc.BlockConfig = bc
				return true
			}
		}
	}

	return false
}

// Strategy6 splits the output in height, width and depth. Among the
// candidates that fit it picks the one loading the least input from DRAM.
type Strategy6 struct{}

func (Strategy6) ID() config.StrategyID { return config.Strategy6 }

func (s Strategy6) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, bc config.BlockConfig) bool {
	return s.trySetupAnyBlockConfig(tc, alloc, p, []config.BlockConfig{bc})
}

func (s Strategy6) trySetupAnyBlockConfig(
	tc *TensorConfig,
	alloc *sram.Allocator,
	p Params,
	configs []config.BlockConfig,
) bool {
	if p.InputStatic {
		return false
	}

	type candidate struct {
		stripe util.TensorShape
		bc     config.BlockConfig
	}

	out := p.OutputShape
	mceOut := p.MceOutputShape
	var candidates []candidate
	for splits := uint32(1); splits < out.Channels(); splits++ {
		for _, bc := range SortBlockConfigs(configs, out, p.WeightsShape) {
			maxH := util.RoundUp(mceOut.Height()/2, bc.Height)
			maxW := util.RoundUp(mceOut.Width()/2, bc.Width)
			if maxH >= mceOut.Height() || maxW > mceOut.Width() {
				continue
			}

			for w := maxW; w >= bc.Width; w -= bc.Width {
				for h := maxH; h >= bc.Height; h -= bc.Height {
					candidates = append(candidates, candidate{
						stripe: util.TensorShape{
							1,
							p.PleShapeMultiplier.H.Apply(h),
							p.PleShapeMultiplier.W.Apply(w),
							out.Channels() / splits,
						},
						bc: bc,
					})
				}
			}
		}
	}

	var (
		best     stripeResult
		bestBC   config.BlockConfig
		bestCost uint64
		found    bool
	)
	for _, c := range candidates {
		r, ok := tryStripeShapes(p, *alloc, c.stripe,
			defaultMaxWeightBuffersInTile, defaultMaxInputBuffersInTile)
		if !ok {
			continue
		}

		cost := r.inputDramBytes
		if isFcafStripe(r.config.Output.StripeShape) {
			cost /= 2
		}

		if !found || cost < bestCost {
			best, bestBC, bestCost, found = r, c.bc, cost, true
		}
	}

	if !found {
		return false
	}

	best.commit(tc, alloc, s.ID())
	tc.BlockConfig = bestBC
	return true
}

// Strategy7 splits depthwise convolutions in height and depth.
type Strategy7 struct{}

func (Strategy7) ID() config.StrategyID { return config.Strategy7 }

func (s Strategy7) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, bc config.BlockConfig) bool {
	if !p.Hwim || p.InputStatic {
		return false
	}

	heights, _ := heightSteps(p, bc.Height, false)

	out := p.OutputShape
	for _, d := range depthSplits(heights, out.Channels()) {
		r, ok := tryStripeShapes(p, *alloc, util.TensorShape{1, d.height, out.Width(), d.channels},
			d.weightBuffers, defaultMaxInputBuffersInTile)
		if ok {
			return r.commit(tc, alloc, s.ID())
		}
	}

	return false
}
