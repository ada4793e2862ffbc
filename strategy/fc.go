package strategy

import (
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

// fcWeightsChannelMultiple is the granularity in which the input length of
// fully connected weights is split.
const fcWeightsChannelMultiple = 1024

// StrategyFC keeps the whole input of a fully connected layer in SRAM and
// streams the weights, halving the input length of a weight stripe until the
// tiles fit.
type StrategyFC struct{}

func (StrategyFC) ID() config.StrategyID { return config.StrategyFC }

func (s StrategyFC) TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, bc config.BlockConfig) bool {
	if p.Hwim {
		return false
	}

	caps := p.Caps
	brick := caps.BrickGroupShape()
	banks := caps.NumberOfSrams()
	in, out, weights := p.InputShape, p.OutputShape, p.WeightsShape

	stripeDepth := util.RoundUp(min(out.Channels(), caps.NumberOfOfm()), banks)

	inputStripe := util.TensorShape{
		1,
		util.RoundUp(in.Height(), brick.Height()),
		util.RoundUp(in.Width(), brick.Width()),
		util.RoundUp(in.Channels(), banks),
	}
	inputTile := util.TotalSizeBytes(inputStripe)
	if inputTile >= caps.TotalSramSize()/2 {
		return false
	}

	outputStripe := util.TensorShape{
		1, util.RoundUp(out.Height(), brick.Height()), util.RoundUp(out.Width(), brick.Width()), stripeDepth,
	}
	// Output and weight tiles are double buffered.
	outputTile := util.TotalSizeBytes(outputStripe) * 2

	length := util.RoundUp(weights[2], fcWeightsChannelMultiple)
	for {
		weightStripe := util.TensorShape{weights[0], weights[1], length, stripeDepth}
		weightTile := EstimateWeightSizeBytes(weightStripe, caps, false) * 2

		trial := *alloc
		o, ok := fitsInSram(&trial, caps, inputTile, weightTile, outputTile, p)
		if ok {
			*tc = TensorConfig{
				Strategy:    s.ID(),
				BlockConfig: bc,
				Input:       Allocation{StripeShape: inputStripe, TileSize: inputTile, NumStripesInTile: 1},
				Output:      Allocation{StripeShape: outputStripe, TileSize: outputTile, NumStripesInTile: 2},
				Weights:     Allocation{StripeShape: weightStripe, TileSize: weightTile, NumStripesInTile: 2},
				Ple:         Allocation{TileSize: caps.MaxPleSize() * banks},
			}
			tc.setOffsets(o)
			*alloc = trial
			return true
		}

		if length <= fcWeightsChannelMultiple {
			return false
		}
		length = util.RoundUp(length/2, fcWeightsChannelMultiple)
	}
}
