// Package strategy implements the SRAM tiling strategies. A strategy decides
// how the input, weights and output of an MCE pass are split into stripes and
// where the tiles holding those stripes live in SRAM.
package strategy

import (
	"math"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

// Allocation places one tensor of a pass in SRAM.
type Allocation struct {
	Offset           uint32
	StripeShape      util.TensorShape
	TileSize         uint32
	NumStripesInTile uint32
}

// TensorConfig is the outcome of a successful strategy setup.
type TensorConfig struct {
	Strategy    config.StrategyID
	BlockConfig config.BlockConfig

	Input    Allocation
	Output   Allocation
	Weights  Allocation
	Ple      Allocation
	PleInput Allocation
}

// Params describes the pass a strategy is set up for.
type Params struct {
	Caps config.HardwareCapabilities

	Operation cmdstream.MceOperation
	Upsample  cmdstream.UpsampleType
	Algorithm cmdstream.MceAlgorithm

	// InputShape is the input of the MCE operation.
	InputShape     util.TensorShape
	MceOutputShape util.TensorShape
	// OutputShape is the output of the last node of the pass.
	OutputShape util.TensorShape

	// Hwim is set for depthwise weights, HWIO is assumed otherwise.
	Hwim         bool
	WeightsShape util.TensorShape

	MceShapeMultiplier util.ShapeMultiplier
	PleShapeMultiplier util.ShapeMultiplier

	// InputStatic is set when the input already sits in SRAM at
	// InputOffset.
	InputStatic bool
	InputOffset uint32

	// DepthMax bounds the output stripe depth when the input is split in
	// height.
	DepthMax uint32

	PadTop  uint32
	PadLeft uint32
}

// NoDepthMax leaves the output stripe depth unbounded.
const NoDepthMax = math.MaxUint32

// Strategy is one entry of the catalogue.
//
// TrySetup fills tc and advances alloc on success. On failure alloc is not
// guaranteed to be untouched, so callers pass a copy.
type Strategy interface {
	ID() config.StrategyID
	TrySetup(tc *TensorConfig, alloc *sram.Allocator, p Params, bc config.BlockConfig) bool
}

// anyBlockConfigSetup is implemented by strategies that pick the block
// config themselves.
type anyBlockConfigSetup interface {
	trySetupAnyBlockConfig(tc *TensorConfig, alloc *sram.Allocator, p Params,
		configs []config.BlockConfig) bool
}

// TrySetupAnyBlockConfig tries the block configs best first and stops at
// the first one that works.
func TrySetupAnyBlockConfig(
	s Strategy,
	tc *TensorConfig,
	alloc *sram.Allocator,
	p Params,
	configs []config.BlockConfig,
) bool {
	if custom, ok := s.(anyBlockConfigSetup); ok {
		return custom.trySetupAnyBlockConfig(tc, alloc, p, configs)
	}

	for _, bc := range SortBlockConfigs(configs, p.OutputShape, p.WeightsShape) {
		if s.TrySetup(tc, alloc, p, bc) {
			tc.BlockConfig = bc
			return true
		}
	}

	return false
}

// ChooseAndSetup returns the first strategy in the list that can be set up.
// The allocator is only advanced on success.
func ChooseAndSetup(
	strategies []Strategy,
	alloc *sram.Allocator,
	p Params,
	configs []config.BlockConfig,
) (TensorConfig, bool) {
	for _, s := range strategies {
		trial := *alloc
		tc := TensorConfig{}
		if TrySetupAnyBlockConfig(s, &tc, &trial, p, configs) {
			util.Trace("Strategy selected",
				"strategy", tc.Strategy,
				"block", tc.BlockConfig.String(),
				"output_stripe", tc.Output.StripeShape.String())
			*alloc = trial
			return tc, true
		}
	}

	return TensorConfig{}, false
}

var catalogue = map[config.StrategyID]Strategy{
	config.Strategy0:  Strategy0{},
	config.Strategy1:  Strategy1{},
	config.Strategy3:  Strategy3{},
	config.Strategy4:  Strategy4{},
	config.Strategy6:  Strategy6{},
	config.Strategy7:  Strategy7{},
	config.StrategyFC: StrategyFC{},
}

// ByID looks up a strategy of the catalogue. StrategyX is not part of it,
// see TryStrategyX.
func ByID(id config.StrategyID) (Strategy, bool) {
	s, ok := catalogue[id]
	return s, ok
}

// FromOptions resolves the strategies enabled in the options, keeping their
// order.
func FromOptions(opts config.CompilationOptions) []Strategy {
	var res []Strategy
	for _, id := range opts.Strategies {
		if s, ok := ByID(id); ok {
			res = append(res, s)
		}
	}
	return res
}

// CommandStreamStrategy maps a strategy to its command-stream tag.
func CommandStreamStrategy(id config.StrategyID) cmdstream.SramAllocationStrategy {
	switch id {
	case config.Strategy0:
		return cmdstream.Strategy0
	case config.Strategy1:
		return cmdstream.Strategy1
	case config.Strategy4:
		return cmdstream.Strategy4
	case config.Strategy6:
		return cmdstream.Strategy6
	case config.Strategy7:
		return cmdstream.Strategy7
	case config.StrategyX:
		return cmdstream.StrategyX
	}
	// The fully connected strategy runs as strategy 3 in the firmware.
	return cmdstream.Strategy3
}
