package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StrategyID identifies an SRAM tiling strategy.
type StrategyID string

// The generic strategies. StrategyFC and StrategyX are selected by the pass
// formation engine and cannot be listed in the options.
const (
	Strategy0  StrategyID = "strategy0"
	Strategy1  StrategyID = "strategy1"
	Strategy3  StrategyID = "strategy3"
	Strategy4  StrategyID = "strategy4"
	Strategy6  StrategyID = "strategy6"
	Strategy7  StrategyID = "strategy7"
	StrategyFC StrategyID = "strategy_fc"
	StrategyX  StrategyID = "strategy_x"
)

// EstimationOptions steer the performance estimator.
type EstimationOptions struct {
	// ActivationCompressionSaving is the fraction of activation bytes
	// assumed to be saved by compression.
	ActivationCompressionSaving float32 `yaml:"activation_compression_saving"`

	UseWeightCompressionOverride bool    `yaml:"use_weight_compression_override"`
	WeightCompressionSaving      float32 `yaml:"weight_compression_saving"`

	// Current estimates the performance of the current hardware and
	// software. When false, the estimate is corrected towards what the
	// cascading mode is expected to achieve.
	Current bool `yaml:"current"`
}

// CompilationOptions steer pass formation and code generation.
type CompilationOptions struct {
	Strategies                    []StrategyID  `yaml:"strategies"`
	BlockConfigs                  []BlockConfig `yaml:"block_configs"`
	DisableWinograd               bool          `yaml:"disable_winograd"`
	EnableIntermediateCompression bool          `yaml:"enable_intermediate_compression"`
	EnableCascading               bool          `yaml:"enable_cascading"`
	DumpRam                       bool          `yaml:"dump_ram"`
	InitialSramDump               bool          `yaml:"initial_sram_dump"`
	DebugDir                      string        `yaml:"debug_dir"`

	// Estimation is set when the network is only estimated, never run.
	Estimation *EstimationOptions `yaml:"estimation,omitempty"`
}

// DefaultCompilationOptions returns the options used when none are given.
func DefaultCompilationOptions() CompilationOptions {
	return CompilationOptions{
		Strategies: []StrategyID{
			Strategy3, Strategy0, Strategy1, Strategy4, Strategy6, Strategy7,
		},
		BlockConfigs:                  []BlockConfig{{16, 16}, {32, 8}, {8, 32}, {8, 8}},
		EnableIntermediateCompression: true,
	}
}

// EstimationMode reports whether the options request an estimate.
func (o CompilationOptions) EstimationMode() bool {
	return o.Estimation != nil
}

// IsStrategyEnabled reports whether the strategy appears in the options.
func (o CompilationOptions) IsStrategyEnabled(id StrategyID) bool {
	for _, s := range o.Strategies {
		if s == id {
			return true
		}
	}
	return false
}

// Validate checks that the options only name generic strategies and
// supported block configs.
func (o CompilationOptions) Validate(caps HardwareCapabilities) error {
	for _, s := range o.Strategies {
		switch s {
		case Strategy0, Strategy1, Strategy3, Strategy4, Strategy6, Strategy7:
		default:
			return fmt.Errorf("strategy %q cannot be requested", s)
		}
	}

	for _, bc := range o.BlockConfigs {
		supported := false
		for _, hw := range caps.SupportedBlockConfigs() {
			if hw == bc {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("block config %s is not supported by %s", bc, caps.Variant())
		}
	}

	if o.Estimation != nil {
		e := o.Estimation
		if e.ActivationCompressionSaving < 0 || e.ActivationCompressionSaving > 1 {
			return fmt.Errorf("activation compression saving must be in [0, 1]")
		}
		if e.UseWeightCompressionOverride &&
			(e.WeightCompressionSaving < 0 || e.WeightCompressionSaving > 1) {
			return fmt.Errorf("weight compression saving must be in [0, 1]")
		}
	}

	return nil
}

// LoadCompilationOptions reads options from a YAML file, starting from the
// defaults.
func LoadCompilationOptions(path string) (CompilationOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CompilationOptions{}, fmt.Errorf("failed to read options file: %w", err)
	}

	return ParseCompilationOptions(data)
}

// ParseCompilationOptions decodes YAML options on top of the defaults.
func ParseCompilationOptions(data []byte) (CompilationOptions, error) {
	opts := DefaultCompilationOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return CompilationOptions{}, fmt.Errorf("failed to parse options: %w", err)
	}

	return opts, nil
}
