// Package config describes the hardware variants the compiler targets and the
// options that steer compilation and estimation.
package config

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed variants.yaml
var variantsYAML []byte

type variantSpec struct {
	Engines                      uint32 `yaml:"engines"`
	IfmPerEngine                 uint32 `yaml:"ifm_per_engine"`
	OfmPerEngine                 uint32 `yaml:"ofm_per_engine"`
	EmcPerEngine                 uint32 `yaml:"emc_per_engine"`
	PleLanes                     uint32 `yaml:"ple_lanes"`
	SramPerEngine                uint32 `yaml:"sram_per_engine"`
	ActivationCompressionVersion uint32 `yaml:"activation_compression_version"`
	WeightCompressionVersion     uint32 `yaml:"weight_compression_version"`
	NchwSupported                bool   `yaml:"nchw_supported"`
}

var (
	variantsOnce sync.Once
	variants     map[Variant]variantSpec
	variantsErr  error
)

func loadVariants() (map[Variant]variantSpec, error) {
	variantsOnce.Do(func() {
		raw := map[string]variantSpec{}
		if err := yaml.Unmarshal(variantsYAML, &raw); err != nil {
			variantsErr = fmt.Errorf("failed to parse variant table: %w", err)
			return
		}

		variants = make(map[Variant]variantSpec, len(raw))
		for name, spec := range raw {
			variants[Variant(name)] = spec
		}
	})

	return variants, variantsErr
}

// CapabilitiesBuilder can build HardwareCapabilities.
type CapabilitiesBuilder struct {
	variant      Variant
	sramOverride uint32
}

// WithVariant sets the hardware variant.
func (b CapabilitiesBuilder) WithVariant(v Variant) CapabilitiesBuilder {
	b.variant = v
	return b
}

// WithSramSizeOverride replaces the total SRAM size of the variant. Zero keeps
// the default.
func (b CapabilitiesBuilder) WithSramSizeOverride(bytes uint32) CapabilitiesBuilder {
	b.sramOverride = bytes
	return b
}

// Build creates the capabilities of the configured variant.
func (b CapabilitiesBuilder) Build() (HardwareCapabilities, error) {
	table, err := loadVariants()
	if err != nil {
		return HardwareCapabilities{}, err
	}

	v := b.variant
	if v == "" {
		v = DefaultVariant
	}

	spec, ok := table[v]
	if !ok {
		return HardwareCapabilities{}, fmt.Errorf("unknown hardware variant %q", v)
	}

	caps := HardwareCapabilities{
		variant:                      v,
		numberOfEngines:              spec.Engines,
		ifmPerEngine:                 spec.IfmPerEngine,
		ofmPerEngine:                 spec.OfmPerEngine,
		emcPerEngine:                 spec.EmcPerEngine,
		numPleLanes:                  spec.PleLanes,
		totalSramSize:                spec.Engines * spec.SramPerEngine,
		activationCompressionVersion: spec.ActivationCompressionVersion,
		weightCompressionVersion:     spec.WeightCompressionVersion,
		nchwSupported:                spec.NchwSupported,
	}
	caps.setCommon()

	if b.sramOverride != 0 {
		if b.sramOverride%caps.NumberOfSrams() != 0 {
			return HardwareCapabilities{}, fmt.Errorf(
				"sram size override %d is not a multiple of the %d srams",
				b.sramOverride, caps.NumberOfSrams())
		}
		caps.totalSramSize = b.sramOverride
	}

	return caps, nil
}

// MustBuild is like Build but panics on error.
func (b CapabilitiesBuilder) MustBuild() HardwareCapabilities {
	caps, err := b.Build()
	if err != nil {
		panic(err)
	}
	return caps
}

// Variants lists the known hardware variants.
func Variants() []Variant {
	table, err := loadVariants()
	if err != nil {
		return nil
	}

	out := make([]Variant, 0, len(table))
	for v := range table {
		out = append(out, v)
	}
	return out
}
