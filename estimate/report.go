package estimate

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/network"
)

// ReportConfig records what the estimate was computed for.
type ReportConfig struct {
	Variant                      config.Variant `json:"Variant"`
	SramSizeBytes                uint32         `json:"SramSizeBytes"`
	ActivationCompressionSaving  float32        `json:"ActivationCompressionSaving"`
	UseWeightCompressionOverride bool           `json:"UseWeightCompressionOverride"`
	WeightCompressionSaving      float32        `json:"WeightCompressionSaving"`
	Current                      bool           `json:"Current"`
}

// Report is the JSON document written for an estimate.
type Report struct {
	Config         ReportConfig           `json:"Config"`
	OperationNames map[string]string      `json:"OperationNames"`
	Results        NetworkPerformanceData `json:"Results"`
}

// NewReport gathers the estimate of net with the configuration it was
// computed for.
func NewReport(
	caps config.HardwareCapabilities,
	opts config.EstimationOptions,
	net *network.Network,
	data NetworkPerformanceData,
) Report {
	r := Report{
		Config: ReportConfig{
			Variant:                      caps.Variant(),
			SramSizeBytes:                caps.TotalSramSize(),
			ActivationCompressionSaving:  opts.ActivationCompressionSaving,
			UseWeightCompressionOverride: opts.UseWeightCompressionOverride,
			WeightCompressionSaving:      opts.WeightCompressionSaving,
			Current:                      opts.Current,
		},
		OperationNames: map[string]string{},
		Results:        data,
	}
	if r.Results.Issues == nil {
		r.Results.Issues = map[uint32]string{}
	}

	for _, op := range net.Operations() {
		name := op.Name
		if name == "" {
			name = op.Kind().String()
		}
		r.OperationNames[strconv.FormatUint(uint64(op.ID), 10)] = name
	}
	return r
}

// WriteJSON writes the report indented.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write estimate report: %w", err)
	}
	return nil
}
