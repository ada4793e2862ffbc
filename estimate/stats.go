// Package estimate predicts the performance of a compiled network without
// running it. Every pass is described by the data it moves between DRAM and
// SRAM and by the work of its MCE and PLE.
package estimate

// MemoryStats counts the bytes a tensor of a pass moves.
//
// DramParallelBytes overlap with compute. DramNonParallelBytes have to be
// transferred before compute can start or after it has finished.
type MemoryStats struct {
	DramParallelBytes    uint32 `json:"DramParallelBytes"`
	DramNonParallelBytes uint32 `json:"DramNonParallelBytes"`
	SramBytes            uint32 `json:"SramBytes"`
}

// StripesStats counts the stripes a tensor of a pass is streamed in.
type StripesStats struct {
	NumCentralStripes  uint32 `json:"NumCentralStripes"`
	NumBoundaryStripes uint32 `json:"NumBoundaryStripes"`
	NumReloads         uint32 `json:"NumReloads"`
}

// InputStats describes the input or output of a pass.
type InputStats struct {
	MemoryStats
	StripesStats
}

// Add sums two sets of statistics.
func (s InputStats) Add(o InputStats) InputStats {
	return InputStats{
		MemoryStats: MemoryStats{
			DramParallelBytes:    s.DramParallelBytes + o.DramParallelBytes,
			DramNonParallelBytes: s.DramNonParallelBytes + o.DramNonParallelBytes,
			SramBytes:            s.SramBytes + o.SramBytes,
		},
		StripesStats: StripesStats{
			NumCentralStripes:  s.NumCentralStripes + o.NumCentralStripes,
			NumBoundaryStripes: s.NumBoundaryStripes + o.NumBoundaryStripes,
			NumReloads:         s.NumReloads + o.NumReloads,
		},
	}
}

// OutputStats has the same shape as InputStats.
type OutputStats = InputStats

// WeightsStats describes the weight stream of an MCE pass.
type WeightsStats struct {
	MemoryStats
	StripesStats

	// CompressionSavings is the fraction of the raw weights the encoding
	// saved, zero when the encoding is larger.
	CompressionSavings float32 `json:"CompressionSavings"`
}

// MceStats is the work of the MCE.
type MceStats struct {
	Operations uint64 `json:"Operations"`
	CycleCount uint32 `json:"CycleCount"`
}

// PleStats is the work of the PLE.
type PleStats struct {
	NumOfPatches uint32 `json:"NumOfPatches"`
	Operation    uint32 `json:"Operation"`
}

// PassStats gathers the statistics of one pass.
type PassStats struct {
	Input   InputStats   `json:"Input"`
	Output  OutputStats  `json:"Output"`
	Weights WeightsStats `json:"Weights"`
	Mce     MceStats     `json:"Mce"`
	Ple     PleStats     `json:"Ple"`
}

// PassPerformanceData is the entry of one pass in the report.
type PassPerformanceData struct {
	OperationIDs []uint32   `json:"OperationIds"`
	ParentIDs    ParentRefs `json:"ParentIds"`
	PassStats

	// Metric is the cycle estimate of the pass when the hardware units
	// overlap. It is only computed for the cascading estimate.
	Metric float64 `json:"Metric,omitempty"`
}

// NetworkPerformanceData is the estimate of a whole network.
type NetworkPerformanceData struct {
	Stream []PassPerformanceData `json:"Stream"`
	// Issues maps the operations that could not be estimated to the
	// reason.
	Issues map[uint32]string `json:"Issues"`
}

// TotalCycles sums the MCE cycles of all passes.
func (d NetworkPerformanceData) TotalCycles() uint64 {
	total := uint64(0)
	for _, p := range d.Stream {
		total += uint64(p.Mce.CycleCount)
	}
	return total
}

// TotalMetric sums the cycle estimates of all passes.
func (d NetworkPerformanceData) TotalMetric() float64 {
	total := 0.0
	for _, p := range d.Stream {
		total += p.Metric
	}
	return total
}

// TotalDramBytes sums the DRAM traffic of all passes.
func (d NetworkPerformanceData) TotalDramBytes() uint64 {
	total := uint64(0)
	for _, p := range d.Stream {
		s := p.PassStats
		for _, m := range []MemoryStats{s.Input.MemoryStats, s.Output.MemoryStats, s.Weights.MemoryStats} {
			total += uint64(m.DramParallelBytes) + uint64(m.DramNonParallelBytes)
		}
	}
	return total
}
