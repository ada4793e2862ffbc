package estimate

import (
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/util"
)

const (
	perStripeOverheadCycles   = 100.0
	perStripeMinimumCycles    = 2500.0
	perDmaStripeMinimumCycles = 2500.0
	// dmaBytesPerCycle is what the DMA moves per cycle of the MCE or PLE.
	dmaBytesPerCycle = 16.0
)

// ComputeWork is the work of the MCE or the PLE of a pass, in stripes.
type ComputeWork struct {
	Cycles float64
	// Stripes is the number of stripes the unit is programmed for.
	Stripes uint32
	// Overhead is the cost of programming one stripe.
	Overhead float64
}

func (w *ComputeWork) cycles() float64 {
	if w == nil {
		return 0
	}
	stripes := float64(w.Stripes)
	return max(w.Cycles+stripes*w.Overhead, perStripeMinimumCycles*stripes)
}

// dmaCycles splits the transfer of a tensor into the cycles overlapping
// with compute and those that do not.
func dmaCycles(m MemoryStats, s StripesStats) (parallel, nonParallel float64) {
	stripes := float64(s.NumCentralStripes * (s.NumReloads + 1))
	bytes := float64(m.DramParallelBytes) + float64(m.DramNonParallelBytes)
	total := max(bytes/dmaBytesPerCycle+stripes*perStripeOverheadCycles, perDmaStripeMinimumCycles*stripes)
	if bytes == 0 {
		return 0, total
	}
	parallel = total * float64(m.DramParallelBytes) / bytes
	return parallel, total - parallel
}

// Metric models the DMA reads, the DMA writes, the MCE and the PLE of a
// pass as running side by side. Transfers that cannot overlap with compute
// are added to the slowest unit.
func Metric(s PassStats, mce, ple *ComputeWork) float64 {
	inPar, inNonPar := dmaCycles(s.Input.MemoryStats, s.Input.StripesStats)
	wPar, wNonPar := dmaCycles(s.Weights.MemoryStats, s.Weights.StripesStats)
	outPar, outNonPar := dmaCycles(s.Output.MemoryStats, s.Output.StripesStats)

	return inNonPar + wNonPar + outNonPar +
		max(inPar+wPar, outPar, mce.cycles(), ple.cycles())
}

// pleStripeOverhead is the cost of starting one stripe of a kernel.
func pleStripeOverhead(op cmdstream.PleOperation) float64 {
	switch op {
	case cmdstream.PleAddition, cmdstream.PleAdditionRescale:
		return 1500
	case cmdstream.PleFault:
		return 0
	}
	return 100
}

func stripesOf(shape, stripe util.TensorShape) uint32 {
	if stripe.IsZero() {
		return 1
	}
	return countStripes(shape, stripe).total()
}

func mcePleMetric(p *pass.McePle, s PassStats) float64 {
	tc := p.TensorConfig
	mce := p.Mce

	mceStripe := tc.PleInput.StripeShape
	if mceStripe.IsZero() {
		mceStripe = tc.Output.StripeShape
	}
	inStripesC := uint32(1)
	if mce.Mce.Operation != cmdstream.MceDepthwiseConvolution && !tc.Input.StripeShape.IsZero() {
		inStripesC = util.DivRoundUp(mce.InputShape(0).Channels(), tc.Input.StripeShape.Channels())
	}

	last := p.Nodes()[len(p.Nodes())-1]
	mceWork := &ComputeWork{
		Cycles:   float64(s.Mce.CycleCount),
		Stripes:  inStripesC * stripesOf(mce.Shape, mceStripe),
		Overhead: perStripeOverheadCycles,
	}
	pleWork := &ComputeWork{
		Cycles:   float64(s.Ple.NumOfPatches),
		Stripes:  stripesOf(last.Shape, tc.Output.StripeShape),
		Overhead: pleStripeOverhead(p.PleOperation()),
	}
	return Metric(s, mceWork, pleWork)
}

func plePassMetric(p *pass.Ple, s PassStats) float64 {
	last := p.Nodes()[len(p.Nodes())-1]
	return Metric(s, nil, &ComputeWork{
		Cycles:   float64(s.Ple.NumOfPatches),
		Stripes:  stripesOf(last.Shape, p.Output.StripeShape),
		Overhead: pleStripeOverhead(p.PleOperation()),
	})
}
