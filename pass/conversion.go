package pass

import (
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/util"
)

// Conversion is a pass changing the format of a tensor.
type Conversion struct {
	base

	StripeShape util.TensorShape
}

func (p *Conversion) Kind() Kind { return KindConversion }

// chooseConversionStripe finds the tallest NHWCB stripe of outputShape that
// fits in SRAM.
func chooseConversionStripe(
	caps config.HardwareCapabilities,
	alloc *sram.Allocator,
	outputShape util.TensorShape,
) (util.TensorShape, bool) {
	bg := caps.BrickGroupShape()
	maxSplits := util.DivRoundUp(outputShape.Height(), bg.Height())

	for splits := uint32(1); splits <= maxSplits; splits++ {
		stripe := util.TensorShape{
			1,
			util.RoundUp(outputShape.Height()/splits, bg.Height()),
			util.RoundUp(outputShape.Width(), bg.Width()),
			util.RoundUp(outputShape.Channels(), bg.Channels()),
		}
		size := util.TotalSizeBytesNHWCB(stripe, bg) / caps.NumberOfSrams()
		if _, ok := alloc.Allocate(size, sram.Start, "conversion attempt"); ok {
			return stripe, true
		}
	}
	return util.TensorShape{}, false
}

// CreateConversion forms a conversion pass starting at first. From DRAM any
// chain of conversions is supported. From SRAM the chain may also hold NHWC
// reinterprets, but has to end in NHWCB.
func CreateConversion(caps config.HardwareCapabilities, index int, first *graph.Node, alloc *sram.Allocator) *Conversion {
	if len(first.Inputs()) == 0 {
		return nil
	}

	var definite, potential []*graph.Node
	inputLocation := first.InputLocation(0)

loop:
	for current := first; current != nil; current = nextLinear(current) {
		switch inputLocation {
		case graph.LocationDram:
			if current.Kind() != graph.KindFormatConversion {
				break loop
			}
			definite = append(definite, current)

		case graph.LocationSram:
			isConversion := current.Kind() == graph.KindFormatConversion
			isReshape := current.Kind() == graph.KindReinterpret &&
				current.InputFormat(0) == graph.FormatNHWC && current.Format == graph.FormatNHWC
			if !(isConversion || isReshape) || current.LocationHint == graph.RequireDram {
				break loop
			}
			potential = append(potential, current)
			if current.Format == graph.FormatNHWCB {
				definite = append(definite, potential...)
				potential = nil
			}

		default:
			break loop
		}
	}

	if len(definite) == 0 {
		return nil
	}

	var (
		stripe util.TensorShape
		pref   sram.Preference
	)
	last := definite[len(definite)-1]
	if inputLocation == graph.LocationSram {
		// SRAM to SRAM runs as a single stripe. Allocating at the other
		// end from the input lets loading and saving overlap.
		stripe = last.Shape
		pref = sram.Start
		if first.InputSramOffset(0) <= caps.TotalSramSize()/caps.NumberOfSrams()/2 {
			pref = sram.End
		}
	} else {
		trial := *alloc
		var found bool
		if stripe, found = chooseConversionStripe(caps, &trial, last.Shape); !found {
			util.Trace("Conversion no stripe", "node", definite[0].String())
			return nil
		}
		pref = sram.Start
	}

	size := util.TotalSizeBytesNHWCB(stripe, caps.BrickGroupShape()) / caps.NumberOfSrams()
	offset, ok := alloc.Allocate(size, pref, "conversion output")
	if !ok {
		requestDramForSramDependency(definite[0])
		util.Trace("Conversion no placement", "node", definite[0].String())
		return nil
	}
	if inputLocation == graph.LocationDram {
		alloc.Free(offset)
	}

	p := &Conversion{
		base:        base{index: index, nodes: definite},
		StripeShape: stripe,
	}
	p.assign(p)
	last.SramOffset = offset
	last.Location = inputLocation

	util.Trace("Conversion pass created", "index", index, "nodes", len(definite), "stripe", stripe.String())
	return p
}
