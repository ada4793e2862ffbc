package pass

import (
	"slices"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/sram"
	"github.com/sarchlab/npuc/strategy"
	"github.com/sarchlab/npuc/util"
)

// Ple is a pass running a standalone PLE kernel, optionally followed by a
// format conversion.
type Ple struct {
	base

	Op             *graph.Node
	PostConversion *graph.Node

	Inputs []strategy.Allocation
	Code   strategy.Allocation
	Output strategy.Allocation
}

func (p *Ple) Kind() Kind { return KindPle }

// PleOperation is the kernel of the pass.
func (p *Ple) PleOperation() cmdstream.PleOperation { return p.Op.Ple.Operation }

type pleSetup struct {
	inputs []strategy.Allocation
	code   strategy.Allocation
	output strategy.Allocation
}

// setupPle places the inputs, the kernel code and the output of a PLE
// operation in SRAM. Inputs must share their shape and location.
func setupPle(
	caps config.HardwareCapabilities,
	alloc *sram.Allocator,
	inputShapes []util.TensorShape,
	static []bool,
	offsets []uint32,
	outputShape util.TensorShape,
) (pleSetup, bool) {
	in0 := inputShapes[0]
	for i := range inputShapes {
		if inputShapes[i] != in0 || static[i] != static[0] {
			return pleSetup{}, false
		}
	}
	if in0.Channels() > outputShape.Channels() {
		return pleSetup{}, false
	}

	var res pleSetup
	codeOffset, ok := alloc.Allocate(caps.MaxPleSize(), sram.Start, "ple")
	if !ok {
		return pleSetup{}, false
	}
	res.code = strategy.Allocation{Offset: codeOffset, TileSize: caps.MaxPleSize()}

	bg := caps.BrickGroupShape()
	srams := caps.NumberOfSrams()
	inSram := util.TensorShape{
		1,
		util.RoundUp(in0.Height(), bg.Height()),
		util.RoundUp(in0.Width(), bg.Width()),
		util.DivRoundUp(in0.Channels(), srams),
	}
	outSram := util.TensorShape{
		1,
		util.RoundUp(outputShape.Height(), bg.Height()),
		util.RoundUp(outputShape.Width(), bg.Width()),
		util.DivRoundUp(outputShape.Channels(), srams),
	}
	outDepthMult := outSram.Channels() / inSram.Channels()

	tryAlloc := func(inDepth, numStripes uint32) bool {
		trial := *alloc
		inStripeSize := inSram.Height() * inSram.Width() * inDepth
		inStripe := util.TensorShape{1, inSram.Height(), inSram.Width(), inDepth * srams}

		res.inputs = make([]strategy.Allocation, len(inputShapes))
		for i := range inputShapes {
			a := strategy.Allocation{
				StripeShape:      inStripe,
				TileSize:         numStripes * inStripeSize * srams,
				NumStripesInTile: numStripes,
			}
			switch {
			case !static[i]:
				offset, ok := trial.Allocate(numStripes*inStripeSize, sram.Start, "ple input")
				if !ok {
					return false
				}
				a.Offset = offset
			case inStripe.Channels() >= in0.Channels():
				// A static input must be held in a single stripe.
				a.Offset = offsets[i]
			default:
				return false
			}
			res.inputs[i] = a
		}

		outDepth := inDepth * outDepthMult
		outStripeSize := outSram.Height() * outSram.Width() * outDepth
		res.output = strategy.Allocation{
			StripeShape:      util.TensorShape{1, outSram.Height(), outSram.Width(), outDepth * srams},
			TileSize:         numStripes * outStripeSize * srams,
			NumStripesInTile: numStripes,
		}
		offset, ok := trial.Allocate(numStripes*outStripeSize, sram.End, "ple output")
		if !ok {
			return false
		}
		res.output.Offset = offset

		*alloc = trial
		return true
	}

	success := tryAlloc(inSram.Channels(), 1)
	if !slices.Contains(static, true) {
		depthsInBrick := bg.Channels() / srams
		depth := util.RoundUp(util.DivRoundUp(inSram.Channels(), 3), depthsInBrick)
		for ; !success && depth != 0; depth -= depthsInBrick {
			success = tryAlloc(depth, 2)
		}
		if !success && depthsInBrick > 1 {
			success = tryAlloc(1, 2)
		}
		if !success {
			success = tryAlloc(1, 1)
		}
	}

	return res, success
}

// CreatePle forms a PLE pass starting at a standalone PLE node. The last
// set of nodes a placement was found for is used.
func CreatePle(caps config.HardwareCapabilities, index int, first *graph.Node, alloc *sram.Allocator) *Ple {
	var (
		op, postConversion *graph.Node
		required           graph.Format

		working        []*graph.Node
		workingSetup   pleSetup
		workingAlloc   sram.Allocator
		workingOutLoc  graph.BufferLocation
		nodes          []*graph.Node
		strategyExists bool
	)

loop:
	for current := first; current != nil; current = nextLinear(current) {
		switch {
		case op == nil && current.Kind() == graph.KindStandalonePle:
			op = current
		case op != nil && postConversion == nil &&
			(required == graph.FormatNone || current.Format == required) &&
			current.Kind() == graph.KindFormatConversion:
			postConversion = current
		default:
			break loop
		}
		nodes = append(nodes, current)

		required = graph.FormatNone
		last := nodes[len(nodes)-1]

		var (
			shapes  []util.TensorShape
			static  []bool
			offsets []uint32
		)
		for i := range op.Inputs() {
			shapes = append(shapes, op.InputShape(i))
			static = append(static, op.InputLocation(i) == graph.LocationSram)
			offsets = append(offsets, op.InputSramOffset(i))
		}

		trial := *alloc
		setup, ok := setupPle(caps, &trial, shapes, static, offsets, last.Shape)
		util.Trace("Ple attempt", "last", last.String(), "selected", ok)
		if !ok {
			continue
		}

		outStripe := setup.output.StripeShape
		workingOutLoc = graph.LocationDram
		if last.Format == graph.FormatNHWCB && last.LocationHint != graph.RequireDram &&
			outStripe.Height() >= last.Shape.Height() &&
			outStripe.Width() >= last.Shape.Width() &&
			outStripe.Channels() >= last.Shape.Channels() {
			workingOutLoc = graph.LocationSram
			required = graph.FormatNHWCB
		}
		working = slices.Clone(nodes)
		workingSetup = setup
		workingAlloc = trial
		strategyExists = true
	}

	if op == nil {
		return nil
	}
	if !strategyExists {
		requestDramForSramDependency(first)
		util.Trace("Ple no placement", "node", first.String())
		return nil
	}

	*alloc = workingAlloc
	alloc.Free(workingSetup.code.Offset)
	for i := range first.Inputs() {
		if first.InputLocation(i) != graph.LocationSram {
			alloc.Free(workingSetup.inputs[i].Offset)
		}
	}
	if workingOutLoc == graph.LocationDram {
		alloc.Free(workingSetup.output.Offset)
	}

	p := &Ple{
		base:   base{index: index, nodes: working},
		Op:     op,
		Inputs: workingSetup.inputs,
		Code:   workingSetup.code,
		Output: workingSetup.output,
	}
	if len(working) > 1 {
		p.PostConversion = working[1]
	}
	p.assign(p)

	last := p.Last()
	last.Location = workingOutLoc
	last.SramOffset = workingSetup.output.Offset

	util.Trace("Ple pass created", "index", index, "op", op.String(), "location", workingOutLoc.String())
	return p
}
