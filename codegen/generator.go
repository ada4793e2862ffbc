// Package codegen turns the passes of a prepared graph into a command
// stream and the buffer table the command stream refers to.
package codegen

import (
	"errors"
	"fmt"
	"math"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/graph"
	"github.com/sarchlab/npuc/network"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/strategy"
	"github.com/sarchlab/npuc/util"
)

// ErrWeightTileTooSmall is returned when the encoded weights of a stripe do
// not fit the weight tile chosen by the strategy.
var ErrWeightTileTooSmall = errors.New("weight tile too small for encoded weights")

// wholeTensor is the supertensor offset of a tensor that fills its DRAM
// buffer. Every tensor the graph produces has a buffer of its own.
var wholeTensor = util.TensorShape{0, 0, 0, 0}

// Span is the range [First, End) of commands generated for a pass.
type Span struct {
	First int
	End   int
}

// Generator emits the commands of passes in order.
type Generator struct {
	caps    config.HardwareCapabilities
	opts    config.CompilationOptions
	buffers BufferManager
	encoder WeightEncoder

	stream   *cmdstream.Builder
	spans    map[int]Span
	cascades map[int]cmdstream.CascadeStream
}

// NewGenerator creates a generator writing into a fresh command stream.
func NewGenerator(
	caps config.HardwareCapabilities,
	opts config.CompilationOptions,
	buffers BufferManager,
	encoder WeightEncoder,
) *Generator {
	return &Generator{
		caps:     caps,
		opts:     opts,
		buffers:  buffers,
		encoder:  encoder,
		stream:   cmdstream.NewBuilder(),
		spans:    map[int]Span{},
		cascades: map[int]cmdstream.CascadeStream{},
	}
}

// Stream returns the command stream built so far.
func (g *Generator) Stream() *cmdstream.Builder { return g.stream }

// Span returns the commands generated for the pass with the given index.
func (g *Generator) Span(passIndex int) (Span, bool) {
	s, ok := g.spans[passIndex]
	return s, ok
}

// Cascade returns the cascading agents built for an MCE pass.
func (g *Generator) Cascade(passIndex int) (cmdstream.CascadeStream, bool) {
	s, ok := g.cascades[passIndex]
	return s, ok
}

// AddSection marks the start of a group of commands.
func (g *Generator) AddSection(t cmdstream.SectionType) {
	g.stream.Add(cmdstream.Section{Type: t})
}

// DumpSram asks the firmware to write the SRAM to a file.
func (g *Generator) DumpSram(prefix string) {
	g.stream.Add(cmdstream.DumpSram{Filename: cmdstream.MakeFilename(prefix)})
}

// Generate emits the commands of one pass.
func (g *Generator) Generate(p pass.Pass) error {
	first := g.stream.NumCommands()

	var err error
	switch p := p.(type) {
	case *pass.McePle:
		err = g.mcePle(p)
	case *pass.Ple:
		err = g.ple(p)
	case *pass.Conversion:
		err = g.conversion(p)
	default:
		err = fmt.Errorf("unknown pass kind %s", p.Kind())
	}
	if err != nil {
		return fmt.Errorf("generate pass %d: %w", p.Index(), err)
	}

	g.postGenerate(p)
	g.spans[p.Index()] = Span{First: first, End: g.stream.NumCommands()}

	util.Trace("Pass generated",
		"index", p.Index(),
		"kind", p.Kind().String(),
		"commands", g.stream.NumCommands()-first)
	return nil
}

// postGenerate adds the debug dumps of a pass.
func (g *Generator) postGenerate(p pass.Pass) {
	if !g.opts.DumpRam {
		return
	}

	nodes := p.Nodes()
	last := nodes[len(nodes)-1]
	if last.Location == graph.LocationDram {
		s := last.Shape
		name := fmt.Sprintf("%d_%d_%d_%d_CommandStream_Operation_%d_OutputModel_NHWCB.hex",
			s[0], s[1], s[2], s[3], p.Index())
		g.stream.Add(cmdstream.DumpDram{
			DramBufferID: last.BufferID,
			Filename:     cmdstream.MakeFilename(name),
		})
	}

	g.DumpSram(fmt.Sprintf("output_ce_%d", p.Index()))
}

// BufferSize is the number of bytes a tensor takes in DRAM.
func BufferSize(caps config.HardwareCapabilities, shape util.TensorShape, format cmdstream.DataFormat) uint32 {
	switch format {
	case cmdstream.DataFormatNHWC, cmdstream.DataFormatNCHW:
		return util.TotalSizeBytes(shape)
	case cmdstream.DataFormatFCAFDeep:
		return util.TotalSizeBytesFCAF(shape, strategy.FcafDeepCell)
	case cmdstream.DataFormatFCAFWide:
		return util.TotalSizeBytesFCAF(shape, strategy.FcafWideCell)
	}
	return util.TotalSizeBytesNHWCB(shape, caps.BrickGroupShape())
}

func dataLocation(l graph.BufferLocation) cmdstream.DataLocation {
	if l == graph.LocationSram {
		return cmdstream.LocationSram
	}
	return cmdstream.LocationDram
}

func mceAlgorithm(a graph.Algorithm) cmdstream.MceAlgorithm {
	if a == graph.AlgorithmWinograd {
		return cmdstream.AlgorithmWinograd
	}
	return cmdstream.AlgorithmDirect
}

// inputSramOffset is where the firmware finds an input. Inputs already in
// SRAM stay where their producer left them.
func (g *Generator) inputSramOffset(src *graph.Node, tile strategy.Allocation) uint32 {
	if src.Location == graph.LocationSram {
		return g.buffers.SramOffset(src.BufferID)
	}
	return tile.Offset
}

// addOutputBuffer registers the buffer of the last node of a pass.
func (g *Generator) addOutputBuffer(last *graph.Node, sramOffset uint32) uint32 {
	var id uint32
	if last.Location == graph.LocationSram {
		id = g.buffers.AddSram(util.TotalSizeBytesNHWCB(last.Shape, g.caps.BrickGroupShape()), sramOffset)
	} else {
		id = g.buffers.AddDram(BufferIntermediate, BufferSize(g.caps, last.Shape, last.BufferFormat()))
	}
	last.BufferID = id
	return id
}

// WeightStripeDepthAndSize gives the number of OFMs and of input channels
// of one weight stripe.
func WeightStripeDepthAndSize(attrs *graph.MceAttrs, stripe util.TensorShape) (depth, size uint32) {
	size = stripe[2]
	if attrs.Weights.DataFormat == network.FormatHWIM {
		depth = stripe[2] * stripe[3] / (attrs.Stride.X * attrs.Stride.Y)
	} else {
		depth = stripe[3]
	}
	return depth, size
}

// OutputQuant is the quantization the MCE of a pass writes, that of its last
// requantize if there is one.
func OutputQuant(p *pass.McePle) network.QuantizationInfo {
	quant := p.Mce.Quant
	for _, n := range p.PostProcesses {
		if n.Kind() == graph.KindRequantize {
			quant = n.Quant
		}
	}
	return quant
}

func (g *Generator) mcePle(p *pass.McePle) error {
	tc := p.TensorConfig
	mce := p.Mce
	attrs := mce.Mce
	front, last := p.First(), p.Last()
	in := front.InputSource(0)

	quant := OutputQuant(p)
	depth, size := WeightStripeDepthAndSize(attrs, tc.Weights.StripeShape)
	weights, err := g.encoder.Encode(mce, depth, size, quant)
	if err != nil {
		return err
	}
	if tc.Weights.TileSize < weights.MaxSize*tc.Weights.NumStripesInTile {
		return fmt.Errorf("%w: %s needs %d stripes of %d bytes, tile holds %d",
			ErrWeightTileTooSmall, mce, tc.Weights.NumStripesInTile, weights.MaxSize, tc.Weights.TileSize)
	}
	weightsID := g.buffers.AddDramConstant(BufferConstantDma, weights.Data)
	metadataID := g.buffers.AddDramConstant(BufferConstantControlUnit, weights.MetadataBytes())

	outputID := g.addOutputBuffer(last, tc.Output.Offset)

	weightShape := attrs.Weights.Dimensions
	if attrs.Algorithm == graph.AlgorithmWinograd {
		for i := 0; i < 2; i++ {
			if weightShape[i] != 1 {
				weightShape[i] = util.RoundUp(weightShape[i], 3)
			}
		}
	}

	cmd := cmdstream.McePle{
		InputInfo: cmdstream.TensorInfo{
			DataType:          in.DataType,
			DataFormat:        in.BufferFormat(),
			TensorShape:       mce.InputShape(0),
			SupertensorShape:  in.Shape,
			SupertensorOffset: wholeTensor,
			StripeShape:       tc.Input.StripeShape,
			TileSize:          tc.Input.TileSize,
			DramBufferID:      in.BufferID,
			SramOffset:        g.inputSramOffset(in, tc.Input),
			ZeroPoint:         int16(in.Quant.ZeroPoint),
			DataLocation:      dataLocation(in.Location),
		},
		WeightInfo: cmdstream.TensorInfo{
			DataType:          graph.CommandDataType(attrs.Weights.DataType),
			DataFormat:        cmdstream.DataFormatWeightStream,
			TensorShape:       weightShape,
			SupertensorShape:  weightShape,
			SupertensorOffset: wholeTensor,
			StripeShape:       tc.Weights.StripeShape,
			TileSize:          tc.Weights.TileSize,
			DramBufferID:      weightsID,
			SramOffset:        tc.Weights.Offset,
			ZeroPoint:         int16(attrs.Weights.Quantization.ZeroPoint),
			DataLocation:      cmdstream.LocationDram,
		},
		WeightMetadataBufferID: metadataID,
		OutputInfo: cmdstream.TensorInfo{
			DataType:          last.DataType,
			DataFormat:        last.BufferFormat(),
			TensorShape:       last.Shape,
			SupertensorShape:  last.Shape,
			SupertensorOffset: wholeTensor,
			StripeShape:       tc.Output.StripeShape,
			TileSize:          tc.Output.TileSize,
			DramBufferID:      outputID,
			SramOffset:        tc.Output.Offset,
			ZeroPoint:         int16(last.Quant.ZeroPoint),
			DataLocation:      dataLocation(last.Location),
		},
		SramConfig: cmdstream.SramConfig{AllocationStrategy: strategy.CommandStreamStrategy(tc.Strategy)},
		BlockConfig: cmdstream.BlockConfig{
			BlockWidth:  tc.BlockConfig.Width,
			BlockHeight: tc.BlockConfig.Height,
		},
		MceData: g.mceData(p, quant),
		PleData: cmdstream.PleData{
			CeSram:    tc.Ple.Offset,
			Operation: p.PleOperation(),
		},
	}
	g.setPleRescale(p, &cmd)

	cascade := Agents(g.caps, p, AgentBuffers{
		Input:          in.BufferID,
		Weights:        weightsID,
		WeightMetadata: metadataID,
		Output:         outputID,
		WeightStripes:  uint32(len(weights.Metadata)),
		WeightMaxSize:  weights.MaxSize,
	})
	g.cascades[p.Index()] = cascade

	if g.opts.EnableCascading {
		g.stream.AddCascade(cmdstream.BuildCascade(cascade))
	} else {
		g.stream.Add(cmd)
	}
	return nil
}

// mceOutputStripe scales the input stripe by the MCE's change of size.
func (g *Generator) mceOutputStripe(p *pass.McePle) util.TensorShape {
	tc := p.TensorConfig
	mce := p.Mce
	bg := g.caps.BrickGroupShape()
	inShape, outShape := mce.InputShape(0), mce.Shape
	inStripe := tc.Input.StripeShape

	depth := tc.Output.StripeShape.Channels()
	switch {
	case tc.Strategy == config.StrategyX:
		depth = tc.Weights.StripeShape[3]
	case p.PleOperation() == cmdstream.PleInterleave2x2_2_2:
		depth = tc.Output.StripeShape.Channels() / 4
	}

	return util.TensorShape{
		1,
		util.RoundUp(inStripe.Height()*outShape.Height()/inShape.Height(), bg.Height()),
		util.RoundUp(inStripe.Width()*outShape.Width()/inShape.Width(), bg.Width()),
		depth,
	}
}

func (g *Generator) mceData(p *pass.McePle, quant network.QuantizationInfo) cmdstream.MceData {
	mce := p.Mce
	attrs := mce.Mce

	md := cmdstream.MceData{
		Stride:                  cmdstream.MceStrideConfig{X: attrs.Stride.X, Y: attrs.Stride.Y},
		PadTop:                  attrs.PadTop,
		PadLeft:                 attrs.PadLeft,
		UninterleavedInputShape: attrs.UninterleavedInputShape,
		OutputShape:             mce.Shape,
		OutputStripeShape:       g.mceOutputStripe(p),
		OutputZeroPoint:         int16(quant.ZeroPoint),
		UpsampleType:            attrs.Upsample.Type,
		Operation:               attrs.Operation,
		Algorithm:               mceAlgorithm(attrs.Algorithm),
	}
	md.ActivationMin, md.ActivationMax = mce.DataType.Range()

	if attrs.Upsample.Type == cmdstream.UpsampleBilinear {
		// An odd output size drops the last generated row or column.
		if mce.Shape.Height()%2 == 1 {
			md.UpsampleEdgeModeRow = cmdstream.EdgeModeDrop
		}
		if mce.Shape.Width()%2 == 1 {
			md.UpsampleEdgeModeCol = cmdstream.EdgeModeDrop
		}
	}

	preRequant := mce.Quant
	for _, n := range p.PostProcesses {
		switch n.Kind() {
		case graph.KindMcePostProcess:
			n.ApplyPostProcess(&md)
		case graph.KindRequantize:
			n.ApplyRequantize(&md, preRequant)
		}
		preRequant = n.Quant
	}

	if p.PleOperation() == cmdstream.PleSigmoid {
		sigmoidBounds(p.Ple, &md)
	}
	return md
}

// log2e * 256 maps the input of the sigmoid kernel onto its exp2 table.
const sigmoidScale = math.Log2E * 256

// sigmoidRescale returns the multiplier and shift the sigmoid kernel uses,
// and the largest input magnitude that does not saturate it.
func sigmoidRescale(ple *graph.Node) (mult, shift uint16, absMax int32) {
	in, out := ple.InputQuant(0), ple.Quant

	scale := float64(in.Scale) * sigmoidScale
	if out.Scale == 1.0/128 {
		// Tanh is a sigmoid of twice the input.
		scale *= 2
	}

	mult, shift = util.CalculateRescaleMultiplierAndShift(scale)
	if mult == 0 {
		return math.MaxInt16, 0, 1
	}

	absMax = int32(math.Ceil(math.Ldexp(1, 15+int(shift))/float64(mult))) - 1
	if absMax == 0 {
		return math.MaxInt16, 0, 1
	}
	return mult, shift, absMax
}

func sigmoidBounds(ple *graph.Node, md *cmdstream.MceData) {
	_, _, absMax := sigmoidRescale(ple)
	zp := ple.InputQuant(0).ZeroPoint
	lower := max(int32(md.ActivationMin), zp-absMax)
	upper := max(lower, min(int32(md.ActivationMax), zp+absMax))
	md.ActivationMin, md.ActivationMax = int16(lower), int16(upper)
}

// setPleRescale fills the rescale parameters of kernels that need them.
func (g *Generator) setPleRescale(p *pass.McePle, cmd *cmdstream.McePle) {
	if p.Ple == nil {
		return
	}

	in, out := p.Ple.InputQuant(0), p.Ple.Quant
	switch p.Ple.Ple.Operation {
	case cmdstream.PleSigmoid:
		cmd.PleData.RescaleMultiplier0, cmd.PleData.RescaleShift0, _ = sigmoidRescale(p.Ple)
	case cmdstream.PleLeakyRelu:
		ratio := float64(in.Scale) / float64(out.Scale)
		cmd.PleData.RescaleMultiplier0, cmd.PleData.RescaleShift0 =
			util.CalculateRescaleMultiplierAndShift(ratio)
		cmd.PleData.RescaleMultiplier1, cmd.PleData.RescaleShift1 =
			util.CalculateRescaleMultiplierAndShift(ratio * float64(p.Ple.Ple.Alpha))
	}
}

func (g *Generator) ple(p *pass.Ple) error {
	op, last := p.Op, p.Last()
	if len(op.Inputs()) > 2 {
		return fmt.Errorf("%s has %d inputs", op, len(op.Inputs()))
	}

	outputID := g.addOutputBuffer(last, p.Output.Offset)

	cmd := cmdstream.PleOnly{
		NumInputInfos: int32(len(op.Inputs())),
		OutputInfo: cmdstream.TensorInfo{
			DataType:          last.DataType,
			DataFormat:        last.BufferFormat(),
			TensorShape:       last.Shape,
			SupertensorShape:  last.Shape,
			SupertensorOffset: wholeTensor,
			StripeShape:       p.Output.StripeShape,
			TileSize:          p.Output.TileSize,
			DramBufferID:      outputID,
			SramOffset:        p.Output.Offset,
			ZeroPoint:         int16(last.Quant.ZeroPoint),
			DataLocation:      dataLocation(last.Location),
		},
		SramConfig: cmdstream.SramConfig{AllocationStrategy: cmdstream.Strategy3},
		PleData: cmdstream.PleData{
			CeSram:    p.Code.Offset,
			Operation: op.Ple.Operation,
		},
	}

	infos := []*cmdstream.TensorInfo{&cmd.InputInfo, &cmd.InputInfo2}
	for i := range op.Inputs() {
		src := op.InputSource(i)
		*infos[i] = cmdstream.TensorInfo{
			DataType:          src.DataType,
			DataFormat:        src.BufferFormat(),
			TensorShape:       src.Shape,
			SupertensorShape:  src.Shape,
			SupertensorOffset: wholeTensor,
			StripeShape:       p.Inputs[i].StripeShape,
			TileSize:          p.Inputs[i].TileSize,
			DramBufferID:      src.BufferID,
			SramOffset:        g.inputSramOffset(src, p.Inputs[i]),
			ZeroPoint:         int16(src.Quant.ZeroPoint),
			DataLocation:      dataLocation(src.Location),
		}
	}

	if op.Ple.Operation == cmdstream.PleAdditionRescale {
		out := float64(op.Quant.Scale)
		cmd.PleData.RescaleMultiplier0, cmd.PleData.RescaleShift0 =
			util.CalculateRescaleMultiplierAndShift(float64(op.InputQuant(0).Scale) / out)
		cmd.PleData.RescaleMultiplier1, cmd.PleData.RescaleShift1 =
			util.CalculateRescaleMultiplierAndShift(float64(op.InputQuant(1).Scale) / out)
	}

	g.stream.Add(cmd)
	return nil
}

func (g *Generator) conversion(p *pass.Conversion) error {
	src, last := p.First().InputSource(0), p.Last()

	var inOffset, outOffset uint32
	switch {
	case src.Location == graph.LocationSram && last.Location == graph.LocationSram &&
		last.Format == graph.FormatNHWCB:
		outOffset = last.SramOffset
		inOffset = g.buffers.SramOffset(src.BufferID)
	case src.Location == graph.LocationDram && last.Location == graph.LocationDram:
		outOffset = last.SramOffset
		inOffset = outOffset
	default:
		return fmt.Errorf("conversion from %s in %s to %s in %s",
			src.Format, src.Location, last.Format, last.Location)
	}

	outputID := g.addOutputBuffer(last, outOffset)
	tile := util.TotalSizeBytesNHWCB(p.StripeShape, g.caps.BrickGroupShape())

	g.stream.Add(cmdstream.Convert{
		InputInfo: cmdstream.TensorInfo{
			DataType:          src.DataType,
			DataFormat:        src.BufferFormat(),
			TensorShape:       src.Shape,
			SupertensorShape:  src.Shape,
			SupertensorOffset: wholeTensor,
			StripeShape:       p.StripeShape,
			TileSize:          tile,
			DramBufferID:      src.BufferID,
			SramOffset:        inOffset,
			ZeroPoint:         int16(src.Quant.ZeroPoint),
			DataLocation:      dataLocation(src.Location),
		},
		OutputInfo: cmdstream.TensorInfo{
			DataType:          last.DataType,
			DataFormat:        last.BufferFormat(),
			TensorShape:       last.Shape,
			SupertensorShape:  last.Shape,
			SupertensorOffset: wholeTensor,
			StripeShape:       p.StripeShape,
			TileSize:          tile,
			DramBufferID:      outputID,
			SramOffset:        outOffset,
			ZeroPoint:         int16(last.Quant.ZeroPoint),
			DataLocation:      dataLocation(last.Location),
		},
	})
	return nil
}
