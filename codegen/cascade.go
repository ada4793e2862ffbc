package codegen

import (
	"math"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/pass"
	"github.com/sarchlab/npuc/util"
)

// Position of each agent of an MCE pass in the agent array.
const (
	agentIfm = iota
	agentWgt
	agentMce
	agentPleL
	agentPle
	agentOfm
	numAgents
)

// AgentBuffers are the buffers the agents of an MCE pass stream.
type AgentBuffers struct {
	Input          uint32
	Weights        uint32
	WeightMetadata uint32
	Output         uint32

	WeightStripes uint32
	WeightMaxSize uint32
}

// stripeGrid splits a tensor into stripes.
type stripeGrid struct {
	dflt  util.TensorShape
	edge  util.TensorShape
	count util.TensorShape
}

func newStripeGrid(shape, stripe util.TensorShape) stripeGrid {
	var g stripeGrid
	for i := 1; i < 4; i++ {
		s := max(min(stripe[i], shape[i]), 1)
		g.dflt[i] = s
		g.count[i] = util.DivRoundUp(shape[i], s)
		g.edge[i] = shape[i] - (g.count[i]-1)*s
	}
	return g
}

func (g stripeGrid) total() uint32 {
	return g.count[1] * g.count[2] * g.count[3]
}

func u16(x uint32) uint16 {
	return uint16(min(x, math.MaxUint16))
}

func u8(x uint32) uint8 {
	return uint8(min(x, math.MaxUint8))
}

func tensorSize(s util.TensorShape) cmdstream.TensorSize {
	return cmdstream.TensorSize{Height: u16(s[1]), Width: u16(s[2]), Channels: u16(s[3])}
}

// idStrides numbers stripes channels first, then width, then height.
func (g stripeGrid) idStrides() cmdstream.TensorSize {
	return cmdstream.TensorSize{
		Height:   u16(g.count[3] * g.count[2]),
		Width:    u16(g.count[3]),
		Channels: 1,
	}
}

func (g stripeGrid) fmData(bufferID uint32, tile cmdstream.Tile) cmdstream.FmSData {
	return cmdstream.FmSData{
		BufferID:          u16(bufferID),
		Tile:              tile,
		DfltStripeSize:    tensorSize(g.dflt),
		EdgeStripeSize:    tensorSize(g.edge),
		StripeDramStrides: cmdstream.TensorSize{Height: 1, Width: 1, Channels: 1},
		NumStripes:        tensorSize(g.count),
		StripeIDStrides:   g.idStrides(),
	}
}

// ratio reduces a:b to fit the dependency fields.
func ratio(other, self uint32) cmdstream.Ratio {
	if other == 0 || self == 0 {
		return cmdstream.Ratio{}
	}
	a, b := other, self
	for b != 0 {
		a, b = b, a%b
	}
	return cmdstream.Ratio{Other: u8(other / a), Self: u8(self / a)}
}

func dependency(relative int, other, self uint32) cmdstream.Dependency {
	return cmdstream.Dependency{
		RelativeAgentID: uint8(relative),
		OuterRatio:      ratio(other, self),
		InnerRatio:      ratio(other, self),
	}
}

// Agents describes an MCE pass as the six cascading agents that stream its
// input and weights, run the MCE and PLE and write its output, along with
// the command lists driving them.
func Agents(caps config.HardwareCapabilities, p *pass.McePle, bufs AgentBuffers) cmdstream.CascadeStream {
	tc := p.TensorConfig
	banks := caps.NumberOfSrams()
	last := p.Last()

	ifm := newStripeGrid(p.First().InputShape(0), tc.Input.StripeShape)
	ofm := newStripeGrid(last.Shape, tc.Output.StripeShape)
	mce := newStripeGrid(p.Mce.Shape, util.TensorShape{
		1,
		p.Mce.Shape.Height() * tc.Output.StripeShape.Height() / max(last.Shape.Height(), 1),
		p.Mce.Shape.Width() * tc.Output.StripeShape.Width() / max(last.Shape.Width(), 1),
		tc.Output.StripeShape.Channels(),
	})
	numIfm, numWgt := ifm.total(), max(bufs.WeightStripes, 1)
	numMce, numOfm := mce.total(), ofm.total()

	tile := func(a uint32, numSlots uint32, slotBytes uint32) cmdstream.Tile {
		return cmdstream.Tile{
			BaseAddr: u16(a),
			NumSlots: u16(max(numSlots, 1)),
			SlotSize: u16(util.DivRoundUp(slotBytes, banks)),
		}
	}
	ifmTile := tile(tc.Input.Offset, tc.Input.NumStripesInTile, util.TotalSizeBytes(tc.Input.StripeShape))
	wgtTile := tile(tc.Weights.Offset, tc.Weights.NumStripesInTile, bufs.WeightMaxSize)
	ofmTile := tile(tc.Output.Offset, tc.Output.NumStripesInTile, util.TotalSizeBytes(tc.Output.StripeShape))

	workSize := func(s util.TensorShape, ifms uint32) cmdstream.MceSWorkSize {
		return cmdstream.MceSWorkSize{
			OfmHeight: u16(s[1]), OfmWidth: u16(s[2]), OfmChannels: u16(s[3]), IfmChannels: u16(ifms),
		}
	}
	ifmChannels := tc.Weights.StripeShape[2]

	agents := make([]cmdstream.Agent, numAgents)
	agents[agentIfm] = cmdstream.Agent{
		Data: cmdstream.AgentData{Payload: cmdstream.IfmS{FmData: ifm.fmData(bufs.Input, ifmTile)}},
		Info: cmdstream.AgentDependencyInfo{
			NumStripesTotal:      u16(numIfm),
			ScheduleDependencies: [1]cmdstream.Dependency{dependency(agentMce-agentIfm, numMce, numIfm)},
		},
	}
	agents[agentWgt] = cmdstream.Agent{
		Data: cmdstream.AgentData{Payload: cmdstream.WgtS{
			BufferID:         u16(bufs.Weights),
			MetadataBufferID: u16(bufs.WeightMetadata),
			Tile:             wgtTile,
			NumStripes:       u16(numWgt),
		}},
		Info: cmdstream.AgentDependencyInfo{
			NumStripesTotal:      u16(numWgt),
			ScheduleDependencies: [1]cmdstream.Dependency{dependency(agentMce-agentWgt, numMce, numWgt)},
		},
	}
	agents[agentMce] = cmdstream.Agent{
		Data: cmdstream.AgentData{Payload: cmdstream.MceS{
			IfmTile: ifmTile,
			WgtTile: wgtTile,
			BlockSize: cmdstream.BlockSize{
				Width:  u8(tc.BlockConfig.Width),
				Height: u8(tc.BlockConfig.Height),
			},
			DfltStripeSize: workSize(mce.dflt, ifmChannels),
			EdgeStripeSize: workSize(mce.edge, ifmChannels),
			NumStripes:     workSize(mce.count, 1),
			StripeIDStrides: cmdstream.MceSWorkSize{
				OfmHeight: u16(mce.count[3] * mce.count[2]), OfmWidth: u16(mce.count[3]), OfmChannels: 1,
			},
		}},
		Info: cmdstream.AgentDependencyInfo{
			NumStripesTotal:      u16(numMce),
			ScheduleDependencies: [1]cmdstream.Dependency{dependency(agentPle-agentMce, numOfm, numMce)},
			ReadDependencies: [2]cmdstream.Dependency{
				dependency(agentMce-agentIfm, numIfm, numMce),
				dependency(agentMce-agentWgt, numWgt, numMce),
			},
		},
	}
	agents[agentPleL] = cmdstream.Agent{
		Data: cmdstream.AgentData{Payload: cmdstream.PleL{}},
		Info: cmdstream.AgentDependencyInfo{
			NumStripesTotal:      1,
			ScheduleDependencies: [1]cmdstream.Dependency{dependency(agentPle-agentPleL, numOfm, 1)},
		},
	}
	agents[agentPle] = cmdstream.Agent{
		Data: cmdstream.AgentData{Payload: cmdstream.PleS{
			OfmTile: ofmTile,
			NumStripes: cmdstream.PleSWorkSize{
				OfmHeight: u16(ofm.count[1]), OfmWidth: u16(ofm.count[2]), OfmChannels: u16(ofm.count[3]),
			},
			StripeIDStrides: cmdstream.PleSWorkSize{
				OfmHeight: u16(ofm.count[3] * ofm.count[2]), OfmWidth: u16(ofm.count[3]), OfmChannels: 1,
			},
		}},
		Info: cmdstream.AgentDependencyInfo{
			NumStripesTotal:      u16(numOfm),
			ScheduleDependencies: [1]cmdstream.Dependency{dependency(agentOfm-agentPle, numOfm, numOfm)},
			ReadDependencies: [2]cmdstream.Dependency{
				dependency(agentPle-agentMce, numMce, numOfm),
				dependency(agentPle-agentPleL, 1, numOfm),
			},
		},
	}
	agents[agentOfm] = cmdstream.Agent{
		Data: cmdstream.AgentData{Payload: cmdstream.OfmS{FmData: ofm.fmData(bufs.Output, ofmTile)}},
		Info: cmdstream.AgentDependencyInfo{
			NumStripesTotal:  u16(numOfm),
			ReadDependencies: [2]cmdstream.Dependency{dependency(agentOfm-agentPle, numOfm, numOfm)},
		},
	}

	s := cmdstream.CascadeStream{Agents: agents}
	s.DmaRdCommands, s.MceCommands = mceCommands(numIfm, numWgt, numMce)
	s.PleCommands = pleCommands(numMce, numOfm)
	s.DmaWrCommands = ofmCommands(numOfm)
	return s
}

// needed is how many of total stripes must be loaded before step i of n.
func needed(i, n, total uint32) uint32 {
	return min(util.DivRoundUp((i+1)*total, n), total)
}

// mceCommands loads the input and weight stripes each MCE stripe needs,
// with the MCE waiting for each load to complete.
func mceCommands(numIfm, numWgt, numMce uint32) (dmaRd, mce []cmdstream.CascadeCommand) {
	dmaRd = append(dmaRd, cmdstream.AgentCommand{
		Type: cmdstream.CommandLoadPleCodeIntoSram, AgentID: agentPleL,
	})

	var loadedIfm, loadedWgt uint32
	for s := uint32(0); s < numMce; s++ {
		for ; loadedIfm < needed(s, numMce, numIfm); loadedIfm++ {
			dmaRd = append(dmaRd, cmdstream.AgentCommand{
				Type: cmdstream.CommandLoadIfmStripe, AgentID: agentIfm, StripeID: loadedIfm,
			})
		}
		for ; loadedWgt < needed(s, numMce, numWgt); loadedWgt++ {
			dmaRd = append(dmaRd, cmdstream.AgentCommand{
				Type: cmdstream.CommandLoadWgtStripe, AgentID: agentWgt, StripeID: loadedWgt,
			})
		}

		mce = append(mce,
			cmdstream.WaitForCounterCommand{
				Type:         cmdstream.CommandWaitForCounter,
				CounterName:  cmdstream.CounterDmaRd,
				CounterValue: uint32(len(dmaRd)),
			},
			cmdstream.AgentCommand{Type: cmdstream.CommandProgramMceStripe, AgentID: agentMce, StripeID: s},
			cmdstream.AgentCommand{Type: cmdstream.CommandConfigMceif, AgentID: agentPle, StripeID: s},
			cmdstream.AgentCommand{Type: cmdstream.CommandStartMceStripe, AgentID: agentMce, StripeID: s},
		)
	}
	return dmaRd, mce
}

// pleCommands loads the kernel once, then runs one PLE stripe per output
// stripe once the MCE stripes it consumes are done.
func pleCommands(numMce, numOfm uint32) []cmdstream.CascadeCommand {
	cmds := []cmdstream.CascadeCommand{
		cmdstream.WaitForCounterCommand{
			Type: cmdstream.CommandWaitForCounter, CounterName: cmdstream.CounterDmaRd, CounterValue: 1,
		},
		cmdstream.AgentCommand{Type: cmdstream.CommandLoadPleCodeIntoPleSram, AgentID: agentPleL},
	}
	for s := uint32(0); s < numOfm; s++ {
		cmds = append(cmds,
			cmdstream.WaitForCounterCommand{
				Type:         cmdstream.CommandWaitForCounter,
				CounterName:  cmdstream.CounterMceStripe,
				CounterValue: needed(s, numOfm, numMce),
			},
			cmdstream.AgentCommand{Type: cmdstream.CommandStartPleStripe, AgentID: agentPle, StripeID: s},
		)
	}
	return cmds
}

// ofmCommands stores each output stripe once the PLE has produced it.
func ofmCommands(numOfm uint32) []cmdstream.CascadeCommand {
	var cmds []cmdstream.CascadeCommand
	for s := uint32(0); s < numOfm; s++ {
		cmds = append(cmds,
			cmdstream.WaitForCounterCommand{
				Type:         cmdstream.CommandWaitForCounter,
				CounterName:  cmdstream.CounterPleStripe,
				CounterValue: s + 1,
			},
			cmdstream.AgentCommand{Type: cmdstream.CommandStoreOfmStripe, AgentID: agentOfm, StripeID: s},
		)
	}
	return cmds
}
