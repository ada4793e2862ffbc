package cmdstream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/layout"
	"github.com/sarchlab/npuc/util"
)

func sampleMcePle() cmdstream.McePle {
	var cmd cmdstream.McePle
	cmd.InputInfo = cmdstream.TensorInfo{
		DataType:     cmdstream.DataTypeU8,
		DataFormat:   cmdstream.DataFormatNHWCB,
		TensorShape:  util.TensorShape{1, 16, 16, 16},
		StripeShape:  util.TensorShape{1, 8, 16, 16},
		TileSize:     4096,
		DramBufferID: 1,
		ZeroPoint:    -3,
		DataLocation: cmdstream.LocationDram,
	}
	cmd.WeightMetadataBufferID = 7
	cmd.SramConfig.AllocationStrategy = cmdstream.Strategy3
	cmd.BlockConfig = cmdstream.BlockConfig{BlockWidth: 16, BlockHeight: 16}
	cmd.MceData.ActivationMin = 0
	cmd.MceData.ActivationMax = 255
	cmd.MceData.Algorithm = cmdstream.AlgorithmWinograd
	cmd.PleData.Operation = cmdstream.PlePassthrough
	cmd.PleData.RescaleMultiplier0 = 0x8000
	return cmd
}

var _ = Describe("Records", func() {
	It("should place McePle fields where the firmware reads them", func() {
		l := layout.For[cmdstream.McePle]()
		Expect(l.OffsetOf("WeightInfo")).To(Equal(84))
		Expect(l.OffsetOf("WeightMetadataBufferID")).To(Equal(168))
		Expect(l.OffsetOf("OutputInfo")).To(Equal(172))
		Expect(l.OffsetOf("SramConfig")).To(Equal(256))
		Expect(l.OffsetOf("BlockConfig")).To(Equal(260))
		Expect(l.OffsetOf("MceData")).To(Equal(268))
		Expect(l.OffsetOf("PleData")).To(Equal(344))
	})

	It("should size commands including the header", func() {
		Expect(cmdstream.CommandSize(cmdstream.McePle{})).To(Equal(368))
		Expect(cmdstream.CommandSize(cmdstream.Fence{})).To(Equal(4))
		Expect(cmdstream.CommandSize(cmdstream.Section{})).To(Equal(8))
		Expect(cmdstream.CommandSize(cmdstream.DumpSram{})).To(Equal(132))
	})

	It("should keep file names NUL terminated", func() {
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'a'
		}
		f := cmdstream.MakeFilename(string(long))
		Expect(f[127]).To(BeZero())
		Expect(f.String()).To(HaveLen(127))
		Expect(cmdstream.MakeFilename("out.hex").String()).To(Equal("out.hex"))
	})
})

var _ = Describe("Builder", func() {
	It("should round trip a stream of commands", func() {
		b := cmdstream.NewBuilder()
		b.Add(sampleMcePle())
		b.Add(cmdstream.DumpDram{DramBufferID: 3, Filename: cmdstream.MakeFilename("x.hex")})
		b.Add(cmdstream.Fence{})
		b.Add(cmdstream.Section{Type: cmdstream.SectionMISO})
		b.Add(cmdstream.Delay{Value: 9})

		Expect(b.NumCommands()).To(Equal(5))
		Expect(len(b.Bytes()) % 4).To(BeZero())
		Expect(b.Words()[0]).To(Equal(cmdstream.FourCC))

		cmds, err := cmdstream.Parse(b.Bytes())
		Expect(err).ToNot(HaveOccurred())
		Expect(cmds).To(HaveLen(5))
		Expect(cmds[0].Data).To(Equal(sampleMcePle()))
		Expect(cmds[1].Data.(cmdstream.DumpDram).Filename.String()).To(Equal("x.hex"))
		Expect(cmds[2].Data).To(Equal(cmdstream.Fence{}))
		Expect(cmds[3].Data).To(Equal(cmdstream.Section{Type: cmdstream.SectionMISO}))
		Expect(cmds[4].Data).To(Equal(cmdstream.Delay{Value: 9}))
	})

	It("should reject streams without the version header", func() {
		_, err := cmdstream.Parse(make([]byte, 16))
		Expect(err).To(MatchError(cmdstream.ErrBadHeader))
	})

	It("should reject truncated commands", func() {
		b := cmdstream.NewBuilder()
		b.Add(sampleMcePle())

		_, err := cmdstream.Parse(b.Bytes()[:100])
		Expect(err).To(MatchError(cmdstream.ErrTruncated))
	})

	It("should carry a cascading stream behind a cascade command", func() {
		cascade := cmdstream.BuildCascade(cmdstream.CascadeStream{
			Agents: []cmdstream.Agent{{
				Data: cmdstream.AgentData{Payload: cmdstream.PleL{}},
				Info: cmdstream.AgentDependencyInfo{NumStripesTotal: 1},
			}},
		})

		b := cmdstream.NewBuilder()
		b.AddCascade(cascade)
		b.Add(cmdstream.Fence{})

		cmds, err := cmdstream.Parse(b.Bytes())
		Expect(err).ToNot(HaveOccurred())
		Expect(cmds).To(HaveLen(2))
		Expect(cmds[0].Data).To(Equal(cmdstream.Cascade{Size: uint32(len(cascade))}))
		Expect(cmds[0].Cascade).To(Equal(cascade))
	})
})

var _ = Describe("Cascade", func() {
	var stream cmdstream.CascadeStream

	BeforeEach(func() {
		ifm := cmdstream.IfmS{FmData: cmdstream.FmSData{
			DramOffset: 64,
			BufferID:   2,
			Tile:       cmdstream.Tile{BaseAddr: 0x100, NumSlots: 2, SlotSize: 256},
			NumStripes: cmdstream.TensorSize{Height: 2, Width: 1, Channels: 1},
		}}
		mce := cmdstream.MceS{
			BlockSize:  cmdstream.BlockSize{Width: 16, Height: 16},
			NumStripes: cmdstream.MceSWorkSize{OfmHeight: 2, OfmWidth: 1, OfmChannels: 1, IfmChannels: 1},
		}

		stream = cmdstream.CascadeStream{
			Agents: []cmdstream.Agent{
				{
					Data: cmdstream.AgentData{Payload: ifm},
					Info: cmdstream.AgentDependencyInfo{NumStripesTotal: 2},
				},
				{
					Data: cmdstream.AgentData{Payload: mce},
					Info: cmdstream.AgentDependencyInfo{
						NumStripesTotal: 2,
						ReadDependencies: [2]cmdstream.Dependency{{
							RelativeAgentID: 1,
							OuterRatio:      cmdstream.Ratio{Other: 2, Self: 2},
							InnerRatio:      cmdstream.Ratio{Other: 1, Self: 1},
							Boundary:        -1,
						}},
					},
				},
			},
			DmaRdCommands: []cmdstream.CascadeCommand{
				cmdstream.AgentCommand{Type: cmdstream.CommandLoadIfmStripe, AgentID: 0, StripeID: 0},
			},
			MceCommands: []cmdstream.CascadeCommand{
				cmdstream.WaitForCounterCommand{
					Type:         cmdstream.CommandWaitForCounter,
					CounterName:  cmdstream.CounterDmaRd,
					CounterValue: 1,
				},
				cmdstream.AgentCommand{Type: cmdstream.CommandStartMceStripe, AgentID: 1},
			},
		}
	})

	It("should compute the header offsets", func() {
		raw := cmdstream.BuildCascade(stream)

		var h cmdstream.CascadeHeader
		Expect(layout.Unmarshal(raw, &h)).To(Succeed())
		Expect(h.AgentsOffset).To(Equal(uint32(44)))
		Expect(h.NumAgents).To(Equal(uint32(2)))
		Expect(h.DmaRdCommandsOffset).To(Equal(uint32(44 + 2*80)))
		Expect(h.DmaWrCommandsOffset).To(Equal(h.DmaRdCommandsOffset + 12))
		Expect(h.MceCommandsOffset).To(Equal(h.DmaWrCommandsOffset))
		Expect(h.PleCommandsOffset).To(Equal(h.MceCommandsOffset + 24))
		Expect(h.TotalSize).To(Equal(uint32(len(raw))))
	})

	It("should round trip agents and command lists", func() {
		parsed, err := cmdstream.ParseCascade(cmdstream.BuildCascade(stream))

		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.Agents).To(Equal(stream.Agents))
		Expect(parsed.DmaRdCommands).To(Equal(stream.DmaRdCommands))
		Expect(parsed.MceCommands).To(Equal(stream.MceCommands))
		Expect(parsed.DmaWrCommands).To(BeEmpty())
	})

	It("should only expose the payload matching the tag", func() {
		data := stream.Agents[1].Data
		Expect(data.Type()).To(Equal(cmdstream.AgentMceScheduler))

		_, isIfm := data.Ifm()
		Expect(isIfm).To(BeFalse())

		mce, isMce := data.Mce()
		Expect(isMce).To(BeTrue())
		Expect(mce.BlockSize.Width).To(Equal(uint8(16)))
	})

	It("should reject unknown agent types", func() {
		raw := cmdstream.BuildCascade(stream)
		raw[44] = 0xFF

		_, err := cmdstream.ParseCascade(raw)
		Expect(err).To(HaveOccurred())
	})
})
