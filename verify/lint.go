package verify

import (
	"bytes"
	"fmt"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/compiler"
)

// RunLint performs the static checks on the command stream of a compiled
// network.
func RunLint(cn *compiler.CompiledNetwork, arch ArchInfo) []Issue {
	var issues []Issue

	raw := cn.CommandStream()
	if raw == nil {
		return []Issue{streamIssue("no command stream buffer")}
	}

	cmds, err := cmdstream.Parse(raw)
	if err != nil {
		return []Issue{streamIssue(err.Error())}
	}

	issues = append(issues, checkReencode(raw, cmds)...)

	buffers := dramBuffers(cn)
	for i, cmd := range cmds {
		issues = append(issues, checkCommand(i, cmd.Data, buffers, arch)...)
	}

	return issues
}

func streamIssue(msg string) Issue {
	return Issue{Type: IssueStruct, Command: -1, Message: msg}
}

// checkReencode rebuilds the stream from the decoded commands. A record
// that does not come back byte for byte has fields the decoder dropped.
func checkReencode(raw []byte, cmds []cmdstream.Command) []Issue {
	b := cmdstream.NewBuilder()
	var issues []Issue

	for i, cmd := range cmds {
		start := len(b.Bytes())
		if _, isCascade := cmd.Data.(cmdstream.Cascade); isCascade {
			b.AddCascade(cmd.Cascade)
		} else {
			b.Add(cmd.Data)
		}
		end := len(b.Bytes())

		if end > len(raw) || !bytes.Equal(raw[start:end], b.Bytes()[start:end]) {
			issues = append(issues, Issue{
				Type:    IssueStruct,
				Command: i,
				Opcode:  cmd.Data.Opcode(),
				Message: fmt.Sprintf("record at offset %d does not re-encode to the same bytes", start),
			})
		}
	}

	if len(b.Bytes()) != len(raw) {
		issues = append(issues, streamIssue(
			fmt.Sprintf("stream is %d bytes, re-encoded %d", len(raw), len(b.Bytes()))))
	}
	return issues
}

func dramBuffers(cn *compiler.CompiledNetwork) map[uint32]bool {
	ids := make(map[uint32]bool)
	for _, id := range cn.BufferIDs() {
		ids[id] = true
	}
	return ids
}

type commandChecker struct {
	index   int
	opcode  cmdstream.Opcode
	buffers map[uint32]bool
	arch    ArchInfo
	issues  []Issue
}

func (c *commandChecker) report(t IssueType, details map[string]any, format string, args ...any) {
	c.issues = append(c.issues, Issue{
		Type:    t,
		Command: c.index,
		Opcode:  c.opcode,
		Message: fmt.Sprintf(format, args...),
		Details: details,
	})
}

func (c *commandChecker) checkBuffer(what string, id uint32) {
	if !c.buffers[id] {
		c.report(IssueBounds, map[string]any{"buffer": id},
			"%s references unknown DRAM buffer %d", what, id)
	}
}

// checkTensor checks one tensor of a command. Tile sizes are spread over
// every bank, offsets are per bank.
func (c *commandChecker) checkTensor(what string, t cmdstream.TensorInfo) {
	if t.DataLocation == cmdstream.LocationDram {
		c.checkBuffer(what, t.DramBufferID)
	}

	for i := range t.TensorShape {
		if t.SupertensorOffset[i]+t.TensorShape[i] > t.SupertensorShape[i] {
			c.report(IssueBounds,
				map[string]any{"offset": t.SupertensorOffset, "supertensor": t.SupertensorShape},
				"%s of shape %v at %v does not fit its supertensor %v",
				what, t.TensorShape, t.SupertensorOffset, t.SupertensorShape)
			break
		}
	}

	if t.TileSize == 0 {
		return
	}
	perBank := t.TileSize / c.arch.NumberOfSrams
	if end := t.SramOffset + perBank; end > c.arch.SramSizePerBank {
		c.report(IssueBounds,
			map[string]any{"offset": t.SramOffset, "tile": t.TileSize, "bank": c.arch.SramSizePerBank},
			"%s tile ends at %d, past the %d byte SRAM bank", what, end, c.arch.SramSizePerBank)
	}
}

func (c *commandChecker) checkPle(p cmdstream.PleData) {
	if end := p.CeSram + c.arch.MaxPleSize; end > c.arch.SramSizePerBank {
		c.report(IssueBounds, map[string]any{"offset": p.CeSram},
			"PLE code ends at %d, past the %d byte SRAM bank", end, c.arch.SramSizePerBank)
	}
}

func checkCommand(index int, data cmdstream.CommandData, buffers map[uint32]bool, arch ArchInfo) []Issue {
	c := &commandChecker{index: index, opcode: data.Opcode(), buffers: buffers, arch: arch}

	switch d := data.(type) {
	case cmdstream.McePle:
		c.checkTensor("input", d.InputInfo)
		c.checkTensor("weights", d.WeightInfo)
		c.checkBuffer("weight metadata", d.WeightMetadataBufferID)
		c.checkTensor("output", d.OutputInfo)
		c.checkPle(d.PleData)
		if !arch.supportsBlock(d.BlockConfig) {
			c.report(IssueConfig, nil, "block config %dx%d is not supported by %s",
				d.BlockConfig.BlockWidth, d.BlockConfig.BlockHeight, arch.Variant)
		}
	case cmdstream.PleOnly:
		if d.NumInputInfos < 1 || d.NumInputInfos > 2 {
			c.report(IssueStruct, nil, "%d inputs, a PLE kernel takes 1 or 2", d.NumInputInfos)
		}
		c.checkTensor("input", d.InputInfo)
		if d.NumInputInfos == 2 {
			c.checkTensor("second input", d.InputInfo2)
		}
		c.checkTensor("output", d.OutputInfo)
		c.checkPle(d.PleData)
	case cmdstream.Convert:
		c.checkTensor("input", d.InputInfo)
		c.checkTensor("output", d.OutputInfo)
	case cmdstream.Softmax:
		c.checkTensor("input", d.InputInfo)
		c.checkTensor("output", d.OutputInfo)
	case cmdstream.SpaceToDepth:
		c.checkTensor("input", d.InputInfo)
		c.checkTensor("output", d.OutputInfo)
	case cmdstream.DumpDram:
		c.checkBuffer("dump", d.DramBufferID)
	case cmdstream.Cascade:
		if d.Size == 0 {
			c.report(IssueStruct, nil, "empty cascading stream")
		}
	}

	return c.issues
}
