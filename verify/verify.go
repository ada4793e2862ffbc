// Package verify provides debugging checks for compiled networks.
//
// RunLint decodes the command stream of a compiled network and checks it
// against the hardware it was compiled for:
//
//   - STRUCT checks: every record parses and re-encodes to the same bytes
//   - BOUNDS checks: DRAM buffer references exist and SRAM tiles fit in a bank
//   - CONFIG checks: block configs are ones the MCE can be programmed with
//
// # Usage Example
//
//	arch := verify.ArchInfoFromCapabilities(caps)
//	issues := verify.RunLint(compiled, arch)
//	for _, issue := range issues {
//	    log.Printf("[%s] cmd=%d %s: %s", issue.Type, issue.Command, issue.Opcode, issue.Message)
//	}
//
// GenerateReport and WriteReport render the same issues as a table.
package verify

import (
	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/config"
)

// IssueType categorizes lint issues
type IssueType string

const (
	IssueStruct IssueType = "STRUCT" // Record cannot be decoded or re-encoded
	IssueBounds IssueType = "BOUNDS" // Missing buffer or SRAM overflow
	IssueConfig IssueType = "CONFIG" // Setting the hardware does not support
)

// Issue represents a single lint issue
type Issue struct {
	Type    IssueType
	Command int              // Command index in the stream, -1 for the whole stream
	Opcode  cmdstream.Opcode // Opcode of the command, meaningless if Command is -1
	Message string
	Details map[string]any
}

// ArchInfo is what the lint needs to know about the hardware.
type ArchInfo struct {
	Variant         config.Variant
	SramSizePerBank uint32
	NumberOfSrams   uint32
	MaxPleSize      uint32
	BlockConfigs    []config.BlockConfig
}

// ArchInfoFromCapabilities extracts the lint parameters of a variant.
func ArchInfoFromCapabilities(caps config.HardwareCapabilities) ArchInfo {
	return ArchInfo{
		Variant:         caps.Variant(),
		SramSizePerBank: caps.SramSizePerBank(),
		NumberOfSrams:   caps.NumberOfSrams(),
		MaxPleSize:      caps.MaxPleSize(),
		BlockConfigs:    caps.SupportedBlockConfigs(),
	}
}

func (a ArchInfo) supportsBlock(b cmdstream.BlockConfig) bool {
	for _, c := range a.BlockConfigs {
		if c.Width == b.BlockWidth && c.Height == b.BlockHeight {
			return true
		}
	}
	return false
}
