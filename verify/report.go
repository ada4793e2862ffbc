package verify

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sarchlab/npuc/compiler"
)

// VerificationReport represents a complete verification report
type VerificationReport struct {
	CommandCount int
	Issues       []Issue
	ByType       map[IssueType][]Issue
	Arch         ArchInfo
}

// GenerateReport runs the lint and groups what it finds.
func GenerateReport(cn *compiler.CompiledNetwork, arch ArchInfo) *VerificationReport {
	report := &VerificationReport{
		Arch:   arch,
		ByType: make(map[IssueType][]Issue),
	}

	report.Issues = RunLint(cn, arch)
	for _, issue := range report.Issues {
		report.ByType[issue.Type] = append(report.ByType[issue.Type], issue)
	}

	return report
}

// OK reports whether the lint found nothing.
func (r *VerificationReport) OK() bool {
	return len(r.Issues) == 0
}

// WriteReport writes a formatted report to a writer
func (r *VerificationReport) WriteReport(w io.Writer) {
	if r.OK() {
		fmt.Fprintf(w, "Command stream lint for %s: no issues\n", r.Arch.Variant)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Command stream lint for %s", r.Arch.Variant))
	t.AppendHeader(table.Row{"Type", "Command", "Opcode", "Message"})

	for _, typ := range []IssueType{IssueStruct, IssueBounds, IssueConfig} {
		for _, issue := range r.ByType[typ] {
			cmd, op := "-", "-"
			if issue.Command >= 0 {
				cmd = fmt.Sprint(issue.Command)
				op = issue.Opcode.String()
			}
			t.AppendRow(table.Row{issue.Type, cmd, op, issue.Message})
		}
		t.AppendSeparator()
	}
	t.AppendFooter(table.Row{"Total", len(r.Issues)})
	t.Render()
}

// SaveReportToFile saves the report to a file
func (r *VerificationReport) SaveReportToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	r.WriteReport(f)
	return nil
}
