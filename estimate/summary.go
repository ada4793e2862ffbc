package estimate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

func joinIDs(ids []uint32) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = fmt.Sprint(id)
	}
	return strings.Join(s, ",")
}

// Summary renders one row per pass and the operations that could not be
// estimated.
func Summary(d NetworkPerformanceData) string {
	passTable := table.NewWriter()
	passTable.SetTitle("Estimated passes")
	passTable.AppendHeader(table.Row{
		"Pass", "Operations", "MCE ops", "MCE cycles", "PLE patches", "DRAM bytes", "Metric",
	})

	for i, p := range d.Stream {
		dram := uint64(0)
		for _, m := range []MemoryStats{p.Input.MemoryStats, p.Output.MemoryStats, p.Weights.MemoryStats} {
			dram += uint64(m.DramParallelBytes) + uint64(m.DramNonParallelBytes)
		}
		passTable.AppendRow(table.Row{
			i, joinIDs(p.OperationIDs), p.Mce.Operations, p.Mce.CycleCount,
			p.Ple.NumOfPatches, dram, fmt.Sprintf("%.0f", p.Metric),
		})
	}
	passTable.AppendFooter(table.Row{
		"Total", "", "", d.TotalCycles(), "", d.TotalDramBytes(), fmt.Sprintf("%.0f", d.TotalMetric()),
	})

	out := passTable.Render()
	if len(d.Issues) == 0 {
		return out
	}

	issueTable := table.NewWriter()
	issueTable.SetTitle("Not estimated")
	issueTable.AppendHeader(table.Row{"Operation", "Reason"})

	ids := make([]uint32, 0, len(d.Issues))
	for id := range d.Issues {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		issueTable.AppendRow(table.Row{id, d.Issues[id]})
	}
	return out + "\n" + issueTable.Render()
}
