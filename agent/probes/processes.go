package probes

import (
	"context"
	"sort"

	"github.com/grenade/slarti/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const topN = 5

// ProcessesSummary answers processes_summary: totals by state plus the
// heaviest processes by CPU and by resident memory.
func (p *Prober) ProcessesSummary(ctx context.Context, _ protocol.Request) (interface{}, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}

	stats := make([]protocol.ProcessStat, 0, len(procs))
	byState := map[string]int{}
	for _, proc := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// processes may exit while we walk the table
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		state := "unknown"
		if st, err := proc.StatusWithContext(ctx); err == nil && len(st) > 0 {
			state = st[0]
		}
		byState[state]++

		stat := protocol.ProcessStat{PID: proc.Pid, Name: name}
		stat.User, _ = proc.UsernameWithContext(ctx)
		stat.CPUPercent, _ = proc.CPUPercentWithContext(ctx)
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			stat.RSSBytes = mi.RSS
		}
		stats = append(stats, stat)
	}

	return summarize(stats, byState), nil
}

func summarize(stats []protocol.ProcessStat, byState map[string]int) protocol.ProcessesSummary {
	sum := protocol.ProcessesSummary{Total: len(stats), ByState: byState}

	byCPU := append([]protocol.ProcessStat(nil), stats...)
	sort.SliceStable(byCPU, func(i, j int) bool { return byCPU[i].CPUPercent > byCPU[j].CPUPercent })
	sum.TopCPU = head(byCPU, topN)

	byMem := append([]protocol.ProcessStat(nil), stats...)
	sort.SliceStable(byMem, func(i, j int) bool { return byMem[i].RSSBytes > byMem[j].RSSBytes })
	sum.TopMem = head(byMem, topN)
	return sum
}

func head(s []protocol.ProcessStat, n int) []protocol.ProcessStat {
	if len(s) > n {
		return s[:n]
	}
	return s
}
