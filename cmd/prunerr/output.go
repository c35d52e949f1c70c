// Copyright (c) 2026, Ross Patterson and the prunerr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rpatterson/prunerr/internal/downloadclient"
	"github.com/rpatterson/prunerr/internal/runner"
)

func newTable(out io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(header)
	return tw
}

func humanSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return humanize.IBytes(uint64(size))
}

func renderReviews(out io.Writer, changes []downloadclient.ReviewChange) {
	if len(changes) == 0 {
		fmt.Fprintln(out, "No review changes.")
		return
	}
	tw := newTable(out, table.Row{"Item", "Rule Set", "Priority"})
	for _, change := range changes {
		tw.AppendRow(table.Row{change.Name, change.RuleSet, change.Priority})
	}
	tw.Render()
}

func renderVerify(out io.Writer, summary runner.VerifySummary) {
	if summary.Started == 0 && summary.Resumed == 0 {
		fmt.Fprintln(out, "No corrupt items.")
		return
	}
	fmt.Fprintf(out, "Verifying %d item(s), resumed %d verified item(s).\n",
		summary.Started, summary.Resumed)
}

func renderSync(out io.Writer, summary *runner.SyncSummary) {
	fmt.Fprintf(out, "Synced %d event(s) across %d item(s), %d moved.\n",
		summary.Synced, summary.Items, summary.Moved)
	if len(summary.States) == 0 {
		return
	}
	tw := newTable(out, table.Row{"State", "Items"})
	for state, count := range summary.States {
		tw.AppendRow(table.Row{string(state), count})
	}
	tw.SortBy([]table.SortBy{{Name: "State", Mode: table.Asc}})
	tw.Render()
}

func renderFreeSpace(out io.Writer, summary *runner.FreeSpaceSummary) {
	if len(summary.Deletions) == 0 && !summary.Insufficient {
		fmt.Fprintln(out, "Free space is sufficient on every client.")
		return
	}
	if len(summary.Deletions) > 0 {
		tw := newTable(out, table.Row{"Tier", "Deleted", "Size", "Client"})
		var total int64
		for _, deletion := range summary.Deletions {
			tw.AppendRow(table.Row{
				deletion.Tier,
				deletion.Name,
				humanSize(deletion.Size),
				deletion.ClientURL,
			})
			total += deletion.Size
		}
		tw.AppendFooter(table.Row{"", "total", humanSize(total), ""})
		tw.Render()
	}
	for _, clientURL := range summary.Stopped {
		fmt.Fprintf(out, "Stopped downloading on %s: free space still below threshold.\n", clientURL)
	}
}

func renderPlan(out io.Writer, plans []runner.ClientPlan) {
	for _, plan := range plans {
		standing := "sufficient"
		if !plan.Sufficient {
			standing = "below threshold"
		}
		fmt.Fprintf(out, "%s: %s free, threshold %s (%s)\n",
			plan.ClientURL, humanSize(plan.FreeSpace), humanSize(plan.MinFreeSpace), standing)

		tw := newTable(out, table.Row{"Order", "Tier", "Candidate", "Size"})
		order := 0
		for _, item := range plan.Unregistered {
			order++
			tw.AppendRow(table.Row{order, runner.TierUnregistered, item.Name, humanSize(item.TotalSize)})
		}
		for _, orphan := range plan.Orphans {
			order++
			tw.AppendRow(table.Row{order, runner.TierOrphan, orphan.Path, humanSize(orphan.Size)})
		}
		for _, item := range plan.Seeding {
			order++
			tw.AppendRow(table.Row{order, runner.TierSeeding, item.Name, humanSize(item.TotalSize)})
		}
		if order == 0 {
			fmt.Fprintln(out, "Nothing to delete.")
			continue
		}
		tw.Render()
	}
}

func renderExec(out io.Writer, summary *runner.ExecSummary) {
	renderVerify(out, summary.Verify)
	renderReviews(out, summary.Reviews)
	renderSync(out, summary.Sync)
	renderFreeSpace(out, summary.FreeSpace)
}
