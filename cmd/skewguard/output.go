// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/skewguard/services/skewguard/build"
	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/retention"
)

// Palette
var (
	ColorTeal    = lipgloss.Color("#20B9B4")
	ColorBright  = lipgloss.Color("#2CD7C7")
	ColorSlate   = lipgloss.Color("#2C4A54")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the CLI's text styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTeal).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}

// deploymentsByVersion inverts the mapping. Sentinel entries belong to the
// current version.
func deploymentsByVersion(m *manifest.VersionManifest) map[string][]string {
	out := make(map[string][]string)
	for dpl, target := range m.DeploymentMapping {
		if target == manifest.CurrentSentinel {
			target = m.Current
		}
		out[target] = append(out[target], dpl)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

// renderStatus prints the retained versions newest first.
func renderStatus(w io.Writer, m *manifest.VersionManifest, now time.Time) {
	if m.IsEmpty() {
		fmt.Fprintln(w, Styles.Muted.Render("No versions registered yet."))
		return
	}

	fmt.Fprintf(w, "%s %s\n\n", Styles.Title.Render("Current version:"), Styles.Bold.Render(m.Current))

	deployments := deploymentsByVersion(m)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSlate)).
		Headers("VERSION", "REGISTERED", "EXPIRES", "ASSETS", "DELETED", "DEPLOYMENTS").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})

	for _, id := range m.VersionsNewestFirst() {
		rec := m.Versions[id]
		label := id
		if id == m.Current {
			label = id + " *"
		}
		expires := formatMillis(rec.Expires)
		if rec.Expires != 0 && now.UnixMilli() > rec.Expires && id != m.Current {
			expires += " (due)"
		}
		t.Row(
			label,
			formatMillis(rec.Timestamp),
			expires,
			fmt.Sprint(len(rec.Assets)),
			fmt.Sprint(len(rec.DeletedChunks)),
			strings.Join(deployments[id], ", "),
		)
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%s\n", Styles.Muted.Render(fmt.Sprintf("%d fingerprinted assets tracked", len(m.FileIDToVersion))))
}

// renderBuildReport summarizes a pipeline run.
func renderBuildReport(w io.Writer, r *build.Report) {
	verb := "Registered"
	if r.Existed {
		verb = "Rebuilt"
	}
	fmt.Fprintf(w, "%s %s version %s as deployment %s\n",
		Styles.Success.Render("✓"), verb, Styles.Bold.Render(r.VersionID), Styles.Bold.Render(r.DeploymentID))

	if r.Previous != "" {
		fmt.Fprintf(w, "  previous:       %s (%d deleted chunks)\n", r.Previous, len(r.DeletedChunks))
	}
	if r.Dedup != nil {
		fmt.Fprintf(w, "  uploaded:       %d\n", len(r.Dedup.Uploaded))
		fmt.Fprintf(w, "  deduplicated:   %d\n", len(r.Dedup.Reassigned))
		if len(r.Dedup.Skipped) > 0 {
			fmt.Fprintf(w, "  unchanged:      %d\n", len(r.Dedup.Skipped))
		}
		if len(r.Dedup.Conflicts) > 0 {
			fmt.Fprintf(w, "  %s %d fingerprint conflicts kept both copies\n",
				Styles.Warning.Render("⚠"), len(r.Dedup.Conflicts))
		}
		for _, e := range r.Dedup.Errors {
			fmt.Fprintf(w, "  %s %s\n", Styles.Error.Render("✗"), e.Error())
		}
	}
	if r.Retention != nil && len(r.Retention.Evicted) > 0 {
		fmt.Fprintf(w, "  evicted:        %s\n", strings.Join(r.Retention.Evicted, ", "))
	}
	fmt.Fprintf(w, "  %s\n", Styles.Muted.Render("took "+r.Duration.Round(time.Millisecond).String()))
}

// renderSweep summarizes a retention sweep.
func renderSweep(w io.Writer, r *retention.Result) {
	if len(r.Evicted) == 0 {
		fmt.Fprintf(w, "%s Nothing to evict (%d versions retained)\n", Styles.Success.Render("✓"), r.RetainedLeft)
		return
	}
	fmt.Fprintf(w, "%s Evicted %s, removed %d keys, %d versions retained\n",
		Styles.Success.Render("✓"), strings.Join(r.Evicted, ", "), r.KeysRemoved, r.RetainedLeft)
	for _, err := range r.Errors {
		fmt.Fprintf(w, "  %s %v\n", Styles.Error.Render("✗"), err)
	}
}
