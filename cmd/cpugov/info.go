package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/serverket/cpugovd/pkg/client"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show a per-core CPU snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				info, err := c.CPUInfo(ctx)
				if err != nil {
					return err
				}
				renderInfo(cmd.OutOrStdout(), info)
				return nil
			})
		},
	}
}

func renderInfo(w io.Writer, info *client.CPUInfo) {
	labelStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4")).PaddingRight(1)

	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Model:"), info.Model)
	online := info.Online
	if online == "" {
		online = "-"
	}
	fmt.Fprintf(w, "%s %d (online %s)\n", labelStyle.Render("Cores:"), info.CoreCount, online)
	if len(info.LoadAvg) == 3 {
		fmt.Fprintf(w, "%s %.2f %.2f %.2f\n", labelStyle.Render("Load:"),
			info.LoadAvg[0], info.LoadAvg[1], info.LoadAvg[2])
	}

	if len(info.Cores) == 0 {
		fmt.Fprintln(w, "no cores with frequency scaling support")
		return
	}

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers("CORE", "GOVERNOR", "CURRENT", "MIN", "MAX").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return dataStyle
		})

	for _, core := range info.Cores {
		t.Row(core.Name, orDash(core.Governor),
			formatKHz(core.CurFreqKHz), formatKHz(core.MinFreqKHz), formatKHz(core.MaxFreqKHz))
	}
	fmt.Fprintln(w, t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatKHz(khz uint64) string {
	if khz == 0 {
		return "-"
	}
	return strconv.FormatUint(khz/1000, 10) + " MHz"
}
