package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	tarwatchv1 "github.com/jamesainslie/tarwatch/pkg/api/tarwatch/v1"
	"github.com/jamesainslie/tarwatch/pkg/client"
	"github.com/jamesainslie/tarwatch/pkg/daemon"
	"github.com/jamesainslie/tarwatch/pkg/daemon/store"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archive history",
	Long: `Show recorded archive and verification results, newest first.

History is read from the running daemon when there is one, otherwise from
the history database directly.`,
	RunE: runHistory,
}

var (
	historyLimit  int
	historyFailed bool
	historySource string
	historyJSON   bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of entries to show")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "only show failed results")
	historyCmd.Flags().StringVar(&historySource, "source", "", "show the latest result for this source path")
	historyCmd.Flags().BoolVarP(&historyJSON, "json", "j", false, "output JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, "")
	if err != nil {
		return err
	}

	req := &tarwatchv1.HistoryRequest{Limit: historyLimit, FailedOnly: historyFailed}
	if historySource != "" {
		abs, err := filepath.Abs(historySource)
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		req.Source = abs
	}

	resp, err := fetchHistory(cfg, req)
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Results)
	}

	if len(resp.Results) == 0 {
		printInfo("No history entries found.")
		return nil
	}
	if historySource != "" {
		printResult(resp.Results[0])
		return nil
	}
	fmt.Println(renderHistoryTable(resp.Results))
	return nil
}

// fetchHistory asks the daemon, or opens the database when no daemon holds it.
func fetchHistory(cfg *config.Config, req *tarwatchv1.HistoryRequest) (*tarwatchv1.HistoryResponse, error) {
	if client.IsDaemonRunning(cfg.Daemon.PIDPath) {
		printVerbose("reading history from daemon at %s", cfg.Daemon.SocketPath)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c, err := client.ConnectWithContext(ctx, cfg.Daemon.SocketPath)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		return c.History(ctx, req)
	}

	if _, err := os.Stat(cfg.Daemon.DBPath); errors.Is(err, os.ErrNotExist) {
		return &tarwatchv1.HistoryResponse{}, nil
	}

	printVerbose("reading history from %s", cfg.Daemon.DBPath)
	st, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	defer st.Close()

	if st.NeedsMigration() {
		return nil, errors.New("history database needs migration; start the daemon once to upgrade it")
	}
	return daemon.QueryHistory(st, req)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderHistoryTable(results []*types.ArchiveResult) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#333333"))).
		Headers("WHEN", "RESULT", "SOURCE", "CONTENTS", "ELAPSED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 {
				if results[row].Success {
					return cellStyle.Inherit(okStyle)
				}
				return cellStyle.Inherit(badStyle)
			}
			return cellStyle
		})

	for _, r := range results {
		t.Row(
			humanize.Time(r.CompletedAt),
			resultLabel(r),
			truncateString(r.Source, 50),
			r.Snapshot.String(),
			r.Elapsed.Round(time.Millisecond).String(),
		)
	}
	return t.String()
}

func resultLabel(r *types.ArchiveResult) string {
	if r.Success {
		return "verified"
	}
	return "failed"
}

func printResult(r *types.ArchiveResult) {
	printField("Source", r.Source)
	printField("Archive", r.ArchivePath)
	printField("Result", resultLabel(r))
	printField("Completed", r.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	printField("Contents", r.Snapshot.String())
	printField("Elapsed", r.Elapsed.Round(time.Millisecond).String())
	if r.Error != "" {
		printField("Error", r.Error)
	}

	const maxShown = 50
	if len(r.Missing) > 0 {
		fmt.Printf("  Missing from archive (%d):\n", len(r.Missing))
		for i, p := range r.Missing {
			if i == maxShown {
				fmt.Printf("    ... and %d more\n", len(r.Missing)-maxShown)
				break
			}
			fmt.Printf("    %s\n", p)
		}
	}
	for _, p := range r.Mismatched {
		fmt.Printf("  Size differs: %s\n", p)
	}
}

// truncateString truncates a string to maxLen, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return "..." + s[len(s)-(maxLen-3):]
}
