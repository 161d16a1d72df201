package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/missionpilot/internal/store"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist", "journal"},
	Short:   "Show recent session state changes",
	Long: `Show the journal of session state changes recorded by "run" and "serve",
newest last.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 30, "Number of entries to show (0 for all)")
	historyCmd.Flags().Bool("json", false, "Print entries as JSON lines")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	entries, err := s.LoadHistory(limit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	printHeader("History")
	headers := []string{"TIME", "SEQ", "FROM", "STATE", "AFTER", "MISSION", "DETAIL"}
	var rows [][]string
	for _, e := range entries {
		rows = append(rows, []string{
			e.Time.Local().Format("01-02 15:04:05"),
			fmt.Sprintf("%d", e.Seq),
			string(e.From),
			stateColor(e.State) + string(e.State) + colorReset,
			formatElapsed(e),
			e.MissionID,
			historyDetail(e),
		})
	}
	printTable(headers, rows)
	fmt.Println()
	return nil
}

func formatElapsed(e store.HistoryEntry) string {
	if e.Elapsed <= 0 {
		return "-"
	}
	return e.Elapsed.Round(time.Millisecond).String()
}

func historyDetail(e store.HistoryEntry) string {
	switch {
	case e.Error != "":
		return colorRed + truncate(e.Error, 48) + colorReset
	case e.Reason != "":
		return e.Reason
	default:
		return ""
	}
}
