package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/missionpilot/internal/bridge"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/supply"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"info", "state", "st"},
	Short:   "Show the session snapshot",
	Long: `Show the last persisted session snapshot of this project, or the live
session of a running bridge with --bridge.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("bridge", "", "Read the live session from a bridge URL")
	statusCmd.Flags().Bool("json", false, "Print the session record as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	bridgeURL, _ := cmd.Flags().GetString("bridge")
	asJSON, _ := cmd.Flags().GetBool("json")

	var (
		rec    store.SessionRecord
		source string
		s      *store.Store
	)
	if strings.TrimSpace(bridgeURL) != "" {
		live, err := bridge.FetchStatus(cmd.Context(), bridgeURL)
		if err != nil {
			return err
		}
		rec, source = live, bridgeURL
	} else {
		var err error
		s, err = openStore()
		if err != nil {
			return err
		}
		saved, err := s.LoadSession()
		switch {
		case errors.Is(err, store.ErrNoSnapshot):
			if asJSON {
				fmt.Println("null")
				return nil
			}
			fmt.Printf("\n  %sNo session recorded yet. Start one with \"missionpilot run\".%s\n\n", colorDim, colorReset)
			return nil
		case err != nil:
			return fmt.Errorf("loading session: %w", err)
		}
		rec, source = *saved, s.SessionPath()
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	printSession(rec, source)
	if s != nil {
		printQueueSummary(cmd, s)
	}
	fmt.Println()
	return nil
}

func printSession(rec store.SessionRecord, source string) {
	ctx := rec.Context
	printHeader("Session")
	printField("Source", source)
	printField("Session", rec.SessionID)
	printFieldColored("State", string(rec.State), stateColor(rec.State))
	printField("Seq", fmt.Sprintf("%d", ctx.Seq))
	if !rec.UpdatedAt.IsZero() {
		printField("Updated", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05")+" ("+ago(rec.UpdatedAt)+")")
	}
	if ctx.ActiveMissionID != "" {
		printField("Mission", ctx.ActiveMissionID)
	}
	if rec.Location != "" {
		printField("Location", rec.Location)
	}
	if p := rec.Progress; p != nil {
		printField("Screen", p.Screen)
		printField("Lives", fmt.Sprintf("%d", p.LivesRemaining))
		printField("Encounter", fmt.Sprintf("%d/%d", p.EncounterIndex, p.TotalEncounters))
	}
	if ctx.CompletionReason != "" {
		printField("Reason", ctx.CompletionReason)
	}
	if ctx.LastError != "" {
		printFieldColored("Error", ctx.LastError, colorRed)
		printField("Retries", fmt.Sprintf("%d", ctx.ErrorRetryCount))
	}
	if !rec.LastHeartbeat.IsZero() {
		printField("Heartbeat", ago(rec.LastHeartbeat))
	}
	if !rec.LastKeepAlive.IsZero() {
		printField("Keep-alive", ago(rec.LastKeepAlive))
	}
}

func printQueueSummary(cmd *cobra.Command, s *store.Store) {
	missions, err := supply.New(s).List(cmd.Context())
	if err != nil {
		return
	}
	var queued, cleared, disabled int
	for _, m := range missions {
		switch {
		case m.Disabled:
			disabled++
		case m.Cleared:
			cleared++
		default:
			queued++
		}
	}
	printHeader("Queue")
	printFieldColored("Queued", fmt.Sprintf("%d", queued), colorYellow)
	printFieldColored("Cleared", fmt.Sprintf("%d", cleared), colorGreen)
	printFieldColored("Disabled", fmt.Sprintf("%d", disabled), colorRed)
}

// ago renders the time since t coarsely, e.g. "3s ago" or "2h ago".
func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
