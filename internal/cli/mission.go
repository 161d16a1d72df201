package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/supply"
)

var missionCmd = &cobra.Command{
	Use:     "mission",
	Aliases: []string{"missions", "m"},
	Short:   "Manage the mission queue",
	Long: `Register, list and mark missions in the local queue.

The coordinator always picks the most recently discovered mission that is
neither cleared nor disabled and matches the configured filter.

Examples:
  missionpilot mission add m7 --title "Sunken Keep" --difficulty hard
  missionpilot mission list
  missionpilot mission clear m7
  missionpilot mission disable m7 --undo`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var missionAddCmd = &cobra.Command{
	Use:     "add <id>",
	Aliases: []string{"new", "create"},
	Short:   "Register a mission",
	Args:    cobra.ExactArgs(1),
	RunE:    runMissionAdd,
}

var missionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "l"},
	Short:   "List missions, next candidate first",
	RunE:    runMissionList,
}

var missionClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Mark a mission cleared",
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionClear,
}

var missionDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Take a mission out of the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionDisable,
}

func init() {
	missionAddCmd.Flags().String("locator", "", "Page locator (default /missions/<id>)")
	missionAddCmd.Flags().String("title", "", "Display title")
	missionAddCmd.Flags().String("difficulty", "", "Difficulty tier")
	missionAddCmd.Flags().Int("level-min", 0, "Minimum recommended level")
	missionAddCmd.Flags().Int("level-max", 0, "Maximum recommended level")
	missionAddCmd.Flags().Int("encounters", 0, "Number of encounters, when known")

	missionListCmd.Flags().Bool("all", false, "Include cleared and disabled missions")

	missionDisableCmd.Flags().Bool("undo", false, "Re-enable the mission")

	missionCmd.AddCommand(missionAddCmd)
	missionCmd.AddCommand(missionListCmd)
	missionCmd.AddCommand(missionClearCmd)
	missionCmd.AddCommand(missionDisableCmd)
	rootCmd.AddCommand(missionCmd)
}

func runMissionAdd(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}

	locator, _ := cmd.Flags().GetString("locator")
	title, _ := cmd.Flags().GetString("title")
	difficulty, _ := cmd.Flags().GetString("difficulty")
	levelMin, _ := cmd.Flags().GetInt("level-min")
	levelMax, _ := cmd.Flags().GetInt("level-max")
	encounters, _ := cmd.Flags().GetInt("encounters")
	if levelMin > 0 && levelMax > 0 && levelMin > levelMax {
		return fmt.Errorf("--level-min %d exceeds --level-max %d", levelMin, levelMax)
	}

	id := strings.TrimSpace(args[0])
	if _, err := s.GetMission(id); err == nil {
		return fmt.Errorf("mission %q already exists", id)
	} else if !errors.Is(err, store.ErrMissionNotFound) {
		return fmt.Errorf("checking mission %q: %w", id, err)
	}

	m, err := supply.New(s).Add(cmd.Context(), supply.MissionRecord{
		ID:             id,
		Locator:        strings.TrimSpace(locator),
		Title:          strings.TrimSpace(title),
		Difficulty:     strings.TrimSpace(difficulty),
		LevelMin:       levelMin,
		LevelMax:       levelMax,
		EncounterCount: encounters,
	})
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("  %sMission added.%s\n", styleBoldGreen, colorReset)
	printField("ID", m.ID)
	printField("Locator", m.Locator)
	if m.Title != "" {
		printField("Title", m.Title)
	}
	if m.Difficulty != "" {
		printField("Difficulty", m.Difficulty)
	}
	fmt.Println()
	return nil
}

func runMissionList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")

	missions, err := supply.New(s).List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing missions: %w", err)
	}

	printHeader("Missions")

	headers := []string{"ID", "STATUS", "TITLE", "DIFFICULTY", "LEVELS", "DISCOVERED"}
	var rows [][]string
	hidden := 0
	for _, m := range missions {
		if !all && (m.Cleared || m.Disabled) {
			hidden++
			continue
		}
		rows = append(rows, []string{
			m.ID,
			missionStatus(m),
			truncate(m.Title, 32),
			m.Difficulty,
			levelRange(m),
			m.DiscoveredAt.Local().Format("2006-01-02 15:04"),
		})
	}
	printTable(headers, rows)

	fmt.Printf("\n  %sTotal: %d mission(s)", colorDim, len(rows))
	if hidden > 0 {
		fmt.Printf(", %d cleared or disabled hidden (--all)", hidden)
	}
	fmt.Printf("%s\n\n", colorReset)
	return nil
}

func missionStatus(m store.Mission) string {
	switch {
	case m.Disabled:
		return colorRed + "disabled" + colorReset
	case m.Cleared:
		return colorGreen + "cleared" + colorReset
	default:
		return colorYellow + "queued" + colorReset
	}
}

func levelRange(m store.Mission) string {
	switch {
	case m.LevelMin > 0 && m.LevelMax > 0:
		return fmt.Sprintf("%d-%d", m.LevelMin, m.LevelMax)
	case m.LevelMin > 0:
		return fmt.Sprintf("%d+", m.LevelMin)
	case m.LevelMax > 0:
		return fmt.Sprintf("<=%d", m.LevelMax)
	default:
		return "-"
	}
}

func runMissionClear(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	if err := supply.New(s).MarkCleared(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("\n  %sMission %s cleared.%s\n\n", styleBoldGreen, args[0], colorReset)
	return nil
}

func runMissionDisable(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	undo, _ := cmd.Flags().GetBool("undo")
	if err := supply.New(s).MarkDisabled(cmd.Context(), args[0], !undo); err != nil {
		return err
	}
	verb := "disabled"
	if undo {
		verb = "re-enabled"
	}
	fmt.Printf("\n  %sMission %s %s.%s\n\n", styleBoldGreen, args[0], verb, colorReset)
	return nil
}
