package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/agusx1211/missionpilot/internal/config"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
)

// EnvProjectDir overrides the directory holding .missionpilot/.
const EnvProjectDir = "MISSIONPILOT_PROJECT_DIR"

// projectDir is the directory whose .missionpilot/ holds the store.
func projectDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvProjectDir)); dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return wd, nil
}

func openStore() (*store.Store, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, err
	}
	s, err := store.New(dir)
	if err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// loadConfig reads the config named by --config, or the default location.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(strings.TrimSpace(path))
}

func printHeader(title string) {
	fmt.Printf("\n%s%s%s\n%s%s%s\n", styleBoldCyan, title, colorReset,
		colorDim, strings.Repeat("=", ansi.StringWidth(title)), colorReset)
}

func printField(label, value string) {
	printFieldColored(label, value, "")
}

// printFieldColored prints "label: value" with the value wrapped in color.
func printFieldColored(label, value, color string) {
	reset := ""
	if color != "" {
		reset = colorReset
	}
	fmt.Printf("  %s%-16s%s %s%s%s\n", colorBold, label+":", colorReset, color, value, reset)
}

func stateColor(state session.State) string {
	switch {
	case state == session.StateError:
		return colorRed
	case state.InGameplay():
		return colorGreen
	case state.Active():
		return colorYellow
	}
	return colorWhite
}

// printTable prints rows under headers. Cells may carry ANSI colors;
// column widths are measured on the visible text.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(colorDim + "  (none)" + colorReset)
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = ansi.StringWidth(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], ansi.StringWidth(row[i]))
		}
	}

	var b strings.Builder
	b.WriteString("  ")
	for i, h := range headers {
		fmt.Fprintf(&b, "%s%s%s", colorBold, pad(h, widths[i]+2), colorReset)
	}
	b.WriteString("\n  ")
	for _, w := range widths {
		b.WriteString(colorDim + strings.Repeat("-", w+2) + colorReset)
	}
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString("  ")
		for i := 0; i < len(row) && i < len(widths); i++ {
			b.WriteString(pad(row[i], widths[i]+2))
		}
		b.WriteByte('\n')
	}
	fmt.Print(b.String())
}

// pad right-fills s with spaces to width visible cells.
func pad(s string, width int) string {
	return s + strings.Repeat(" ", max(width-ansi.StringWidth(s), 0))
}

// truncate shortens s to maxLen cells, ending in "..." when cut.
func truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		return ansi.Truncate(s, maxLen, "")
	}
	return ansi.Truncate(s, maxLen, "...")
}
