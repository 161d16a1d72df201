package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/missionpilot/internal/buildinfo"
	"github.com/agusx1211/missionpilot/internal/debug"
)

// ANSI styles for plain command output. Cleared by disableColor.
var (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorWhite  = "\033[37m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldGreen = "\033[1;32m"
)

// EnvNoColor disables ANSI styling when set to any value.
const EnvNoColor = "NO_COLOR"

func disableColor() {
	colorReset, colorBold, colorDim = "", "", ""
	colorRed, colorGreen, colorYellow, colorWhite = "", "", "", ""
	styleBoldCyan, styleBoldGreen = "", ""
}

var rootCmd = &cobra.Command{
	Use:   "missionpilot",
	Short: "Mission queue automation",
	Long: colorBold + `missionpilot` + colorReset + ` v` + buildinfo.Current().Version + `

  Works through a queue of missions: finds the next one, navigates to it,
  opens the game surface and plays it to completion with a configurable
  decision policy, then moves on until the queue is empty.

` + colorBold + `Getting Started:` + colorReset + `
  missionpilot mission add m1           Register a mission
  missionpilot run                      Play the queue against the simulator
  missionpilot serve --mdns             Serve a coordinator for a remote page agent
  missionpilot agent                    Run a page agent against a coordinator
  missionpilot watch                    Follow the session live
  missionpilot status                   Show the last session snapshot`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.missionpilot/debug/")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.missionpilot/config.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, set := os.LookupEnv(EnvNoColor); set || !isatty.IsTerminal(os.Stdout.Fd()) {
			disableColor()
		}
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if debugFlag || debug.ShouldEnableFromEnv() {
			return startDebug(cmd, args)
		}
		return nil
	}
}

func startDebug(cmd *cobra.Command, args []string) error {
	logPath, err := debug.Init()
	if err != nil {
		return fmt.Errorf("initializing debug logger: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
	bi := buildinfo.Current()
	debug.LogKV("cli", "command starting",
		"build", bi.String(),
		"pid", os.Getpid(),
		"command", cmd.CommandPath(),
		"args", args,
	)
	return nil
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
