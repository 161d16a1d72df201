package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/missionpilot/internal/bridge"
	"github.com/agusx1211/missionpilot/internal/config"
)

func newControlCmd(action, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   action,
		Short: short,
		Long: short + ` on a running bridge.

The bridge address defaults to the configured bridge.addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, action)
		},
	}
	c.Flags().String("bridge", "", "Bridge URL (default from config)")
	return c
}

func init() {
	rootCmd.AddCommand(newControlCmd("start", "Start a run"))
	rootCmd.AddCommand(newControlCmd("stop", "Stop the current run"))
	rootCmd.AddCommand(newControlCmd("retry", "Retry after an error"))
}

func runControl(cmd *cobra.Command, action string) error {
	bridgeURL, err := resolveBridgeURL(cmd)
	if err != nil {
		return err
	}
	if err := bridge.Control(cmd.Context(), bridgeURL, action); err != nil {
		return err
	}
	fmt.Printf("  %s%s requested%s at %s\n", styleBoldGreen, action, colorReset, bridgeURL)
	return nil
}

// resolveBridgeURL returns --bridge, or the configured bridge address.
func resolveBridgeURL(cmd *cobra.Command) (string, error) {
	if u, _ := cmd.Flags().GetString("bridge"); strings.TrimSpace(u) != "" {
		return strings.TrimSpace(u), nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return bridgeBaseURL(cfg), nil
}

func bridgeBaseURL(cfg *config.Config) string {
	return "http://" + cfg.Bridge.Addr
}
