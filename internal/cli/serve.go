package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/missionpilot/internal/bridge"
	"github.com/agusx1211/missionpilot/internal/debug"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"coordinator", "bridge"},
	Short:   "Run the coordinator behind a websocket bridge",
	Long: `Run the coordinator and expose it over HTTP: the control API, a session
status stream, Prometheus metrics, and the websocket link a remote page agent
connects to.

Endpoints:
  GET  /api/status     Current session record
  POST /api/start      Start a run (also /api/stop, /api/retry)
  GET  /ws             Page agent link
  GET  /ws/status      Session record stream
  GET  /metrics        Prometheus metrics

Examples:
  missionpilot serve
  missionpilot serve --addr 0.0.0.0:7420 --mdns --qr
  missionpilot serve --start`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config, 127.0.0.1:7420)")
	serveCmd.Flags().Bool("mdns", false, "Advertise the bridge on the local network")
	serveCmd.Flags().Bool("qr", false, "Print the bridge URL as a QR code")
	serveCmd.Flags().Bool("start", false, "Start a run as soon as the coordinator is up")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Bridge.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("mdns") {
		cfg.Bridge.MDNS, _ = cmd.Flags().GetBool("mdns")
	}
	showQR, _ := cmd.Flags().GetBool("qr")
	autoStart, _ := cmd.Flags().GetBool("start")

	st, err := openStore()
	if err != nil {
		return err
	}

	coord := newCoordinator(cfg, st, nil)
	srv := bridge.New(coord, bridge.Options{Addr: cfg.Bridge.Addr})
	coord.Down = srv
	if err := srv.Start(); err != nil {
		return err
	}

	url := advertisedURL(srv.Addr())
	fmt.Println()
	fmt.Printf("  %smissionpilot bridge%s listening on %s%s%s\n", styleBoldCyan, colorReset, colorBold, srv.URL(), colorReset)
	printField("Agent link", url+"/ws")
	printField("Metrics", url+"/metrics")
	printField("Store", st.Root())
	fmt.Println()

	if showQR {
		if err := bridge.WriteQR(os.Stdout, url); err != nil {
			fmt.Fprintf(os.Stderr, "%swarning: rendering QR code: %v%s\n", colorYellow, err, colorReset)
		}
	}

	if cfg.Bridge.MDNS {
		mdnsServer, err := bridge.Advertise(cfg.Bridge.ServiceName, srv.Port(), url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%swarning: mDNS advertisement failed: %v%s\n", colorYellow, err, colorReset)
		} else {
			defer mdnsServer.Shutdown()
			printField("mDNS", bridge.ServiceType+" as "+cfg.Bridge.ServiceName)
		}
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	startObservers(gctx, g, cfg, st, coord)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if autoStart && !coord.Start() {
		debug.LogKV("cli", "auto start refused")
	}

	err = g.Wait()
	final := coord.Status()
	fmt.Printf("\n  %sStopped%s in state %s%s%s\n\n", colorDim, colorReset, stateColor(final.State), final.State, colorReset)
	return err
}

// advertisedURL turns a listen address into a URL reachable from other
// hosts: an unspecified host is replaced by the first non-loopback IPv4
// address.
func advertisedURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if addrs, err := net.InterfaceAddrs(); err == nil {
			for _, a := range addrs {
				ipnet, ok := a.(*net.IPNet)
				if ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
					host = ipnet.IP.String()
					break
				}
			}
		}
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "http://" + addr
	}
	return "http://" + net.JoinHostPort(host, port)
}
