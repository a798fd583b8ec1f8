package main

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/eventstream"
	"github.com/muurk/kasa/internal/logging"
	"github.com/muurk/kasa/internal/monitor"
	"github.com/muurk/kasa/internal/transport"
	"github.com/muurk/kasa/internal/ui"
)

var (
	listenAddr  string
	origins     []string
	concurrency int
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(infoAllCmd)

	addDiscoveryFlags(watchCmd, 0)

	addDiscoveryFlags(streamCmd, 0)
	streamCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8099", "Address to serve the /events websocket on")
	streamCmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Allowed browser origins (default any)")

	infoAllCmd.Flags().DurationVar(&deviceTimeout, "timeout", 0, "Per-device request timeout (default from config, 10s)")
	infoAllCmd.Flags().IntVar(&concurrency, "concurrency", 8, "Devices queried at once")
	infoAllCmd.Flags().BoolVar(&outputJSON, "json", false, "Print results as JSON")
	infoAllCmd.Flags().BoolVar(&saveDevices, "save", false, "Update remembered devices in the config file")
}

// watchCmd runs the live monitor
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch devices come and go in a live table",
	Long: `Run discovery continuously and show devices in an interactive table.

Select a plug and press o or f to switch it. Press q to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsTerminal() {
			return fmt.Errorf("watch needs an interactive terminal; use 'kasa discover' or 'kasa stream' instead")
		}

		c := newClient()
		opts := discoveryOptions(cmd)
		if err := c.StartDiscovery(cmd.Context(), opts); err != nil {
			printFailure(cmd.ErrOrStderr(), "Discovery failed", err)
			return err
		}
		defer c.StopDiscovery()

		return monitor.Run(cmd.Context(), c, c.Options().Timeout)
	},
}

// streamCmd serves lifecycle events over a websocket
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Serve discovery events as a websocket feed",
	Long: `Run discovery continuously and publish every lifecycle event as JSON on
ws://<listen>/events. New clients first receive a snapshot of every known
device.`,
	Example: `  kasa stream --listen 0.0.0.0:8099
  websocat ws://127.0.0.1:8099/events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, portStr, err := net.SplitHostPort(listenAddr)
		if err != nil {
			return fmt.Errorf("invalid --listen address %q: %w", listenAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --listen port %q: %w", portStr, err)
		}

		c := newClient()
		srv := eventstream.New(eventstream.Config{
			Host:           host,
			Port:           port,
			AllowedOrigins: origins,
		}, c)

		if err := c.StartDiscovery(cmd.Context(), discoveryOptions(cmd)); err != nil {
			printFailure(cmd.ErrOrStderr(), "Discovery failed", err)
			return err
		}
		defer c.StopDiscovery()

		fmt.Fprintf(cmd.OutOrStdout(), "Streaming events on ws://%s/events (Ctrl+C to stop)\n", listenAddr)
		return srv.Start(cmd.Context())
	},
}

// infoResult is one row of info-all output
type infoResult struct {
	ID      string         `json:"id"`
	Host    string         `json:"host"`
	Port    int            `json:"port"`
	Sysinfo device.Sysinfo `json:"sysinfo,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// infoAllCmd queries every remembered device
var infoAllCmd = &cobra.Command{
	Use:   "info-all",
	Short: "Query every device remembered in the config file",
	RunE:  runInfoAll,
}

func runInfoAll(cmd *cobra.Command, args []string) error {
	ids := registry.DeviceIDs()
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No remembered devices. Run 'kasa discover --save' first.")
		return nil
	}

	c := newClient()
	results := make([]infoResult, len(ids))
	prog := ui.NewProgress("Querying remembered devices", ids)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(concurrency, 1))
	for i, id := range ids {
		dev := registry.GetDevice(id)
		results[i] = infoResult{ID: id, Host: dev.LastHost, Port: dev.Port()}
		g.Go(func() error {
			prog.Start(i)
			info, err := c.GetSysinfo(ctx, dev.LastHost, dev.Port(), deviceTimeout)
			if err != nil {
				logging.Debug("Device query failed", zap.String("id", id), zap.Error(err))
				results[i].Error = err.Error()
				prog.Fail(i, transport.GetShortErrorMessage(err))
				return nil
			}
			results[i].Sysinfo = info
			prog.Done(i, fmt.Sprintf("%s (%s) at %s:%d", info.Alias(), info.Model(), dev.LastHost, dev.Port()))

			mu.Lock()
			registry.RecordSysinfo(info, dev.LastHost, dev.Port(), time.Now())
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if saveDevices {
		if err := saveConfig(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}

	if outputJSON {
		return printJSON(out, results)
	}

	ui.NewPrinter(out).Println(prog.Render())
	_, failed := prog.Counts()
	if failed > 0 {
		return fmt.Errorf("%d of %d devices did not answer", failed, len(results))
	}
	return nil
}
