package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/kasa/internal/client"
	"github.com/muurk/kasa/internal/config"
	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
	"github.com/muurk/kasa/internal/logging"
	"github.com/muurk/kasa/internal/transport"
	"github.com/muurk/kasa/internal/ui"
)

// Device command flags
var (
	deviceHost    string
	devicePort    int
	deviceTimeout time.Duration
	outputJSON    bool
	saveDevices   bool
)

// Discovery flags
var (
	discoverTimeout  time.Duration
	discoverInterval time.Duration
	broadcastAddr    string
	categoryNames    []string
	targets          []string
	knownHosts       bool
)

func init() {
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(powerCmd)
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&deviceHost, "host", "", "Device IP address or hostname")
	cmd.Flags().IntVar(&devicePort, "port", device.DefaultPort, "Device TCP port")
	cmd.Flags().DurationVar(&deviceTimeout, "timeout", 0, "Request timeout (default from config, 10s)")
	_ = cmd.MarkFlagRequired("host")
}

func addDiscoveryFlags(cmd *cobra.Command, defaultTimeout time.Duration) {
	cmd.Flags().DurationVar(&discoverTimeout, "timeout", defaultTimeout, "Stop discovery after this long (0 = until interrupted)")
	cmd.Flags().DurationVar(&discoverInterval, "interval", 0, "Time between broadcasts (default from config, 10s)")
	cmd.Flags().StringVar(&broadcastAddr, "broadcast", "", "Broadcast address (default from config, 255.255.255.255)")
	cmd.Flags().StringSliceVar(&categoryNames, "type", nil, "Only report these device types (plug, bulb, device)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Also query these hosts by unicast")
	cmd.Flags().BoolVar(&knownHosts, "known", false, "Also query every device remembered in the config file")
}

// newClient builds a client from the config file and command flags.
func newClient() *client.Client {
	opts := registry.Preferences.ClientOptions()
	if deviceTimeout > 0 {
		opts.Timeout = deviceTimeout
	}
	return client.New(opts)
}

// discoveryOptions merges config preferences with command flags.
func discoveryOptions(cmd *cobra.Command) discovery.Options {
	if knownHosts && registry.Preferences != nil {
		registry.Preferences.IncludeKnownHosts = true
	}
	opts := registry.DiscoveryOptions()
	opts.Timeout = runTimeout(cmd.Flags().Changed("timeout"), discoverTimeout, registry.Preferences)
	if discoverInterval > 0 {
		opts.Interval = discoverInterval
	}
	if broadcastAddr != "" {
		opts.BroadcastAddress = broadcastAddr
	}
	if len(categoryNames) > 0 {
		opts.Categories = nil
		for _, name := range categoryNames {
			opts.Categories = append(opts.Categories, device.CategoryFromName(name))
		}
	}
	opts.Targets = append(opts.Targets, targets...)
	return opts
}

// runTimeout picks the discovery run timeout: an explicit flag wins, then
// the config file (where 0 means until interrupted), then the flag default.
func runTimeout(flagSet bool, flagValue time.Duration, prefs *config.Preferences) time.Duration {
	if flagSet {
		return flagValue
	}
	if timeout, ok := prefs.ConfiguredDiscoveryTimeout(); ok {
		return timeout
	}
	return flagValue
}

// discoverCmd finds devices by broadcast
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find devices on the local network",
	Long: `Broadcast a discovery request and list the devices that answer.

The request is repeated every --interval; devices that stop answering are
reported offline and reported online again when they return.`,
	Example: `  # Discover for 5 seconds (default)
  kasa discover

  # Only bulbs, on a specific subnet broadcast
  kasa discover --type bulb --broadcast 192.168.1.255

  # Include hosts broadcast cannot reach and remember results
  kasa discover --target 10.0.5.20 --save`,
	RunE: runDiscover,
}

func init() {
	addDiscoveryFlags(discoverCmd, 5*time.Second)
	discoverCmd.Flags().BoolVar(&outputJSON, "json", false, "Print devices as JSON")
	discoverCmd.Flags().BoolVar(&saveDevices, "save", false, "Remember discovered devices in the config file")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	c := newClient()
	opts := discoveryOptions(cmd)
	out := cmd.OutOrStdout()

	var runErr error
	c.On(discovery.EventErrorName, func(ev discovery.Event) { runErr = ev.Err })
	if !outputJSON {
		printer := ui.NewPrinter(out)
		printer.PrintHeader("Discovery", "kasa discover",
			ui.Field{Key: "Broadcast", Value: opts.BroadcastAddress},
			ui.Field{Key: "Timeout", Value: durationOrForever(opts.Timeout)},
		)
		for _, name := range []string{discovery.EventDeviceNew, discovery.EventDeviceOnline, discovery.EventDeviceOffline} {
			c.On(name, func(ev discovery.Event) {
				fmt.Fprintf(out, "  %-8s %-6s %-20s %s\n", ev.Kind, ev.Record.Category, ev.Record.Alias(), ev.Record.Addr())
			})
		}
	}

	if err := c.StartDiscovery(cmd.Context(), opts); err != nil {
		printFailure(out, "Discovery failed", err)
		return err
	}
	<-c.DiscoveryDone()
	c.StopDiscovery()

	devices := c.Devices()
	if saveDevices {
		for _, rec := range devices {
			registry.RecordDevice(rec)
		}
		if err := saveConfig(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		logging.Info("Saved discovered devices", zap.Int("count", len(devices)))
	}

	if outputJSON {
		if err := printJSON(out, devices); err != nil {
			return err
		}
		return runErr
	}

	fmt.Fprintln(out)
	ui.NewPrinter(out).PrintDevices(devices)
	if runErr != nil {
		printFailure(out, "Discovery stopped early", runErr)
		return runErr
	}
	return nil
}

// infoCmd queries one device's sysinfo
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a device's system information",
	Example: `  kasa info --host 192.168.1.20
  kasa info --host 192.168.1.20 --json`,
	RunE: runInfo,
}

func init() {
	addDeviceFlags(infoCmd)
	infoCmd.Flags().BoolVar(&outputJSON, "json", false, "Print the raw sysinfo as JSON")
	infoCmd.Flags().BoolVar(&saveDevices, "save", false, "Remember the device in the config file")
}

func runInfo(cmd *cobra.Command, args []string) error {
	c := newClient()
	out := cmd.OutOrStdout()

	h, err := c.GetHandle(cmd.Context(), device.Options{Host: deviceHost, Port: devicePort, Timeout: deviceTimeout})
	if err != nil {
		printFailure(out, "Could not read device information", err)
		return err
	}
	info := h.Sysinfo()

	if saveDevices {
		registry.RecordSysinfo(info, h.Host(), h.Port(), time.Now())
		if err := saveConfig(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}

	if outputJSON {
		return printJSON(out, info)
	}

	fields := []ui.Field{
		{Key: "ID", Value: h.ID()},
		{Key: "Alias", Value: h.Alias()},
		{Key: "Category", Value: h.Category().String()},
		{Key: "Type", Value: info.Type()},
		{Key: "Model", Value: info.Model()},
		{Key: "Address", Value: fmt.Sprintf("%s:%d", h.Host(), h.Port())},
	}
	if state, ok := info["relay_state"]; ok {
		fields = append(fields, ui.Field{Key: "Relay", Value: fmt.Sprint(state)})
	}
	ui.NewPrinter(out).PrintSuccess(h.Alias(), fields...)
	return nil
}

// sendCmd sends a raw JSON command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a raw JSON command to a device",
	Example: `  kasa send --host 192.168.1.20 --json '{"system":{"get_sysinfo":{}}}'
  kasa send --host 192.168.1.20 --json '{"emeter":{"get_realtime":{}}}'`,
	RunE: runSend,
}

var rawPayload string

func init() {
	addDeviceFlags(sendCmd)
	sendCmd.Flags().StringVar(&rawPayload, "json", "", "Command payload")
	_ = sendCmd.MarkFlagRequired("json")
}

func runSend(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(rawPayload)) {
		return errors.New("--json is not valid JSON")
	}

	c := newClient()
	resp, err := c.Send(cmd.Context(), deviceHost, devicePort, []byte(rawPayload), deviceTimeout)
	if err != nil {
		printFailure(cmd.OutOrStdout(), "Command failed", err)
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

// powerCmd switches a plug
var powerCmd = &cobra.Command{
	Use:       "power on|off",
	Short:     "Switch a plug on or off",
	Example:   `  kasa power on --host 192.168.1.20`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE:      runPower,
}

func init() {
	addDeviceFlags(powerCmd)
}

func runPower(cmd *cobra.Command, args []string) error {
	on := args[0] == "on"
	c := newClient()
	out := cmd.OutOrStdout()

	h, err := c.GetHandle(cmd.Context(), device.Options{Host: deviceHost, Port: devicePort, Timeout: deviceTimeout})
	if err == nil {
		err = h.SetPowerState(cmd.Context(), on)
	}
	if err != nil {
		printFailure(out, "Could not switch device", err)
		return err
	}

	ui.NewPrinter(out).PrintSuccess("Switched "+args[0],
		ui.Field{Key: "Device", Value: h.Alias()},
		ui.Field{Key: "Address", Value: fmt.Sprintf("%s:%d", h.Host(), h.Port())},
	)
	return nil
}

// printFailure renders an error box with hints from the error taxonomy.
func printFailure(w io.Writer, title string, err error) {
	ui.NewPrinter(w).PrintError(title, errors.New(transport.GetShortErrorMessage(err)), hintLines(err))
}

func hintLines(err error) []string {
	if errors.Is(err, device.ErrWrongCategory) {
		return []string{"This command only applies to another device type"}
	}
	var lines []string
	for _, line := range strings.Split(transport.GetTroubleshootingHint(err), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "•"))
		if line == "" || line == "Troubleshooting:" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func durationOrForever(d time.Duration) string {
	if d == 0 {
		return "until interrupted"
	}
	return d.String()
}
