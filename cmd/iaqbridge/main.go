// iaqbridge relays Honeywell air-quality monitor readings from the
// vendor cloud to the console or to an MQTT broker with Home Assistant
// discovery.
//
// Usage:
//
//	iaqbridge mqtt         Bridge updates to MQTT (and the log)
//	iaqbridge log          Log updates to stdout only
//	iaqbridge devices      List the monitors registered to the account
//	iaqbridge init [dir]   Write an example config.yaml
//	iaqbridge version      Print version and build information
//	iaqbridge -o json devices
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/iaqbridge/internal/buildinfo"
	"github.com/nugget/iaqbridge/internal/config"
	"github.com/nugget/iaqbridge/internal/honeywell"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error to stderr. Arguments are parsed by hand so
// that run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var commandArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			commandArgs = append(commandArgs, args[i])
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "mqtt":
		return runBridge(ctx, stdout, configPath, true)
	case "log":
		return runBridge(ctx, stdout, configPath, false)
	case "devices", "listDevices":
		return runDevices(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "init":
		dir := "."
		if len(commandArgs) > 0 {
			dir = commandArgs[0]
		}
		return runInit(stdout, dir)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "iaqbridge - Honeywell IAQ cloud to MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: iaqbridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  mqtt         Bridge updates to MQTT with Home Assistant discovery")
	fmt.Fprintln(w, "  log          Log updates to stdout")
	fmt.Fprintln(w, "  devices      List monitors registered to the account")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/iaqbridge/config.yaml, /etc/iaqbridge/config.yaml")
	return nil
}

// loadConfig finds, loads and validates the configuration and resolves
// the phone UUID.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	if cfg.Honeywell.PhoneUUID == "" {
		id, err := honeywell.LoadOrCreatePhoneUUID(cfg.DataDir)
		if err != nil {
			return nil, cfgPath, err
		}
		cfg.Honeywell.PhoneUUID = id
	}

	return cfg, cfgPath, nil
}

// newLogger builds the logger for cfg. Validate has already checked the
// level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// runDevices logs in and prints the account's monitors.
func runDevices(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Keep stdout clean for the listing.
	logger := config.NewLogger(io.Discard, slog.LevelInfo, "text")

	client := honeywell.NewClient(cfg.Honeywell, logger)
	session, err := client.Login(ctx)
	if err != nil {
		return err
	}
	devices, err := client.ListDevices(ctx, session)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	fmt.Fprintf(stdout, "%d devices\n", len(devices))
	for _, d := range devices {
		status := "offline"
		if d.Online {
			status = "online"
		}
		fmt.Fprintf(stdout, "  %-24s %-8s serial=%s home=%q room=%q\n",
			d.DeviceID, status, d.DeviceSerial, d.Info.Home, d.Info.Room)
	}
	return nil
}
