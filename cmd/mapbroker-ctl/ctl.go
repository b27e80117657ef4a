// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mapbroker/lib/config"
	"github.com/bureau-foundation/mapbroker/lib/service"
	"github.com/bureau-foundation/mapbroker/lib/version"
)

const usage = `Usage: mapbroker-ctl [flags] <command>

Commands:
  status    show pool workers, busy workers, and broker counters
  report    collect a resource report from every worker
  restart   recycle every worker

Flags:
`

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("mapbroker-ctl", pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	socketPath := flagSet.String("socket", "", "admin socket path (default: admin.socket from the configuration)")
	configPath := flagSet.String("config", "", "path to mapbroker.yaml (default: $MAPBROKER_CONFIG)")
	asJSON := flagSet.Bool("json", false, "print the raw response as JSON")
	timeout := flagSet.Duration("timeout", 30*time.Second, "give up after this long")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprint(stdout, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "mapbroker-ctl %s\n", version.Full())
		return nil
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one command, got %d", flagSet.NArg())
	}

	path, err := resolveSocket(*socketPath, *configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	client := service.NewClient(path)

	switch command := flagSet.Arg(0); command {
	case service.ActionStatus:
		var status service.StatusResult
		if err := client.Call(ctx, command, nil, &status); err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, status)
		}
		return printStatus(stdout, status)
	case service.ActionReport:
		var result service.ReportResult
		if err := client.Call(ctx, command, nil, &result); err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, result)
		}
		return printReports(stdout, result)
	case service.ActionRestart:
		if err := client.Call(ctx, command, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "RESTART broadcast to all workers")
		return nil
	default:
		return fmt.Errorf("unknown command %q (want status, report, or restart)", command)
	}
}

// resolveSocket prefers --socket, then the configuration named by
// --config or MAPBROKER_CONFIG, then the built-in default.
func resolveSocket(socketPath, configPath string) (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	if configPath == "" && os.Getenv(config.EnvironmentVariable) == "" {
		return config.DefaultExpanded().Admin.Socket, nil
	}
	cfg, err := config.LoadPath(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Admin.Socket, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func printStatus(w io.Writer, status service.StatusResult) error {
	fmt.Fprintf(w, "version: %s\n", status.Version)
	fmt.Fprintf(w, "workers: %s\n", joinInts(status.Workers))
	fmt.Fprintf(w, "busy:    %s\n", joinInts(status.Busy))
	counters, ok := status.Broker.(map[string]any)
	if !ok {
		fmt.Fprintln(w, "broker:  external")
		return nil
	}
	fmt.Fprintln(w, "broker:")
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, key := range []string{"queued", "ready", "dispatched", "rejected", "expired", "requeued", "replies"} {
		fmt.Fprintf(table, "  %s\t%v\n", key, counters[key])
	}
	return table.Flush()
}

func printReports(w io.Writer, result service.ReportResult) error {
	if len(result.Reports) == 0 {
		fmt.Fprintln(w, "no worker answered")
		return nil
	}
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "PID\tREQUESTS\tRESOURCES\tMAX RSS\tHEAP\tGOROUTINES\tUPTIME")
	for _, report := range result.Reports {
		fmt.Fprintf(table, "%d\t%d\t%d\t%s\t%s\t%d\t%s\n",
			report.PID,
			report.Requests,
			report.CachedResources,
			formatBytes(report.MaxRSS),
			formatBytes(int64(report.HeapAlloc)),
			report.Goroutines,
			report.Uptime.Round(time.Second),
		)
	}
	return table.Flush()
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = fmt.Sprint(value)
	}
	return strings.Join(parts, " ")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	value, suffix := float64(n)/unit, "KiB"
	for _, next := range []string{"MiB", "GiB"} {
		if value < unit {
			break
		}
		value, suffix = value/unit, next
	}
	return fmt.Sprintf("%.1f%s", value, suffix)
}
