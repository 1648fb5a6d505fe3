package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/istvanzk/rpicampy-sub000/internal/orchestrator"
	"github.com/istvanzk/rpicampy-sub000/internal/wsserver"
)

var (
	monitorURL      string
	monitorDeviceID string
	monitorKeyFile  string
	monitorTokens   string
	monitorCommand  string
	monitorOnce     bool
)

// monitorCmd connects to a running rpicampy as a channel client.
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch job status and send control commands",
	Long: `Connect to the status/command channel of a running rpicampy, optionally
send one command and print every status push as a table.

Commands have the form <name>/<value>:
  sch/1, sch/0   enable or disable all jobs
  cmd/1, cmd/0   enter or leave command mode
  cam/3          queue command value 3 for the cam job (command mode only)`,
	RunE: monitorHandler,
}

func monitorHandler(cmd *cobra.Command, args []string) error {
	tokens, err := monitorAuthTokens(monitorTokens, monitorKeyFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := wsserver.Dial(dialCtx, monitorURL, monitorDeviceID, tokens)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	caps := client.Capabilities()
	pterm.Success.Printf("Connected to %s as %s (%s)\n", monitorURL, monitorDeviceID, caps.AuthString())

	if monitorCommand != "" {
		if _, err := orchestrator.ParseCommand(monitorCommand); err != nil {
			return err
		}
		if err := client.SendCommand(monitorCommand); err != nil {
			return err
		}
		pterm.Info.Printf("Command sent: %s\n", monitorCommand)
	}

	if !caps.Has(wsserver.CanReceiveStatus) {
		return nil
	}

	for {
		msg, err := client.ReadStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pterm.DefaultSection.Printf("%s  %s", msg.DeviceID, msg.Time)
		if err := pterm.DefaultTable.WithHasHeader().WithData(statusTable(msg.StatusDict)).Render(); err != nil {
			return err
		}
		if monitorOnce {
			return nil
		}
	}
}

// monitorAuthTokens returns explicit tokens, or "recv,send" from the key file.
func monitorAuthTokens(tokens, keyFile string) (string, error) {
	if tokens != "" {
		return tokens, nil
	}
	if keyFile == "" {
		return "", fmt.Errorf("either --tokens or --key-file is required")
	}
	keys, err := wsserver.LoadKeys(keyFile)
	if err != nil {
		return "", err
	}
	return keys.Recv + "," + keys.Send, nil
}

// statusTable lists the known jobs first, in their fixed order, then any others sorted.
func statusTable(dict map[string]string) pterm.TableData {
	data := pterm.TableData{{"Job", "Status"}}

	seen := make(map[string]bool, len(dict))
	for _, key := range orchestrator.JobKeys {
		if v, ok := dict[key]; ok {
			data = append(data, []string{key, v})
			seen[key] = true
		}
	}

	var rest []string
	for key := range dict {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		data = append(data, []string{key, dict[key]})
	}
	return data
}

func defaultMonitorDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "rpicampy-monitor"
	}
	return host + "-monitor"
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorURL, "url", "u", "ws://localhost:8765", "Channel server URL")
	monitorCmd.Flags().StringVar(&monitorDeviceID, "device-id", defaultMonitorDeviceID(), "Device id sent in the handshake")
	monitorCmd.Flags().StringVarP(&monitorKeyFile, "key-file", "k", "", "Key file with recv,send on its first line")
	monitorCmd.Flags().StringVar(&monitorTokens, "tokens", "", "Handshake tokens as recv,send (either may be empty)")
	monitorCmd.Flags().StringVar(&monitorCommand, "command", "", "Send one command, e.g. sch/0 or cam/3")
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Exit after the first status push")
}
