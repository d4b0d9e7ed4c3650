package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/repsense/internal/ble"
	"github.com/spf13/cobra"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List advertising BLE devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(configPath); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", scanTimeout)
		ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
		defer cancel()

		devices, err := ble.ScanForDevices(ctx, ble.NewTinyGoRadio())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tRSSI\tNAME\t")
		for _, d := range devices {
			marker := ""
			if d.Name == ble.TargetName || d.Address == ble.TargetAddress {
				marker = "  <- sensor"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", d.Address, d.RSSI, d.Name, marker)
		}
		return w.Flush()
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "how long to scan")
}
