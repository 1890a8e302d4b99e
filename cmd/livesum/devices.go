package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/snarg/livesum/internal/audio"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := audio.ListDevices()
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Fprintln(os.Stderr, "no capture devices found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\n", d.ID, d.Name)
		}
		return tw.Flush()
	},
}
