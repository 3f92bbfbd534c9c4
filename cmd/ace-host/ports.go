// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"klipper-ace/pkg/serial"
)

func portsCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports and the ACE units among them",
		Long: `List USB serial ports in the order units are assigned when no serial
option is configured: shallowest hub depth first.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			var (
				ports []serial.PortInfo
				err   error
			)
			if all {
				ports, err = serial.DefaultEnumerator.Scan()
			} else {
				ports, err = serial.DefaultEnumerator.FindACE()
			}
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no ACE units found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tDEVICE\tUSB PATH\tDEPTH\tID\tSERIAL")
			unit := 0
			for _, p := range ports {
				idx := "-"
				if p.IsACE() {
					idx = fmt.Sprint(unit)
					unit++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%04x:%04x\t%s\n",
					idx, p.Device, p.USBPath, p.Depth, p.VendorID, p.ProductID, p.Serial)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include non-ACE USB serial ports")
	return cmd
}
