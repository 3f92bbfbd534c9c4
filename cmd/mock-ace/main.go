// mock-ace serves simulated ACE units over TCP so ace-host can run without
// hardware. Point a unit's serial option at "tcp:127.0.0.1:<port>".
//
// Usage:
//
//	mock-ace --listen 127.0.0.1:7140 --units 2 --spool 0:0=PLA:FFFFFF:190-230
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"klipper-ace/pkg/acesim"
	"klipper-ace/pkg/log"
)

func main() {
	var (
		listen string
		units  int
		spools []string
		scale  float64
	)

	rootCmd := &cobra.Command{
		Use:   "mock-ace",
		Short: "Simulated ACE units over TCP",
		Long: `Serve one simulated ACE unit per TCP port, starting at --listen and
counting up. Slot contents survive reconnects.

Spools are given as UNIT:SLOT=MATERIAL:RRGGBB:TMIN-TMAX, e.g.
  --spool 0:0=PLA:FFFFFF:190-230 --spool 1:3=PETG:FF0000:230-250
Without any --spool every unit gets a default set.`,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			sims := make([]*acesim.Unit, units)
			for i := range sims {
				sims[i] = acesim.New(i)
				sims[i].TimeScale = scale
			}
			if len(spools) == 0 {
				for _, sim := range sims {
					loadDefaults(sim)
				}
			}
			for _, spec := range spools {
				if err := applySpool(sims, spec); err != nil {
					return err
				}
			}
			return run(listen, sims)
		},
	}
	rootCmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7140", "address of unit 0; unit n listens on port+n")
	rootCmd.Flags().IntVar(&units, "units", 1, "number of units")
	rootCmd.Flags().Float64Var(&scale, "time-scale", 0.1, "fraction of real move time units stay busy; 0 finishes moves at once")
	rootCmd.Flags().StringArrayVar(&spools, "spool", nil, "UNIT:SLOT=MATERIAL:RRGGBB:TMIN-TMAX")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadDefaults(sim *acesim.Unit) {
	sim.LoadSpool(0, "PLA", [3]int{255, 255, 255}, 190, 230)
	sim.LoadSpool(1, "PLA", [3]int{0, 0, 0}, 190, 230)
	sim.LoadSpool(2, "PETG", [3]int{255, 0, 0}, 230, 250)
}

// applySpool parses one --spool value.
func applySpool(sims []*acesim.Unit, spec string) error {
	bad := func(reason string) error { return fmt.Errorf("bad --spool %q: %s", spec, reason) }

	where, what, ok := strings.Cut(spec, "=")
	if !ok {
		return bad("missing '='")
	}
	us, ss, ok := strings.Cut(where, ":")
	if !ok {
		return bad("want UNIT:SLOT before '='")
	}
	unit, err := strconv.Atoi(us)
	if err != nil || unit < 0 || unit >= len(sims) {
		return bad("unit out of range")
	}
	slot, err := strconv.Atoi(ss)
	if err != nil || slot < 0 || slot > 3 {
		return bad("slot must be 0..3")
	}

	parts := strings.Split(what, ":")
	if len(parts) != 3 {
		return bad("want MATERIAL:RRGGBB:TMIN-TMAX")
	}
	rgb, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "#"), 16, 32)
	if err != nil || len(strings.TrimPrefix(parts[1], "#")) != 6 {
		return bad("color must be RRGGBB")
	}
	lo, hi, ok := strings.Cut(parts[2], "-")
	if !ok {
		return bad("temperature must be TMIN-TMAX")
	}
	tmin, err1 := strconv.Atoi(lo)
	tmax, err2 := strconv.Atoi(hi)
	if err1 != nil || err2 != nil || tmin > tmax {
		return bad("temperature must be TMIN-TMAX")
	}
	color := [3]int{int(rgb >> 16 & 0xff), int(rgb >> 8 & 0xff), int(rgb & 0xff)}
	sims[unit].LoadSpool(slot, parts[0], color, tmin, tmax)
	return nil
}

func run(listen string, sims []*acesim.Unit) error {
	logger := log.GetLogger("mock-ace")
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	base, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("bad port %q", portStr)
	}

	var listeners []net.Listener
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()
	for i, sim := range sims {
		addr := net.JoinHostPort(host, strconv.Itoa(base+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)
		logger.Info("unit %d listening on %s (serial: tcp:%s)", i, ln.Addr(), ln.Addr())
		go accept(logger.ForUnit("sim", i), ln, sim)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

// accept serves one client at a time; a new client replaces the old link
// the way a re-enumerated USB port would.
func accept(logger *log.Logger, ln net.Listener, sim *acesim.Unit) {
	var current net.Conn
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if current != nil {
			current.Close()
		}
		current = conn
		logger.Info("client %s connected", conn.RemoteAddr())
		go func(c net.Conn) {
			defer c.Close()
			err := sim.Serve(c)
			logger.Info("client %s gone: %v", c.RemoteAddr(), err)
		}(conn)
	}
}
