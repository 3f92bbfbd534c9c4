// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/acesim"
	"klipper-ace/pkg/api"
	"klipper-ace/pkg/commands"
	"klipper-ace/pkg/config"
	"klipper-ace/pkg/endless"
	"klipper-ace/pkg/health"
	"klipper-ace/pkg/host"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/manager"
	"klipper-ace/pkg/metrics"
	"klipper-ace/pkg/reactor"
	"klipper-ace/pkg/runout"
	"klipper-ace/pkg/sensor"
	"klipper-ace/pkg/serial"
	"klipper-ace/pkg/spoolsync"
	"klipper-ace/pkg/state"
	"klipper-ace/pkg/transport"
)

func serveCmd() *cobra.Command {
	var (
		configFile string
		apiListen  string
		simulate   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ACE host daemon",
		Long: `Connect to every configured ACE unit and serve the ACE_* commands
over JSON-RPC (HTTP and websocket).

Without a serial option each unit is found on the USB bus by its position
in hub order. "tcp:host:port" reaches a mock-ace simulator instead.

Examples:
  # Normal operation
  ace-host serve -c ~/printer_data/config/ace.cfg

  # Develop without hardware
  ace-host serve -c ace.cfg --simulate`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ac, err := config.ParseACE(cfg)
			if err != nil {
				return err
			}
			if apiListen != "" {
				ac.APIListen = apiListen
			}
			if simulate && ac.StateBackend != state.BackendMemory {
				ac.StateBackend = state.BackendMemory
			}
			return serve(ac, simulate)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file with an [ace] section (required)")
	cmd.Flags().StringVar(&apiListen, "api", "", "override api_listen")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use in-process simulated units and memory state")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

type daemon struct {
	log        *log.Logger
	reactor    *reactor.Reactor
	store      state.Store
	manager    *manager.Manager
	transports []*transport.Transport
	api        *api.Server
	advertiser *api.Advertiser
	metricsSrv *metrics.Server
}

func serve(ac *config.ACEConfig, simulate bool) error {
	logger := log.GetLogger("host")
	logger.Info("ace-host %s starting with %d unit(s)", versionString(), len(ac.Units))

	store, err := state.Open(ac.StateBackend, ac.StateFile)
	if err != nil {
		return err
	}
	d := &daemon{log: logger, store: store, reactor: reactor.New()}
	defer d.shutdown()

	mode, err := endless.ParseMode(ac.EndlessSpoolMode)
	if err != nil {
		return err
	}

	mets := metrics.NewACEMetrics()
	hm := health.NewMonitor(health.Config{
		ReconnectWindow:          ac.ReconnectWindow,
		MaxReconnects:            ac.MaxReconnects,
		MinStableDuration:        ac.MinStableDuration,
		TopologyFailureThreshold: ac.TopologyFailureThreshold,
	})

	bank := sensor.NewBank(sensor.NewSwitch(sensor.Toolhead, 0))
	for _, uc := range ac.Units {
		if uc.ReturnModuleSensor {
			bank.Add(sensor.NewSwitch(sensor.ReturnModule, 0))
			break
		}
	}
	printer := host.NewStandalone(logger)

	d.reactor.Run()
	d.manager = manager.New(manager.Config{
		SlotWaitTimeout: ac.SlotWaitTimeout,
		ReadyDwell:      ac.ReadyDwell,
		EndlessSpool:    ac.EndlessSpool,
		EndlessMode:     mode,
		MaxSwapAttempts: ac.MaxSwapAttempts,
		Runout: runout.Config{
			PollInterval: ac.RunoutPollInterval,
			Debounce:     ac.RunoutDebounce,
		},
	}, manager.Deps{
		Motion:  host.NewLogMotion(logger),
		Printer: printer,
		Sensors: bank,
		Store:   store,
		Health:  hm,
		Reactor: d.reactor,
		Metrics: mets,
		Logger:  logger,
	})

	for _, uc := range ac.Units {
		tr, err := d.addUnit(uc, bank, hm, mets, simulate)
		if err != nil {
			return err
		}
		d.transports = append(d.transports, tr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, tr := range d.transports {
		tr.Start(ctx)
	}
	d.manager.Start()

	dispatcher := commands.New(d.manager, logger.WithPrefix("commands"))
	dispatcher.RegisterHostCommands(bank, printer)

	d.api = api.New(api.Config{
		Addr:    ac.APIListen,
		Backend: &api.ManagerBackend{Manager: d.manager, Dispatcher: dispatcher},
		Printer: printer,
		Metrics: mets,
		Logger:  logger.WithPrefix("api"),
	})
	api.Attach(d.api, d.manager)
	if err := d.api.Start(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if ac.APIAdvertise {
		d.advertiser = api.NewAdvertiser(api.AdvertiserConfig{})
		if err := d.advertiser.Advertise(d.api.Port(), len(ac.Units)); err != nil {
			logger.WithError(err).Warn("mDNS advertisement failed")
		}
	}

	if ac.MetricsListen != "" {
		d.metricsSrv = metrics.NewServer(mets, metrics.ServerConfig{Address: ac.MetricsListen})
		if err := d.metricsSrv.Start(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		logger.Info("metrics on http://%s/metrics", d.metricsSrv.Addr())
	}

	if ac.SyncURL != "" {
		w := spoolsync.New(spoolsync.Config{
			URL:      ac.SyncURL,
			Interval: ac.SyncInterval,
			Logger:   logger.WithPrefix("spoolsync"),
		}, spoolsync.SourceFunc(func() []ace.UnitStatus { return d.manager.Status().Units }))
		d.manager.OnChange(w.Changed)
		go w.Run(ctx)
	}

	logger.Info("ready: api on http://%s", d.api.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)
	return nil
}

func (d *daemon) addUnit(uc config.UnitConfig, sensors sensor.Reader, hm *health.Monitor,
	mets *metrics.ACEMetrics, simulate bool) (*transport.Transport, error) {
	tm, err := ace.ParseTempMode(uc.RFIDTempMode)
	if err != nil {
		return nil, err
	}
	u := ace.New(ace.Config{
		Index:              uc.Index,
		FeedSpeed:          uc.FeedSpeed,
		RetractSpeed:       uc.RetractSpeed,
		ParkToUnit:         uc.ParkToUnit,
		RFIDTempMode:       tm,
		ReturnModuleSensor: uc.ReturnModuleSensor,
		ReadyTimeout:       uc.ReadyTimeout,
	}, sensors, d.log, mets)

	var dialer transport.Dialer
	switch {
	case simulate:
		dialer = transport.DialFunc(demoUnit(uc.Index).Dial)
	case strings.HasPrefix(uc.Serial, "tcp:"):
		dialer = transport.TCPDialer{
			Address:     strings.TrimPrefix(uc.Serial, "tcp:"),
			Fingerprint: serial.Fingerprint{Port: uc.Serial, Depth: 1},
		}
	default:
		dialer = transport.SerialDialer{
			Device:     uc.Serial,
			Position:   uc.Index,
			BaudRate:   uc.Baud,
			Enumerator: serial.DefaultEnumerator,
		}
	}

	tr := transport.New(transport.Config{
		Unit:           uc.Index,
		MaxInflight:    uc.MaxInflight,
		RequestTimeout: uc.RequestTimeout,
		StatusInterval: uc.StatusInterval,
		Health:         hm.Unit(uc.Index),
		Metrics:        mets,
		Logger:         d.log,
	}, dialer, u)

	d.manager.AddUnit(u, manager.LoadPath{
		ParkToUnit:       uc.ParkToUnit,
		ParkToToolhead:   int(uc.ParkToToolhead),
		ToolheadToNozzle: uc.ToolheadSensorToNozzle,
		ExtruderSpeed:    uc.ExtruderFeedSpeed,
		IdentifyLength:   uc.ExtruderFeedLength,
		PurgeLength:      uc.PurgeLength,
		PurgeMultiplier:  uc.PurgeMultiplier,
		PurgeSpeed:       uc.PurgeSpeed,
	}, tr)
	return tr, nil
}

// demoUnit is a simulated unit with a few spools loaded.
func demoUnit(index int) *acesim.Unit {
	sim := acesim.New(index)
	sim.SetFingerprint(serial.Fingerprint{Port: fmt.Sprintf("sim-%d", index), Depth: 1 + index})
	sim.LoadSpool(0, "PLA", [3]int{255, 255, 255}, 190, 230)
	sim.LoadSpool(1, "PLA", [3]int{20, 20, 20}, 190, 230)
	sim.LoadSpool(2, "PETG", [3]int{200, 30, 30}, 230, 250)
	return sim
}

func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.advertiser != nil {
		d.advertiser.Stop()
	}
	if d.api != nil {
		_ = d.api.Stop(ctx)
	}
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Shutdown(ctx)
	}
	if d.manager != nil {
		d.manager.Stop()
	}
	for _, tr := range d.transports {
		_ = tr.Close()
	}
	d.reactor.End()
	d.reactor.Wait()
	if err := d.store.Close(); err != nil {
		d.log.WithError(err).Warn("closing state store")
	}
	d.log.Info("stopped")
}
