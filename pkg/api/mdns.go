// mDNS advertisement of the API
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

const (
	ServiceType = "_ace-host._tcp"
	Domain      = "local."
)

// AdvertiserConfig configures the mDNS advertisement.
type AdvertiserConfig struct {
	// Instance defaults to "ACE-<hostname>".
	Instance string
	// Interface limits advertising to one NIC; empty means all.
	Interface string
	TTL       time.Duration
}

// Advertiser announces the API on the local network so slicers and
// dashboards can find the host.
type Advertiser struct {
	cfg    AdvertiserConfig
	mu     sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	if cfg.Instance == "" {
		cfg.Instance = "ACE-" + hostname()
	}
	return &Advertiser{cfg: cfg}
}

// TXTRecords builds the TXT strings published with the service.
func TXTRecords(units int) []string {
	return []string{
		"version=" + Version,
		fmt.Sprintf("units=%d", units),
		"path=/jsonrpc",
		"ws=/websocket",
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise (re)registers the service on port.
func (a *Advertiser) Advertise(port, units int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}
	server, err := zeroconf.Register(a.cfg.Instance, ServiceType, Domain, port, TXTRecords(units), a.interfaces(), opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceType, err)
	}
	a.server = server
	return nil
}

func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
