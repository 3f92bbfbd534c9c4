package serial

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ACE USB identifiers.
const (
	ACEVendorID  uint16 = 0x28e9
	ACEProductID uint16 = 0x018a
)

// PortInfo describes a tty backed by a USB device.
type PortInfo struct {
	Device    string // /dev/ttyACM0
	USBPath   string // sysfs device name, e.g. "1-1.2.3"
	Bus       int
	Depth     int // hub hops below the root port
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// IsACE reports whether the port is an ACE unit.
func (p PortInfo) IsACE() bool {
	return p.VendorID == ACEVendorID && p.ProductID == ACEProductID
}

// Fingerprint identifies where on the USB tree a unit was connected.
type Fingerprint struct {
	Port  string
	Depth int
}

// Matches compares hub depth. Port names shift when a hub re-enumerates,
// depth only changes when the cabling does.
func (f Fingerprint) Matches(o Fingerprint) bool {
	return f.Depth == o.Depth
}

func (f Fingerprint) IsZero() bool { return f.Port == "" && f.Depth == 0 }

func (f Fingerprint) String() string {
	if f.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s (depth %d)", f.Port, f.Depth)
}

func (p PortInfo) Fingerprint() Fingerprint {
	return Fingerprint{Port: p.USBPath, Depth: p.Depth}
}

// Enumerator walks sysfs. The roots are fields so tests can point it
// at a fake tree.
type Enumerator struct {
	SysRoot string
	DevRoot string
}

// DefaultEnumerator reads the live system.
var DefaultEnumerator = Enumerator{SysRoot: "/sys", DevRoot: "/dev"}

// ParseUSBPath splits a sysfs USB device name like "1-1.2.3" into its
// bus number and hub depth.
func ParseUSBPath(name string) (bus, depth int, err error) {
	busStr, chain, ok := strings.Cut(name, "-")
	if !ok || chain == "" {
		return 0, 0, fmt.Errorf("serial: not a usb device path: %q", name)
	}
	bus, err = strconv.Atoi(busStr)
	if err != nil {
		return 0, 0, fmt.Errorf("serial: bad bus in %q: %w", name, err)
	}
	hops := strings.Split(chain, ".")
	for _, h := range hops {
		if _, err := strconv.Atoi(h); err != nil {
			return 0, 0, fmt.Errorf("serial: bad port %q in %q", h, name)
		}
	}
	return bus, len(hops), nil
}

// Scan lists every USB backed tty, shallowest first.
func (e Enumerator) Scan() ([]PortInfo, error) {
	classDir := filepath.Join(e.SysRoot, "class", "tty")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, fmt.Errorf("serial: list %s: %w", classDir, err)
	}
	var ports []PortInfo
	for _, ent := range entries {
		info, ok := e.describe(ent.Name())
		if ok {
			ports = append(ports, info)
		}
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Depth != ports[j].Depth {
			return ports[i].Depth < ports[j].Depth
		}
		return ports[i].USBPath < ports[j].USBPath
	})
	return ports, nil
}

// FindACE lists connected ACE units in auto-detect order.
func (e Enumerator) FindACE() ([]PortInfo, error) {
	all, err := e.Scan()
	if err != nil {
		return nil, err
	}
	var aces []PortInfo
	for _, p := range all {
		if p.IsACE() {
			aces = append(aces, p)
		}
	}
	return aces, nil
}

// Lookup describes the USB position of a device path, following
// /dev/serial/by-id style symlinks.
func (e Enumerator) Lookup(device string) (PortInfo, error) {
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		resolved = device
	}
	info, ok := e.describe(filepath.Base(resolved))
	if !ok {
		return PortInfo{}, fmt.Errorf("serial: %s is not a usb tty", device)
	}
	return info, nil
}

func (e Enumerator) describe(tty string) (PortInfo, bool) {
	link := filepath.Join(e.SysRoot, "class", "tty", tty, "device")
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return PortInfo{}, false
	}
	root := filepath.Clean(e.SysRoot)
	for dir != root && dir != "/" && dir != "." {
		if vid, ok := readHex(filepath.Join(dir, "idVendor")); ok {
			pid, _ := readHex(filepath.Join(dir, "idProduct"))
			name := filepath.Base(dir)
			bus, depth, err := ParseUSBPath(name)
			if err != nil {
				return PortInfo{}, false
			}
			serial, _ := os.ReadFile(filepath.Join(dir, "serial"))
			return PortInfo{
				Device:    filepath.Join(e.DevRoot, tty),
				USBPath:   name,
				Bus:       bus,
				Depth:     depth,
				VendorID:  vid,
				ProductID: pid,
				Serial:    strings.TrimSpace(string(serial)),
			}, true
		}
		dir = filepath.Dir(dir)
	}
	return PortInfo{}, false
}

func readHex(path string) (uint16, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
