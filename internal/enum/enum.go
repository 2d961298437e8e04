// Package enum queries the device source, classifies and enriches raw
// records, and produces normalized Device snapshots. Each call builds a
// fresh immutable snapshot; nothing here mutates a previous generation.
package enum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"linman/internal/device"
	"linman/internal/dmi"
	"linman/internal/edid"
	"linman/internal/source"
)

// DefaultSubsystems is the set enumerated when the config names none,
// the subsystems worth showing in a device-manager view.
var DefaultSubsystems = []string{
	"pci", "usb", "net", "sound", "block", "input", "hid",
	"bluetooth", "video4linux", "drm", "tty", "power_supply",
}

// subsystemClass maps a kernel subsystem to the normalized device class.
var subsystemClass = map[string]device.Class{
	"net":          device.ClassNetwork,
	"sound":        device.ClassAudio,
	"snd":          device.ClassAudio,
	"block":        device.ClassBlock,
	"input":        device.ClassInput,
	"hid":          device.ClassInput,
	"usb":          device.ClassUSB,
	"bluetooth":    device.ClassBluetooth,
	"video4linux":  device.ClassCamera,
	"drm":          device.ClassMonitor,
	"pci":          device.ClassPCI,
	"tty":          device.ClassSerial,
	"power_supply": device.ClassPower,
}

// virtualNetPrefixes are interface names with no physical backing.
var virtualNetPrefixes = []string{"lo", "veth", "docker", "br-", "virbr", "tun", "tap", "vnet"}

// Options tune a scan.
type Options struct {
	// ShowVirtual includes devices without physical bus backing.
	ShowVirtual bool
	// Subsystems overrides DefaultSubsystems when non-empty.
	Subsystems []string
}

// PCINameFunc resolves a human name for a PCI slot, typically by running
// an external lookup command. Failures fall back to raw IDs.
type PCINameFunc func(ctx context.Context, slot string) (string, error)

// DMICache persists decoded memory modules keyed by a hash of the raw
// table, so re-launches skip the expensive decode.
type DMICache interface {
	GetDMI(hash string) ([]dmi.MemoryModule, bool)
	PutDMI(hash string, modules []dmi.MemoryModule) error
}

// Enumerator builds normalized device snapshots from a Source.
type Enumerator struct {
	src      source.Source
	opts     Options
	elevated func() bool
	pciName  PCINameFunc
	cache    DMICache
	log      zerolog.Logger

	mu         sync.Mutex
	dmiModules []dmi.MemoryModule
	dmiLoaded  bool
}

// New returns an Enumerator. elevated gates DMI access and must never be
// nil; pciName and cache may be nil.
func New(src source.Source, opts Options, elevated func() bool, log zerolog.Logger) *Enumerator {
	return &Enumerator{
		src:      src,
		opts:     opts,
		elevated: elevated,
		log:      log,
	}
}

// WithPCINames sets the external PCI name lookup.
func (e *Enumerator) WithPCINames(fn PCINameFunc) *Enumerator {
	e.pciName = fn
	return e
}

// WithDMICache sets the persistent DMI decode cache.
func (e *Enumerator) WithDMICache(c DMICache) *Enumerator {
	e.cache = c
	return e
}

func (e *Enumerator) subsystems() []string {
	if len(e.opts.Subsystems) > 0 {
		return e.opts.Subsystems
	}
	return DefaultSubsystems
}

// enrichers dispatches per-class enrichment. Keyed on class rather than
// any type hierarchy so adding a subsystem is a one-line change.
var enrichers = map[device.Class]func(*Enumerator, context.Context, source.RawDevice, *device.Device) bool{
	device.ClassMonitor: (*Enumerator).enrichMonitor,
	device.ClassBlock:   (*Enumerator).enrichBlock,
	device.ClassNetwork: (*Enumerator).enrichNetwork,
	device.ClassPCI:     (*Enumerator).enrichPCI,
	device.ClassPower:   (*Enumerator).enrichPower,
}

// Enumerate produces one normalized snapshot. A fault on one device is
// isolated to that device; the others still populate.
func (e *Enumerator) Enumerate(ctx context.Context) ([]device.Device, error) {
	raws, err := e.src.ListDevices(e.subsystems())
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	var devs []device.Device
	for _, raw := range raws {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d, keep := e.normalize(ctx, raw)
		if keep {
			devs = append(devs, d)
		}
	}

	devs = append(devs, e.cpuDevices()...)

	if e.elevated() {
		devs = append(devs, e.memoryDevices(ctx)...)
	}

	e.log.Debug().Int("devices", len(devs)).Msg("Enumeration complete")
	return devs, nil
}

// normalize maps one raw record into the Device shape. The second result
// is false when the device is filtered out (virtual, partition,
// disconnected connector).
func (e *Enumerator) normalize(ctx context.Context, raw source.RawDevice) (device.Device, bool) {
	class, known := subsystemClass[raw.Subsystem]
	if !known {
		class = device.ClassOther
	}

	d := device.Device{
		ID:        device.StableID(raw.Subsystem, raw.Path),
		Subsystem: raw.Subsystem,
		BusAddr:   raw.Path,
		Class:     class,
		Name:      raw.Name,
		Attrs:     raw.Attrs,
	}

	if !e.opts.ShowVirtual && e.isVirtual(raw) {
		return device.Device{}, false
	}

	d.Driver = e.resolveDriver(raw)

	if enrich, ok := enrichers[class]; ok {
		if !enrich(e, ctx, raw, &d) {
			return device.Device{}, false
		}
	}

	d.Status = e.deviceStatus(raw, d.Driver)
	return d, true
}

// isVirtual reports devices without physical bus backing: no device/
// link in sysfs, or a well-known synthetic network interface name.
func (e *Enumerator) isVirtual(raw source.RawDevice) bool {
	switch raw.Subsystem {
	case "pci", "usb":
		return false // bus devices are physical by definition
	case "drm":
		return false // connectors are judged by EDID presence instead
	case "net":
		for _, p := range virtualNetPrefixes {
			if strings.HasPrefix(raw.Name, p) {
				return true
			}
		}
	}
	_, err := e.src.ReadAttribute(raw.Path, "device/uevent")
	return errors.Is(err, source.ErrAttrAbsent)
}

// resolveDriver finds the bound driver: the device's own uevent first,
// then the parent device's.
func (e *Enumerator) resolveDriver(raw source.RawDevice) string {
	if drv := raw.Attrs["DRIVER"]; drv != "" {
		return drv
	}
	parent, err := e.src.ReadAttribute(raw.Path, "device/uevent")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(parent, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "DRIVER="); ok {
			return v
		}
	}
	return ""
}

// deviceStatus derives the status enum. Error is reserved for an
// explicit fault attribute; a missing driver is merely Unknown.
func (e *Enumerator) deviceStatus(raw source.RawDevice, driver string) device.Status {
	if raw.Attrs["ERROR"] != "" {
		return device.StatusError
	}
	if enable, err := e.src.ReadAttribute(raw.Path, "enable"); err == nil && enable == "0" {
		return device.StatusDisabled
	}
	if driver == "" {
		return device.StatusUnknown
	}
	return device.StatusActive
}

// enrichMonitor decodes the connector's EDID. Disconnected connectors
// (no blob, status != connected) are dropped; a malformed blob still
// yields a device, never an error.
func (e *Enumerator) enrichMonitor(ctx context.Context, raw source.RawDevice, d *device.Device) bool {
	if status, err := e.src.ReadAttribute(raw.Path, "status"); err == nil && status != "connected" {
		return false
	}

	blob, err := e.src.ReadEDID(raw.Path)
	if err != nil {
		if errors.Is(err, source.ErrAttrAbsent) {
			return false // nothing plugged in
		}
		e.log.Warn().Err(err).Str("device", raw.Name).Msg("EDID read failed")
		return true
	}

	info := edid.Decode(blob)
	if !info.Valid {
		e.log.Warn().Str("device", raw.Name).Msg("Malformed EDID, keeping partial decode")
	}
	d.Monitor = &info
	d.Vendor = info.PNPID
	d.Model = info.ModelName
	if info.ModelName != "" {
		d.Name = info.ModelName
	}
	return true
}

// enrichBlock fills model/vendor from the underlying disk and filters
// out partitions: the tree shows whole drives.
func (e *Enumerator) enrichBlock(ctx context.Context, raw source.RawDevice, d *device.Device) bool {
	if raw.Attrs["DEVTYPE"] == "partition" {
		return false
	}
	if model, err := e.src.ReadAttribute(raw.Path, "device/model"); err == nil {
		d.Model = model
		d.Name = model
	}
	if vendor, err := e.src.ReadAttribute(raw.Path, "device/vendor"); err == nil {
		d.Vendor = vendor
	}
	return true
}

// enrichNetwork records the hardware address.
func (e *Enumerator) enrichNetwork(ctx context.Context, raw source.RawDevice, d *device.Device) bool {
	if mac, err := e.src.ReadAttribute(raw.Path, "address"); err == nil && mac != "" {
		d.Attrs = cloneWith(d.Attrs, "address", mac)
	}
	return true
}

// enrichPCI resolves a display name via the external lookup command,
// falling back to the raw vendor:device IDs, and reclassifies display
// controllers (PCI base class 0x03) into their own category. Lookup
// output is advisory; any failure is swallowed.
func (e *Enumerator) enrichPCI(ctx context.Context, raw source.RawDevice, d *device.Device) bool {
	if id := raw.Attrs["PCI_ID"]; id != "" {
		if vendor, model, ok := strings.Cut(id, ":"); ok {
			d.Vendor = vendor
			d.Model = model
		}
	}
	if isGraphicsClass(raw.Attrs["PCI_CLASS"]) {
		d.Class = device.ClassGPU
	}
	if e.pciName != nil {
		if name, err := e.pciName(ctx, raw.Name); err == nil && name != "" {
			d.Name = name
		} else if err != nil {
			e.log.Debug().Err(err).Str("slot", raw.Name).Msg("PCI name lookup failed")
		}
	}
	return true
}

// isGraphicsClass reports whether a uevent PCI_CLASS value has base
// class 0x03 (display controller). The kernel prints the 24-bit class
// code in hex without leading zeros.
func isGraphicsClass(pciClass string) bool {
	if pciClass == "" || len(pciClass) > 6 {
		return false
	}
	padded := strings.Repeat("0", 6-len(pciClass)) + pciClass
	return strings.HasPrefix(padded, "03")
}

// enrichPower copies charge state into the attribute bag.
func (e *Enumerator) enrichPower(ctx context.Context, raw source.RawDevice, d *device.Device) bool {
	for _, key := range []string{"capacity", "status", "type"} {
		if v, err := e.src.ReadAttribute(raw.Path, key); err == nil && v != "" {
			d.Attrs = cloneWith(d.Attrs, "power_"+key, v)
		}
	}
	return true
}

// cpuDevices synthesizes one device per physical CPU package. A gopsutil
// failure is isolated: the scan continues without processors.
func (e *Enumerator) cpuDevices() []device.Device {
	infos, err := cpu.Info()
	if err != nil {
		e.log.Warn().Err(err).Msg("CPU info unavailable")
		return nil
	}

	seen := map[string]bool{}
	var devs []device.Device
	for _, info := range infos {
		phys := info.PhysicalID
		if phys == "" {
			phys = "0"
		}
		if seen[phys] {
			continue
		}
		seen[phys] = true

		addr := "cpu/" + phys
		devs = append(devs, device.Device{
			ID:        device.StableID("cpu", addr),
			Subsystem: "cpu",
			BusAddr:   addr,
			Class:     device.ClassCPU,
			Name:      strings.TrimSpace(info.ModelName),
			Vendor:    info.VendorID,
			Model:     strings.TrimSpace(info.ModelName),
			Status:    device.StatusActive,
			// Clock speed is deliberately not recorded: it floats
			// with frequency scaling and would dirty every diff.
			Attrs: map[string]string{
				"cores":  fmt.Sprintf("%d", info.Cores),
				"family": info.Family,
			},
		})
	}
	return devs
}

// memoryDevices decodes the DMI table into one device per populated
// slot. The decode is cached for the process lifetime (table contents
// cannot change without a reboot) and optionally persisted.
func (e *Enumerator) memoryDevices(ctx context.Context) []device.Device {
	modules := e.loadModules()

	var devs []device.Device
	for i, m := range modules {
		slot := m.Slot
		if slot == "" {
			slot = fmt.Sprintf("slot-%d", i)
		}
		addr := "dmi/" + slot
		devs = append(devs, device.Device{
			ID:        device.StableID("dmi", addr),
			Subsystem: "dmi",
			BusAddr:   addr,
			Class:     device.ClassMemory,
			Name:      fmt.Sprintf("%s %s (%d MB)", slot, m.Type, m.SizeBytes>>20),
			Vendor:    m.Manufacturer,
			Model:     m.PartNumber,
			Status:    device.StatusActive,
			Attrs: map[string]string{
				"slot":      slot,
				"bank":      m.Bank,
				"size":      fmt.Sprintf("%d", m.SizeBytes),
				"speed_mts": fmt.Sprintf("%d", m.SpeedMTs),
				"type":      m.Type,
				"serial":    m.Serial,
			},
		})
	}
	return devs
}

// loadModules returns the decoded memory modules, decoding at most once
// per process and consulting the persistent cache first.
func (e *Enumerator) loadModules() []dmi.MemoryModule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dmiLoaded {
		return e.dmiModules
	}

	table, err := e.src.ReadDMITable()
	if err != nil {
		if !errors.Is(err, source.ErrAttrAbsent) {
			e.log.Warn().Err(err).Msg("DMI table read failed")
		}
		return nil // not cached: the table may appear on the next scan
	}

	sum := sha256.Sum256(table)
	hash := hex.EncodeToString(sum[:])

	if e.cache != nil {
		if modules, ok := e.cache.GetDMI(hash); ok {
			e.dmiModules, e.dmiLoaded = modules, true
			return modules
		}
	}

	modules := dmi.Decode(table, -1)
	e.dmiModules, e.dmiLoaded = modules, true

	if e.cache != nil {
		if err := e.cache.PutDMI(hash, modules); err != nil {
			e.log.Warn().Err(err).Msg("DMI cache write failed")
		}
	}
	return modules
}

func cloneWith(attrs map[string]string, key, val string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = val
	return out
}
