package enum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"linman/internal/device"
	"linman/internal/dmi"
	"linman/internal/source"
)

// fakeSource is an in-memory DeviceSource.
type fakeSource struct {
	mu       sync.Mutex
	devices  []source.RawDevice
	attrs    map[string]map[string]string // path -> key -> value
	edids    map[string][]byte
	dmiTable []byte
	dmiReads int
	events   chan source.Event
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		attrs:  map[string]map[string]string{},
		edids:  map[string][]byte{},
		events: make(chan source.Event, 16),
	}
}

func (f *fakeSource) add(raw source.RawDevice, attrs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, raw)
	if attrs != nil {
		f.attrs[raw.Path] = attrs
	}
}

func (f *fakeSource) ListDevices(subsystems []string) ([]source.RawDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, s := range subsystems {
		want[s] = true
	}
	var out []source.RawDevice
	for _, d := range f.devices {
		if want[d.Subsystem] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) ReadAttribute(devPath, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.attrs[devPath][key]; ok {
		return v, nil
	}
	return "", source.ErrAttrAbsent
}

func (f *fakeSource) ReadEDID(devPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blob, ok := f.edids[devPath]; ok {
		return blob, nil
	}
	return nil, source.ErrAttrAbsent
}

func (f *fakeSource) ReadDMITable() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmiReads++
	if f.dmiTable == nil {
		return nil, source.ErrAttrAbsent
	}
	return f.dmiTable, nil
}

func (f *fakeSource) Subscribe(ctx context.Context, subsystems []string) (<-chan source.Event, error) {
	return f.events, nil
}

// validEDID builds a minimal well-formed base block.
func validEDID(model string) []byte {
	b := make([]byte, 128)
	copy(b, []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	b[8], b[9] = 0x10, 0xAC // DEL
	b[18], b[19] = 1, 4
	for off := 0x26; off < 0x36; off += 2 {
		b[off], b[off+1] = 0x01, 0x01
	}
	copy(b[0x48:], []byte{0, 0, 0, 0xFC, 0})
	text := model + "\n"
	for len(text) < 13 {
		text += " "
	}
	copy(b[0x4D:], text)
	var sum byte
	for _, x := range b[:127] {
		sum += x
	}
	b[127] = -sum
	return b
}

// memDevStructure assembles one SMBIOS type-17 structure for the fake
// table: 8 GB DDR4 in the named slot.
func memDevStructure(slot string) []byte {
	f := make([]byte, 0x20-4)
	f[0x0C-4], f[0x0D-4] = 0x00, 0x20 // size 8192 MB
	f[0x10-4] = 1                     // slot string index
	f[0x12-4] = 0x1A                  // DDR4
	b := []byte{17, byte(4 + len(f)), 0, 0}
	b = append(b, f...)
	b = append(b, slot...)
	return append(b, 0, 0)
}

func notElevated() bool { return false }
func isElevated() bool  { return true }

func physicalAttrs(driver string) map[string]string {
	return map[string]string{"device/uevent": "DRIVER=" + driver}
}

func TestEnumerate_ClassificationAndDrivers(t *testing.T) {
	f := newFakeSource()
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/eth0", Name: "eth0",
		Attrs: map[string]string{"INTERFACE": "eth0"}}, physicalAttrs("e1000e"))
	f.add(source.RawDevice{Subsystem: "block", Path: "class/block/sda", Name: "sda",
		Attrs: map[string]string{"DEVTYPE": "disk"}}, map[string]string{
		"device/uevent": "DRIVER=sd",
		"device/model":  "Samsung SSD 870",
	})

	e := New(f, Options{}, notElevated, zerolog.Nop())
	devs, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	byID := map[string]device.Device{}
	for _, d := range devs {
		byID[d.ID] = d
	}

	eth := byID[device.StableID("net", "class/net/eth0")]
	if eth.Class != device.ClassNetwork {
		t.Errorf("eth0 class: got %v, want network", eth.Class)
	}
	if eth.Driver != "e1000e" {
		t.Errorf("eth0 driver: got %q, want e1000e", eth.Driver)
	}
	if eth.Status != device.StatusActive {
		t.Errorf("eth0 status: got %v, want active", eth.Status)
	}

	sda := byID[device.StableID("block", "class/block/sda")]
	if sda.Class != device.ClassBlock {
		t.Errorf("sda class: got %v, want block", sda.Class)
	}
	if sda.Model != "Samsung SSD 870" {
		t.Errorf("sda model: got %q", sda.Model)
	}
}

func TestEnumerate_VirtualFiltered(t *testing.T) {
	f := newFakeSource()
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/eth0", Name: "eth0"}, physicalAttrs("e1000e"))
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/lo", Name: "lo"}, nil)
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/veth12ab", Name: "veth12ab"}, nil)
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/docker0", Name: "docker0"}, nil)

	count := func(opts Options) int {
		e := New(f, opts, notElevated, zerolog.Nop())
		devs, err := e.Enumerate(context.Background())
		if err != nil {
			t.Fatalf("Enumerate failed: %v", err)
		}
		n := 0
		for _, d := range devs {
			if d.Class == device.ClassNetwork {
				n++
			}
		}
		return n
	}

	if got := count(Options{}); got != 1 {
		t.Errorf("default: got %d network devices, want 1 (virtual filtered)", got)
	}
	if got := count(Options{ShowVirtual: true}); got != 4 {
		t.Errorf("show_virtual: got %d network devices, want 4", got)
	}
}

func TestEnumerate_PartitionsFiltered(t *testing.T) {
	f := newFakeSource()
	f.add(source.RawDevice{Subsystem: "block", Path: "class/block/sda", Name: "sda",
		Attrs: map[string]string{"DEVTYPE": "disk"}}, physicalAttrs("sd"))
	f.add(source.RawDevice{Subsystem: "block", Path: "class/block/sda1", Name: "sda1",
		Attrs: map[string]string{"DEVTYPE": "partition"}}, physicalAttrs("sd"))

	e := New(f, Options{}, notElevated, zerolog.Nop())
	devs, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	for _, d := range devs {
		if d.Name == "sda1" {
			t.Error("partition sda1 must be filtered out")
		}
	}
}

func TestEnumerate_GraphicsReclassified(t *testing.T) {
	f := newFakeSource()
	f.add(source.RawDevice{Subsystem: "pci", Path: "bus/pci/devices/0000:00:02.0", Name: "0000:00:02.0",
		Attrs: map[string]string{"PCI_ID": "8086:9A49", "PCI_CLASS": "30000", "DRIVER": "i915"}}, nil)
	f.add(source.RawDevice{Subsystem: "pci", Path: "bus/pci/devices/0000:00:1f.3", Name: "0000:00:1f.3",
		Attrs: map[string]string{"PCI_ID": "8086:A0C8", "PCI_CLASS": "40300", "DRIVER": "snd_hda_intel"}}, nil)

	e := New(f, Options{}, notElevated, zerolog.Nop())
	devs, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	classes := map[string]device.Class{}
	for _, d := range devs {
		classes[d.Name] = d.Class
	}

	if classes["0000:00:02.0"] != device.ClassGPU {
		t.Errorf("display controller class: got %v, want gpu", classes["0000:00:02.0"])
	}
	if classes["0000:00:1f.3"] != device.ClassPCI {
		t.Errorf("audio controller class: got %v, want pci", classes["0000:00:1f.3"])
	}
}

func TestEnumerate_MonitorEDID(t *testing.T) {
	f := newFakeSource()
	hdmi := "class/drm/card0-HDMI-A-1"
	f.add(source.RawDevice{Subsystem: "drm", Path: hdmi, Name: "card0-HDMI-A-1"},
		map[string]string{"status": "connected"})
	f.edids[hdmi] = validEDID("DELL U2410")

	// Disconnected connector: no EDID, status disconnected.
	f.add(source.RawDevice{Subsystem: "drm", Path: "class/drm/card0-DP-1", Name: "card0-DP-1"},
		map[string]string{"status": "disconnected"})

	e := New(f, Options{}, notElevated, zerolog.Nop())
	devs, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	var monitors []device.Device
	for _, d := range devs {
		if d.Class == device.ClassMonitor {
			monitors = append(monitors, d)
		}
	}
	if len(monitors) != 1 {
		t.Fatalf("expected 1 monitor, got %d", len(monitors))
	}

	m := monitors[0]
	if m.Monitor == nil || !m.Monitor.Valid {
		t.Fatal("expected a valid decoded EDID")
	}
	if m.Vendor != "DEL" {
		t.Errorf("monitor vendor: got %q, want DEL", m.Vendor)
	}
	if m.Name != "DELL U2410" {
		t.Errorf("monitor name: got %q, want DELL U2410", m.Name)
	}
}

func TestEnumerate_MalformedEDIDDoesNotFailScan(t *testing.T) {
	f := newFakeSource()
	hdmi := "class/drm/card0-HDMI-A-1"
	f.add(source.RawDevice{Subsystem: "drm", Path: hdmi, Name: "card0-HDMI-A-1"},
		map[string]string{"status": "connected"})
	f.edids[hdmi] = []byte{0x01, 0x02, 0x03} // garbage

	e := New(f, Options{}, notElevated, zerolog.Nop())
	devs, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate must absorb decode faults, got %v", err)
	}

	found := false
	for _, d := range devs {
		if d.Class == device.ClassMonitor {
			found = true
			if d.Monitor == nil {
				t.Error("expected a MonitorInfo even for garbage EDID")
			} else if d.Monitor.Valid {
				t.Error("garbage EDID decoded as valid")
			}
		}
	}
	if !found {
		t.Fatal("monitor with malformed EDID missing from scan")
	}
}

func TestEnumerate_MemoryRequiresElevation(t *testing.T) {
	f := newFakeSource()
	f.dmiTable = append(memDevStructure("DIMM_A1"), memDevStructure("DIMM_A2")...)

	countMemory := func(elevated func() bool) int {
		e := New(f, Options{}, elevated, zerolog.Nop())
		devs, err := e.Enumerate(context.Background())
		if err != nil {
			t.Fatalf("Enumerate failed: %v", err)
		}
		n := 0
		for _, d := range devs {
			if d.Class == device.ClassMemory {
				n++
			}
		}
		return n
	}

	if got := countMemory(notElevated); got != 0 {
		t.Errorf("unprivileged: got %d memory devices, want 0", got)
	}
	if got := countMemory(isElevated); got != 2 {
		t.Errorf("elevated: got %d memory devices, want 2", got)
	}
}

func TestEnumerate_DMIDecodedOnce(t *testing.T) {
	f := newFakeSource()
	f.dmiTable = memDevStructure("DIMM_A1")

	e := New(f, Options{}, isElevated, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := e.Enumerate(context.Background()); err != nil {
			t.Fatalf("Enumerate %d failed: %v", i, err)
		}
	}

	if f.dmiReads != 1 {
		t.Errorf("DMI table read %d times, want 1 (cached)", f.dmiReads)
	}
}

type fakeCache struct {
	store map[string][]dmi.MemoryModule
	hits  int
}

func (c *fakeCache) GetDMI(hash string) ([]dmi.MemoryModule, bool) {
	m, ok := c.store[hash]
	if ok {
		c.hits++
	}
	return m, ok
}

func (c *fakeCache) PutDMI(hash string, modules []dmi.MemoryModule) error {
	c.store[hash] = modules
	return nil
}

func TestEnumerate_DMIPersistentCache(t *testing.T) {
	f := newFakeSource()
	f.dmiTable = memDevStructure("DIMM_A1")
	cache := &fakeCache{store: map[string][]dmi.MemoryModule{}}

	// First process run populates the cache.
	e1 := New(f, Options{}, isElevated, zerolog.Nop()).WithDMICache(cache)
	if _, err := e1.Enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(cache.store) != 1 {
		t.Fatalf("expected 1 cache entry, got %d", len(cache.store))
	}

	// A fresh enumerator (new process) hits the cache instead of decoding.
	e2 := New(f, Options{}, isElevated, zerolog.Nop()).WithDMICache(cache)
	if _, err := e2.Enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cache.hits != 1 {
		t.Errorf("cache hits: got %d, want 1", cache.hits)
	}
}

func TestEnumerate_StatusDerivation(t *testing.T) {
	f := newFakeSource()
	f.add(source.RawDevice{Subsystem: "usb", Path: "bus/usb/devices/1-1", Name: "1-1",
		Attrs: map[string]string{}}, nil)
	f.add(source.RawDevice{Subsystem: "usb", Path: "bus/usb/devices/1-2", Name: "1-2",
		Attrs: map[string]string{"DRIVER": "usbhid", "ERROR": "enumeration failed"}}, nil)

	e := New(f, Options{}, notElevated, zerolog.Nop())
	devs, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	statuses := map[string]device.Status{}
	for _, d := range devs {
		statuses[d.Name] = d.Status
	}

	if statuses["1-1"] != device.StatusUnknown {
		t.Errorf("driverless device: got %v, want unknown", statuses["1-1"])
	}
	if statuses["1-2"] != device.StatusError {
		t.Errorf("faulted device: got %v, want error", statuses["1-2"])
	}
}

func TestWatch_DebouncedRescan(t *testing.T) {
	f := newFakeSource()
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/eth0", Name: "eth0"}, physicalAttrs("e1000e"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New(f, Options{}, notElevated, zerolog.Nop())
	changes, err := e.Watch(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// A burst of raw events around one real change.
	f.add(source.RawDevice{Subsystem: "net", Path: "class/net/eth1", Name: "eth1"}, physicalAttrs("igb"))
	for i := 0; i < 5; i++ {
		f.events <- source.Event{Subsystem: "net", Path: "class/net/eth1", Kind: source.EventAdded}
	}

	select {
	case batch := <-changes:
		if len(batch) != 1 {
			t.Fatalf("expected 1 coalesced change, got %d: %+v", len(batch), batch)
		}
		if batch[0].Kind != Added {
			t.Errorf("kind: got %v, want added", batch[0].Kind)
		}
		if batch[0].Device.Name != "eth1" {
			t.Errorf("device: got %q, want eth1", batch[0].Device.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for debounced change batch")
	}

	// The burst must not produce a second batch.
	select {
	case extra := <-changes:
		t.Fatalf("unexpected second batch: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
