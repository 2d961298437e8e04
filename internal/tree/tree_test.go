package tree

import (
	"math/rand"
	"reflect"
	"testing"

	"linman/internal/device"
)

func sampleDevices() []device.Device {
	mk := func(class device.Class, sub, addr, name, driver string) device.Device {
		return device.Device{
			ID:        device.StableID(sub, addr),
			Subsystem: sub,
			BusAddr:   addr,
			Class:     class,
			Name:      name,
			Driver:    driver,
			Status:    device.StatusActive,
		}
	}
	return []device.Device{
		mk(device.ClassNetwork, "net", "class/net/eth0", "eth0", "e1000e"),
		mk(device.ClassNetwork, "net", "class/net/wlan0", "wlan0", "iwlwifi"),
		mk(device.ClassBlock, "block", "class/block/sda", "sda", "sd"),
		mk(device.ClassMonitor, "drm", "class/drm/card0-HDMI-A-1", "card0-HDMI-A-1", ""),
		mk(device.ClassPCI, "pci", "bus/pci/devices/0000:00:02.0", "0000:00:02.0", "i915"),
	}
}

func TestBuild_Deterministic(t *testing.T) {
	devs := sampleDevices()

	first := Build("testhost", devs)

	shuffled := make([]device.Device, len(devs))
	copy(shuffled, devs)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		again := Build("testhost", shuffled)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("tree differs for reordered input (iteration %d)", i)
		}
	}
}

func TestBuild_EveryDeviceInExactlyOneCategory(t *testing.T) {
	devs := sampleDevices()
	tr := Build("testhost", devs)

	seen := map[string]int{}
	for _, n := range tr.Nodes {
		for _, d := range n.Devices {
			seen[d.ID]++
			if d.Class != n.Class {
				t.Errorf("device %s in node %v but has class %v", d.ID, n.Class, d.Class)
			}
		}
	}
	if len(seen) != len(devs) {
		t.Fatalf("expected %d devices across categories, got %d", len(devs), len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("device %s appears %d times", id, count)
		}
	}
}

func TestBuild_EmptyCategoriesOmitted(t *testing.T) {
	tr := Build("testhost", sampleDevices())
	for _, n := range tr.Nodes {
		if len(n.Devices) == 0 {
			t.Errorf("category %v present but empty", n.Class)
		}
	}
}

func TestDiff_IdenticalTreesYieldNoChanges(t *testing.T) {
	devs := sampleDevices()
	old := Build("testhost", devs)
	next := Build("testhost", devs)

	if changes := Diff(old, next); len(changes) != 0 {
		t.Fatalf("expected empty diff, got %d changes: %+v", len(changes), changes)
	}
}

func TestDiff_SingleRemoval(t *testing.T) {
	devs := sampleDevices()
	old := Build("testhost", devs)

	removedID := devs[1].ID
	next := Build("testhost", append(append([]device.Device{}, devs[:1]...), devs[2:]...))

	changes := Diff(old, next)
	if len(changes) != 1 {
		t.Fatalf("expected exactly 1 change, got %d: %+v", len(changes), changes)
	}
	if changes[0].Kind != Removed {
		t.Errorf("kind: got %v, want removed", changes[0].Kind)
	}
	if changes[0].ID != removedID {
		t.Errorf("id: got %s, want %s", changes[0].ID, removedID)
	}
}

func TestDiff_AddAndChange(t *testing.T) {
	devs := sampleDevices()
	old := Build("testhost", devs)

	modified := make([]device.Device, len(devs))
	copy(modified, devs)
	modified[0].Driver = "igb" // driver swap on eth0

	added := device.Device{
		ID:        device.StableID("usb", "bus/usb/devices/1-2"),
		Subsystem: "usb",
		Class:     device.ClassUSB,
		Name:      "1-2",
		Status:    device.StatusActive,
	}
	next := Build("testhost", append(modified, added))

	changes := Diff(old, next)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}

	kinds := map[ChangeKind]string{}
	for _, c := range changes {
		kinds[c.Kind] = c.ID
	}
	if kinds[Changed] != devs[0].ID {
		t.Errorf("changed: got %q, want %s", kinds[Changed], devs[0].ID)
	}
	if kinds[Added] != added.ID {
		t.Errorf("added: got %q, want %s", kinds[Added], added.ID)
	}
}

func TestDiff_NilOldTreeReportsEverythingAdded(t *testing.T) {
	devs := sampleDevices()
	next := Build("testhost", devs)

	changes := Diff(nil, next)
	if len(changes) != len(devs) {
		t.Fatalf("expected %d additions, got %d", len(devs), len(changes))
	}
	for _, c := range changes {
		if c.Kind != Added {
			t.Errorf("kind for %s: got %v, want added", c.ID, c.Kind)
		}
	}
}
