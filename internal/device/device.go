// Package device defines the normalized hardware device model shared by
// the enumerator, the tree builder, and the snapshot store.
package device

import (
	"crypto/sha256"
	"encoding/hex"

	"linman/internal/edid"
)

// Class is the device category, mirroring the classic device-manager
// grouping. Classification is a pure function of this field.
type Class int

const (
	ClassOther Class = iota
	ClassPCI
	ClassUSB
	ClassNetwork
	ClassAudio
	ClassBlock
	ClassInput
	ClassBluetooth
	ClassCamera
	ClassMonitor
	ClassMemory
	ClassPower
	ClassSerial
	ClassCPU
	ClassGPU
)

// classNames indexes short machine names by Class.
var classNames = [...]string{
	ClassOther:     "other",
	ClassPCI:       "pci",
	ClassUSB:       "usb",
	ClassNetwork:   "network",
	ClassAudio:     "audio",
	ClassBlock:     "block",
	ClassInput:     "input",
	ClassBluetooth: "bluetooth",
	ClassCamera:    "camera",
	ClassMonitor:   "monitor",
	ClassMemory:    "memory",
	ClassPower:     "power",
	ClassSerial:    "serial",
	ClassCPU:       "cpu",
	ClassGPU:       "gpu",
}

// classLabels indexes the human category labels shown at the tree level.
var classLabels = [...]string{
	ClassOther:     "Other devices",
	ClassPCI:       "System devices",
	ClassUSB:       "Universal Serial Bus controllers",
	ClassNetwork:   "Network adapters",
	ClassAudio:     "Sound, video and game controllers",
	ClassBlock:     "Disk drives",
	ClassInput:     "Keyboards and pointing devices",
	ClassBluetooth: "Bluetooth",
	ClassCamera:    "Cameras",
	ClassMonitor:   "Monitors",
	ClassMemory:    "Memory devices",
	ClassPower:     "Batteries and power",
	ClassSerial:    "Ports (COM & LPT)",
	ClassCPU:       "Processors",
	ClassGPU:       "Display adapters",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "other"
}

// Label returns the category heading for the tree view.
func (c Class) Label() string {
	if int(c) < len(classLabels) {
		return classLabels[c]
	}
	return classLabels[ClassOther]
}

// Classes returns every class in its fixed display order. Tree building
// iterates this to stay deterministic.
func Classes() []Class {
	return []Class{
		ClassCPU, ClassMemory, ClassGPU, ClassBlock, ClassMonitor,
		ClassNetwork, ClassAudio, ClassCamera, ClassInput, ClassUSB,
		ClassBluetooth, ClassSerial, ClassPower, ClassPCI, ClassOther,
	}
}

// Status is the operational state of a device as reported by the source.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusDisabled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Device is one normalized hardware device. Devices are immutable
// snapshots: a new scan produces a new generation and never mutates a
// prior one.
type Device struct {
	ID        string            `msgpack:"id"`
	Subsystem string            `msgpack:"subsystem"`
	BusAddr   string            `msgpack:"bus_addr"`
	Class     Class             `msgpack:"class"`
	Name      string            `msgpack:"name"`
	Vendor    string            `msgpack:"vendor"`
	Model     string            `msgpack:"model"`
	Driver    string            `msgpack:"driver"`
	Status    Status            `msgpack:"status"`
	Attrs     map[string]string `msgpack:"attrs"`

	// Monitor holds the decoded EDID when Class == ClassMonitor.
	Monitor *edid.MonitorInfo `msgpack:"monitor,omitempty"`
}

// StableID derives the identifier used to match the same physical device
// across scans. Subsystem plus bus address is unique on a running system;
// the hash fallback covers synthesized devices without a bus path.
func StableID(subsystem, busAddr string) string {
	if busAddr == "" {
		sum := sha256.Sum256([]byte(subsystem))
		return subsystem + ":" + hex.EncodeToString(sum[:6])
	}
	return subsystem + ":" + busAddr
}

// Equal reports whether two snapshots of the same device differ in any
// field the presentation layer shows. Used by the tree diff.
func (d Device) Equal(o Device) bool {
	if d.ID != o.ID || d.Class != o.Class || d.Name != o.Name ||
		d.Vendor != o.Vendor || d.Model != o.Model ||
		d.Driver != o.Driver || d.Status != o.Status {
		return false
	}
	if len(d.Attrs) != len(o.Attrs) {
		return false
	}
	for k, v := range d.Attrs {
		if o.Attrs[k] != v {
			return false
		}
	}
	return true
}
