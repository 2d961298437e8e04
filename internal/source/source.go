// Package source abstracts the provider of raw device records: the live
// sysfs tree in production, fixture trees in tests, and the elevated
// helper process for privileged reads.
package source

import (
	"context"
	"errors"
)

// ErrAttrAbsent reports a device attribute, EDID blob, or DMI table that
// the source does not expose. Callers fall back to partial data.
var ErrAttrAbsent = errors.New("attribute absent")

// ErrUnavailable reports a failed query against the underlying device
// subsystem. Enumeration isolates it to the affected device.
var ErrUnavailable = errors.New("device source unavailable")

// RawDevice is one unnormalized record as the kernel exposes it.
type RawDevice struct {
	Subsystem string
	Path      string // relative to the sysfs root, stable across scans
	Name      string // kernel device name
	Attrs     map[string]string
}

// EventKind classifies a hot-plug notification.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "changed"
	}
}

// Event is one raw change notification from the device subsystem.
type Event struct {
	Subsystem string
	Path      string
	Kind      EventKind
}

// Source is the abstract device provider.
type Source interface {
	// ListDevices returns raw records for the given subsystems.
	ListDevices(subsystems []string) ([]RawDevice, error)

	// ReadAttribute reads one attribute file of a device.
	ReadAttribute(devPath, key string) (string, error)

	// ReadEDID returns the raw EDID blob of a DRM connector, or
	// ErrAttrAbsent when the connector has none.
	ReadEDID(devPath string) ([]byte, error)

	// ReadDMITable returns the raw SMBIOS table. Absent unless the
	// process can read the firmware tables, i.e. unless elevated.
	ReadDMITable() ([]byte, error)

	// Subscribe delivers raw hot-plug events until ctx is done.
	Subscribe(ctx context.Context, subsystems []string) (<-chan Event, error)
}

// DriverOps are the privileged write operations the action executor
// needs. The sysfs source implements them directly (for a root process);
// the rpc client forwards them to the elevated helper.
type DriverOps interface {
	Unbind(devPath string) error
	Rescan(busID string) error
	UnloadModule(name string) error
}
