package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// dmiTablePath is the raw SMBIOS table relative to the sysfs root.
// Readable by root only, which is what makes DMI data elevation-gated.
const dmiTablePath = "firmware/dmi/tables/DMI"

// Sysfs reads device records from a sysfs-shaped directory tree. The
// root is configurable so tests can point it at a fixture tree.
type Sysfs struct {
	root string
	log  zerolog.Logger
}

// NewSysfs returns a Sysfs source rooted at root ("/sys" in production).
func NewSysfs(root string, log zerolog.Logger) *Sysfs {
	return &Sysfs{root: root, log: log}
}

// subsystemDir resolves where a subsystem's device entries live. Bus
// subsystems keep them under bus/<name>/devices, class subsystems under
// class/<name>.
func (s *Sysfs) subsystemDir(subsystem string) string {
	busDir := filepath.Join(s.root, "bus", subsystem, "devices")
	if st, err := os.Stat(busDir); err == nil && st.IsDir() {
		return busDir
	}
	return filepath.Join(s.root, "class", subsystem)
}

// ListDevices walks the requested subsystems. A failure in one subsystem
// is logged and skipped; the other subsystems still populate.
func (s *Sysfs) ListDevices(subsystems []string) ([]RawDevice, error) {
	var out []RawDevice
	for _, sub := range subsystems {
		dir := s.subsystemDir(sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.log.Warn().Err(err).Str("subsystem", sub).Msg("Subsystem scan failed")
			}
			continue
		}
		for _, e := range entries {
			devPath, err := filepath.Rel(s.root, filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			out = append(out, RawDevice{
				Subsystem: sub,
				Path:      devPath,
				Name:      e.Name(),
				Attrs:     s.readUevent(devPath),
			})
		}
	}
	return out, nil
}

// readUevent parses the KEY=VALUE lines of a device's uevent file.
func (s *Sysfs) readUevent(devPath string) map[string]string {
	attrs := map[string]string{}
	data, err := os.ReadFile(filepath.Join(s.root, devPath, "uevent"))
	if err != nil {
		return attrs
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k != "" {
			attrs[k] = v
		}
	}
	return attrs
}

// ReadAttribute reads a single attribute file, trimmed of the trailing
// newline sysfs appends.
func (s *Sysfs) ReadAttribute(devPath, key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, devPath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s/%s: %w", devPath, key, ErrAttrAbsent)
		}
		return "", fmt.Errorf("reading %s/%s: %w", devPath, key, ErrUnavailable)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadEDID returns the raw EDID blob a DRM connector exposes.
func (s *Sysfs) ReadEDID(devPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, devPath, "edid"))
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("%s/edid: %w", devPath, ErrAttrAbsent)
	}
	return data, nil
}

// ReadDMITable reads the raw SMBIOS table. Permission denied maps to
// ErrAttrAbsent: for an unprivileged process the table simply is not
// there.
func (s *Sysfs) ReadDMITable() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, dmiTablePath))
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, fmt.Errorf("dmi table: %w", ErrAttrAbsent)
		}
		return nil, fmt.Errorf("reading dmi table: %w", ErrUnavailable)
	}
	return data, nil
}

// Subscribe watches the subsystem directories for device entries coming
// and going. Delivery is asynchronous relative to foreground scans; the
// channel closes when ctx is done.
func (s *Sysfs) Subscribe(ctx context.Context, subsystems []string) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	dirs := map[string]string{} // watched dir -> subsystem
	for _, sub := range subsystems {
		dir := s.subsystemDir(sub)
		if err := watcher.Add(dir); err != nil {
			s.log.Debug().Err(err).Str("subsystem", sub).Msg("Not watching subsystem")
			continue
		}
		dirs[dir] = sub
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				sub, watched := dirs[filepath.Dir(ev.Name)]
				if !watched {
					continue
				}
				kind, relevant := eventKind(ev.Op)
				if !relevant {
					continue
				}
				devPath, err := filepath.Rel(s.root, ev.Name)
				if err != nil {
					continue
				}
				select {
				case events <- Event{Subsystem: sub, Path: devPath, Kind: kind}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("Device watch error")
			}
		}
	}()

	return events, nil
}

func eventKind(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventAdded, true
	case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
		return EventRemoved, true
	case op.Has(fsnotify.Write) || op.Has(fsnotify.Chmod):
		return EventChanged, true
	default:
		return 0, false
	}
}

// Unbind detaches a device from its driver by writing the kernel device
// name into the driver's unbind attribute. Root only.
func (s *Sysfs) Unbind(devPath string) error {
	target := filepath.Join(s.root, devPath, "driver", "unbind")
	if err := os.WriteFile(target, []byte(filepath.Base(devPath)), 0644); err != nil {
		return fmt.Errorf("unbinding %s: %w", devPath, err)
	}
	return nil
}

// Rescan asks a bus to re-probe its devices.
func (s *Sysfs) Rescan(busID string) error {
	target := filepath.Join(s.root, "bus", busID, "rescan")
	if err := os.WriteFile(target, []byte("1"), 0644); err != nil {
		return fmt.Errorf("rescanning bus %s: %w", busID, err)
	}
	return nil
}

// UnloadModule removes a kernel module. The in-use precondition lives in
// the action executor; this is the raw, root-only operation.
func (s *Sysfs) UnloadModule(name string) error {
	if err := unix.DeleteModule(name, unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("unloading module %s: %w", name, err)
	}
	return nil
}
