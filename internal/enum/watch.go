package enum

import (
	"context"
	"time"

	"linman/internal/device"
)

// ChangeKind classifies one device change between scans.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Changed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "changed"
	}
}

// Change is one device-level change delivered by Watch.
type Change struct {
	Kind   ChangeKind
	Device device.Device
}

// Watch subscribes to the source's hot-plug stream and delivers batches
// of device changes. Raw events are debounced: the first event in a
// burst arms a timer and everything arriving within the window coalesces
// into a single rescan, so arbitrary event frequency cannot flood the
// consumer. The channel closes when ctx is done.
func (e *Enumerator) Watch(ctx context.Context, debounce time.Duration) (<-chan []Change, error) {
	events, err := e.src.Subscribe(ctx, e.subsystems())
	if err != nil {
		return nil, err
	}

	// Baseline before Watch returns: a device change racing in right
	// after the call must show up in a diff, not in the baseline.
	devs, err := e.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	prev := indexByID(devs)

	out := make(chan []Change, 4)
	go func() {
		defer close(out)

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case _, ok := <-events:
				if !ok {
					return
				}
				if pending == nil {
					pending = time.After(debounce)
				}

			case <-pending:
				pending = nil
				devs, err := e.Enumerate(ctx)
				if err != nil {
					e.log.Warn().Err(err).Msg("Rescan after hot-plug failed")
					continue
				}
				cur := indexByID(devs)
				changes := diffSnapshots(prev, cur)
				prev = cur
				if len(changes) == 0 {
					continue
				}
				select {
				case out <- changes:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func indexByID(devs []device.Device) map[string]device.Device {
	m := make(map[string]device.Device, len(devs))
	for _, d := range devs {
		m[d.ID] = d
	}
	return m
}

// diffSnapshots computes per-device changes between two generations,
// keyed by stable ID.
func diffSnapshots(prev, cur map[string]device.Device) []Change {
	var changes []Change
	for id, d := range cur {
		old, existed := prev[id]
		switch {
		case !existed:
			changes = append(changes, Change{Kind: Added, Device: d})
		case !old.Equal(d):
			changes = append(changes, Change{Kind: Changed, Device: d})
		}
	}
	for id, d := range prev {
		if _, still := cur[id]; !still {
			changes = append(changes, Change{Kind: Removed, Device: d})
		}
	}
	return changes
}
