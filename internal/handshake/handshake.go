// Package handshake owns the privilege-transition state machine and the
// advisory lock protocol shared between the unprivileged process and its
// elevated helper.
//
// At most one elevation holder is recognized per user session: the lock
// is created O_CREAT|O_EXCL by the helper, verified here by pid liveness
// and mode tag before any transition is trusted, and cleared proactively
// when its owner is gone.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// State is the privilege-transition state of this process.
type State int

const (
	StateUnprivileged State = iota
	StateRequested
	StateElevated
	StateRevoking
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "elevation-requested"
	case StateElevated:
		return "elevated"
	case StateRevoking:
		return "revoking"
	default:
		return "unprivileged"
	}
}

var (
	// ErrTimeout reports that the helper never acquired the lock
	// within the elevation timeout.
	ErrTimeout = errors.New("elevation timed out")

	// ErrConflict reports a lock already held by a live process.
	ErrConflict = errors.New("elevation already held")

	// ErrRefused reports a helper that exited before acquiring the
	// lock, typically an authorization denial.
	ErrRefused = errors.New("elevation refused")
)

// pollInterval is the fallback cadence for re-reading the lock while a
// transition is pending. fsnotify normally fires first; polling covers
// filesystems without reliable watch support.
const pollInterval = 200 * time.Millisecond

// LaunchFunc starts the elevated helper process. It is treated as an
// opaque external collaborator: returning before the lock appears, with
// or without an error, counts as a refusal.
type LaunchFunc func(ctx context.Context) error

// Controller drives the privilege state machine on the unprivileged side.
type Controller struct {
	lockPath string
	mode     string
	launch   LaunchFunc
	log      zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewController returns a controller starting from Unprivileged. Call
// Probe to pick up (and sanity-check) pre-existing elevation state.
func NewController(lockPath string, launch LaunchFunc, log zerolog.Logger) *Controller {
	return &Controller{
		lockPath: lockPath,
		mode:     ModeElevated,
		launch:   launch,
		log:      log,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Handshake state changed")
	}
}

// Probe re-reads ground truth from the lock file. A lock whose recorded
// pid is no longer alive, or whose mode tag is wrong, is deleted on the
// spot so a crashed helper can never block future elevation.
func (c *Controller) Probe() State {
	rec, err := ReadLock(c.lockPath)
	if err != nil {
		c.setState(StateUnprivileged)
		return StateUnprivileged
	}

	if rec.Mode != c.mode || !pidAlive(rec.PID) {
		c.log.Warn().
			Int("pid", rec.PID).
			Str("mode", rec.Mode).
			Msg("Clearing stale elevation lock")
		os.Remove(c.lockPath)
		c.setState(StateUnprivileged)
		return StateUnprivileged
	}

	c.setState(StateElevated)
	return StateElevated
}

// RequestElevation launches the helper and waits (bounded by timeout)
// for it to acquire the lock. Every failure path resolves to a
// well-defined state: Unprivileged on timeout, refusal, or abandonment.
func (c *Controller) RequestElevation(ctx context.Context, timeout time.Duration) error {
	if c.Probe() == StateElevated {
		// A live holder already exists; never spawn a second helper.
		return fmt.Errorf("lock %s: %w", c.lockPath, ErrConflict)
	}

	requestedAt := time.Now()
	c.setState(StateRequested)

	launchCtx, stopLaunch := context.WithCancel(context.Background())
	defer stopLaunch()

	exited := make(chan error, 1)
	go func() { exited <- c.launch(launchCtx) }()

	notify := c.watchLockDir(launchCtx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if c.lockValid() {
			c.setState(StateElevated)
			c.log.Info().Str("lock", c.lockPath).Msg("Elevation confirmed")
			return nil
		}

		select {
		case <-notify:
		case <-ticker.C:
		case err := <-exited:
			c.setState(StateUnprivileged)
			if err != nil {
				return fmt.Errorf("helper exited: %v: %w", err, ErrRefused)
			}
			return fmt.Errorf("helper exited before acquiring lock: %w", ErrRefused)
		case <-deadline.C:
			c.setState(StateUnprivileged)
			return fmt.Errorf("no lock after %s: %w", timeout, ErrTimeout)
		case <-ctx.Done():
			// Abandoned by the user. The helper may still respond
			// late; clean its lock up if it does.
			c.setState(StateUnprivileged)
			go c.reapLateLock(requestedAt, timeout)
			return ctx.Err()
		}
	}
}

// lockValid reports whether the lock file currently names a live holder
// with the expected mode tag.
func (c *Controller) lockValid() bool {
	rec, err := ReadLock(c.lockPath)
	return err == nil && rec.Mode == c.mode && pidAlive(rec.PID)
}

// watchLockDir sets up an fsnotify watch on the lock's directory and
// returns a channel that pulses on any activity there. Errors degrade to
// pure polling.
func (c *Controller) watchLockDir(ctx context.Context) <-chan struct{} {
	notify := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return notify
	}
	if err := watcher.Add(filepath.Dir(c.lockPath)); err != nil {
		watcher.Close()
		return notify
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != c.lockPath {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case <-watcher.Errors:
			}
		}
	}()

	return notify
}

// reapLateLock watches for a lock written by a helper responding after
// its request was abandoned. Only a lock matching the aborted request
// (our mode tag, written after the request started, live owner) is
// removed; anything else is left for Probe to judge. The reaper stands
// down the moment the controller leaves Unprivileged: from then on the
// lock path belongs to a newer request, and any lock there is that
// request's live helper, not our straggler.
func (c *Controller) reapLateLock(requestedAt time.Time, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if c.State() != StateUnprivileged {
			return
		}
		rec, err := ReadLock(c.lockPath)
		if err == nil && rec.Mode == c.mode && !rec.Timestamp.Before(requestedAt) {
			if c.State() != StateUnprivileged {
				return
			}
			c.log.Warn().
				Int("pid", rec.PID).
				Msg("Removing lock from abandoned elevation request")
			os.Remove(c.lockPath)
			return
		}
		time.Sleep(pollInterval / 2)
	}
}

// RequestRevoke asks the elevated helper to exit (via revoke, typically
// an RPC) and waits for the lock to disappear. A helper that died
// without cleaning up is detected by pid liveness and its lock cleared.
func (c *Controller) RequestRevoke(ctx context.Context, revoke func(context.Context) error, wait time.Duration) error {
	if c.Probe() != StateElevated {
		return nil
	}
	c.setState(StateRevoking)

	if err := revoke(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Revoke request failed, checking lock directly")
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		rec, err := ReadLock(c.lockPath)
		if err != nil {
			c.setState(StateUnprivileged)
			return nil
		}
		if !pidAlive(rec.PID) {
			os.Remove(c.lockPath)
			c.setState(StateUnprivileged)
			return nil
		}
		select {
		case <-ctx.Done():
			c.Probe()
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	c.Probe()
	return fmt.Errorf("helper still holds lock after %s: %w", wait, ErrTimeout)
}
