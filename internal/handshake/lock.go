package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ModeElevated is the mode tag an elevated helper writes into the lock.
// A lock carrying any other tag is never trusted.
const ModeElevated = "linman-elevated"

// LockRecord is the on-disk content of the advisory lock file. Presence
// of the file plus liveness of the recorded pid is the source of truth
// for privilege state across the two processes.
type LockRecord struct {
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadLock parses the lock file at path.
func ReadLock(path string) (LockRecord, error) {
	var rec LockRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parsing lock %s: %w", path, err)
	}
	return rec, nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering; EPERM still means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Lock is a held advisory lock, owned by the elevated process.
type Lock struct {
	path string
}

// Acquire atomically creates the lock file (create-exclusive, never
// overwrite) recording this process as the elevation holder. A live
// competing holder yields ErrConflict; a stale lock from a dead process
// is cleared and acquisition retried once.
func Acquire(path, mode string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			rec := LockRecord{PID: os.Getpid(), Mode: mode, Timestamp: time.Now()}
			data, merr := json.Marshal(rec)
			if merr == nil {
				_, merr = f.Write(data)
			}
			f.Close()
			if merr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing lock %s: %w", path, merr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock %s: %w", path, err)
		}

		rec, rerr := ReadLock(path)
		if rerr == nil && pidAlive(rec.PID) {
			return nil, fmt.Errorf("lock held by pid %d: %w", rec.PID, ErrConflict)
		}
		// Unreadable or dead-owner lock: clear it and try again.
		os.Remove(path)
	}
	return nil, fmt.Errorf("lock %s: %w", path, ErrConflict)
}

// Release removes the lock file, signalling clean de-elevation.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}
