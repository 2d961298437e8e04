// Package action implements the root-only driver operations: unbind,
// bus rescan, and module unload. Every call is gated on the handshake
// being Elevated and validated before anything touches the device
// subsystem.
package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"linman/internal/device"
	"linman/internal/handshake"
	"linman/internal/source"
)

var (
	// ErrNotElevated reports a privileged action attempted outside the
	// Elevated state. Nothing is touched.
	ErrNotElevated = errors.New("not elevated")

	// ErrModuleInUse reports an unload refused because an enumerated
	// device still runs on that module.
	ErrModuleInUse = errors.New("module in use")
)

// Executor runs validated driver actions through a DriverOps backend
// (the elevated helper's RPC client, or sysfs directly for a root
// process).
type Executor struct {
	ops       source.DriverOps
	state     func() handshake.State
	inventory func() []device.Device
	log       zerolog.Logger
}

// New returns an Executor. inventory supplies the latest enumeration
// snapshot for the module-in-use check.
func New(ops source.DriverOps, state func() handshake.State, inventory func() []device.Device, log zerolog.Logger) *Executor {
	return &Executor{ops: ops, state: state, inventory: inventory, log: log}
}

func (e *Executor) assertElevated() error {
	if s := e.state(); s != handshake.StateElevated {
		return fmt.Errorf("handshake state is %s: %w", s, ErrNotElevated)
	}
	return nil
}

// wrapOp maps a backend failure (helper died, sysfs write refused) to
// the unavailable class: the caller cannot assume the action completed,
// and the next scan re-establishes ground truth.
func wrapOp(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %v: %w", what, err, source.ErrUnavailable)
}

// Unbind detaches the device from its driver.
func (e *Executor) Unbind(ctx context.Context, devPath string) error {
	if err := e.assertElevated(); err != nil {
		return err
	}
	e.log.Info().Str("device", devPath).Msg("Unbind requested")
	return wrapOp("unbind "+devPath, e.ops.Unbind(devPath))
}

// Rescan asks a bus to re-probe its devices.
func (e *Executor) Rescan(ctx context.Context, busID string) error {
	if err := e.assertElevated(); err != nil {
		return err
	}
	e.log.Info().Str("bus", busID).Msg("Rescan requested")
	return wrapOp("rescan "+busID, e.ops.Rescan(busID))
}

// UnloadModule removes a kernel module after verifying no enumerated
// device still runs on it. The check is skipped only when the caller
// explicitly passes force; it is never bypassed automatically.
func (e *Executor) UnloadModule(ctx context.Context, name string, force bool) error {
	if err := e.assertElevated(); err != nil {
		return err
	}

	if !force {
		for _, d := range e.inventory() {
			if d.Driver == name {
				return fmt.Errorf("module %s drives %s: %w", name, d.ID, ErrModuleInUse)
			}
		}
	} else {
		e.log.Warn().Str("module", name).Msg("Unloading with force, skipping in-use check")
	}

	e.log.Info().Str("module", name).Bool("force", force).Msg("Module unload requested")
	return wrapOp("unload "+name, e.ops.UnloadModule(name))
}
