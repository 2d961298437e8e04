// Package manage implements the unprivileged linman CLI: scanning and
// watching the device tree, the elevation handshake, and validated
// driver actions forwarded to the elevated helper.
package manage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/term"

	"linman/internal/action"
	"linman/internal/device"
	"linman/internal/enum"
	"linman/internal/handshake"
	"linman/internal/rpc"
	"linman/internal/source"
	"linman/internal/store"
	"linman/internal/tree"
	"linman/pkg/config"
	"linman/pkg/logger"
)

// keepGenerations bounds the snapshot history retained across scans.
const keepGenerations = 16

// revokeWait bounds how long revoke waits for the helper to release the lock.
const revokeWait = 5 * time.Second

// helperSource reads everything from sysfs directly, except the SMBIOS
// table: firmware tables are root-only, so while elevated it is fetched
// through the helper's RPC socket instead.
type helperSource struct {
	*source.Sysfs
	socketPath string
	ctrl       *handshake.Controller
}

func (h *helperSource) ReadDMITable() ([]byte, error) {
	if table, err := h.Sysfs.ReadDMITable(); err == nil {
		return table, nil
	}
	if h.ctrl.Probe() != handshake.StateElevated {
		return nil, source.ErrAttrAbsent
	}

	client, err := rpc.NewClient(h.socketPath)
	if err != nil {
		return nil, fmt.Errorf("helper unreachable: %v: %w", err, source.ErrUnavailable)
	}
	defer client.Close()
	return client.ReadDMITable()
}

type app struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger
	ctrl       *handshake.Controller
	src        *helperSource
	db         *store.Store
	enum       *enum.Enumerator
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Devices.LogLevel)

	a := &app{cfg: cfg, configPath: configPath, log: log}
	a.ctrl = handshake.NewController(cfg.Elevation.LockPath, a.launchHelper, log)
	a.src = &helperSource{
		Sysfs:      source.NewSysfs(cfg.Devices.SysfsRoot, log),
		socketPath: cfg.Elevation.SocketPath,
		ctrl:       a.ctrl,
	}

	// Snapshot persistence is best-effort: scanning works without it.
	dbDir := filepath.Dir(cfg.Devices.DBPath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		log.Warn().Err(err).Str("dir", dbDir).Msg("Snapshot store disabled")
	} else if db, err := store.New(cfg.Devices.DBPath, log); err != nil {
		log.Warn().Err(err).Msg("Snapshot store disabled")
	} else {
		a.db = db
	}

	a.enum = enum.New(a.src, enum.Options{
		ShowVirtual: cfg.Devices.ShowVirtual,
		Subsystems:  cfg.Devices.Subsystems,
	}, a.elevated, log).WithPCINames(enum.LspciName)

	if a.db != nil {
		a.enum = a.enum.WithDMICache(a.db)
	}

	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) elevated() bool {
	return a.ctrl.Probe() == handshake.StateElevated
}

// launchHelper re-executes this binary's helper subcommand through the
// configured privilege broker (pkexec by default). The broker owns the
// authorization dialog; a non-zero exit is a refusal.
func (a *app) launchHelper(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.cfg.Elevation.HelperCmd,
		self, "helper", "--config", a.configPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Run executes one manage subcommand.
func Run(configPath, command string, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "scan":
		return a.scan(ctx)
	case "watch":
		return a.watch(ctx)
	case "elevate":
		return a.elevate(ctx)
	case "revoke":
		return a.revoke(ctx)
	case "unbind":
		if len(args) < 1 {
			return fmt.Errorf("usage: linman unbind <device-path>")
		}
		return a.driverAction(ctx, func(ex *action.Executor) error {
			return ex.Unbind(ctx, args[0])
		})
	case "rescan":
		if len(args) < 1 {
			return fmt.Errorf("usage: linman rescan <bus>")
		}
		return a.driverAction(ctx, func(ex *action.Executor) error {
			return ex.Rescan(ctx, args[0])
		})
	case "unload":
		return a.unload(ctx, args)
	default:
		return fmt.Errorf("unknown manage command: %s", command)
	}
}

func (a *app) scan(ctx context.Context) error {
	devs, err := a.enum.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerating devices: %w", err)
	}

	t := tree.Build(hostName(), devs)
	printTree(t, a.ctrl.Probe())

	if a.db == nil {
		return nil
	}

	if prev, err := a.db.LatestSnapshot(); err == nil && prev != nil {
		changes := tree.Diff(tree.Build(t.Host, prev.Devices), t)
		printChanges(changes, prev.Taken)
	}

	if _, err := a.db.SaveSnapshot(devs); err != nil {
		a.log.Warn().Err(err).Msg("Failed to persist snapshot")
	} else if err := a.db.Prune(keepGenerations); err != nil {
		a.log.Warn().Err(err).Msg("Failed to prune snapshot history")
	}
	return nil
}

func (a *app) watch(ctx context.Context) error {
	if err := a.scan(ctx); err != nil {
		return err
	}

	debounce, err := a.cfg.Devices.ParseDebounce()
	if err != nil {
		return fmt.Errorf("parsing debounce: %w", err)
	}

	batches, err := a.enum.Watch(ctx, debounce)
	if err != nil {
		return fmt.Errorf("starting watch: %w", err)
	}

	fmt.Println("\nWatching for device changes (Ctrl-C to stop) ...")

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			now := time.Now().Format("15:04:05")
			for _, ch := range batch {
				fmt.Printf("  %s  %-8s %-24s %s\n",
					now, ch.Kind, ch.Device.ID, displayName(ch.Device))
			}
		}
	}
}

func (a *app) elevate(ctx context.Context) error {
	if a.ctrl.Probe() == handshake.StateElevated {
		fmt.Println("Already elevated.")
		return nil
	}

	timeout, err := a.cfg.Elevation.ParseTimeout()
	if err != nil {
		return fmt.Errorf("parsing elevation timeout: %w", err)
	}

	fmt.Println("Requesting elevation (the system may prompt for authorization) ...")
	if err := a.ctrl.RequestElevation(ctx, timeout); err != nil {
		switch {
		case errors.Is(err, handshake.ErrConflict):
			return fmt.Errorf("another elevated session is active: %w", err)
		case errors.Is(err, handshake.ErrRefused):
			return fmt.Errorf("authorization denied: %w", err)
		case errors.Is(err, handshake.ErrTimeout):
			return fmt.Errorf("helper did not come up: %w", err)
		default:
			return err
		}
	}

	// Confirm over the socket that the lock holder is really ours.
	client, err := rpc.NewClient(a.cfg.Elevation.SocketPath)
	if err != nil {
		return fmt.Errorf("lock acquired but helper unreachable: %w", err)
	}
	defer client.Close()

	reply, err := client.Ping()
	if err != nil {
		return fmt.Errorf("pinging helper: %w", err)
	}
	fmt.Printf("✓ Elevated (helper pid %d)\n", reply.PID)
	return nil
}

func (a *app) revoke(ctx context.Context) error {
	if a.ctrl.Probe() != handshake.StateElevated {
		fmt.Println("Not elevated.")
		return nil
	}

	err := a.ctrl.RequestRevoke(ctx, func(ctx context.Context) error {
		client, err := rpc.NewClient(a.cfg.Elevation.SocketPath)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Revoke()
	}, revokeWait)
	if err != nil {
		return fmt.Errorf("revoking elevation: %w", err)
	}

	fmt.Println("✓ Elevation revoked")
	return nil
}

// driverAction runs one privileged operation with the in-use inventory
// taken from a fresh enumeration.
func (a *app) driverAction(ctx context.Context, run func(*action.Executor) error) error {
	ex, cleanup, err := a.executor(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return run(ex)
}

func (a *app) executor(ctx context.Context) (*action.Executor, func(), error) {
	if a.ctrl.Probe() != handshake.StateElevated {
		return nil, nil, fmt.Errorf("%w (run 'linman elevate' first)", action.ErrNotElevated)
	}

	client, err := rpc.NewClient(a.cfg.Elevation.SocketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to helper: %w\nIs the elevated helper still running?", err)
	}

	devs, err := a.enum.Enumerate(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("enumerating devices: %w", err)
	}

	ex := action.New(client, a.ctrl.State, func() []device.Device { return devs }, a.log)
	return ex, func() { client.Close() }, nil
}

func (a *app) unload(ctx context.Context, args []string) error {
	var name string
	force := false
	for _, arg := range args {
		switch arg {
		case "--force", "-f":
			force = true
		default:
			name = arg
		}
	}
	if name == "" {
		return fmt.Errorf("usage: linman unload <module> [--force]")
	}

	ex, cleanup, err := a.executor(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	err = ex.UnloadModule(ctx, name, force)
	if errors.Is(err, action.ErrModuleInUse) && !force && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Printf("⚠  %v\n", err)
		fmt.Print("Force unload anyway? [y/N]: ")
		ans, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(strings.ToLower(ans)) == "y" {
			err = ex.UnloadModule(ctx, name, true)
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("✓ Module %s unloaded\n", name)
	return nil
}

func printTree(t *tree.Tree, state handshake.State) {
	total := 0
	for _, node := range t.Nodes {
		total += len(node.Devices)
	}

	fmt.Printf("\n  %s — %d devices (%s)\n", t.Host, total, state)

	for _, node := range t.Nodes {
		fmt.Printf("\n  %s (%d)\n", node.Label, len(node.Devices))
		fmt.Printf("  %s\n", strings.Repeat("─", 72))
		for _, d := range node.Devices {
			fmt.Printf("   %-34s %-16s %-9s %s\n",
				truncate(displayName(d), 34),
				truncate(d.Driver, 16),
				d.Status,
				detail(d))
		}
	}
	fmt.Println()
}

func printChanges(changes []tree.Change, since time.Time) {
	if len(changes) == 0 {
		fmt.Printf("  No changes since last scan (%s).\n\n", since.Format("2006-01-02 15:04:05"))
		return
	}

	fmt.Printf("  Changes since last scan (%s):\n", since.Format("2006-01-02 15:04:05"))
	for _, ch := range changes {
		marker := "~"
		switch ch.Kind {
		case tree.Added:
			marker = "+"
		case tree.Removed:
			marker = "-"
		}
		fmt.Printf("   %s %-24s %s\n", marker, ch.ID, displayName(ch.Device))
	}
	fmt.Println()
}

// hostName labels the tree root with the host identity, platform
// included when known.
func hostName() string {
	info, err := host.Info()
	if err != nil {
		name, _ := os.Hostname()
		return name
	}
	if info.Platform != "" {
		return fmt.Sprintf("%s (%s %s)", info.Hostname, info.Platform, info.PlatformVersion)
	}
	return info.Hostname
}

func displayName(d device.Device) string {
	if d.Vendor != "" && d.Model != "" && d.Model != d.Vendor {
		return strings.TrimSpace(d.Vendor + " " + d.Model)
	}
	if d.Model != "" {
		return d.Model
	}
	if d.Name != "" {
		return d.Name
	}
	return d.BusAddr
}

// detail picks one class-specific column worth showing inline.
func detail(d device.Device) string {
	switch d.Class {
	case device.ClassMonitor:
		if d.Monitor != nil && d.Monitor.Preferred != nil {
			p := d.Monitor.Preferred
			return fmt.Sprintf("%dx%d@%dHz", p.Width, p.Height, p.RefreshHz)
		}
	case device.ClassNetwork:
		return d.Attrs["address"]
	case device.ClassMemory:
		return d.Attrs["speed_mts"] + " MT/s"
	case device.ClassCPU:
		return d.Attrs["cores"] + " cores"
	case device.ClassPower:
		if pct := d.Attrs["capacity"]; pct != "" {
			return pct + "%"
		}
	}
	return ""
}

// truncate shortens s to maxLen display runes. Device names can carry
// multi-byte vendor strings; cutting on bytes would split a rune.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-1]) + "…"
}
