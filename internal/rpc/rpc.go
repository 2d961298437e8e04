// Package rpc provides Unix socket IPC between the unprivileged process
// and the elevated helper. The lock file decides privilege state; this
// socket only carries the privileged operations themselves.
package rpc

import (
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"

	"github.com/rs/zerolog"

	"linman/internal/handshake"
	"linman/internal/source"
)

// Service is the RPC service the elevated helper exposes.
type Service struct {
	src     *source.Sysfs
	log     zerolog.Logger
	revoked chan<- struct{}
}

// NewService wraps the helper's privileged sysfs source. A Revoke call
// signals revoked exactly once.
func NewService(src *source.Sysfs, revoked chan<- struct{}, log zerolog.Logger) *Service {
	return &Service{src: src, log: log, revoked: revoked}
}

// PingArgs is the request for Ping.
type PingArgs struct{}

// PingReply is the response for Ping.
type PingReply struct {
	PID  int
	Mode string
}

// ReadDMIArgs is the request for ReadDMITable.
type ReadDMIArgs struct{}

// ReadDMIReply is the response for ReadDMITable.
type ReadDMIReply struct {
	Table []byte
}

// UnbindArgs is the request for Unbind.
type UnbindArgs struct {
	DevPath string
}

// RescanArgs is the request for Rescan.
type RescanArgs struct {
	BusID string
}

// UnloadArgs is the request for UnloadModule.
type UnloadArgs struct {
	Name string
}

// OpReply is the empty response shared by the driver operations.
type OpReply struct{}

// Ping identifies the helper for handshake verification.
func (s *Service) Ping(args *PingArgs, reply *PingReply) error {
	reply.PID = os.Getpid()
	reply.Mode = handshake.ModeElevated
	return nil
}

// ReadDMITable returns the raw SMBIOS table, readable here because the
// helper runs as root.
func (s *Service) ReadDMITable(args *ReadDMIArgs, reply *ReadDMIReply) error {
	table, err := s.src.ReadDMITable()
	if err != nil {
		return fmt.Errorf("reading dmi table: %w", err)
	}
	reply.Table = table
	return nil
}

// Unbind detaches a device from its driver.
func (s *Service) Unbind(args *UnbindArgs, reply *OpReply) error {
	s.log.Info().Str("device", args.DevPath).Msg("Unbinding driver")
	return s.src.Unbind(args.DevPath)
}

// Rescan re-probes a bus for devices.
func (s *Service) Rescan(args *RescanArgs, reply *OpReply) error {
	s.log.Info().Str("bus", args.BusID).Msg("Rescanning bus")
	return s.src.Rescan(args.BusID)
}

// UnloadModule removes a kernel module. The in-use precondition is
// enforced on the requesting side; this executes the raw operation.
func (s *Service) UnloadModule(args *UnloadArgs, reply *OpReply) error {
	s.log.Info().Str("module", args.Name).Msg("Unloading module")
	return s.src.UnloadModule(args.Name)
}

// Revoke asks the helper to release the lock and exit.
func (s *Service) Revoke(args *PingArgs, reply *OpReply) error {
	s.log.Info().Msg("Revoke requested")
	select {
	case s.revoked <- struct{}{}:
	default:
	}
	return nil
}

// StartServer starts the Unix socket RPC server.
func StartServer(socketPath string, svc *Service, log zerolog.Logger) (net.Listener, error) {
	server := netrpc.NewServer()
	if err := server.Register(svc); err != nil {
		return nil, fmt.Errorf("registering RPC service: %w", err)
	}

	// Remove existing socket file if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	// The unprivileged peer must be able to connect.
	if err := os.Chmod(socketPath, 0666); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("Helper RPC server started")

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(conn)
		}
	}()

	return listener, nil
}

// Client is a client for the helper RPC service. It satisfies
// source.DriverOps so the action executor can run over it.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to helper socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping fetches the helper's identity.
func (c *Client) Ping() (PingReply, error) {
	var reply PingReply
	err := c.client.Call("Service.Ping", &PingArgs{}, &reply)
	return reply, err
}

// ReadDMITable fetches the raw SMBIOS table from the helper.
func (c *Client) ReadDMITable() ([]byte, error) {
	var reply ReadDMIReply
	if err := c.client.Call("Service.ReadDMITable", &ReadDMIArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Table, nil
}

// Unbind forwards a driver unbind to the helper.
func (c *Client) Unbind(devPath string) error {
	return c.client.Call("Service.Unbind", &UnbindArgs{DevPath: devPath}, &OpReply{})
}

// Rescan forwards a bus rescan to the helper.
func (c *Client) Rescan(busID string) error {
	return c.client.Call("Service.Rescan", &RescanArgs{BusID: busID}, &OpReply{})
}

// UnloadModule forwards a module unload to the helper.
func (c *Client) UnloadModule(name string) error {
	return c.client.Call("Service.UnloadModule", &UnloadArgs{Name: name}, &OpReply{})
}

// Revoke asks the helper to de-elevate and exit.
func (c *Client) Revoke() error {
	return c.client.Call("Service.Revoke", &PingArgs{}, &OpReply{})
}
