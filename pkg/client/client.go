// Package client provides a client for connecting to the tarwatchd daemon.
// It wraps the gRPC connection and manages the daemon process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	tarwatchv1 "github.com/jamesainslie/tarwatch/pkg/api/tarwatch/v1"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
)

// DaemonBinary is the executable name of the daemon.
const DaemonBinary = "tarwatchd"

// Client connects to the tarwatchd daemon via gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client tarwatchv1.DaemonClient
	health healthpb.HealthClient
}

// DefaultSocketPath returns the default Unix socket path for tarwatchd.
func DefaultSocketPath() string {
	return config.DefaultSocketPath()
}

// DefaultPIDPath returns the default PID file path for tarwatchd.
func DefaultPIDPath() string {
	return config.DefaultPIDPath()
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to tarwatchd binary (auto-discovered if empty)
	Socket string // Unix socket path
	PID    string // PID file path

	// Args are passed to tarwatchd on start.
	Args []string
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = DefaultPIDPath()
	}
	return p
}

// statusPath is where tarwatchd reports its startup outcome.
func (p DaemonPaths) statusPath() string {
	return filepath.Join(filepath.Dir(p.PID), "tarwatchd.status")
}

// Connect establishes a connection to the tarwatchd daemon.
// Uses a default timeout of 5 seconds.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ConnectWithContext(ctx, socketPath)
}

// ConnectWithContext establishes a connection to the tarwatchd daemon with a custom context.
func ConnectWithContext(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon socket not found at %s", socketPath)
	}

	//nolint:staticcheck // grpc.DialContext is deprecated but NewClient doesn't support blocking
	conn, err := grpc.DialContext(
		ctx,
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	return &Client{
		conn:   conn,
		client: tarwatchv1.NewDaemonClient(conn),
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status returns the daemon's current state.
func (c *Client) Status(ctx context.Context) (*tarwatchv1.StatusResponse, error) {
	resp, err := c.client.Status(ctx, &tarwatchv1.StatusRequest{})
	if err != nil {
		return nil, fmt.Errorf("Status RPC failed: %w", err)
	}
	return resp, nil
}

// History returns recorded archive results, newest first.
func (c *Client) History(ctx context.Context, req *tarwatchv1.HistoryRequest) (*tarwatchv1.HistoryResponse, error) {
	resp, err := c.client.History(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("History RPC failed: %w", err)
	}
	return resp, nil
}

// Healthy reports whether the daemon's service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: tarwatchv1.ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// StartDaemon starts tarwatchd in the background if it is not already
// running and waits until it reports ready.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", DaemonBinary, err)
	}

	statusPath := paths.statusPath()
	_ = os.Remove(statusPath)

	cmd := exec.Command(binary, paths.Args...) //nolint:gosec // binary path is validated
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	for range 50 {
		time.Sleep(100 * time.Millisecond)

		if status, err := readStatusFile(statusPath); err == nil {
			switch status.Status {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
	}

	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon sends SIGTERM to a running daemon and waits for it to exit.
// The daemon finishes archives already being written before it exits.
func StopDaemon(paths DaemonPaths, timeout time.Duration) error {
	paths = paths.withDefaults()

	pid, err := readPIDFile(paths.PID)
	if err != nil || !processRunning(pid) {
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(250 * time.Millisecond)
		if !processRunning(pid) {
			return nil
		}
	}

	return fmt.Errorf("daemon (pid %d) did not stop within %s", pid, timeout)
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths, timeout time.Duration) error {
	if err := StopDaemon(paths, timeout); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// resolveBinary finds tarwatchd: the configured path, then beside the
// running executable, then on PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), DaemonBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(DaemonBinary); err == nil {
		return path, nil
	}

	return "", errors.New(DaemonBinary + " not found")
}

// IsDaemonRunning checks if the daemon is running by checking the PID file.
func IsDaemonRunning(pidPath string) bool {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return false
	}
	return processRunning(pid)
}

func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// statusFile represents the daemon startup status file.
type statusFile struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// readStatusFile reads and parses the daemon status file.
func readStatusFile(path string) (*statusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status statusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
