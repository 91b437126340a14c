package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	tarwatchv1 "github.com/jamesainslie/tarwatch/pkg/api/tarwatch/v1"
	"github.com/jamesainslie/tarwatch/pkg/daemon/store"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// DefaultHistoryPageSize applies when a History request sets no limit.
const DefaultHistoryPageSize = 50

// ServerConfig configures the control socket.
type ServerConfig struct {
	SocketPath string
	Version    string
}

// Server serves the control API for a Service over a Unix socket.
type Server struct {
	cfg      ServerConfig
	svc      *Service
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
}

// NewServer listens on cfg.SocketPath, replacing a stale socket file.
func NewServer(cfg ServerConfig, svc *Service) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(cfg.SocketPath); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		svc:      svc,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		listener: listener,
	}

	tarwatchv1.RegisterDaemonServer(srv.grpc, srv)
	healthpb.RegisterHealthServer(srv.grpc, srv.health)
	srv.health.SetServingStatus(tarwatchv1.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return srv, nil
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	err := s.grpc.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Close stops the server and removes the socket.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	return os.RemoveAll(s.cfg.SocketPath)
}

// Status implements tarwatchv1.DaemonServer.
func (s *Server) Status(_ context.Context, _ *tarwatchv1.StatusRequest) (*tarwatchv1.StatusResponse, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	cfg := s.svc.Config()
	known, inFlight := s.svc.Snapshot()

	resp := &tarwatchv1.StatusResponse{
		Running:         true,
		PID:             os.Getpid(),
		Version:         s.cfg.Version,
		UptimeSeconds:   int64(s.svc.Uptime().Seconds()),
		MemoryBytes:     int64(mem.Alloc),
		WatchPath:       cfg.WatchPath,
		DestDir:         cfg.DestDir,
		Source:          cfg.Source,
		Workers:         cfg.Workers,
		StabilityWindow: cfg.StabilityWindow,
		Known:           known,
		InFlight:        inFlight,
	}

	if st := s.svc.Store(); st != nil {
		counts, err := st.Counts()
		if err != nil {
			return nil, status.Errorf(codes.Internal, "reading counts: %v", err)
		}
		resp.Counts = tarwatchv1.Counts{Verified: counts.Verified, Failed: counts.Failed}
	}
	return resp, nil
}

// History implements tarwatchv1.DaemonServer.
func (s *Server) History(_ context.Context, req *tarwatchv1.HistoryRequest) (*tarwatchv1.HistoryResponse, error) {
	st := s.svc.Store()
	if st == nil {
		return nil, status.Error(codes.Unavailable, "history is disabled")
	}
	return QueryHistory(st, req)
}

// QueryHistory answers a History request from st. The CLI uses it directly
// when no daemon holds the database.
func QueryHistory(st *store.Store, req *tarwatchv1.HistoryRequest) (*tarwatchv1.HistoryResponse, error) {
	if req.Source != "" {
		r, err := st.Latest(req.Source)
		if errors.Is(err, store.ErrNotFound) {
			return &tarwatchv1.HistoryResponse{}, nil
		}
		if err != nil {
			return nil, status.Errorf(codes.Internal, "reading history: %v", err)
		}
		return &tarwatchv1.HistoryResponse{Results: []*types.ArchiveResult{r}}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultHistoryPageSize
	}
	results, err := st.List(store.ListOptions{Limit: limit, FailedOnly: req.FailedOnly})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading history: %v", err)
	}
	return &tarwatchv1.HistoryResponse{Results: results}, nil
}
