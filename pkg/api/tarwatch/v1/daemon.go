// Package tarwatchv1 defines the control API served by tarwatchd over its
// Unix socket.
package tarwatchv1

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tarwatch.v1.Daemon"

const (
	Daemon_Status_FullMethodName  = "/" + ServiceName + "/Status"
	Daemon_History_FullMethodName = "/" + ServiceName + "/History"
)

// StatusRequest asks for the daemon's current state.
type StatusRequest struct{}

// Counts totals recorded outcomes.
type Counts struct {
	Verified int64 `json:"verified"`
	Failed   int64 `json:"failed"`
}

// StatusResponse describes a running daemon.
type StatusResponse struct {
	Running         bool              `json:"running"`
	PID             int               `json:"pid"`
	Version         string            `json:"version"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	MemoryBytes     int64             `json:"memory_bytes"`
	WatchPath       string            `json:"watch_path"`
	DestDir         string            `json:"dest_dir"`
	Source          string            `json:"source"`
	Workers         int               `json:"workers"`
	StabilityWindow time.Duration     `json:"stability_window"`
	Known           int               `json:"known"`
	InFlight        []types.Candidate `json:"in_flight,omitempty"`
	Counts          Counts            `json:"counts"`
}

// HistoryRequest selects archive results, newest first.
type HistoryRequest struct {
	Limit      int    `json:"limit"`
	FailedOnly bool   `json:"failed_only"`
	Source     string `json:"source,omitempty"`
}

// HistoryResponse carries the selected results.
type HistoryResponse struct {
	Results []*types.ArchiveResult `json:"results"`
}

// DaemonServer is implemented by the daemon.
type DaemonServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
}

// RegisterDaemonServer registers srv on s.
func RegisterDaemonServer(s grpc.ServiceRegistrar, srv DaemonServer) {
	s.RegisterService(&Daemon_ServiceDesc, srv)
}

func _Daemon_Status_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DaemonServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Daemon_Status_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DaemonServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Daemon_History_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HistoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DaemonServer).History(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Daemon_History_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DaemonServer).History(ctx, req.(*HistoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Daemon_ServiceDesc describes the service for grpc.Server.RegisterService.
var Daemon_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DaemonServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _Daemon_Status_Handler},
		{MethodName: "History", Handler: _Daemon_History_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tarwatch/v1/daemon",
}

// DaemonClient calls the daemon service.
type DaemonClient interface {
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error)
}

type daemonClient struct {
	cc grpc.ClientConnInterface
}

// NewDaemonClient returns a client that encodes calls with Codec.
func NewDaemonClient(cc grpc.ClientConnInterface) DaemonClient {
	return &daemonClient{cc: cc}
}

func (c *daemonClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, Daemon_Status_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *daemonClient) History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	out := new(HistoryResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, Daemon_History_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
