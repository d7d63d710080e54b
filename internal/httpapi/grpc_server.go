package httpapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rankrelay.org/internal/session"
)

// RankService is the service name reported through grpc.health.v1.
const RankService = "rankrelay.v1.Rank"

// GRPCServer serves the standard health protocol, driven by the session monitor.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
}

// NewGRPCServer registers the health service and, when mon is non-nil, keeps
// its status in step with the monitor's state.
func NewGRPCServer(mon *session.Monitor, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		Server: grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.Server, s.health)

	if mon != nil {
		s.SetState(mon.Status().State)
		mon.OnChange(func(st session.Status) { s.SetState(st.State) })
	} else {
		s.SetState(session.StateHealthy)
	}
	return s
}

// SetState maps a session state onto the health status of both the overall
// server and RankService.
func (s *GRPCServer) SetState(st session.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.Serving() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(RankService, status)
}

// Stop marks everything as not serving and stops gracefully.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}
