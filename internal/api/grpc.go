package api

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reflecting whether the
// circuit breaker allows trading.
const HealthService = "riskgate.RiskGate"

// setServing reports SERVING while trading is allowed and NOT_SERVING
// otherwise. The process-wide "" service stays SERVING.
func (s *Server) setServing(canTrade bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if canTrade {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}
