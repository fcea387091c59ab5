package session

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service 会话中暴露给构建后端的主机侧服务
type Service interface {
	Name() string
	Register(registrar grpc.ServiceRegistrar)
}

// HealthService 存活检查服务，构建后端用它确认会话仍然可用
type HealthService struct {
	server *health.Server
}

// NewHealthService 创建健康检查服务，所有服务均报告 SERVING
func NewHealthService() *HealthService {
	return &HealthService{server: health.NewServer()}
}

func (h *HealthService) Name() string {
	return healthpb.Health_ServiceDesc.ServiceName
}

func (h *HealthService) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, h.server)
}

// DefaultServices 每个构建会话默认注册的服务
func DefaultServices() []Service {
	return []Service{NewHealthService()}
}
