// Package daemon talks to the container daemon. Client is the contract the
// lifecycle manager depends on; EngineClient implements it over the Docker
// Engine API.
package daemon

import (
	"context"
	"io"
	"time"
)

// Client 容器守护进程客户端
type Client interface {
	Ping(ctx context.Context) error

	CreateNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, id string) error

	// Pull 拉取镜像；本地已存在时直接返回
	Pull(ctx context.Context, image string) error
	// Build 构建镜像并返回镜像 ID
	Build(ctx context.Context, req BuildRequest) (string, error)

	Create(ctx context.Context, req CreateRequest) (string, error)
	Start(ctx context.Context, id string) error
	// Attach 返回容器 stdout 和 stderr 合并后的输出流
	Attach(ctx context.Context, id string) (io.ReadCloser, error)
	// Probe 在容器内执行命令，返回退出码和输出
	Probe(ctx context.Context, id string, cmd []string) (int, string, error)
	Inspect(ctx context.Context, id string) (*ContainerStatus, error)
	// Wait 等待容器退出并返回退出码
	Wait(ctx context.Context, id string) (int, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
}

// CreateRequest 创建容器请求
type CreateRequest struct {
	Name             string
	Image            string
	Command          []string
	Environment      map[string]string
	WorkingDirectory string
	// Ports 端口映射，格式同 docker run -p，例如 8080:80/tcp
	Ports   []string
	Network string
	// Aliases 容器在网络中的别名，其他容器通过它访问
	Aliases []string
	Labels  map[string]string
}

// BuildRequest 构建镜像请求
type BuildRequest struct {
	Tag        string
	ContextDir string
	// Dockerfile 相对于 ContextDir 的路径，为空时使用 Dockerfile
	Dockerfile string
	BuildArgs  map[string]string
	// Progress 构建输出，可为 nil
	Progress io.Writer
}

// ContainerStatus 容器状态
type ContainerStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code"`
}
