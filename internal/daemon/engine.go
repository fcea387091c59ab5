package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"taskbox/internal/common"
	"taskbox/internal/telemetry"
	"taskbox/internal/workers"
)

// EngineClient Docker Engine API 客户端
type EngineClient struct {
	api     *dockerclient.Client
	config  common.DockerConfig
	pool    *workers.Pool
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

var _ Client = (*EngineClient)(nil)

// NewEngineClient 创建守护进程客户端；pool 用于运行构建会话
func NewEngineClient(config common.DockerConfig, pool *workers.Pool) (*EngineClient, error) {
	host, err := parseHost(config.Host)
	if err != nil {
		return nil, err
	}

	opts := []dockerclient.Opt{dockerclient.WithHost(host)}
	if config.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(strings.TrimPrefix(config.APIVersion, "v")))
	} else {
		opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	}

	// 流式请求（attach、wait、build）不能有整体超时，超时由 ctx 控制
	api, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", config.Host, err)
	}

	return &EngineClient{
		api:     api,
		config:  config,
		pool:    pool,
		metrics: telemetry.NewMetrics(),
		logger:  common.ComponentLogger("daemon-client").With(zap.String("host", config.Host)),
	}, nil
}

// parseHost 校验 unix:///path、tcp://host:port 或 http://host:port，http 按 tcp 处理
func parseHost(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid docker host %q: %w", host, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", fmt.Errorf("invalid docker host %q: missing socket path", host)
		}
		return "unix://" + u.Path, nil
	case "tcp", "http":
		if u.Host == "" {
			return "", fmt.Errorf("invalid docker host %q: missing address", host)
		}
		return "tcp://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported docker host scheme %q in %q", u.Scheme, host)
	}
}

// Metrics 守护进程调用指标
func (e *EngineClient) Metrics() *telemetry.Metrics {
	return e.metrics
}

// Close 关闭底层连接
func (e *EngineClient) Close() error {
	return e.api.Close()
}

// withRequestTimeout 非流式请求使用的超时
func (e *EngineClient) withRequestTimeout(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	if e.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.RequestTimeout+extra)
}

// call 在请求超时内执行一次非流式调用
func (e *EngineClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return e.callWithin(ctx, op, 0, fn)
}

func (e *EngineClient) callWithin(ctx context.Context, op string, extra time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := e.withRequestTimeout(ctx, extra)
	defer cancel()

	start := time.Now()
	return e.observe(ctx, op, start, fn(ctx))
}

// observe 将 SDK 错误转换为 DaemonError 并记录调用指标
func (e *EngineClient) observe(ctx context.Context, op string, start time.Time, err error) error {
	err = daemonError(ctx, op, err)
	e.metrics.ObserveRequest(op, time.Since(start), err)
	e.logger.Debug("Daemon request",
		zap.String("op", op),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// daemonError ctx 结束时返回 ctx 错误；守护进程返回错误状态时为 DaemonRejected，其余为 DaemonUnreachable
func daemonError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("daemon %s: %w", op, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("daemon %s: %w", op, err)
	}
	if dockerclient.IsErrConnectionFailed(err) {
		return common.NewDaemonUnreachable(op, err)
	}
	if status := statusCode(err); status != 0 {
		message := strings.TrimPrefix(err.Error(), "Error response from daemon: ")
		return common.NewDaemonRejected(op, status, message)
	}
	return common.NewDaemonUnreachable(op, err)
}

// statusCode 按 errdefs 分类还原守护进程返回的状态码，无法识别时返回 0
func statusCode(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return 404
	case errdefs.IsConflict(err):
		return 409
	case errdefs.IsInvalidParameter(err):
		return 400
	case errdefs.IsUnauthorized(err):
		return 401
	case errdefs.IsForbidden(err):
		return 403
	case errdefs.IsNotImplemented(err):
		return 501
	case errdefs.IsUnavailable(err):
		return 503
	case errdefs.IsSystem(err), errdefs.IsUnknown(err):
		return 500
	default:
		return 0
	}
}

// readProgress 逐条读取拉取进度消息，遇到 error 消息时返回 DaemonRejected
func readProgress(op string, r io.Reader, handle func(msg jsonmessage.JSONMessage)) error {
	decoder := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return common.NewDaemonUnreachable(op, fmt.Errorf("failed to read progress stream: %w", err))
		}
		if msg.Error != nil {
			return common.NewDaemonRejected(op, msg.Error.Code, msg.Error.Message)
		}
		if handle != nil {
			handle(msg)
		}
	}
}

// Ping 检查守护进程是否可用
func (e *EngineClient) Ping(ctx context.Context) error {
	return e.call(ctx, "ping", func(ctx context.Context) error {
		_, err := e.api.Ping(ctx)
		return err
	})
}

// CreateNetwork 创建任务网络
func (e *EngineClient) CreateNetwork(ctx context.Context, name string) (string, error) {
	var id string
	err := e.call(ctx, "create network", func(ctx context.Context) error {
		resp, err := e.api.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "bridge",
			Labels: map[string]string{"taskbox.network": name},
		})
		id = resp.ID
		return err
	})
	if err != nil {
		return "", err
	}

	e.logger.Debug("Network created", zap.String("network", name), zap.String("id", id))
	return id, nil
}

// RemoveNetwork 删除任务网络
func (e *EngineClient) RemoveNetwork(ctx context.Context, id string) error {
	return e.call(ctx, "remove network", func(ctx context.Context) error {
		return e.api.NetworkRemove(ctx, id)
	})
}

// Pull 拉取镜像；本地已存在时跳过
func (e *EngineClient) Pull(ctx context.Context, ref string) error {
	err := e.call(ctx, "inspect image", func(ctx context.Context) error {
		_, _, err := e.api.ImageInspectWithRaw(ctx, ref)
		return err
	})
	if err == nil {
		return nil
	}
	if !isStatus(err, 404) {
		return err
	}

	e.logger.Info("Pulling image", zap.String("image", ref))

	start := time.Now()
	body, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err = e.observe(ctx, "pull", start, err); err != nil {
		return err
	}
	defer body.Close()

	return readProgress("pull", body, func(msg jsonmessage.JSONMessage) {
		if msg.Status != "" {
			e.logger.Debug("Pull progress", zap.String("image", ref), zap.String("status", msg.Status), zap.String("layer", msg.ID))
		}
	})
}

func isStatus(err error, status int) bool {
	var daemonErr *common.DaemonError
	return errors.As(err, &daemonErr) && daemonErr.StatusCode == status
}

// Create 创建容器
func (e *EngineClient) Create(ctx context.Context, req CreateRequest) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(req.Ports)
	if err != nil {
		return "", common.NewConfigurationError("invalid port mapping for container %s: %v", req.Name, err)
	}

	config := &container.Config{
		Image:        req.Image,
		Cmd:          req.Command,
		Env:          envList(req.Environment),
		WorkingDir:   req.WorkingDirectory,
		Labels:       req.Labels,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		NetworkMode:  container.NetworkMode(req.Network),
	}
	var networking *network.NetworkingConfig
	if req.Network != "" {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{req.Network: {Aliases: req.Aliases}},
		}
	}

	var created container.CreateResponse
	err = e.call(ctx, "create container", func(ctx context.Context) error {
		var err error
		created, err = e.api.ContainerCreate(ctx, config, hostConfig, networking, nil, req.Name)
		return err
	})
	if err != nil {
		return "", err
	}
	for _, warning := range created.Warnings {
		e.logger.Warn("Daemon warning", zap.String("container", req.Name), zap.String("warning", warning))
	}
	e.metrics.ContainerCreated()
	return created.ID, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	sort.Strings(list)
	return list
}

// Start 启动容器；已在运行（304）视为成功
func (e *EngineClient) Start(ctx context.Context, id string) error {
	return e.call(ctx, "start container", func(ctx context.Context) error {
		return e.api.ContainerStart(ctx, id, container.StartOptions{})
	})
}

// Inspect 查询容器状态
func (e *EngineClient) Inspect(ctx context.Context, id string) (*ContainerStatus, error) {
	status := &ContainerStatus{}
	err := e.call(ctx, "inspect container", func(ctx context.Context) error {
		resp, err := e.api.ContainerInspect(ctx, id)
		if err != nil {
			return err
		}
		if resp.ContainerJSONBase != nil {
			status.ID = resp.ID
			if resp.State != nil {
				status.Status = resp.State.Status
				status.Running = resp.State.Running
				status.ExitCode = resp.State.ExitCode
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Wait 等待容器退出；只受 ctx 控制
func (e *EngineClient) Wait(ctx context.Context, id string) (int, error) {
	start := time.Now()
	resultC, errC := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case result := <-resultC:
		e.metrics.ObserveRequest("wait container", time.Since(start), nil)
		if result.Error != nil && result.Error.Message != "" {
			return -1, common.NewDaemonRejected("wait container", 0, result.Error.Message)
		}
		return int(result.StatusCode), nil
	case waitErr := <-errC:
		return -1, e.observe(ctx, "wait container", start, waitErr)
	}
}

// Stop 停止容器；已停止（304）视为成功
func (e *EngineClient) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return e.callWithin(ctx, "stop container", timeout, func(ctx context.Context) error {
		return e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	})
}

// Remove 强制删除容器及其匿名卷
func (e *EngineClient) Remove(ctx context.Context, id string) error {
	err := e.call(ctx, "remove container", func(ctx context.Context) error {
		return e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	})
	if err != nil {
		return err
	}
	e.metrics.ContainerRemoved()
	return nil
}
