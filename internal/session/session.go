package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"

	"taskbox/internal/common"
	"taskbox/internal/workers"
)

// State 会话连接状态
type State int

const (
	StateUnstarted State = iota
	StateActive
	StateClosed
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "UNSTARTED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session 构建会话：在守护进程交给我们的双向字节流上提供 gRPC 服务，
// 使镜像构建后端可以在构建期间回调主机侧服务
type Session struct {
	SessionID string
	BuildID   string
	Name      string
	SharedKey string

	services []Service
	methods  []string
	pool     *workers.Pool
	logger   *zap.Logger

	// mu 保护以下字段；每个会话最多只有一个活动连接
	mu       sync.Mutex
	state    State
	conn     net.Conn
	server   *grpc.Server
	done     chan struct{}
	serveErr error
}

// New 创建会话；services 在创建后只读
func New(name string, pool *workers.Pool, services ...Service) *Session {
	s := &Session{
		SessionID: uuid.NewString(),
		BuildID:   uuid.NewString(),
		Name:      name,
		SharedKey: newSharedKey(),
		services:  append([]Service(nil), services...),
		pool:      pool,
		state:     StateUnstarted,
	}
	s.logger = common.ComponentLogger("build-session").With(
		zap.String("session_id", s.SessionID),
		zap.String("build_id", s.BuildID))
	s.methods = serviceMethods(s.services)
	return s
}

// Start 接管连接并开始服务；每个会话只能启动一次
func (s *Session) Start(ctx context.Context, conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return common.Invariantf("build session %s: connection already started, can't start again", s.SessionID)
	case StateClosed:
		return common.Invariantf("build session %s: session already closed, can't start", s.SessionID)
	}

	// 长连接：取消读写超时
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return &common.SessionProtocolError{SessionID: s.SessionID, Message: "failed to disable stream timeout", Cause: err}
	}

	server := grpc.NewServer()
	for _, svc := range s.services {
		svc.Register(server)
	}

	done := make(chan struct{})
	h2 := &http2.Server{}

	err := s.pool.Go("build-session-"+s.SessionID, func(poolCtx context.Context) {
		defer close(done)

		stopOnPool := context.AfterFunc(poolCtx, func() { _ = s.Close() })
		defer stopOnPool()
		stopOnCaller := context.AfterFunc(ctx, func() { _ = s.Close() })
		defer stopOnCaller()

		s.logger.Debug("Serving build session", zap.Strings("methods", s.methods))
		h2.ServeConn(conn, &http2.ServeConnOpts{
			Context: poolCtx,
			Handler: server,
		})

		s.mu.Lock()
		if s.state == StateActive {
			s.serveErr = &common.SessionProtocolError{SessionID: s.SessionID, Message: "stream closed by peer"}
		}
		s.mu.Unlock()
		s.logger.Debug("Build session stream ended")
	})
	if err != nil {
		server.Stop()
		return fmt.Errorf("failed to start build session %s: %w", s.SessionID, err)
	}

	s.state = StateActive
	s.conn = conn
	s.server = server
	s.done = done
	return nil
}

// Close 关闭会话；可重复、并发调用，未启动的会话直接变为关闭状态
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	conn, server, done := s.conn, s.server, s.done
	s.conn = nil
	s.server = nil
	s.mu.Unlock()

	if prev == StateUnstarted {
		return nil
	}
	if prev == StateClosed {
		// 其他调用者正在释放资源，等待其完成
		if done != nil {
			<-done
		}
		return nil
	}

	err := conn.Close()
	server.Stop()
	<-done

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close build session %s: %w", s.SessionID, err)
	}
	s.logger.Debug("Build session closed")
	return nil
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done 流结束时关闭；会话未启动时返回 nil
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err 对端关闭流时返回 SessionProtocolError
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Methods 已注册服务的全部 gRPC 方法，例如 /grpc.health.v1.Health/Check
func (s *Session) Methods() []string {
	return append([]string(nil), s.methods...)
}

func serviceMethods(services []Service) []string {
	probe := grpc.NewServer()
	defer probe.Stop()
	for _, svc := range services {
		svc.Register(probe)
	}

	var methods []string
	for name, info := range probe.GetServiceInfo() {
		for _, m := range info.Methods {
			methods = append(methods, "/"+name+"/"+m.Name)
		}
	}
	sort.Strings(methods)
	return methods
}

func newSharedKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
