package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher/ignorefile"
	"go.uber.org/zap"

	"taskbox/internal/common"
	"taskbox/internal/session"
)

// 构建会话握手头
const (
	headerSessionUUID      = "X-Docker-Expose-Session-Uuid"
	headerSessionName      = "X-Docker-Expose-Session-Name"
	headerSessionSharedKey = "X-Docker-Expose-Session-Sharedkey"
	headerSessionMethod    = "X-Docker-Expose-Session-Grpc-Method"
)

// auxBuildKitTrace BuildKit 构建进度的 aux 消息 ID
const auxBuildKitTrace = "moby.buildkit.trace"

// Build 以 ContextDir 为上下文构建镜像。启用 BuildKit 时先建立构建会话，
// 构建后端在构建期间可以通过它回调主机侧服务
func (e *EngineClient) Build(ctx context.Context, req BuildRequest) (string, error) {
	if info, err := os.Stat(req.ContextDir); err != nil || !info.IsDir() {
		return "", common.NewConfigurationError("build directory %s does not exist or is not a directory", req.ContextDir)
	}

	excludes, err := readDockerignore(req.ContextDir)
	if err != nil {
		return "", err
	}
	buildContext, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return "", fmt.Errorf("failed to archive build context %s: %w", req.ContextDir, err)
	}
	defer buildContext.Close()

	options := types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  filepath.ToSlash(req.Dockerfile),
		BuildArgs:   buildArgs(req.BuildArgs),
		Remove:      true,
		ForceRemove: true,
	}

	if e.config.BuildKit {
		sess, err := e.openSession(ctx, req.Tag)
		if err != nil {
			return "", err
		}
		defer func() {
			if err := sess.Close(); err != nil {
				e.logger.Warn("Failed to close build session", zap.String("session_id", sess.SessionID), zap.Error(err))
			}
		}()
		options.SessionID = sess.SessionID
		options.BuildID = sess.BuildID
		options.Version = types.BuilderBuildKit
	}

	e.logger.Info("Building image", zap.String("tag", req.Tag), zap.String("context", req.ContextDir))

	start := time.Now()
	resp, err := e.api.ImageBuild(ctx, buildContext, options)
	if err = e.observe(ctx, "build image", start, err); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	progress := req.Progress
	if progress == nil {
		progress = io.Discard
	}
	trace := newBuildTrace(progress)

	var imageID string
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, progress, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.ID == auxBuildKitTrace {
			trace.write(msg.Aux)
			return
		}
		if id := auxImageID(msg.Aux); id != "" {
			imageID = id
		}
	})
	if err != nil {
		return "", buildStreamError(ctx, err)
	}

	if imageID == "" {
		imageID = req.Tag
	}
	e.logger.Info("Image built", zap.String("tag", req.Tag), zap.String("image_id", imageID))
	return imageID, nil
}

func buildArgs(args map[string]string) map[string]*string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]*string, len(args))
	for key, value := range args {
		value := value
		out[key] = &value
	}
	return out
}

// readDockerignore 读取构建目录下的 .dockerignore，不存在时返回空
func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open .dockerignore in %s: %w", dir, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, common.NewConfigurationError("invalid .dockerignore in %s: %v", dir, err)
	}
	return patterns, nil
}

func buildStreamError(ctx context.Context, err error) error {
	var jsonErr *jsonmessage.JSONError
	if errors.As(err, &jsonErr) {
		return common.NewDaemonRejected("build image", jsonErr.Code, jsonErr.Message)
	}
	return daemonError(ctx, "build image", fmt.Errorf("failed to read progress stream: %w", err))
}

// openSession 通过 POST /session（升级为 h2c）建立构建会话
func (e *EngineClient) openSession(ctx context.Context, name string) (*session.Session, error) {
	sess := session.New(name, e.pool, session.DefaultServices()...)

	meta := map[string][]string{
		headerSessionUUID:      {sess.SessionID},
		headerSessionName:      {sess.Name},
		headerSessionSharedKey: {sess.SharedKey},
		headerSessionMethod:    sess.Methods(),
	}

	start := time.Now()
	conn, err := e.api.DialHijack(ctx, "/session", "h2c", meta)
	if err = e.observe(ctx, "open build session", start, err); err != nil {
		return nil, err
	}

	if err := sess.Start(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	e.logger.Debug("Build session attached", zap.String("session_id", sess.SessionID), zap.String("build_id", sess.BuildID))
	return sess, nil
}

// auxImageID 从 aux 消息中取出镜像 ID；无法识别的 aux 内容忽略
func auxImageID(aux *json.RawMessage) string {
	if aux == nil || len(*aux) == 0 {
		return ""
	}
	var result struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(*aux, &result); err != nil {
		return ""
	}
	return result.ID
}
