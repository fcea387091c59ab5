package daemon

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"taskbox/internal/common"
)

// maxProbeOutput 健康检查输出只保留末尾部分
const maxProbeOutput = 4096

// Probe 在容器内执行命令并等待结束，返回退出码和合并输出
func (e *EngineClient) Probe(ctx context.Context, id string, cmd []string) (int, string, error) {
	var execID string
	err := e.call(ctx, "create exec", func(ctx context.Context) error {
		created, err := e.api.ContainerExecCreate(ctx, id, container.ExecOptions{
			AttachStdout: true,
			AttachStderr: true,
			Cmd:          cmd,
		})
		execID = created.ID
		return err
	})
	if err != nil {
		return -1, "", err
	}

	start := time.Now()
	resp, err := e.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err = e.observe(ctx, "start exec", start, err); err != nil {
		return -1, "", err
	}

	stop := context.AfterFunc(ctx, func() { resp.Close() })
	output := &tailBuffer{limit: maxProbeOutput}
	_, copyErr := stdcopy.StdCopy(output, output, resp.Reader)
	stop()
	resp.Close()

	if ctx.Err() != nil {
		return -1, output.String(), fmt.Errorf("daemon start exec: %w", ctx.Err())
	}
	if copyErr != nil {
		return -1, output.String(), common.NewDaemonUnreachable("start exec", copyErr)
	}

	var exitCode int
	err = e.call(ctx, "inspect exec", func(ctx context.Context) error {
		inspected, err := e.api.ContainerExecInspect(ctx, execID)
		exitCode = inspected.ExitCode
		return err
	})
	if err != nil {
		return -1, output.String(), err
	}
	return exitCode, output.String(), nil
}

// tailBuffer 只保留最后 limit 字节
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
