package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Attach 附加到容器输出；应在启动容器之前调用，避免丢失早期输出
func (e *EngineClient) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	start := time.Now()
	resp, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err = e.observe(ctx, "attach container", start, err); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { resp.Close() })
	return newAttachedStream(resp, stop), nil
}

// attachedStream 将多路复用的 stdout 和 stderr 合并为一个流
type attachedStream struct {
	resp   types.HijackedResponse
	reader *io.PipeReader
	stop   func() bool
	once   sync.Once
}

func newAttachedStream(resp types.HijackedResponse, stop func() bool) *attachedStream {
	reader, writer := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(writer, writer, resp.Reader)
		writer.CloseWithError(err)
	}()
	return &attachedStream{resp: resp, reader: reader, stop: stop}
}

func (s *attachedStream) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if errors.Is(err, net.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

func (s *attachedStream) Close() error {
	s.once.Do(func() {
		s.stop()
		s.resp.Close()
		s.reader.Close()
	})
	return nil
}
