package lifecycle

import (
	"bytes"
	"io"
	"sync"
)

// Output 多个容器共享的输出目标；按整行写出，不同容器的行不会交错
type Output struct {
	mu sync.Mutex
	w  io.Writer
}

// NewOutput 创建共享输出
func NewOutput(w io.Writer) *Output {
	return &Output{w: w}
}

// Writer 返回一个为每行加上前缀的写入器；prefix 为空时原样输出
func (o *Output) Writer(prefix string) *LineWriter {
	return &LineWriter{out: o, prefix: []byte(prefix)}
}

func (o *Output) write(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(p)
	return err
}

// LineWriter 行缓冲写入器
type LineWriter struct {
	out    *Output
	prefix []byte

	mu      sync.Mutex
	pending []byte
}

func (l *LineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, p...)
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			break
		}
		line := l.pending[:idx+1]
		if err := l.out.write(l.withPrefix(line)); err != nil {
			return 0, err
		}
		l.pending = l.pending[idx+1:]
	}
	return len(p), nil
}

// Flush 写出最后一个不完整的行
func (l *LineWriter) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil
	}
	err := l.out.write(l.withPrefix(l.pending))
	l.pending = nil
	return err
}

func (l *LineWriter) withPrefix(line []byte) []byte {
	if len(l.prefix) == 0 {
		return line
	}
	buf := make([]byte, 0, len(l.prefix)+len(line))
	buf = append(buf, l.prefix...)
	return append(buf, line...)
}
