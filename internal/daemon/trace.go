package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	controlapi "github.com/moby/buildkit/api/services/control"
)

// buildTrace 将 BuildKit 的状态消息渲染为 plain 格式的进度行：
// 每个构建步骤首次出现时输出名称，之后输出日志和完成状态
type buildTrace struct {
	out   io.Writer
	steps map[string]int
	done  map[string]bool
	next  int
}

func newBuildTrace(out io.Writer) *buildTrace {
	return &buildTrace{
		out:   out,
		steps: make(map[string]int),
		done:  make(map[string]bool),
	}
}

// write 解码一条 moby.buildkit.trace 消息；aux 为 base64 编码的 StatusResponse
func (t *buildTrace) write(aux *json.RawMessage) {
	if aux == nil {
		return
	}
	var data []byte
	if err := json.Unmarshal(*aux, &data); err != nil {
		return
	}
	var status controlapi.StatusResponse
	if err := status.Unmarshal(data); err != nil {
		return
	}

	for _, v := range status.Vertexes {
		key := string(v.Digest)
		step, seen := t.steps[key]
		if !seen {
			step = t.step(key)
			fmt.Fprintf(t.out, "#%d %s\n", step, v.Name)
		}
		if t.done[key] {
			continue
		}
		switch {
		case v.Error != "":
			t.done[key] = true
			fmt.Fprintf(t.out, "#%d ERROR: %s\n", step, v.Error)
		case v.Completed != nil:
			t.done[key] = true
			if v.Cached {
				fmt.Fprintf(t.out, "#%d CACHED\n", step)
			} else {
				fmt.Fprintf(t.out, "#%d DONE\n", step)
			}
		}
	}

	for _, l := range status.Logs {
		step, seen := t.steps[string(l.Vertex)]
		if !seen {
			step = t.step(string(l.Vertex))
		}
		for _, line := range strings.Split(strings.TrimRight(string(l.Msg), "\n"), "\n") {
			fmt.Fprintf(t.out, "#%d %s\n", step, line)
		}
	}
}

func (t *buildTrace) step(key string) int {
	t.next++
	t.steps[key] = t.next
	return t.next
}
