package daemon

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/gorilla/mux"
	controlapi "github.com/moby/buildkit/api/services/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"taskbox/internal/common"
	"taskbox/internal/workers"
)

// createBody 创建容器的请求体
type createBody struct {
	container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
}

// fakeEngine 模拟 Docker Engine API 的最小子集
type fakeEngine struct {
	t *testing.T

	mu            sync.Mutex
	created       []createBody
	createdNames  []string
	stopQuery     string
	removeQuery   string
	buildQuery    map[string]string
	buildFiles    map[string]string
	sessionHeader http.Header
	sessionHealth healthpb.HealthCheckResponse_ServingStatus
	sessions      chan net.Conn
	pulled        []string
}

func newFakeEngine(t *testing.T) (*fakeEngine, *httptest.Server) {
	f := &fakeEngine{t: t, sessions: make(chan net.Conn, 1)}

	router := mux.NewRouter()
	// _ping 和 session 不带版本前缀
	router.HandleFunc("/_ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.41")
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")
	router.HandleFunc("/session", f.handleSession).Methods("POST")

	api := router.PathPrefix("/v1.41").Subrouter()
	api.HandleFunc("/networks/create", f.handleCreateNetwork).Methods("POST")
	api.HandleFunc("/networks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")
	api.HandleFunc("/containers/create", f.handleCreate).Methods("POST")
	api.HandleFunc("/containers/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")
	api.HandleFunc("/containers/{id}/attach", f.handleAttach).Methods("POST")
	api.HandleFunc("/containers/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"Id": "exec-1"})
	}).Methods("POST")
	api.HandleFunc("/exec/{id}/start", f.handleExecStart).Methods("POST")
	api.HandleFunc("/exec/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ExitCode": 1, "Running": false})
	}).Methods("GET")
	api.HandleFunc("/containers/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"Id":    mux.Vars(r)["id"],
			"State": map[string]interface{}{"Status": "running", "Running": true, "ExitCode": 0},
		})
	}).Methods("GET")
	api.HandleFunc("/containers/{id}/wait", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "not-running", r.URL.Query().Get("condition"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"StatusCode": 123})
	}).Methods("POST")
	api.HandleFunc("/containers/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stopQuery = r.URL.RawQuery
		f.mu.Unlock()
		w.WriteHeader(http.StatusNotModified)
	}).Methods("POST")
	api.HandleFunc("/containers/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.removeQuery = r.URL.RawQuery
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")
	api.HandleFunc("/images/{name:.+}/json", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["name"] == "alpine:3.20" {
			writeJSON(w, http.StatusOK, map[string]string{"Id": "sha256:present"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No such image"})
	}).Methods("GET")
	api.HandleFunc("/images/create", f.handlePull).Methods("POST")
	api.HandleFunc("/build", f.handleBuild).Methods("POST")

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return f, server
}

// locked 在持锁状态下读取记录的请求
func (f *fakeEngine) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeFrames 按多路复用格式写出输出帧
func writeFrames(w io.Writer, frames ...frame) {
	for _, fr := range frames {
		_, _ = stdcopy.NewStdWriter(w, fr.stream).Write([]byte(fr.payload))
	}
}

type frame struct {
	stream  stdcopy.StdType
	payload string
}

// upgrade 接管连接并返回 101 响应
func upgrade(t *testing.T, w http.ResponseWriter) (net.Conn, *bufio.ReadWriter) {
	conn, rw, err := w.(http.Hijacker).Hijack()
	require.NoError(t, err)
	_, _ = rw.WriteString("HTTP/1.1 101 UPGRADED\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
	require.NoError(t, rw.Flush())
	return conn, rw
}

func (f *fakeEngine) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"Id": "net-1"})
}

func (f *fakeEngine) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	if body.Image == "missing:latest" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No such image: missing:latest"})
		return
	}

	f.mu.Lock()
	f.created = append(f.created, body)
	f.createdNames = append(f.createdNames, r.URL.Query().Get("name"))
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]interface{}{"Id": "container-1", "Warnings": []string{}})
}

func (f *fakeEngine) handleAttach(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "Upgrade", r.Header.Get("Connection"))
	conn, rw := upgrade(f.t, w)
	defer conn.Close()
	if mux.Vars(r)["id"] == "crashing" {
		writeFrames(rw, frame{stdcopy.Stdout, "partial"}, frame{stdcopy.Systemerr, "container crashed"})
	} else {
		writeFrames(rw,
			frame{stdcopy.Stdout, "hello "},
			frame{stdcopy.Stderr, "from stderr\n"},
			frame{stdcopy.Stdout, "bye\n"})
	}
	_ = rw.Flush()
}

func (f *fakeEngine) handleExecStart(w http.ResponseWriter, r *http.Request) {
	conn, rw := upgrade(f.t, w)
	defer conn.Close()
	writeFrames(rw, frame{stdcopy.Stderr, "connection refused\n"})
	_ = rw.Flush()
}

func (f *fakeEngine) handlePull(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.pulled = append(f.pulled, r.URL.Query().Get("fromImage")+":"+r.URL.Query().Get("tag"))
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(map[string]string{"status": "Pulling fs layer", "id": "abc"})
	if r.URL.Query().Get("fromImage") == "private/image" {
		_ = encoder.Encode(map[string]interface{}{
			"error":       "pull access denied",
			"errorDetail": map[string]string{"message": "pull access denied"},
		})
		return
	}
	_ = encoder.Encode(map[string]string{"status": "Download complete"})
}

func (f *fakeEngine) handleSession(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sessionHeader = r.Header.Clone()
	f.mu.Unlock()

	conn, rw := upgrade(f.t, w)
	f.sessions <- &bufferedConn{Conn: conn, r: rw.Reader}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// callBackIntoSession 模拟构建后端通过会话回调主机侧健康检查服务
func (f *fakeEngine) callBackIntoSession(conn net.Conn) {
	var once sync.Once
	cc, err := grpc.NewClient("passthrough:///session",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			var c net.Conn
			once.Do(func() { c = conn })
			if c == nil {
				return nil, errors.New("session connection already used")
			}
			return c, nil
		}))
	require.NoError(f.t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(f.t, err)

	f.mu.Lock()
	f.sessionHealth = resp.GetStatus()
	f.mu.Unlock()
}

func (f *fakeEngine) handleBuild(w http.ResponseWriter, r *http.Request) {
	files := map[string]string{}
	tr := tar.NewReader(r.Body)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(f.t, err)
		data, err := io.ReadAll(tr)
		require.NoError(f.t, err)
		files[hdr.Name] = string(data)
	}

	query := map[string]string{}
	for key := range r.URL.Query() {
		query[key] = r.URL.Query().Get(key)
	}

	if query["version"] == "2" {
		select {
		case conn := <-f.sessions:
			f.callBackIntoSession(conn)
		case <-time.After(5 * time.Second):
			f.t.Error("build referenced a session that was never opened")
		}
	}

	f.mu.Lock()
	f.buildQuery = query
	f.buildFiles = files
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	if query["buildargs"] == `{"FAIL":"1"}` {
		_ = encoder.Encode(map[string]string{"stream": "Step 1/2 : FROM alpine\n"})
		_ = encoder.Encode(map[string]interface{}{
			"error":       "failed to solve: exit code 1",
			"errorDetail": map[string]interface{}{"code": 1, "message": "failed to solve: exit code 1"},
		})
		return
	}
	if query["version"] == "2" {
		// BuildKit 只通过 aux 追踪消息报告进度
		completed := time.Now()
		for _, status := range []*controlapi.StatusResponse{
			{Vertexes: []*controlapi.Vertex{
				{Digest: "sha256:aaa", Name: "[1/2] FROM docker.io/library/alpine", Cached: true, Completed: &completed},
			}},
			{
				Vertexes: []*controlapi.Vertex{{Digest: "sha256:bbb", Name: "[2/2] RUN ./scripts/setup.sh", Started: &completed}},
				Logs:     []*controlapi.VertexLog{{Vertex: "sha256:bbb", Msg: []byte("setup\n")}},
			},
			{Vertexes: []*controlapi.Vertex{
				{Digest: "sha256:bbb", Name: "[2/2] RUN ./scripts/setup.sh", Started: &completed, Completed: &completed},
			}},
		} {
			data, err := status.Marshal()
			require.NoError(f.t, err)
			_ = encoder.Encode(map[string]interface{}{"id": "moby.buildkit.trace", "aux": data})
		}
		_ = encoder.Encode(map[string]interface{}{"id": "moby.image.id", "aux": map[string]string{"ID": "sha256:built"}})
		return
	}
	_ = encoder.Encode(map[string]string{"stream": "Step 1/2 : FROM alpine\n"})
	_ = encoder.Encode(map[string]interface{}{"aux": "c29tZSB0cmFjZQ=="})
	_ = encoder.Encode(map[string]interface{}{"aux": map[string]string{"ID": "sha256:built"}})
	_ = encoder.Encode(map[string]string{"stream": "Successfully built\n"})
}

func newTestClient(t *testing.T, server *httptest.Server, buildKit bool) *EngineClient {
	pool := workers.NewPool(0, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	client, err := NewEngineClient(common.DockerConfig{
		Host:           server.URL,
		APIVersion:     "1.41",
		RequestTimeout: 5 * time.Second,
		BuildKit:       buildKit,
	}, pool)
	require.NoError(t, err)
	return client
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{host: "unix:///var/run/docker.sock", want: "unix:///var/run/docker.sock"},
		{host: "tcp://10.0.0.5:2375", want: "tcp://10.0.0.5:2375"},
		{host: "http://127.0.0.1:8080", want: "tcp://127.0.0.1:8080"},
		{host: "ssh://user@host", wantErr: true},
		{host: "unix://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			host, err := parseHost(tt.host)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, host)
		})
	}
}

func TestPingUnreachable(t *testing.T) {
	client, err := NewEngineClient(common.DockerConfig{Host: "tcp://127.0.0.1:1", RequestTimeout: time.Second}, nil)
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)

	var daemonErr *common.DaemonError
	require.True(t, errors.As(err, &daemonErr))
	assert.Equal(t, common.DaemonUnreachable, daemonErr.Kind)
}

func TestContainerOperations(t *testing.T) {
	fake, server := newFakeEngine(t)
	client := newTestClient(t, server, false)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	networkID, err := client.CreateNetwork(ctx, "taskbox-build-1")
	require.NoError(t, err)
	assert.Equal(t, "net-1", networkID)

	id, err := client.Create(ctx, CreateRequest{
		Name:             "taskbox-build-1-database",
		Image:            "postgres:16",
		Command:          []string{"postgres", "-c", "fsync=off"},
		Environment:      map[string]string{"B": "2", "A": "1"},
		WorkingDirectory: "/data",
		Ports:            []string{"5432:5432"},
		Network:          networkID,
		Aliases:          []string{"database"},
		Labels:           map[string]string{"taskbox.task": "build"},
	})
	require.NoError(t, err)
	assert.Equal(t, "container-1", id)

	var created createBody
	fake.locked(func() {
		require.Len(t, fake.created, 1)
		created = fake.created[0]
		assert.Equal(t, "taskbox-build-1-database", fake.createdNames[0])
	})
	assert.Equal(t, []string{"A=1", "B=2"}, created.Env)
	assert.Equal(t, "/data", created.WorkingDir)
	assert.False(t, created.Tty)
	assert.Contains(t, created.ExposedPorts, nat.Port("5432/tcp"))
	require.NotNil(t, created.HostConfig)
	assert.Equal(t, "5432", created.HostConfig.PortBindings[nat.Port("5432/tcp")][0].HostPort)
	assert.Equal(t, networkID, string(created.HostConfig.NetworkMode))
	require.NotNil(t, created.NetworkingConfig)
	assert.Equal(t, []string{"database"}, created.NetworkingConfig.EndpointsConfig[networkID].Aliases)

	require.NoError(t, client.Start(ctx, id))

	status, err := client.Inspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, "running", status.Status)

	code, err := client.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 123, code)

	require.NoError(t, client.Stop(ctx, id, 10*time.Second))
	fake.locked(func() { assert.Equal(t, "t=10", fake.stopQuery) })

	require.NoError(t, client.Remove(ctx, id))
	fake.locked(func() { assert.Equal(t, "force=1&v=1", fake.removeQuery) })

	require.NoError(t, client.RemoveNetwork(ctx, networkID))

	snapshot := client.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snapshot["created_containers"])
	assert.Equal(t, int64(1), snapshot["removed_containers"])
	assert.Equal(t, int64(1), snapshot["request_count"].(map[string]int64)["create container"])
	assert.Empty(t, snapshot["error_count"])
}

func TestCreateRejected(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	_, err := client.Create(context.Background(), CreateRequest{Name: "app", Image: "missing:latest"})
	require.Error(t, err)

	var daemonErr *common.DaemonError
	require.True(t, errors.As(err, &daemonErr))
	assert.Equal(t, common.DaemonRejected, daemonErr.Kind)
	assert.Equal(t, http.StatusNotFound, daemonErr.StatusCode)
	assert.Equal(t, "No such image: missing:latest", daemonErr.Message)

	snapshot := client.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snapshot["error_count"].(map[string]int64)["create container"])
	assert.Equal(t, int64(0), snapshot["created_containers"])
}

func TestCreateInvalidPorts(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	_, err := client.Create(context.Background(), CreateRequest{Name: "app", Image: "alpine", Ports: []string{"not-a-port"}})
	assert.True(t, common.IsConfigurationError(err))
}

func TestAttachDemultiplexesOutput(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	stream, err := client.Attach(context.Background(), "container-1")
	require.NoError(t, err)
	defer stream.Close()

	output, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "hello from stderr\nbye\n", string(output))
	assert.NoError(t, stream.Close())
}

func TestAttachReportsStreamError(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	stream, err := client.Attach(context.Background(), "crashing")
	require.NoError(t, err)
	defer stream.Close()

	output, err := io.ReadAll(stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container crashed")
	assert.Equal(t, "partial", string(output))
}

func TestProbe(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	code, output, err := client.Probe(context.Background(), "container-1", []string{"pg_isready"})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, "connection refused\n", output)
}

func TestPull(t *testing.T) {
	fake, server := newFakeEngine(t)
	client := newTestClient(t, server, false)
	ctx := context.Background()

	t.Run("AlreadyPresent", func(t *testing.T) {
		require.NoError(t, client.Pull(ctx, "alpine:3.20"))
		fake.locked(func() { assert.Empty(t, fake.pulled) })
	})

	t.Run("Missing", func(t *testing.T) {
		require.NoError(t, client.Pull(ctx, "postgres"))
		fake.locked(func() { assert.Equal(t, []string{"postgres:latest"}, fake.pulled) })
	})

	t.Run("ErrorInStream", func(t *testing.T) {
		err := client.Pull(ctx, "private/image:1")
		require.Error(t, err)
		var daemonErr *common.DaemonError
		require.True(t, errors.As(err, &daemonErr))
		assert.Equal(t, common.DaemonRejected, daemonErr.Kind)
		assert.Contains(t, daemonErr.Message, "pull access denied")
	})
}

func writeBuildDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "setup.sh"), []byte("echo setup\n"), 0o755))
	return dir
}

func TestBuildWithoutSession(t *testing.T) {
	fake, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	var progress bytes.Buffer
	imageID, err := client.Build(context.Background(), BuildRequest{
		Tag:        "myproject-app",
		ContextDir: writeBuildDir(t),
		BuildArgs:  map[string]string{"VERSION": "1.2"},
		Progress:   &progress,
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:built", imageID)
	assert.Equal(t, "Step 1/2 : FROM alpine\nSuccessfully built\n", progress.String())

	fake.locked(func() {
		assert.Equal(t, "myproject-app", fake.buildQuery["t"])
		assert.Equal(t, `{"VERSION":"1.2"}`, fake.buildQuery["buildargs"])
		assert.NotContains(t, fake.buildQuery, "session")
		assert.Equal(t, "FROM alpine\n", fake.buildFiles["Dockerfile"])
		assert.Equal(t, "echo setup\n", fake.buildFiles["scripts/setup.sh"])
		assert.Contains(t, fake.buildFiles, "scripts/")
	})
}

func TestBuildWithSession(t *testing.T) {
	fake, server := newFakeEngine(t)
	client := newTestClient(t, server, true)

	var progress bytes.Buffer
	imageID, err := client.Build(context.Background(), BuildRequest{
		Tag:        "myproject-app",
		ContextDir: writeBuildDir(t),
		Progress:   &progress,
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:built", imageID)
	assert.Equal(t, "#1 [1/2] FROM docker.io/library/alpine\n"+
		"#1 CACHED\n"+
		"#2 [2/2] RUN ./scripts/setup.sh\n"+
		"#2 setup\n"+
		"#2 DONE\n", progress.String())

	fake.locked(func() {
		assert.Equal(t, "2", fake.buildQuery["version"])
		assert.Equal(t, fake.sessionHeader.Get(headerSessionUUID), fake.buildQuery["session"])
		assert.NotEmpty(t, fake.buildQuery["buildid"])
		assert.Equal(t, "h2c", fake.sessionHeader.Get("Upgrade"))
		assert.Equal(t, "myproject-app", fake.sessionHeader.Get(headerSessionName))
		assert.NotEmpty(t, fake.sessionHeader.Get(headerSessionSharedKey))
		assert.Contains(t, fake.sessionHeader.Values(headerSessionMethod), "/grpc.health.v1.Health/Check")
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, fake.sessionHealth)
	})
}

func TestBuildHonoursDockerignore(t *testing.T) {
	fake, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	dir := writeBuildDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte("# local only\nscripts\n"), 0o644))

	_, err := client.Build(context.Background(), BuildRequest{Tag: "myproject-app", ContextDir: dir})
	require.NoError(t, err)

	fake.locked(func() {
		assert.Contains(t, fake.buildFiles, "Dockerfile")
		assert.NotContains(t, fake.buildFiles, "scripts/setup.sh")
	})
}

func TestBuildStreamError(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	_, err := client.Build(context.Background(), BuildRequest{
		Tag:        "myproject-app",
		ContextDir: writeBuildDir(t),
		BuildArgs:  map[string]string{"FAIL": "1"},
	})
	require.Error(t, err)

	var daemonErr *common.DaemonError
	require.True(t, errors.As(err, &daemonErr))
	assert.Equal(t, common.DaemonRejected, daemonErr.Kind)
	assert.Equal(t, "failed to solve: exit code 1", daemonErr.Message)
}

func TestBuildMissingContext(t *testing.T) {
	_, server := newFakeEngine(t)
	client := newTestClient(t, server, false)

	_, err := client.Build(context.Background(), BuildRequest{Tag: "x", ContextDir: filepath.Join(t.TempDir(), "nope")})
	assert.True(t, common.IsConfigurationError(err))
}
