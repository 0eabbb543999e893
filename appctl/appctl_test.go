package appctl

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/wire"
	"github.com/tidwall/buntdb"
)

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

type fakeRunner struct {
	mu       sync.Mutex
	runCalls [][]string
	stopped  bool
}

func (r *fakeRunner) Run(command []string, cwd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runCalls = append(r.runCalls, command)
	return nil
}

func (r *fakeRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *fakeRunner) Kill() error { return nil }

type recordingObserver struct {
	ready    chan struct{}
	loaded   chan [3]string
	running  chan struct{}
	stopped  chan struct{}
	errored  chan string
	finished chan int
	events   chan [5]string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		ready:    make(chan struct{}, 1),
		loaded:   make(chan [3]string, 1),
		running:  make(chan struct{}, 1),
		stopped:  make(chan struct{}, 1),
		errored:  make(chan string, 4),
		finished: make(chan int, 1),
		events:   make(chan [5]string, 8),
	}
}

func (o *recordingObserver) OnError(reason string) { o.errored <- reason }
func (o *recordingObserver) OnReady()              { o.ready <- struct{}{} }
func (o *recordingObserver) OnLoaded(fileName, md5, label string) {
	o.loaded <- [3]string{fileName, md5, label}
}
func (o *recordingObserver) OnRunning()          { o.running <- struct{}{} }
func (o *recordingObserver) OnFinished(code int) { o.finished <- code }
func (o *recordingObserver) OnStopped()          { o.stopped <- struct{}{} }
func (o *recordingObserver) OnEvent(timestamp, eventType, eventName, dataType, data string) {
	o.events <- [5]string{timestamp, eventType, eventName, dataType, data}
}

func waitFor[T any](t *testing.T, what string, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// TestServerClientHandshakeCachedLoadRunStop drives the full handshake,
// a cache-hit LOAD (§4.7 READY: "verify whether the file at file_name
// already matches md5... fire load_complete immediately"), RUN and STOP
// across real bound sockets and reactors.
func TestServerClientHandshakeCachedLoadRunStop(t *testing.T) {
	chanName := "appctl-test." + t.Name()
	storageDir := t.TempDir()

	payload := []byte("already-loaded payload bytes")
	filePath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(filePath, payload, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	sum, err := fileMD5(filePath)
	if err != nil {
		t.Fatalf("fileMD5: %v", err)
	}

	runner := &fakeRunner{}
	srv, err := NewServer(ServerConfig{User: "alice", LoadTimeout: 5 * time.Second, StorageDir: storageDir}, runner)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	key := srv.loadCacheKey(filePath, sum, "label1")
	if err := srv.loadDB.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, filePath, nil)
		return err
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	srvSock := wire.NewSocket(wire.PushPull, "APPCTL1")
	if _, err := srvSock.Bind("inproc", chanName, [2]int{0, 0}); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	srvReactor := reactor.New()
	go srvReactor.Run()
	defer srvReactor.Close()
	srv.Bind(srvSock, srvReactor)

	obs := newRecordingObserver()
	cli, err := NewClient(ClientConfig{
		User:             "alice",
		HandshakeTimeout: 5 * time.Second,
		LoadTimeout:      5 * time.Second,
		KeepalivePeriod:  5 * time.Second,
		ChunkSize:        64,
		WindowSize:       4,
	}, obs)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer cli.Close()

	cliSock := wire.NewSocket(wire.PushPull, "APPCTL1")
	if err := cliSock.Connect("inproc", chanName, 0); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	cliReactor := reactor.New()
	go cliReactor.Run()
	defer cliReactor.Close()
	cli.Bind(cliSock, cliReactor)

	waitFor(t, "ready", obs.ready)
	if cli.State() != ClientReady {
		t.Fatalf("client state = %q, want %q", cli.State(), ClientReady)
	}
	if srv.State() != StateReady {
		t.Fatalf("server state = %q, want %q", srv.State(), StateReady)
	}

	cli.StartLoading(filePath, "label1")

	select {
	case got := <-obs.loaded:
		if got[0] != filePath || got[1] != sum || got[2] != "label1" {
			t.Fatalf("OnLoaded = %v", got)
		}
	case reason := <-obs.errored:
		t.Fatalf("unexpected OnError during load: %s", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnLoaded")
	}
	if srv.State() != StateLoaded {
		t.Fatalf("server state = %q, want %q", srv.State(), StateLoaded)
	}
	if cli.State() != ClientLoaded {
		t.Fatalf("client state = %q, want %q", cli.State(), ClientLoaded)
	}

	cli.Run("echo hello")
	waitFor(t, "running", obs.running)
	if srv.State() != StateRunning {
		t.Fatalf("server state = %q, want %q", srv.State(), StateRunning)
	}
	runner.mu.Lock()
	if len(runner.runCalls) != 1 {
		t.Fatalf("expected exactly one Run call, got %d", len(runner.runCalls))
	}
	runner.mu.Unlock()

	cli.Stop()
	waitFor(t, "stopped", obs.stopped)
	if srv.State() != StateLoaded {
		t.Fatalf("server state after stop = %q, want %q", srv.State(), StateLoaded)
	}
	runner.mu.Lock()
	if !runner.stopped {
		t.Fatal("expected Runner.Stop to have been called")
	}
	runner.mu.Unlock()
}

// TestServerChunkedLoadWritesArtifactAndTransitionsToLoaded exercises the
// server's cache-miss chunked-transfer path (§4.7 LOADING) using a raw
// socket standing in for the client side, so the destination path being
// written is never also read back as a "local source" in the same
// process (real deployments put client and server on separate
// filesystems; this keeps the test's single filesystem from aliasing
// the two roles onto one file).
func TestServerChunkedLoadWritesArtifactAndTransitionsToLoaded(t *testing.T) {
	chanName := "appctl-test." + t.Name()
	storageDir := t.TempDir()
	destPath := filepath.Join(t.TempDir(), "artifact.bin")

	runner := &fakeRunner{}
	srv, err := NewServer(ServerConfig{User: "alice", LoadTimeout: 5 * time.Second, StorageDir: storageDir}, runner)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	srvSock := wire.NewSocket(wire.PushPull, "APPCTL1")
	if _, err := srvSock.Bind("inproc", chanName, [2]int{0, 0}); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	srvReactor := reactor.New()
	go srvReactor.Run()
	defer srvReactor.Close()
	srv.Bind(srvSock, srvReactor)

	raw := wire.NewSocket(wire.PushPull, "APPCTL1")
	raw.BindSchema(Schema)
	if err := raw.Connect("inproc", chanName, 0); err != nil {
		t.Fatalf("raw connect: %v", err)
	}
	defer raw.Close()

	content := []byte("hello chunked world, this payload spans more than one frame of data")
	sum := md5Hex(content)

	loadMsg, err := Schema.Build("LOAD", wire.String(destPath), wire.String(sum), wire.String("label2"))
	if err != nil {
		t.Fatalf("build LOAD: %v", err)
	}
	if err := raw.Send(loadMsg); err != nil {
		t.Fatalf("send LOAD: %v", err)
	}

	readyMsg, err := raw.Recv()
	if err != nil {
		t.Fatalf("recv LOAD_READY: %v", err)
	}
	if readyMsg.Header != "LOAD_READY" {
		t.Fatalf("expected LOAD_READY, got %q", readyMsg.Header)
	}

	const split = 30
	chunk1, err := Schema.Build("CHUNK", wire.Bool(false), wire.Bytes(content[:split]))
	if err != nil {
		t.Fatalf("build chunk1: %v", err)
	}
	if err := raw.Send(chunk1); err != nil {
		t.Fatalf("send chunk1: %v", err)
	}
	ok1, err := raw.Recv()
	if err != nil || ok1.Header != "CHUNK_OK" {
		t.Fatalf("recv CHUNK_OK #1: msg=%v err=%v", ok1, err)
	}

	chunk2, err := Schema.Build("CHUNK", wire.Bool(true), wire.Bytes(content[split:]))
	if err != nil {
		t.Fatalf("build chunk2: %v", err)
	}
	if err := raw.Send(chunk2); err != nil {
		t.Fatalf("send chunk2: %v", err)
	}
	ok2, err := raw.Recv()
	if err != nil || ok2.Header != "CHUNK_OK" {
		t.Fatalf("recv CHUNK_OK #2: msg=%v err=%v", ok2, err)
	}
	loadOK, err := raw.Recv()
	if err != nil || loadOK.Header != "LOAD_OK" {
		t.Fatalf("recv LOAD_OK: msg=%v err=%v", loadOK, err)
	}
	if loadOK.Field(0).String() != destPath || loadOK.Field(1).String() != sum || loadOK.Field(2).String() != "label2" {
		t.Fatalf("LOAD_OK echo mismatch: %+v", loadOK)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.State() != StateLoaded {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.State() != StateLoaded {
		t.Fatalf("server state = %q, want %q", srv.State(), StateLoaded)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("artifact content = %q, want %q", got, content)
	}
}

// TestServerChunkedLoadMd5MismatchReturnsToReady exercises the md5
// mismatch path (§4.7 LOADING: "fire error with 'File does not match
// md5sum specified!' (back to READY)").
func TestServerChunkedLoadMd5MismatchReturnsToReady(t *testing.T) {
	chanName := "appctl-test." + t.Name()
	storageDir := t.TempDir()
	destPath := filepath.Join(t.TempDir(), "artifact.bin")

	runner := &fakeRunner{}
	srv, err := NewServer(ServerConfig{User: "alice", LoadTimeout: 5 * time.Second, StorageDir: storageDir}, runner)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	srvSock := wire.NewSocket(wire.PushPull, "APPCTL1")
	if _, err := srvSock.Bind("inproc", chanName, [2]int{0, 0}); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	srvReactor := reactor.New()
	go srvReactor.Run()
	defer srvReactor.Close()
	srv.Bind(srvSock, srvReactor)

	raw := wire.NewSocket(wire.PushPull, "APPCTL1")
	raw.BindSchema(Schema)
	if err := raw.Connect("inproc", chanName, 0); err != nil {
		t.Fatalf("raw connect: %v", err)
	}
	defer raw.Close()

	loadMsg, err := Schema.Build("LOAD", wire.String(destPath), wire.String("deadbeef"), wire.String("label3"))
	if err != nil {
		t.Fatalf("build LOAD: %v", err)
	}
	if err := raw.Send(loadMsg); err != nil {
		t.Fatalf("send LOAD: %v", err)
	}
	if _, err := raw.Recv(); err != nil {
		t.Fatalf("recv LOAD_READY: %v", err)
	}

	chunk, err := Schema.Build("CHUNK", wire.Bool(true), wire.Bytes([]byte("wrong content")))
	if err != nil {
		t.Fatalf("build chunk: %v", err)
	}
	if err := raw.Send(chunk); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	errMsg, err := raw.Recv()
	if err != nil || errMsg.Header != "ERROR" {
		t.Fatalf("recv ERROR: msg=%v err=%v", errMsg, err)
	}
	if errMsg.Field(0).String() != "File does not match md5sum specified!" {
		t.Fatalf("ERROR message = %q, want %q", errMsg.Field(0).String(), "File does not match md5sum specified!")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.State() != StateReady {
		t.Fatalf("server state after md5 mismatch = %q, want %q", srv.State(), StateReady)
	}
}

// TestRunCommandSelectsJavaCommandForJarArtifact verifies that a loaded
// ".jar" artifact runs under the JVM via supervisor.JavaCommand (§4.8),
// while any other artifact still runs as a plain shell command line.
func TestRunCommandSelectsJavaCommandForJarArtifact(t *testing.T) {
	srv, err := NewServer(ServerConfig{User: "alice", LoadTimeout: time.Second, StorageDir: t.TempDir()}, &fakeRunner{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	srv.load.fileName = "/var/apphost/strategies/Momentum.jar"
	got := srv.runCommand("com.example.Momentum --fast")
	want := []string{"java", "-classpath", "/var/apphost/strategies/Momentum.jar:AppHostController-1.0-SNAPSHOT.jar", "com.example.Momentum", "--fast"}
	if len(got) != len(want) {
		t.Fatalf("runCommand() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("runCommand()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	srv.load.fileName = "/var/apphost/strategies/momentum.py"
	got = srv.runCommand("python momentum.py --fast")
	want = []string{"/bin/sh", "-c", "python momentum.py --fast"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("runCommand() = %v, want %v", got, want)
	}
}
