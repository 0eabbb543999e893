package appctl

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/engine"
	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/wire"
	pkgerrors "github.com/pkg/errors"
)

// ClientConfig holds the client-side subset of §6's option table.
type ClientConfig struct {
	User             string
	HandshakeTimeout time.Duration
	LoadTimeout      time.Duration
	KeepalivePeriod  time.Duration
	ChunkSize        int
	WindowSize       int
}

// Observer receives the client's observable lifecycle events (§4.7):
// ERROR, READY, LOADED, RUNNING, FINISHED, STOPPED, EVENT.
type Observer interface {
	OnError(reason string)
	OnReady()
	OnLoaded(fileName, md5, label string)
	OnRunning()
	OnFinished(exitCode int)
	OnStopped()
	OnEvent(timestamp, eventType, eventName, dataType, data string)
}

// Client drives the application-control protocol's client-side state
// machine (§4.7): INIT -> READY -> LOADING -> LOADED -> RUNNING, with
// ERROR/DONE terminals.
type Client struct {
	cfg ClientConfig
	obs Observer
	eng *engine.Engine

	fileName, md5, label string

	loadFile      *os.File
	loadSize      int64
	loadSent      int64
	outstanding   int
	sentAllChunks bool
}

func NewClient(cfg ClientConfig, obs Observer) (*Client, error) {
	c := &Client{cfg: cfg, obs: obs}

	states := []engine.StateSpec{
		{
			Name:    ClientInit,
			Timeout: &engine.TimeoutSpec{Duration: cfg.HandshakeTimeout},
			OnEnter: c.sendHowdy,
			Messages: []engine.MessageEntry{
				{Header: "HI", NextState: "-", Handler: c.onHi},
			},
			Actions: []engine.ActionEntry{
				{Name: "timeout", NextState: ClientError, Handler: c.onHandshakeTimeout},
			},
		},
		{
			Name:      ClientReady,
			Keepalive: &engine.KeepaliveSpec{Duration: cfg.KeepalivePeriod, NextState: ClientError, Handler: c.onKeepaliveLost},
			OnEnter:   c.notifyReady,
			Actions: []engine.ActionEntry{
				{Name: "start_loading", NextState: ClientLoading, ErrorState: ClientError, Handler: c.onStartLoading},
			},
		},
		{
			Name:    ClientLoading,
			Timeout: &engine.TimeoutSpec{Duration: cfg.LoadTimeout},
			Messages: []engine.MessageEntry{
				{Header: "LOAD_READY", NextState: "-", Handler: c.onLoadReady},
				{Header: "CHUNK_OK", NextState: "-", Handler: c.onChunkOK},
				{Header: "LOAD_OK", NextState: ClientLoaded, Handler: c.onLoadOK},
			},
			Actions: []engine.ActionEntry{
				{Name: "timeout", NextState: ClientError, Handler: c.onLoadTimeout},
			},
		},
		{
			Name:      ClientLoaded,
			Keepalive: &engine.KeepaliveSpec{Duration: cfg.KeepalivePeriod, NextState: ClientError, Handler: c.onKeepaliveLost},
			Actions: []engine.ActionEntry{
				{Name: "run", NextState: "-", ErrorState: ClientError, Handler: c.onRunAction},
			},
			Messages: []engine.MessageEntry{
				{Header: "RUN_OK", NextState: ClientRunning, Handler: c.onRunOK},
			},
		},
		{
			Name:      ClientRunning,
			Keepalive: &engine.KeepaliveSpec{Duration: cfg.KeepalivePeriod, NextState: ClientError, Handler: c.onKeepaliveLost},
			Actions: []engine.ActionEntry{
				{Name: "stop", NextState: "-", ErrorState: ClientError, Handler: c.onStopAction},
			},
			Messages: []engine.MessageEntry{
				{Header: "STOP_OK", NextState: ClientLoaded, Handler: c.onStopOK},
				{Header: "EVENT", NextState: "-", Handler: c.onEventMsg},
			},
		},
		{Name: ClientError, OnEnter: c.notifyError},
		{Name: ClientDone},
		{
			Name: engine.AnyState,
			Messages: []engine.MessageEntry{
				{Header: "FINISHED", NextState: "-", Handler: c.onFinished},
				{Header: "ERROR", NextState: ClientError, Handler: c.onErrorMsg},
			},
		},
	}

	eng, err := engine.New("appctl-client", "", Schema, states, nil)
	if err != nil {
		return nil, err
	}
	c.eng = eng
	return c, nil
}

func (c *Client) Bind(sock *wire.Socket, r *reactor.Reactor) { c.eng.Bind(sock, r) }
func (c *Client) Close() error                               { return c.eng.Close() }
func (c *Client) State() string                              { return c.eng.State() }

// StartLoading begins loading filePath under label; md5 is computed
// before the LOAD message is sent (§4.7 READY: "on failure to read the
// file, fail into ERROR").
func (c *Client) StartLoading(filePath, label string) {
	c.eng.Action("start_loading", filePath, label)
}

func (c *Client) Run(command string) { c.eng.Action("run", command) }
func (c *Client) Stop()              { c.eng.Action("stop") }

func (c *Client) sendHowdy() {
	msg, err := Schema.Build("HOWDY", wire.String(c.cfg.User), wire.Int(VersionMajor), wire.Int(VersionMinor))
	if err != nil {
		nlog.Errorf("appctl client: build HOWDY: %v", err)
		return
	}
	if err := c.eng.Send(msg); err != nil {
		nlog.Warningf("appctl client: send HOWDY failed: %v", err)
	}
}

func (c *Client) onHi(msg wire.Message) engine.Result {
	major := msg.Field(0).Int()
	state := msg.Field(2).String()
	fileName := msg.Field(3).String()
	md5sum := msg.Field(4).String()
	label := msg.Field(5).String()

	if major != VersionMajor {
		return engine.Fail(fmt.Errorf("appctl client: server major version %d != %d", major, VersionMajor))
	}
	if state == StateLoaded || state == StateRunning {
		c.fileName, c.md5, c.label = fileName, md5sum, label
	}

	switch state {
	case StateReady:
		return engine.OkNext(ClientReady)
	case StateLoaded:
		return engine.OkNext(ClientLoaded)
	case StateRunning:
		return engine.OkNext(ClientRunning)
	default:
		return engine.Fail(fmt.Errorf("appctl client: unexpected server state %q in HI", state))
	}
}

func (c *Client) onHandshakeTimeout(name string, args []any) engine.Result {
	c.obs.OnError("Timeout waiting for HI message response!")
	return engine.Ok()
}

func (c *Client) notifyReady() { c.obs.OnReady() }

func (c *Client) onKeepaliveLost() { c.obs.OnError("peer liveness lost") }

func (c *Client) onStartLoading(name string, args []any) engine.Result {
	filePath, _ := args[0].(string)
	label, _ := args[1].(string)

	sum, err := fileMD5(filePath)
	if err != nil {
		return engine.Fail(pkgerrors.Wrapf(err, "appctl client: cannot read %s", filePath))
	}
	c.fileName, c.md5, c.label = filePath, sum, label

	msg, err := Schema.Build("LOAD", wire.String(filePath), wire.String(sum), wire.String(label))
	if err != nil {
		return engine.Fail(err)
	}
	if err := c.eng.Send(msg); err != nil {
		return engine.Fail(err)
	}
	return engine.Ok()
}

func (c *Client) onLoadReady(msg wire.Message) engine.Result {
	f, err := os.Open(c.fileName)
	if err != nil {
		return engine.Fail(pkgerrors.Wrapf(err, "appctl client: reopen %s for chunking", c.fileName))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return engine.Fail(pkgerrors.Wrapf(err, "appctl client: stat %s", c.fileName))
	}
	c.loadFile = f
	c.loadSize = info.Size()
	c.loadSent = 0
	c.outstanding = 0
	c.sentAllChunks = false
	return c.sendMoreChunks()
}

// sendMoreChunks keeps up to WindowSize chunks outstanding (§6
// window_size), reading fixed-size slices up to the file's size recorded
// at open time so the final chunk's is_last flag never depends on racing
// another Read against EOF.
func (c *Client) sendMoreChunks() engine.Result {
	for c.outstanding < c.cfg.WindowSize && !c.sentAllChunks {
		remaining := c.loadSize - c.loadSent
		n := int64(c.cfg.ChunkSize)
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(c.loadFile, buf); err != nil {
				return engine.Fail(pkgerrors.Wrap(err, "appctl client: read chunk"))
			}
		}
		c.loadSent += n
		isLast := c.loadSent >= c.loadSize
		if isLast {
			c.sentAllChunks = true
		}

		chunk, err := Schema.Build("CHUNK", wire.Bool(isLast), wire.Bytes(buf))
		if err != nil {
			return engine.Fail(err)
		}
		if err := c.eng.Send(chunk); err != nil {
			return engine.Fail(err)
		}
		c.outstanding++
	}
	return engine.Ok()
}

func (c *Client) onChunkOK(msg wire.Message) engine.Result {
	c.outstanding--
	return c.sendMoreChunks()
}

func (c *Client) onLoadOK(msg wire.Message) engine.Result {
	if c.loadFile != nil {
		c.loadFile.Close()
		c.loadFile = nil
	}
	fileName := msg.Field(0).String()
	md5sum := msg.Field(1).String()
	label := msg.Field(2).String()
	if fileName != c.fileName || md5sum != c.md5 || label != c.label {
		return engine.Fail(fmt.Errorf("appctl client: LOAD_OK echo mismatch"))
	}
	c.obs.OnLoaded(fileName, md5sum, label)
	return engine.Ok()
}

func (c *Client) onLoadTimeout(name string, args []any) engine.Result {
	if c.loadFile != nil {
		c.loadFile.Close()
		c.loadFile = nil
	}
	c.obs.OnError("load timed out")
	return engine.Ok()
}

func (c *Client) onRunAction(name string, args []any) engine.Result {
	command, _ := args[0].(string)
	msg, err := Schema.Build("RUN", wire.String(command))
	if err != nil {
		return engine.Fail(err)
	}
	if err := c.eng.Send(msg); err != nil {
		return engine.Fail(err)
	}
	return engine.Ok()
}

func (c *Client) onRunOK(msg wire.Message) engine.Result {
	c.obs.OnRunning()
	return engine.Ok()
}

func (c *Client) onStopAction(name string, args []any) engine.Result {
	msg, err := Schema.Build("STOP")
	if err != nil {
		return engine.Fail(err)
	}
	if err := c.eng.Send(msg); err != nil {
		return engine.Fail(err)
	}
	return engine.Ok()
}

func (c *Client) onStopOK(msg wire.Message) engine.Result {
	c.obs.OnStopped()
	return engine.Ok()
}

func (c *Client) onEventMsg(msg wire.Message) engine.Result {
	eventType := msg.Field(0).String()
	eventName := msg.Field(1).String()
	timestamp := msg.Field(2).String()
	dataType := msg.Field(3).String()
	data := msg.Field(4).String()
	c.obs.OnEvent(timestamp, eventType, eventName, dataType, data)
	return engine.Ok()
}

func (c *Client) onFinished(msg wire.Message) engine.Result {
	c.obs.OnFinished(int(msg.Field(0).Int()))
	return engine.Ok()
}

func (c *Client) onErrorMsg(msg wire.Message) engine.Result {
	c.obs.OnError(msg.Field(0).String())
	return engine.Ok()
}

func (c *Client) notifyError() {}
