package appctl

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/engine"
	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/supervisor"
	"github.com/ddoucette/apphost/wire"
	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// ServerConfig holds the configurable knobs of §6's option table that
// apply to the server side.
type ServerConfig struct {
	User        string
	LoadTimeout time.Duration
	StorageDir  string
}

// Runner is the narrow surface the server needs from the Payload
// Supervisor: launch a command and stop/kill it on request.
type Runner interface {
	Run(command []string, cwd string) error
	Stop() error
	Kill() error
}

// Server drives the application-control protocol's server-side state
// machine (§4.7): READY -> LOADING -> LOADED -> RUNNING.
type Server struct {
	cfg ServerConfig
	eng *engine.Engine
	sup Runner

	loadDB *buntdb.DB // file_name|md5|label -> on-disk path, "already loaded" cache

	load struct {
		fileName, md5, label string
		f                    *os.File
	}
}

// NewServer opens (or creates) the load cache at cfg.StorageDir/loaded.db
// and builds the validated state machine; call Bind to attach it to a
// socket and reactor.
func NewServer(cfg ServerConfig, sup Runner) (*Server, error) {
	dbPath := cfg.StorageDir + "/loaded.db"
	db, err := buntdb.Open(dbPath)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "appctl: open load cache %s", dbPath)
	}

	s := &Server{cfg: cfg, sup: sup, loadDB: db}

	states := []engine.StateSpec{
		{
			Name: StateReady,
			Messages: []engine.MessageEntry{
				{Header: "LOAD", NextState: "-", Handler: s.onLoad},
			},
		},
		{
			Name:    StateLoading,
			Timeout: &engine.TimeoutSpec{Duration: cfg.LoadTimeout},
			Messages: []engine.MessageEntry{
				{Header: "CHUNK", NextState: "-", Handler: s.onChunk},
			},
			Actions: []engine.ActionEntry{
				{Name: "timeout", NextState: StateReady, Handler: s.onLoadTimeout},
			},
		},
		{
			Name: StateLoaded,
			Messages: []engine.MessageEntry{
				{Header: "RUN", NextState: StateRunning, Handler: s.onRun},
			},
		},
		{
			Name: StateRunning,
			Messages: []engine.MessageEntry{
				{Header: "STOP", NextState: StateLoaded, Handler: s.onStop},
			},
			Actions: []engine.ActionEntry{
				{Name: "event", NextState: "-", Handler: s.onChildEvent},
				{Name: "finished", NextState: StateLoaded, Handler: s.onChildFinished},
			},
		},
		{
			Name: engine.AnyState,
			Messages: []engine.MessageEntry{
				{Header: "HOWDY", NextState: "-", Handler: s.onHowdy},
				{Header: "QUIT", NextState: "-", Handler: s.onQuit},
			},
		},
	}

	eng, err := engine.New("appctl-server", "", Schema, states, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.eng = eng
	return s, nil
}

func (s *Server) Bind(sock *wire.Socket, r *reactor.Reactor) { s.eng.Bind(sock, r) }

// Action dispatches a supervisor-sourced action ("event" or "finished")
// into the server's state machine from whatever goroutine the supervisor
// calls back on (§4.8 relay path, §4.6 action path).
func (s *Server) Action(name string, args ...any) { s.eng.Action(name, args...) }

func (s *Server) Close() error {
	s.loadDB.Close()
	return s.eng.Close()
}

// State reports the server's current protocol state, for tests and
// diagnostics.
func (s *Server) State() string { return s.eng.State() }

func (s *Server) onHowdy(msg wire.Message) engine.Result {
	user := msg.Field(0).String()
	major := msg.Field(1).Int()
	if user != s.cfg.User {
		return s.sendError("Invalid user name specified!")
	}
	if major != VersionMajor {
		return s.sendError(fmt.Sprintf("Unsupported major version %d", major))
	}
	fileName, md5sum, label := s.load.fileName, s.load.md5, s.load.label
	reply, err := Schema.Build("HI", wire.Int(VersionMajor), wire.Int(VersionMinor),
		wire.String(s.eng.State()), wire.String(fileName), wire.String(md5sum), wire.String(label))
	if err != nil {
		return engine.Fail(err)
	}
	return s.send(reply)
}

func (s *Server) onQuit(msg wire.Message) engine.Result {
	nlog.Infof("appctl server: QUIT received")
	return engine.Ok()
}

func (s *Server) loadCacheKey(fileName, md5sum, label string) string {
	return fileName + "\x1f" + md5sum + "\x1f" + label
}

func (s *Server) onLoad(msg wire.Message) engine.Result {
	fileName := msg.Field(0).String()
	md5sum := msg.Field(1).String()
	label := msg.Field(2).String()

	key := s.loadCacheKey(fileName, md5sum, label)
	var cachedPath string
	_ = s.loadDB.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == nil {
			cachedPath = v
		}
		return nil
	})

	actual, err := fileMD5(fileName)
	if err == nil && actual == md5sum && cachedPath != "" {
		s.load.fileName, s.load.md5, s.load.label = fileName, md5sum, label
		reply, berr := Schema.Build("LOAD_OK", wire.String(fileName), wire.String(md5sum), wire.String(label))
		if berr != nil {
			return engine.Fail(berr)
		}
		if err := s.eng.Send(reply); err != nil {
			return engine.Fail(err)
		}
		return engine.OkNext(StateLoaded)
	}

	f, oerr := os.Create(fileName)
	if oerr != nil {
		return s.sendError(pkgerrors.Wrap(oerr, "cannot open file for writing").Error())
	}
	s.load.fileName, s.load.md5, s.load.label = fileName, md5sum, label
	s.load.f = f

	reply, err := Schema.Build("LOAD_READY", wire.String(fileName), wire.String(md5sum), wire.String(label))
	if err != nil {
		return engine.Fail(err)
	}
	if err := s.eng.Send(reply); err != nil {
		return engine.Fail(err)
	}
	return engine.OkNext(StateLoading)
}

func (s *Server) onChunk(msg wire.Message) engine.Result {
	isLast := msg.Field(0).Bool()
	data := msg.Field(1).Bytes()

	if s.load.f == nil {
		return engine.Fail(fmt.Errorf("appctl server: CHUNK with no open load session"))
	}
	if _, err := s.load.f.Write(data); err != nil {
		return engine.Fail(pkgerrors.Wrap(err, "appctl server: chunk write"))
	}

	if !isLast {
		reply, err := Schema.Build("CHUNK_OK")
		if err != nil {
			return engine.Fail(err)
		}
		return s.sendAndStay(reply)
	}

	name := s.load.f.Name()
	s.load.f.Close()
	s.load.f = nil

	actual, err := fileMD5(name)
	if err != nil {
		return s.failLoad(pkgerrors.Wrap(err, "md5 recompute failed").Error())
	}
	if actual != s.load.md5 {
		return s.failLoad("File does not match md5sum specified!")
	}

	key := s.loadCacheKey(s.load.fileName, s.load.md5, s.load.label)
	_ = s.loadDB.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, name, nil)
		return err
	})

	ok, err := Schema.Build("CHUNK_OK")
	if err != nil {
		return engine.Fail(err)
	}
	if err := s.eng.Send(ok); err != nil {
		return engine.Fail(err)
	}

	loadOK, err := Schema.Build("LOAD_OK", wire.String(s.load.fileName), wire.String(s.load.md5), wire.String(s.load.label))
	if err != nil {
		return engine.Fail(err)
	}
	if err := s.eng.Send(loadOK); err != nil {
		return engine.Fail(err)
	}
	return engine.OkNext(StateLoaded)
}

// failLoad replies ERROR and transitions back to READY, per §4.7's
// "fire error with 'md5 mismatch' (back to READY)" — unlike a generic
// protocol violation, a failed load is a defined transition, not a
// dropped message.
func (s *Server) failLoad(reason string) engine.Result {
	if s.load.f != nil {
		s.load.f.Close()
		s.load.f = nil
	}
	msg, err := Schema.Build("ERROR", wire.String(reason))
	if err != nil {
		return engine.Fail(err)
	}
	if err := s.eng.Send(msg); err != nil {
		return engine.Fail(err)
	}
	return engine.OkNext(StateReady)
}

func (s *Server) onLoadTimeout(name string, args []any) engine.Result {
	nlog.Warningf("appctl server: load timed out, aborting to READY")
	if s.load.f != nil {
		s.load.f.Close()
		s.load.f = nil
	}
	return engine.Ok()
}

func (s *Server) onRun(msg wire.Message) engine.Result {
	command := msg.Field(0).String()
	if err := s.sup.Run(s.runCommand(command), "."); err != nil {
		return s.sendError(pkgerrors.Wrap(err, "run failed").Error())
	}
	reply, err := Schema.Build("RUN_OK")
	if err != nil {
		return engine.Fail(err)
	}
	return s.send(reply)
}

// runCommand builds the argv to hand the Payload Supervisor. A loaded
// artefact ending in ".jar" runs under the JVM with supervisor.JavaCommand
// (§4.8's Java payload support): command's first word is the main class,
// the rest are its arguments. Any other artefact runs as a shell command
// line, unchanged.
func (s *Server) runCommand(command string) []string {
	if strings.HasSuffix(s.load.fileName, ".jar") {
		fields := strings.Fields(command)
		if len(fields) > 0 {
			return supervisor.JavaCommand(s.load.fileName, fields[0], fields[1:])
		}
	}
	return []string{"/bin/sh", "-c", command}
}

func (s *Server) onStop(msg wire.Message) engine.Result {
	if err := s.sup.Stop(); err != nil {
		nlog.Warningf("appctl server: stop failed: %v", err)
	}
	reply, err := Schema.Build("STOP_OK")
	if err != nil {
		return engine.Fail(err)
	}
	return s.send(reply)
}

// onChildEvent and onChildFinished run when the supervisor's owner glue
// calls Server.Action("event", ...)/Server.Action("finished", ...).
func (s *Server) onChildEvent(name string, args []any) engine.Result {
	if len(args) != 5 {
		return engine.Fail(fmt.Errorf("appctl server: event action expects 5 args, got %d", len(args)))
	}
	eventType, _ := args[0].(string)
	eventName, _ := args[1].(string)
	timestamp, _ := args[2].(string)
	dataType, _ := args[3].(string)
	data, _ := args[4].(string)
	msg, err := Schema.Build("EVENT", wire.String(eventType), wire.String(eventName), wire.String(timestamp), wire.String(dataType), wire.String(data))
	if err != nil {
		return engine.Fail(err)
	}
	return s.send(msg)
}

func (s *Server) onChildFinished(name string, args []any) engine.Result {
	exitCode := 0
	if len(args) == 1 {
		if c, ok := args[0].(int); ok {
			exitCode = c
		}
	}
	msg, err := Schema.Build("FINISHED", wire.Int(int64(exitCode)))
	if err != nil {
		return engine.Fail(err)
	}
	return s.send(msg)
}

func (s *Server) sendError(reason string) engine.Result {
	msg, err := Schema.Build("ERROR", wire.String(reason))
	if err != nil {
		return engine.Fail(err)
	}
	if serr := s.eng.Send(msg); serr != nil {
		return engine.Fail(serr)
	}
	return engine.Fail(fmt.Errorf("%s", reason))
}

func (s *Server) send(msg wire.Message) engine.Result {
	if err := s.eng.Send(msg); err != nil {
		return engine.Fail(err)
	}
	return engine.Ok()
}

func (s *Server) sendAndStay(msg wire.Message) engine.Result {
	return s.send(msg)
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
