// apphostctl drives one application-control session against a running
// apphostd: load an artefact, run a command, watch its events, stop it.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ddoucette/apphost/appctl"
	"github.com/ddoucette/apphost/cmn/cos"
	"github.com/ddoucette/apphost/config"
	"github.com/ddoucette/apphost/discovery"
	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/wire"
)

var (
	configPath  string
	user        string
	application string
	serverAddr  string
	listenAddr  string
	label       string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a JSON config file (defaults applied for anything absent)")
	flag.StringVar(&user, "user", "", "user name presented in HOWDY, must match the server's -user")
	flag.StringVar(&application, "application", "", "application name, used for discovery lookup when -server is empty")
	flag.StringVar(&serverAddr, "server", "", "host:port of the control socket; leave empty to discover it")
	flag.StringVar(&listenAddr, "listen-addr", ":9000", "discovery receive address, used only when -server is empty")
	flag.StringVar(&label, "label", "default", "label recorded alongside a loaded artefact")
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apphostctl [flags] <load FILE|run COMMAND|stop|watch>")
	flag.PrintDefaults()
}

// cliObserver prints lifecycle events to stdout, and errors to stderr, and
// closes done once the command in progress reaches a terminal event.
type cliObserver struct {
	done chan struct{}
}

func (o *cliObserver) OnError(reason string) {
	fmt.Fprintf(os.Stderr, "error: %s\n", reason)
	close(o.done)
}
func (o *cliObserver) OnReady() { fmt.Println("ready") }
func (o *cliObserver) OnLoaded(fileName, md5, label string) {
	fmt.Printf("loaded %s (md5 %s, label %s)\n", fileName, md5, label)
	close(o.done)
}
func (o *cliObserver) OnRunning() {
	fmt.Println("running")
	close(o.done)
}
func (o *cliObserver) OnFinished(exitCode int) {
	fmt.Printf("finished, exit code %d\n", exitCode)
	close(o.done)
}
func (o *cliObserver) OnStopped() {
	fmt.Println("stopped")
	close(o.done)
}
func (o *cliObserver) OnEvent(timestamp, eventType, eventName, dataType, data string) {
	fmt.Printf("event %s %s/%s (%s): %s\n", timestamp, eventType, eventName, dataType, data)
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || user == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		cos.ExitLogf("apphostctl: load config: %v", err)
	}

	addr := serverAddr
	if addr == "" {
		if application == "" {
			cos.ExitLogf("apphostctl: -application is required when -server is not given")
		}
		addr, err = resolveServer(user, application, listenAddr, cfg.AgeOut.Duration())
		if err != nil {
			cos.ExitLogf("apphostctl: discover server: %v", err)
		}
	}
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		cos.ExitLogf("apphostctl: bad server address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		cos.ExitLogf("apphostctl: bad server port %q: %v", portStr, err)
	}

	sock := wire.NewSocket(wire.PushPull, "APPCTL1")
	if err := sock.Connect("tcp", host, port); err != nil {
		cos.ExitLogf("apphostctl: connect %s:%d: %v", host, port, err)
	}
	defer sock.Close()

	obs := &cliObserver{done: make(chan struct{})}
	cli, err := appctl.NewClient(appctl.ClientConfig{
		User:             user,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration(),
		LoadTimeout:      cfg.LoadTimeout.Duration(),
		KeepalivePeriod:  cfg.KeepalivePeriod.Duration(),
		ChunkSize:        cfg.ChunkSize,
		WindowSize:       cfg.WindowSize,
	}, obs)
	if err != nil {
		cos.ExitLogf("apphostctl: init client: %v", err)
	}
	defer cli.Close()

	r := reactor.New()
	go r.Run()
	defer r.Close()
	cli.Bind(sock, r)

	// Wait out the handshake before issuing a command, so the command's
	// own terminal event is the only thing that can close obs.done.
	<-waitForReady(cli)

	switch args[0] {
	case "load":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		cli.StartLoading(args[1], label)
	case "run":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		cli.Run(strings.Join(args[1:], " "))
	case "stop":
		cli.Stop()
	case "watch":
		select {}
	default:
		usage()
		os.Exit(2)
	}

	<-obs.done
}

// waitForReady polls State() until the client leaves INIT, since OnReady
// fires synchronously from the reactor goroutine and the command that
// follows must not race the handshake's own HI reply.
func waitForReady(cli *appctl.Client) chan struct{} {
	ready := make(chan struct{})
	go func() {
		for cli.State() == appctl.ClientInit {
			time.Sleep(10 * time.Millisecond)
		}
		close(ready)
	}()
	return ready
}

func resolveServer(user, application, listenAddr string, ageOut time.Duration) (string, error) {
	result := make(chan string, 1)
	sub := &oneShotSub{user: user, application: application, result: result}
	recv, err := discovery.NewReceiver(listenAddr, ageOut, ageOut/4, sub)
	if err != nil {
		return "", err
	}
	defer recv.Close()

	select {
	case loc := <-result:
		return strings.TrimPrefix(loc, "tcp://"), nil
	case <-time.After(ageOut):
		return "", fmt.Errorf("no APPCTL service found for %s/%s within %s", user, application, ageOut)
	}
}

type oneShotSub struct {
	user, application string
	result            chan string
}

func (s *oneShotSub) ServiceAdd(svc discovery.Service) {
	if svc.Name != "APPCTL" || svc.User != s.user || svc.Application != s.application {
		return
	}
	select {
	case s.result <- svc.Location:
	default:
	}
}

func (s *oneShotSub) ServiceRemove(discovery.Service) {}

func splitHostPort(s string) (host, port string, err error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port in %q", s)
	}
	return s[:i], s[i+1:], nil
}
