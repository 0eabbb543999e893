// apphostd runs one application-control server instance: it binds the
// control protocol socket, advertises itself through discovery, opens its
// own Event Fabric publisher, and drives a Payload Supervisor on behalf of
// whatever client loads and runs a command against it.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ddoucette/apphost/appctl"
	"github.com/ddoucette/apphost/cmn/cos"
	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/config"
	"github.com/ddoucette/apphost/discovery"
	"github.com/ddoucette/apphost/fabric"
	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/supervisor"
	"github.com/ddoucette/apphost/vitals"
	"github.com/ddoucette/apphost/wire"
)

var (
	configPath  string
	user        string
	application string
	bindAddr    string
	beaconAddr  string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a JSON config file (defaults applied for anything absent)")
	flag.StringVar(&user, "user", "", "owning user name, matched against client HOWDY")
	flag.StringVar(&application, "application", "", "application name advertised through discovery")
	flag.StringVar(&bindAddr, "bind", "0.0.0.0", "address the control and event sockets bind on")
	flag.StringVar(&beaconAddr, "beacon-addr", "255.255.255.255:9000", "discovery broadcast address")
}

// childOwner adapts a Supervisor's relayed stdout/stderr/exit callbacks
// into control-protocol EVENT/FINISHED actions and a vital counter.
type childOwner struct {
	srv   *appctl.Server
	lines *vitals.Counter
}

func (o *childOwner) Stdout(line string) { o.relay("STDOUT", line) }
func (o *childOwner) Stderr(line string) { o.relay("STDERR", line) }

// relay reports a child output line as an EVENT of type eventType
// ("STDOUT"/"STDERR", §3's event-record category tag, §4.8 relay).
func (o *childOwner) relay(eventType, line string) {
	if err := o.lines.Add(1); err != nil {
		nlog.Warningf("apphostd: vital publish failed: %v", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	o.srv.Action("event", eventType, "line", ts, "string", line)
}

func (o *childOwner) Finished(exitCode int) {
	o.srv.Action("finished", exitCode)
}

func main() {
	flag.Parse()
	if user == "" || application == "" {
		fmt.Fprintln(os.Stderr, "apphostd: -user and -application are required")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		cos.ExitLogf("apphostd: load config: %v", err)
	}
	nlog.SetTitle(user + "/" + application)

	storageDir := cfg.StorageDir
	if storageDir == "" {
		storageDir = "."
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		cos.ExitLogf("apphostd: create storage dir %q: %v", storageDir, err)
	}

	pub, err := fabric.NewPublisher(user, application, bindAddr,
		[2]int{cfg.EventPortRange.Lo, cfg.EventPortRange.Hi}, beaconAddr, cfg.BeaconPeriod.Duration())
	if err != nil {
		cos.ExitLogf("apphostd: start event publisher: %v", err)
	}
	defer pub.Close()

	vitals.InitInvalidInputCounter(pub)
	childLines := vitals.NewCounter("child_output_lines", "lines of child stdout/stderr relayed", pub)

	sink := &childOwner{lines: childLines}
	sup := supervisor.New(sink, cfg.StopGracePeriod.Duration())

	srv, err := appctl.NewServer(appctl.ServerConfig{
		User:        user,
		LoadTimeout: cfg.LoadTimeout.Duration(),
		StorageDir:  storageDir,
	}, sup)
	if err != nil {
		cos.ExitLogf("apphostd: init control server: %v", err)
	}
	defer srv.Close()
	sink.srv = srv

	preferred := config.PreferredPort(cfg.ServerPortRange, user, application)
	ctlSock := wire.NewSocket(wire.PushPull, "APPCTL1")
	port, err := ctlSock.BindPreferred("tcp", bindAddr, [2]int{cfg.ServerPortRange.Lo, cfg.ServerPortRange.Hi}, preferred)
	if err != nil {
		cos.ExitLogf("apphostd: bind control socket: %v", err)
	}

	r := reactor.New()
	go r.Run()
	defer r.Close()
	srv.Bind(ctlSock, r)

	proxy, err := supervisor.NewAppEventProxy(user, application, "ipc", eventProxyPath(storageDir, user, application), pub)
	if err != nil {
		cos.ExitLogf("apphostd: start event proxy: %v", err)
	}
	defer proxy.Close()

	ctlLocation := fmt.Sprintf("tcp://%s:%d", bindAddr, port)
	emitter, err := discovery.NewEmitter(discovery.Service{
		User: user, Application: application, Name: "APPCTL", Location: ctlLocation,
	}, beaconAddr, cfg.BeaconPeriod.Duration())
	if err != nil {
		cos.ExitLogf("apphostd: start control beacon: %v", err)
	}
	defer emitter.Stop()

	nlog.Infof("apphostd: control socket listening on %s, events advertised on port range [%d,%d]",
		ctlLocation, cfg.EventPortRange.Lo, cfg.EventPortRange.Hi)

	waitForSignal()
	nlog.Infof("apphostd: shutting down")
}

func eventProxyPath(storageDir, user, application string) string {
	return storageDir + "/" + user + "." + application + ".events.sock"
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
