// Package fabric implements the Event Fabric (§4.4): named event
// publishers auto-advertised through discovery, and collectors that
// auto-connect to publishers matching a (user, application) filter and
// deliver parsed events filtered by type prefix.
package fabric

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ddoucette/apphost/cmn/mono"
	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/config"
	"github.com/ddoucette/apphost/discovery"
	"github.com/ddoucette/apphost/wire"
)

// ErrNotReady is returned by Publish before the init-delay has elapsed
// (§4.4 "wait at least one full beacon period"): no collector could
// possibly have discovered this publisher yet, so the send would only
// ever find zero subscribed peers.
var ErrNotReady = fmt.Errorf("fabric: publisher not ready, beacon period has not elapsed")

// ServiceName is the discovery service_name every fabric publisher
// advertises itself under (§4.4: collectors match on service_name ==
// EVENT before applying the user/application filter).
const ServiceName = "EVENT"

// Event is one parsed line off the fabric channel.
type Event struct {
	Type        string
	Name        string
	Timestamp   int64
	User        string
	Application string
	Payload     []string
}

func encodeEvent(e Event) string {
	parts := append([]string{e.Type, e.Name, strconv.FormatInt(e.Timestamp, 10), e.User, e.Application}, e.Payload...)
	return strings.Join(parts, " ")
}

// DecodeEventLine parses one fabric-format event line, as carried on a
// fabric channel or sent by a proxied child process. Exported so the supervisor
// package's AppEventProxy can re-validate records before republishing
// them (§4.8).
func DecodeEventLine(line string) (Event, error) {
	return decodeEvent(line)
}

func decodeEvent(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Event{}, fmt.Errorf("fabric: malformed event %q", line)
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("fabric: bad timestamp in %q: %w", line, err)
	}
	return Event{
		Type:        fields[0],
		Name:        fields[1],
		Timestamp:   ts,
		User:        fields[3],
		Application: fields[4],
		Payload:     fields[5:],
	}, nil
}

var fabricSchema = wire.Schema{"event-line": {{Name: "line", Type: wire.TypeString}}}

// Publisher is a named append-only fabric channel for one (user,
// application) (§4.4). Each NewPublisher binds its own socket; publishers
// with the same (user, application) do not share one.
type Publisher struct {
	user, application string
	sock              *wire.Socket
	emitter           *discovery.Emitter
	readyAt           int64 // mono.NanoTime() deadline
}

// NewPublisher binds a pub/sub socket and starts advertising it through
// discovery. Publish rejects sends with ErrNotReady until the init-delay
// deadline (§4.4 "wait at least one full beacon period") has elapsed;
// Ready is exposed for callers that want to check or wait on it directly.
func NewPublisher(user, application, bindAddr string, portRange [2]int, beaconAddr string, beaconPeriod time.Duration) (*Publisher, error) {
	sock := wire.NewSocket(wire.PubSub, "FABRIC1")
	sock.BindSchema(fabricSchema)
	// Hash (user, application) to a stable starting point within the
	// configured event port range, so the same logical publisher tends
	// to reclaim the same port across restarts instead of racing every
	// other publisher for the bottom of the range (§6 event_port_range).
	preferred := config.PreferredPort(config.PortRange{Lo: portRange[0], Hi: portRange[1]}, user, application)
	port, err := sock.BindPreferred("tcp", bindAddr, portRange, preferred)
	if err != nil {
		return nil, fmt.Errorf("fabric: bind publisher: %w", err)
	}

	loc := fmt.Sprintf("tcp://%s:%d", bindAddr, port)
	svc := discovery.Service{User: user, Application: application, Name: ServiceName, Location: loc}
	emitter, err := discovery.NewEmitter(svc, beaconAddr, beaconPeriod)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("fabric: start beacon: %w", err)
	}

	return &Publisher{
		user: user, application: application,
		sock: sock, emitter: emitter,
		readyAt: mono.NanoTime() + int64(beaconPeriod),
	}, nil
}

// Ready reports whether the init-delay has elapsed.
func (p *Publisher) Ready() bool { return mono.NanoTime() >= p.readyAt }

// Publish emits event_name/event_type/payload on the fabric channel
// (§4.4). The type is the first wire field so subscribers can filter by
// transport-level prefix.
func (p *Publisher) Publish(eventType, eventName string, payload ...string) error {
	if !p.Ready() {
		return ErrNotReady
	}
	e := Event{Type: eventType, Name: eventName, Timestamp: time.Now().Unix(), User: p.user, Application: p.application, Payload: payload}
	msg, err := fabricSchema.Build("event-line", wire.String(encodeEvent(e)))
	if err != nil {
		return err
	}
	return p.sock.Send(msg)
}

func (p *Publisher) Close() error {
	p.emitter.Stop()
	return p.sock.Close()
}

// Collector subscribes, across every matching discovered publisher, to a
// set of event types and delivers parsed events to callback (§4.4).
type Collector struct {
	eventTypes        []string
	callback          func(Event)
	user, application string // empty means "any"

	mu    sync.Mutex
	socks map[string]*wire.Socket // keyed by discovery Service.key()
}

// NewCollector constructs a collector; user/application act as filters
// (empty string means "any"), matching discovery service_add events for
// ServiceName.
func NewCollector(eventTypes []string, callback func(Event), user, application string) *Collector {
	return &Collector{eventTypes: eventTypes, callback: callback, user: user, application: application, socks: make(map[string]*wire.Socket)}
}

// ServiceAdd implements discovery.Subscriber: it connects to and
// subscribes on publishers whose service matches.
func (c *Collector) ServiceAdd(svc discovery.Service) {
	if svc.Name != ServiceName {
		return
	}
	if c.user != "" && svc.User != c.user {
		return
	}
	if c.application != "" && svc.Application != c.application {
		return
	}

	scheme, addr, port, err := parseLocation(svc.Location)
	if err != nil {
		nlog.Warningf("fabric: collector skipping bad location %q: %v", svc.Location, err)
		return
	}

	sock := wire.NewSocket(wire.PubSub, "FABRIC1")
	sock.BindSchema(fabricSchema)
	if err := sock.Connect(scheme, addr, port); err != nil {
		nlog.Warningf("fabric: collector connect failed: %v", err)
		return
	}
	for _, t := range c.eventTypes {
		if err := sock.Subscribe(t); err != nil {
			nlog.Warningf("fabric: subscribe %q failed: %v", t, err)
		}
	}

	key := svcKey(svc)
	c.mu.Lock()
	c.socks[key] = sock
	c.mu.Unlock()
	go c.readLoop(sock)
}

// ServiceRemove tears down the connection for a publisher that aged out
// or restarted.
func (c *Collector) ServiceRemove(svc discovery.Service) {
	key := svcKey(svc)
	c.mu.Lock()
	sock, ok := c.socks[key]
	if ok {
		delete(c.socks, key)
	}
	c.mu.Unlock()
	if ok {
		sock.Close()
	}
}

func (c *Collector) readLoop(sock *wire.Socket) {
	for {
		msg, err := sock.Recv()
		if err != nil {
			return
		}
		line := msg.Field(0).String()
		event, err := decodeEvent(line)
		if err != nil {
			nlog.Warningf("fabric: %v", err)
			continue
		}
		c.callback(event)
	}
}

func svcKey(svc discovery.Service) string {
	return svc.User + "\x1f" + svc.Application + "\x1f" + svc.Name + "\x1f" + svc.Location
}

func parseLocation(loc string) (scheme, addr string, port int, err error) {
	parts := strings.SplitN(loc, "://", 2)
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("fabric: malformed location %q", loc)
	}
	scheme = parts[0]
	rest := parts[1]
	if scheme == "ipc" || scheme == "inproc" {
		return scheme, rest, 0, nil
	}
	host, portStr, err := splitHostPort(rest)
	if err != nil {
		return "", "", 0, err
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("fabric: bad port in %q: %w", loc, err)
	}
	return scheme, host, p, nil
}

func splitHostPort(s string) (host, port string, err error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("fabric: missing port in %q", s)
	}
	return s[:i], s[i+1:], nil
}
