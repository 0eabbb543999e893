package supervisor

import (
	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/fabric"
	"github.com/ddoucette/apphost/wire"
)

// eventLineSchema is the wire schema the child speaks on its push
// channel: a single pre-encoded fabric event line per message, so the
// proxy can re-parse and re-publish it rather than trust the child's
// framing directly (§4.8: "enforcing that the child cannot forge
// headers").
var eventLineSchema = wire.Schema{"event-line": {{Name: "line", Type: wire.TypeString}}}

// childPublisher is the narrow surface AppEventProxy needs from a real
// fabric.Publisher.
type childPublisher interface {
	Publish(eventType, eventName string, payload ...string) error
}

// AppEventProxy binds an inproc/ipc pull channel at the address its caller
// gives and re-publishes every well-formed record it receives through the
// Event Fabric (§4.8). A malformed record is logged and dropped, never
// forwarded; a failed re-publish is logged.
type AppEventProxy struct {
	user, application string
	sock              *wire.Socket
	pub               childPublisher
	done              chan struct{}
}

// NewAppEventProxy binds scheme://bindAddr as a pull channel and starts
// relaying onto pub.
func NewAppEventProxy(user, application, scheme, bindAddr string, pub childPublisher) (*AppEventProxy, error) {
	sock := wire.NewSocket(wire.PushPull, "FABRIC1")
	sock.BindSchema(eventLineSchema)
	if _, err := sock.Bind(scheme, bindAddr, [2]int{0, 0}); err != nil {
		return nil, err
	}

	p := &AppEventProxy{user: user, application: application, sock: sock, pub: pub, done: make(chan struct{})}
	go p.readLoop()
	return p, nil
}

func (p *AppEventProxy) readLoop() {
	for {
		msg, err := p.sock.Recv()
		if err != nil {
			return
		}
		line := msg.Field(0).String()
		ev, err := fabric.DecodeEventLine(line)
		if err != nil {
			nlog.Errorf("supervisor: could not parse child event message %q: %v", line, err)
			continue
		}
		if err := p.pub.Publish(ev.Type, ev.Name, ev.Payload...); err != nil {
			nlog.Warningf("supervisor: re-publish failed: %v", err)
		}
	}
}

func (p *AppEventProxy) Close() error {
	close(p.done)
	return p.sock.Close()
}
