// Package discovery implements the UDP broadcast beacon protocol (§4.3):
// advertised services emit a periodic beacon, and every receiver ages
// entries out of a live-service list, reporting additions and removals
// to a subscriber.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ddoucette/apphost/cmn/cos"
	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/hk"
	"github.com/google/uuid"
	cuckoo "github.com/seiflotfy/cuckoofilter"
)

const (
	DefaultBeaconPeriod = 10 * time.Second
	DefaultAgeOut       = 40 * time.Second
	beaconTag           = "BEACON"
)

// Service identifies one advertised endpoint as carried on the beacon
// (§3 Service descriptor). UUID is a fresh value per process start, used
// only to detect a restart behind an otherwise-identical identity tuple;
// Identity is the opaque, stable §3 token distinguishing otherwise-
// identical service instances from one another.
type Service struct {
	UUID        string
	Identity    string
	User        string
	Application string
	Name        string // service_name, e.g. "EVENT"
	Location    string // opaque connect string, e.g. "tcp://host:port"
}

func (s Service) key() string {
	return strings.Join([]string{s.User, s.Application, s.Name, s.Location}, "\x1f")
}

// noneIdentity placeholds an empty Identity on the wire: strings.Fields
// collapses consecutive whitespace, so an empty field can't round-trip
// as a bare blank the way the other string fields can.
const noneIdentity = "-"

func (s Service) encode() string {
	identity := s.Identity
	if identity == "" {
		identity = noneIdentity
	}
	return fmt.Sprintf("%s %s %s %s %s %s %s", beaconTag, s.UUID, identity, s.User, s.Application, s.Name, s.Location)
}

func decodeBeacon(line string) (Service, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 || fields[0] != beaconTag {
		return Service{}, fmt.Errorf("discovery: malformed beacon %q", line)
	}
	identity := fields[2]
	if identity == noneIdentity {
		identity = ""
	}
	return Service{
		UUID: fields[1], Identity: identity, User: fields[3],
		Application: fields[4], Name: fields[5], Location: fields[6],
	}, nil
}

// Emitter periodically broadcasts a beacon for one advertised Service
// until Stop is called.
type Emitter struct {
	svc      Service
	period   time.Duration
	addr     *net.UDPAddr
	conn     *net.UDPConn
	hkName   string
	stopOnce sync.Once
}

// NewEmitter resolves broadcastAddr (e.g. "255.255.255.255:9000") and
// starts beaconing svc every period via the package housekeeper.
func NewEmitter(svc Service, broadcastAddr string, period time.Duration) (*Emitter, error) {
	if svc.UUID == "" {
		svc.UUID = uuid.NewString()
	}
	if svc.Identity == "" {
		svc.Identity = cos.GenUUID()
	}
	addr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve broadcast addr: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: dial broadcast: %w", err)
	}
	e := &Emitter{svc: svc, period: period, addr: addr, conn: conn, hkName: "discovery.emit." + svc.key()}
	e.tick()
	return e, nil
}

func (e *Emitter) tick() {
	if _, err := e.conn.Write([]byte(e.svc.encode())); err != nil {
		nlog.Warningf("discovery: beacon write failed: %v", err)
	}
	hk.Reg(e.hkName, e.period, e.tick)
}

func (e *Emitter) Stop() {
	e.stopOnce.Do(func() {
		hk.Unreg(e.hkName)
		e.conn.Close()
	})
}

// Subscriber is notified of services entering and leaving the live set.
type Subscriber interface {
	ServiceAdd(svc Service)
	ServiceRemove(svc Service)
}

type liveEntry struct {
	svc      Service
	lastSeen time.Time
}

// Receiver listens for beacons on a UDP port and maintains an age-out
// list, reporting changes to sub (§4.3 aging and restart handling).
type Receiver struct {
	conn   *net.UDPConn
	sub    Subscriber
	ageOut time.Duration

	mu   sync.Mutex
	live map[string]*liveEntry

	// seenBeacons dedups "first beacon from this uuid" log lines on a
	// noisy network without keeping an unbounded exact set.
	seenBeacons *cuckoo.Filter

	closeOnce sync.Once
	done      chan struct{}
}

// NewReceiver listens on listenAddr (e.g. ":9000") and begins aging
// entries out after ageOut of silence, checked every sweepPeriod.
func NewReceiver(listenAddr string, ageOut, sweepPeriod time.Duration, sub Subscriber) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}
	r := &Receiver{
		conn: conn, sub: sub, ageOut: ageOut,
		live:        make(map[string]*liveEntry),
		seenBeacons: cuckoo.NewFilter(1024),
		done:        make(chan struct{}),
	}
	go r.readLoop()
	r.scheduleSweep(sweepPeriod)
	return r, nil
}

func (r *Receiver) scheduleSweep(period time.Duration) {
	hk.Reg(r.sweepName(), period, func() {
		r.sweep()
		select {
		case <-r.done:
		default:
			r.scheduleSweep(period)
		}
	})
}

func (r *Receiver) sweepName() string { return fmt.Sprintf("discovery.sweep.%p", r) }

func (r *Receiver) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return // closed
		}
		svc, err := decodeBeacon(string(buf[:n]))
		if err != nil {
			nlog.Warningf("discovery: %v", err)
			continue
		}
		if r.logFirstSighting(svc) {
			nlog.Infof("discovery: first beacon seen from %s/%s/%s@%s (uuid %s)", svc.User, svc.Application, svc.Name, svc.Location, svc.UUID)
		}
		r.observe(svc)
	}
}

// logFirstSighting reports whether uuid is new, using a cuckoo filter
// instead of an exact set so a long-running receiver's memory stays
// bounded under a noisy beacon storm from many short-lived uuids.
func (r *Receiver) logFirstSighting(svc Service) bool {
	key := []byte(svc.UUID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seenBeacons.Lookup(key) {
		return false
	}
	r.seenBeacons.InsertUnique(key)
	return true
}

func (r *Receiver) observe(svc Service) {
	now := time.Now()
	key := svc.key()

	r.mu.Lock()
	existing, ok := r.live[key]
	if ok && existing.svc.UUID != svc.UUID {
		// Restart: same identity tuple, new uuid. Remove then re-add.
		delete(r.live, key)
		ok = false
		r.mu.Unlock()
		r.sub.ServiceRemove(existing.svc)
		r.mu.Lock()
	}
	if !ok {
		r.live[key] = &liveEntry{svc: svc, lastSeen: now}
		r.mu.Unlock()
		r.sub.ServiceAdd(svc)
		return
	}
	existing.lastSeen = now
	r.mu.Unlock()
}

func (r *Receiver) sweep() {
	now := time.Now()
	var removed []Service
	r.mu.Lock()
	for key, e := range r.live {
		if now.Sub(e.lastSeen) > r.ageOut {
			removed = append(removed, e.svc)
			delete(r.live, key)
		}
	}
	r.mu.Unlock()
	for _, svc := range removed {
		r.sub.ServiceRemove(svc)
	}
}

// Live returns a snapshot of the currently live services.
func (r *Receiver) Live() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Service, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e.svc)
	}
	return out
}

func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		hk.Unreg(r.sweepName())
		r.conn.Close()
	})
	return nil
}
