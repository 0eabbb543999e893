package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ddoucette/apphost/cmn/nlog"
)

// maxFrameLen bounds the 4-byte length prefix so a corrupt or hostile
// peer can't make readLoop allocate an unbounded buffer; well above any
// real chunk size (§6 chunk_size default 15000).
const maxFrameLen = 64 << 20

// peerSeq generates peer ids: net.Pipe's RemoteAddr() is the same literal
// "pipe" string on every inproc connection, so the remote address can't
// double as a peer identity the way it can for tcp/ipc.
var peerSeq int64

// Kind names the logical channel primitive a Socket realizes (§1 scope:
// "typed request/reply, dealer/router, publish/subscribe, push/pull, and
// pair-inproc channels with at-most-one-in-flight framing per logical
// message"). The concrete transport underneath is tcp, ipc (a Unix domain
// socket), or inproc (an in-process registry), per §3's location scheme.
type Kind int

const (
	ReqRep Kind = iota
	DealerRouter
	PubSub
	PushPull
	PairInproc
)

// inproc registry: scheme "inproc" binds register a listener function by
// name that inproc dials look up directly, skipping the network stack.
var (
	inprocMu  sync.Mutex
	inprocReg = map[string]*inprocListener{}
)

type inprocListener struct {
	accept chan net.Conn
}

func inprocListen(name string) (*inprocListener, error) {
	inprocMu.Lock()
	defer inprocMu.Unlock()
	if _, ok := inprocReg[name]; ok {
		return nil, fmt.Errorf("wire: inproc name %q already bound", name)
	}
	l := &inprocListener{accept: make(chan net.Conn)}
	inprocReg[name] = l
	return l, nil
}

func inprocUnlisten(name string) {
	inprocMu.Lock()
	delete(inprocReg, name)
	inprocMu.Unlock()
}

func inprocDial(name string) (net.Conn, error) {
	inprocMu.Lock()
	l, ok := inprocReg[name]
	inprocMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wire: no inproc listener %q", name)
	}
	c1, c2 := net.Pipe()
	l.accept <- c1
	return c2, nil
}

type peer struct {
	id     string
	conn   net.Conn
	w      *bufio.Writer
	prefix []string // pub/sub: prefixes this peer (as subscriber) wants
}

// Socket is a framed, schema-agnostic transport endpoint. It frames and
// deframes messages per §4.1 and leaves schema casting to the caller
// (normally the protocol engine).
type Socket struct {
	kind      Kind
	signature string

	mu       sync.Mutex
	peers    map[string]*peer
	lastPeer string // stashed reply-to address for reply/router sockets

	listener  net.Listener
	inprocLis *inprocListener
	inprocNm  string

	incoming    chan incomingFrame
	closeOnce   sync.Once
	closed      chan struct{}
	boundSchema Schema

	Counters Counters
}

type incomingFrame struct {
	from *peer
	msg  Message
	err  error
}

func NewSocket(kind Kind, signature string) *Socket {
	return &Socket{
		kind:      kind,
		signature: signature,
		peers:     make(map[string]*peer),
		incoming:  make(chan incomingFrame, 64),
		closed:    make(chan struct{}),
	}
}

// Bind listens on scheme://address, trying each port in [lo,hi] ascending
// until one succeeds (§4.1); failure across the whole range is fatal.
func (s *Socket) Bind(scheme, address string, portRange [2]int) (port int, err error) {
	switch scheme {
	case "inproc":
		lis, e := inprocListen(address)
		if e != nil {
			return 0, e
		}
		s.inprocLis = lis
		s.inprocNm = address
		go s.acceptInprocLoop()
		return 0, nil
	case "ipc":
		l, e := net.Listen("unix", address)
		if e != nil {
			return 0, fmt.Errorf("wire: bind ipc %s: %w", address, e)
		}
		s.listener = l
		go s.acceptLoop()
		return 0, nil
	case "tcp":
		lo, hi := portRange[0], portRange[1]
		for p := lo; p <= hi; p++ {
			if port, ok := s.bindTCPPort(address, p); ok {
				return port, nil
			}
		}
		return 0, fmt.Errorf("wire: bind tcp %s: no free port in [%d,%d]", address, lo, hi)
	default:
		return 0, fmt.Errorf("wire: unknown scheme %q", scheme)
	}
}

// BindPreferred behaves like Bind for tcp but starts its linear scan at
// preferred (wrapping around to lo if preferred falls outside the range)
// instead of always starting at lo, so a caller that derives a stable
// per-identity starting point (e.g. a hash of a (user,application) pair)
// tends to reclaim the same port across restarts instead of always
// racing for the bottom of the range. ipc/inproc ignore preferred and
// behave exactly like Bind.
func (s *Socket) BindPreferred(scheme, address string, portRange [2]int, preferred int) (port int, err error) {
	if scheme != "tcp" {
		return s.Bind(scheme, address, portRange)
	}
	lo, hi := portRange[0], portRange[1]
	if preferred < lo || preferred > hi {
		preferred = lo
	}
	for p := preferred; p <= hi; p++ {
		if port, ok := s.bindTCPPort(address, p); ok {
			return port, nil
		}
	}
	for p := lo; p < preferred; p++ {
		if port, ok := s.bindTCPPort(address, p); ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("wire: bind tcp %s: no free port in [%d,%d]", address, lo, hi)
}

func (s *Socket) bindTCPPort(address string, p int) (int, bool) {
	l, e := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(p)))
	if e != nil {
		return 0, false
	}
	s.listener = l
	go s.acceptLoop()
	return p, true
}

// Connect dials scheme://address:port (port ignored for ipc/inproc).
func (s *Socket) Connect(scheme, address string, port int) error {
	var (
		conn net.Conn
		err  error
	)
	switch scheme {
	case "inproc":
		conn, err = inprocDial(address)
	case "ipc":
		conn, err = net.Dial("unix", address)
	case "tcp":
		conn, err = net.Dial("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	default:
		return fmt.Errorf("wire: unknown scheme %q", scheme)
	}
	if err != nil {
		return fmt.Errorf("wire: connect %s://%s: %w", scheme, address, err)
	}
	p := s.addPeer(conn)
	go s.readLoop(p)
	return nil
}

func (s *Socket) addPeer(conn net.Conn) *peer {
	id := fmt.Sprintf("%s#%d", conn.RemoteAddr().String(), atomic.AddInt64(&peerSeq, 1))
	p := &peer{id: id, conn: conn, w: bufio.NewWriter(conn)}
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	return p
}

func (s *Socket) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		p := s.addPeer(conn)
		go s.readLoop(p)
	}
}

func (s *Socket) acceptInprocLoop() {
	for conn := range s.inprocLis.accept {
		p := s.addPeer(conn)
		go s.readLoop(p)
	}
}

// readLoop reads length-delimited frames from one peer connection: a
// 4-byte big-endian length prefix followed by exactly that many frame
// bytes. The frame body (§4.1's SIGN@ADDR:L1:...:LN:+F1...FN) is itself
// binary-safe since Bytes fields are length-prefixed, not delimited, so
// the stream-level prefix must not reintroduce a byte-value sentinel —
// a newline terminator would split any payload containing 0x0A.
func (s *Socket) readLoop(p *peer) {
	r := bufio.NewReader(p.conn)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			s.mu.Lock()
			delete(s.peers, p.id)
			s.mu.Unlock()
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameLen {
			nlog.Warningf("wire: peer %s sent oversize frame length %d, closing", p.id, n)
			s.mu.Lock()
			delete(s.peers, p.id)
			s.mu.Unlock()
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			s.mu.Lock()
			delete(s.peers, p.id)
			s.mu.Unlock()
			return
		}
		if bytes.HasPrefix(frame, []byte("SUB ")) {
			s.mu.Lock()
			p.prefix = append(p.prefix, strings.TrimPrefix(string(frame), "SUB "))
			s.mu.Unlock()
			continue
		}
		msg, err := Decode(s.signature, s.schema(), frame)
		if err != nil {
			s.Counters.RxErrBadHeader.Add(1)
			nlog.Warningf("wire: dropping malformed frame from %s: %v", p.id, err)
			continue
		}
		s.incoming <- incomingFrame{from: p, msg: msg}
	}
}

// schema returns the schema installed via BindSchema, or an empty schema
// (only keep-alive headers decode) if none has been bound yet.
func (s *Socket) schema() Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundSchema == nil {
		return Schema{}
	}
	return s.boundSchema
}

// BindSchema installs the schema used to cast inbound fields.
func (s *Socket) BindSchema(sch Schema) {
	s.mu.Lock()
	s.boundSchema = sch
	s.mu.Unlock()
}

// Subscribe registers a type-prefix filter (§4.4): for PubSub sockets used
// as a subscriber, every outbound connection announces the prefix so the
// publisher can fan out selectively.
func (s *Socket) Subscribe(prefix string) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		if err := s.writeFrame(p, []byte("SUB "+prefix)); err != nil {
			return err
		}
	}
	return nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by frame,
// matching readLoop's framing so binary-safe Bytes fields survive
// verbatim (§6).
func (s *Socket) writeFrame(p *peer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := p.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := p.w.Write(frame); err != nil {
		return err
	}
	return p.w.Flush()
}

// Send frames and writes msg. Router-type sockets (DealerRouter used
// server-side) address the stashed reply-to peer unless msg.Addr is set
// explicitly; PubSub sockets used as a publisher fan out to every
// subscribed peer whose prefix matches the message header.
func (s *Socket) Send(msg Message) error {
	hdrAddr := msg.Addr
	if s.kind == DealerRouter || s.kind == ReqRep {
		hdrAddr = "" // the peer is picked below; the header carries "none"
	}
	frame := Encode(s.signature, hdrAddr, msg)

	s.mu.Lock()
	var targets []*peer
	switch s.kind {
	case PubSub:
		for _, p := range s.peers {
			if peerWants(p, msg.Header) {
				targets = append(targets, p)
			}
		}
	case DealerRouter, ReqRep:
		addr := msg.Addr
		if addr == "" {
			addr = s.lastPeer
		}
		if p, ok := s.peers[addr]; ok {
			targets = append(targets, p)
		} else if len(s.peers) == 1 {
			for _, p := range s.peers {
				targets = append(targets, p)
			}
		}
	default: // PushPull, PairInproc: single logical peer
		for _, p := range s.peers {
			targets = append(targets, p)
			break
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("wire: send %q: no connected peer", msg.Header)
	}
	for _, p := range targets {
		if err := s.writeFrame(p, frame); err != nil {
			return err
		}
	}
	return nil
}

func peerWants(p *peer, header string) bool {
	if len(p.prefix) == 0 {
		return false
	}
	for _, pre := range p.prefix {
		if pre == "*" || strings.HasPrefix(header, pre) {
			return true
		}
	}
	return false
}

// Recv blocks for the next inbound message. For router-type sockets the
// sender's address is stashed as the reply-to target (§4.6 step 4).
func (s *Socket) Recv() (Message, error) {
	select {
	case f := <-s.incoming:
		if f.err != nil {
			return Message{}, f.err
		}
		s.mu.Lock()
		s.lastPeer = f.from.id
		s.mu.Unlock()
		msg := f.msg
		if s.kind == DealerRouter || s.kind == ReqRep {
			msg.Addr = f.from.id
		}
		return msg, nil
	case <-s.closed:
		return Message{}, fmt.Errorf("wire: socket closed")
	}
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.inprocLis != nil {
			inprocUnlisten(s.inprocNm)
		}
		s.mu.Lock()
		for _, p := range s.peers {
			p.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}
