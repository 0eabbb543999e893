package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/ddoucette/apphost/cmn/atomic"
)

// Counters tracks the per-socket rejection tallies called out in §4.1 and
// §7: malformed frames are dropped silently on the wire but must still be
// observable for diagnostics.
type Counters struct {
	RxErrBadHeader atomic.Int64
}

const noneAddr = "none"

// Encode renders msg as one transport frame:
// SIGN@ADDR:L1:L2:...:LN:+F1F2...FN
//
// ADDR is the literal "none" unless addr is non-empty (router channels
// carry the peer address out-of-band instead; see §4.1).
func Encode(signature string, addr string, msg Message) []byte {
	if addr == "" {
		addr = noneAddr
	}
	raws := make([][]byte, len(msg.Fields)+1)
	raws[0] = []byte(msg.Header)
	for i, f := range msg.Fields {
		raws[i+1] = f.raw()
	}

	var b bytes.Buffer
	b.WriteString(signature)
	b.WriteByte('@')
	b.WriteString(addr)
	for _, r := range raws {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(r)))
	}
	b.WriteString(":+")
	for _, r := range raws {
		b.Write(r)
	}
	return b.Bytes()
}

// Decode parses a raw frame against signature and schema, producing a
// Message. Framing errors (§4.1, §7) are returned as plain errors; callers
// are expected to bump Counters.RxErrBadHeader and drop the frame silently
// rather than propagate it.
func Decode(signature string, schema Schema, frame []byte) (Message, error) {
	at := bytes.IndexByte(frame, '@')
	if at < 0 || string(frame[:at]) != signature {
		return Message{}, fmt.Errorf("wire: bad signature")
	}
	rest := frame[at+1:]

	colon := bytes.IndexByte(rest, ':')
	if colon < 0 {
		return Message{}, fmt.Errorf("wire: malformed frame: no address separator")
	}
	addr := string(rest[:colon])
	rest = rest[colon+1:]

	plus := bytes.IndexByte(rest, '+')
	if plus < 0 {
		return Message{}, fmt.Errorf("wire: malformed frame: no length/body separator")
	}
	lenPart := rest[:plus]
	body := rest[plus+1:]

	lenPart = bytes.TrimSuffix(lenPart, []byte{':'})
	var lens []int
	if len(lenPart) > 0 {
		for _, tok := range bytes.Split(lenPart, []byte{':'}) {
			n, err := strconv.Atoi(string(tok))
			if err != nil || n < 0 {
				return Message{}, fmt.Errorf("wire: malformed frame: bad field length %q", tok)
			}
			lens = append(lens, n)
		}
	}
	if len(lens) == 0 {
		return Message{}, fmt.Errorf("wire: malformed frame: no fields")
	}

	total := 0
	for _, n := range lens {
		total += n
	}
	if total != len(body) {
		return Message{}, fmt.Errorf("wire: malformed frame: length prefixes (%d) don't cover body (%d)", total, len(body))
	}

	raws := make([][]byte, len(lens))
	off := 0
	for i, n := range lens {
		raws[i] = body[off : off+n]
		off += n
	}

	header := string(raws[0])
	if header == HdrKeepAliveReq || header == HdrKeepAliveRep {
		if len(raws) != 1 {
			return Message{}, fmt.Errorf("wire: %q carries no payload fields", header)
		}
		m := Message{Header: header}
		if addr != noneAddr {
			m.Addr = addr
		}
		return m, nil
	}

	descs, ok := schema[header]
	if !ok {
		return Message{}, fmt.Errorf("wire: unknown header %q", header)
	}
	if len(raws)-1 != len(descs) {
		return Message{}, fmt.Errorf("wire: header %q expects %d fields, got %d", header, len(descs), len(raws)-1)
	}

	fields := make([]Field, len(descs))
	for i, d := range descs {
		raw := raws[i+1]
		f, err := castField(d.Type, raw)
		if err != nil {
			return Message{}, fmt.Errorf("wire: header %q field %d (%s): %w", header, i, d.Name, err)
		}
		fields[i] = f
	}

	m := Message{Header: header, Fields: fields}
	if addr != noneAddr {
		m.Addr = addr
	}
	return m, nil
}

// castField converts a raw wire field to its declared type. Booleans are
// cast from the literal bytes '0'/'1' only, never from string literals
// such as "true" (§4.6 receive path, step 3).
func castField(t FieldType, raw []byte) (Field, error) {
	switch t {
	case TypeInt:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Field{}, fmt.Errorf("cast to int failed: %w", err)
		}
		return Int(n), nil
	case TypeBool:
		if len(raw) != 1 || (raw[0] != '0' && raw[0] != '1') {
			return Field{}, fmt.Errorf("cast to bool failed: expected 0 or 1, got %q", raw)
		}
		return Bool(raw[0] == '1'), nil
	case TypeString:
		return String(string(raw)), nil
	case TypeBytes:
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return Bytes(cp), nil
	default:
		return Field{}, fmt.Errorf("unknown field type %d", t)
	}
}
