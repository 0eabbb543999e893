package wire

import (
	"bytes"
	"testing"
)

func testSchema() Schema {
	return Schema{
		"howdy": {{Name: "proto_version", Type: TypeInt}},
		"hi":    {{Name: "server_id", Type: TypeString}},
		"chunk": {{Name: "seq", Type: TypeInt}, {Name: "last", Type: TypeBool}, {Name: "data", Type: TypeBytes}},
	}
}

func TestSchemaValidateRejectsReservedHeader(t *testing.T) {
	s := Schema{HdrKeepAliveReq: {{Name: "x", Type: TypeInt}}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error redefining reserved header")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	schema := testSchema()
	cases := []Message{
		NewMessage("howdy", Int(3)),
		NewMessage("hi", String("server-7")),
		NewMessage("chunk", Int(42), Bool(true), Bytes([]byte{0x00, 0xff, 0x10})),
		NewMessage("chunk", Int(0), Bool(false), Bytes(nil)),
	}
	for _, m := range cases {
		frame := Encode("APP1", "", m)
		got, err := Decode("APP1", schema, frame)
		if err != nil {
			t.Fatalf("decode(%q): %v", m.Header, err)
		}
		if got.Header != m.Header {
			t.Fatalf("header mismatch: got %q want %q", got.Header, m.Header)
		}
		if len(got.Fields) != len(m.Fields) {
			t.Fatalf("field count mismatch for %q: got %d want %d", m.Header, len(got.Fields), len(m.Fields))
		}
		for i := range m.Fields {
			if !fieldEqual(got.Fields[i], m.Fields[i]) {
				t.Fatalf("%q field %d mismatch: got %v want %v", m.Header, i, got.Fields[i], m.Fields[i])
			}
		}
	}
}

func fieldEqual(a, b Field) bool {
	if a.Type() != b.Type() {
		return false
	}
	switch a.Type() {
	case TypeInt:
		return a.Int() == b.Int()
	case TypeBool:
		return a.Bool() == b.Bool()
	case TypeString:
		return a.String() == b.String()
	case TypeBytes:
		return bytes.Equal(a.Bytes(), b.Bytes())
	}
	return false
}

func TestEncodeUsesNoneAddrWhenEmpty(t *testing.T) {
	frame := Encode("APP1", "", NewMessage("howdy", Int(1)))
	if !bytes.Contains(frame, []byte("@none:")) {
		t.Fatalf("expected literal none address, got %q", frame)
	}
}

func TestEncodeCarriesExplicitAddr(t *testing.T) {
	frame := Encode("APP1", "peer-9", NewMessage("howdy", Int(1)))
	if !bytes.Contains(frame, []byte("@peer-9:")) {
		t.Fatalf("expected peer-9 address, got %q", frame)
	}
	got, err := Decode("APP1", testSchema(), frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Addr != "peer-9" {
		t.Fatalf("addr not round-tripped: got %q", got.Addr)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	frame := Encode("APP1", "", NewMessage("howdy", Int(1)))
	if _, err := Decode("OTHER", testSchema(), frame); err == nil {
		t.Fatal("expected signature mismatch error")
	}
}

func TestDecodeRejectsUnknownHeader(t *testing.T) {
	frame := Encode("APP1", "", NewMessage("nonesuch"))
	if _, err := Decode("APP1", testSchema(), frame); err == nil {
		t.Fatal("expected unknown header error")
	}
}

func TestDecodeRejectsWrongFieldCount(t *testing.T) {
	frame := Encode("APP1", "", NewMessage("howdy", Int(1), Int(2)))
	if _, err := Decode("APP1", testSchema(), frame); err == nil {
		t.Fatal("expected field count mismatch error")
	}
}

func TestDecodeBoolOnlyAcceptsZeroOrOne(t *testing.T) {
	// Hand-build a frame whose bool field is the ASCII text "true" rather
	// than the byte '1', which must be rejected per §4.6 step 3.
	raws := [][]byte{[]byte("chunk"), []byte("7"), []byte("true"), []byte("x")}
	var b bytes.Buffer
	b.WriteString("APP1@none")
	for _, r := range raws {
		b.WriteByte(':')
		b.WriteString(itoa(len(r)))
	}
	b.WriteString(":+")
	for _, r := range raws {
		b.Write(r)
	}
	if _, err := Decode("APP1", testSchema(), b.Bytes()); err == nil {
		t.Fatal("expected bool cast failure for literal \"true\"")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestDecodeKeepAliveHasNoFields(t *testing.T) {
	frame := Encode("APP1", "", Message{Header: HdrKeepAliveReq})
	got, err := Decode("APP1", testSchema(), frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header != HdrKeepAliveReq || len(got.Fields) != 0 {
		t.Fatalf("unexpected keep-alive decode: %+v", got)
	}
}

func TestSchemaBuildValidatesFieldTypes(t *testing.T) {
	schema := testSchema()
	if _, err := schema.Build("howdy", String("nope")); err == nil {
		t.Fatal("expected type mismatch error")
	}
	if _, err := schema.Build("howdy", Int(3), Int(4)); err == nil {
		t.Fatal("expected field count mismatch error")
	}
	m, err := schema.Build("howdy", Int(3))
	if err != nil {
		t.Fatal(err)
	}
	if m.Field(0).Int() != 3 {
		t.Fatalf("unexpected built field: %v", m.Field(0))
	}
}
