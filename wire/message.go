// Package wire implements the Framed Socket component (§4.1): a typed,
// schema-validated message envelope plus the textual wire framing that
// carries it, independent of the concrete transport underneath.
package wire

import "fmt"

// FieldType is the type tag for one positional message field (§3).
type FieldType int

const (
	TypeInt FieldType = iota
	TypeBool
	TypeString
	TypeBytes
)

func (t FieldType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Field is a tagged-union value for one message field, replacing the
// source's dynamically-typed dict entry with an explicit variant.
type Field struct {
	typ FieldType
	i   int64
	b   bool
	s   string
	by  []byte
}

func Int(v int64) Field    { return Field{typ: TypeInt, i: v} }
func Bool(v bool) Field    { return Field{typ: TypeBool, b: v} }
func String(v string) Field { return Field{typ: TypeString, s: v} }
func Bytes(v []byte) Field { return Field{typ: TypeBytes, by: v} }

func (f Field) Type() FieldType { return f.typ }

func (f Field) Int() int64 {
	if f.typ != TypeInt {
		panic(fmt.Sprintf("wire: field is %s, not int", f.typ))
	}
	return f.i
}

func (f Field) Bool() bool {
	if f.typ != TypeBool {
		panic(fmt.Sprintf("wire: field is %s, not bool", f.typ))
	}
	return f.b
}

func (f Field) String() string {
	switch f.typ {
	case TypeString:
		return f.s
	case TypeInt:
		return fmt.Sprintf("%d", f.i)
	case TypeBool:
		return fmt.Sprintf("%t", f.b)
	case TypeBytes:
		return fmt.Sprintf("<%d bytes>", len(f.by))
	}
	return ""
}

func (f Field) Bytes() []byte {
	if f.typ != TypeBytes {
		panic(fmt.Sprintf("wire: field is %s, not bytes", f.typ))
	}
	return f.by
}

// raw returns the field's byte representation on the wire: the UTF-8 text
// for int/bool/string fields, and the literal payload for bytes fields.
func (f Field) raw() []byte {
	switch f.typ {
	case TypeInt:
		return []byte(fmt.Sprintf("%d", f.i))
	case TypeBool:
		if f.b {
			return []byte{'1'}
		}
		return []byte{'0'}
	case TypeString:
		return []byte(f.s)
	case TypeBytes:
		return f.by
	}
	return nil
}

// Message is a header name, an ordered sequence of typed payload fields and
// an optional peer address (§3). Field(0) is the first payload field after
// the header.
type Message struct {
	Addr   string // peer identity for router channels; "" when not applicable
	Header string
	Fields []Field
}

func NewMessage(header string, fields ...Field) Message {
	return Message{Header: header, Fields: fields}
}

func (m Message) Field(i int) Field {
	return m.Fields[i]
}
