package wire

import "fmt"

// FieldDesc names and types one positional field of a schema entry (§3).
type FieldDesc struct {
	Name string
	Type FieldType
}

// Schema maps a header name to its ordered field descriptors. Two header
// names are reserved and schema-independent: keep-alive-req/-rep carry no
// payload fields and are handled by the protocol engine before schema
// lookup ever happens (§4.6 receive path, steps 1-2).
type Schema map[string][]FieldDesc

const (
	HdrKeepAliveReq = "keep-alive-req"
	HdrKeepAliveRep = "keep-alive-rep"
)

// Validate reports a construction-time error if the schema reserves one
// of the keep-alive header names for itself (a bug, never a runtime fault).
func (s Schema) Validate() error {
	for _, reserved := range []string{HdrKeepAliveReq, HdrKeepAliveRep} {
		if _, ok := s[reserved]; ok {
			return fmt.Errorf("wire: schema must not redefine reserved header %q", reserved)
		}
	}
	return nil
}

// Build constructs a Message for header, casting each supplied field
// against the schema's declared types, and errors on a field-count or
// type mismatch. It is the sender-side counterpart of Decode.
func (s Schema) Build(header string, fields ...Field) (Message, error) {
	descs, ok := s[header]
	if !ok {
		return Message{}, fmt.Errorf("wire: unknown header %q", header)
	}
	if len(fields) != len(descs) {
		return Message{}, fmt.Errorf("wire: header %q expects %d fields, got %d", header, len(descs), len(fields))
	}
	for i, d := range descs {
		if fields[i].Type() != d.Type {
			return Message{}, fmt.Errorf("wire: header %q field %d (%s): expected %s, got %s",
				header, i, d.Name, d.Type, fields[i].Type())
		}
	}
	return Message{Header: header, Fields: fields}, nil
}
