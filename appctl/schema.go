// Package appctl implements the Application-Control Protocol (§4.7): the
// server and client state machines that load a payload artefact onto a
// remote instance, run it, relay its events, and tear it down.
package appctl

import "github.com/ddoucette/apphost/wire"

// Schema is the concrete positional schema table for the control
// protocol (§4.7).
var Schema = wire.Schema{
	"HOWDY":      {{Name: "user", Type: wire.TypeString}, {Name: "major", Type: wire.TypeInt}, {Name: "minor", Type: wire.TypeInt}},
	"HI":         {{Name: "major", Type: wire.TypeInt}, {Name: "minor", Type: wire.TypeInt}, {Name: "state", Type: wire.TypeString}, {Name: "file_name", Type: wire.TypeString}, {Name: "md5", Type: wire.TypeString}, {Name: "label", Type: wire.TypeString}},
	"LOAD":       {{Name: "file_name", Type: wire.TypeString}, {Name: "md5", Type: wire.TypeString}, {Name: "label", Type: wire.TypeString}},
	"LOAD_READY": {{Name: "file_name", Type: wire.TypeString}, {Name: "md5", Type: wire.TypeString}, {Name: "label", Type: wire.TypeString}},
	"CHUNK":      {{Name: "is_last", Type: wire.TypeBool}, {Name: "data", Type: wire.TypeBytes}},
	"CHUNK_OK":   {},
	"LOAD_OK":    {{Name: "file_name", Type: wire.TypeString}, {Name: "md5", Type: wire.TypeString}, {Name: "label", Type: wire.TypeString}},
	"RUN":        {{Name: "command", Type: wire.TypeString}},
	"RUN_OK":     {},
	"STOP":       {},
	"STOP_OK":    {},
	"EVENT":      {{Name: "event_type", Type: wire.TypeString}, {Name: "event_name", Type: wire.TypeString}, {Name: "timestamp", Type: wire.TypeString}, {Name: "data_type", Type: wire.TypeString}, {Name: "data", Type: wire.TypeString}},
	"FINISHED":   {{Name: "exit_code", Type: wire.TypeInt}},
	"ERROR":      {{Name: "message", Type: wire.TypeString}},
	"QUIT":       {},
}

// ProtocolVersion is the control protocol's (major, minor) pair; major
// must match exactly between peers, minor is recorded but never gates
// compatibility (§4.7).
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Server state names.
const (
	StateReady   = "READY"
	StateLoading = "LOADING"
	StateLoaded  = "LOADED"
	StateRunning = "RUNNING"
)

// Client state names.
const (
	ClientInit    = "INIT"
	ClientReady   = "READY"
	ClientLoading = "LOADING"
	ClientLoaded  = "LOADED"
	ClientRunning = "RUNNING"
	ClientError   = "ERROR"
	ClientDone    = "DONE"
)
