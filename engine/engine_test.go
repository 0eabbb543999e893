package engine

import (
	"testing"
	"time"

	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/wire"
)

func pingSchema() wire.Schema {
	return wire.Schema{
		"ping": {{Name: "n", Type: wire.TypeInt}},
		"pong": {{Name: "n", Type: wire.TypeInt}},
	}
}

func TestEngineValidatesUnknownNextState(t *testing.T) {
	schema := pingSchema()
	states := []StateSpec{
		{Name: "A", Messages: []MessageEntry{{Header: "ping", NextState: "NOPE"}}},
	}
	if _, err := New("test", "inproc://x", schema, states, nil); err == nil {
		t.Fatal("expected validation error for unknown next_state")
	}
}

func TestEngineValidatesUnknownSchemaHeader(t *testing.T) {
	schema := pingSchema()
	states := []StateSpec{
		{Name: "A", Messages: []MessageEntry{{Header: "nonesuch", NextState: "-"}}},
	}
	if _, err := New("test", "inproc://x", schema, states, nil); err == nil {
		t.Fatal("expected validation error for unknown schema header")
	}
}

func TestEngineTransitionsOnMessage(t *testing.T) {
	schema := pingSchema()
	transitions := make(chan [2]string, 8)
	states := []StateSpec{
		{
			Name: "A",
			Messages: []MessageEntry{
				{Header: "ping", NextState: "B", Handler: func(msg wire.Message) Result { return Ok() }},
			},
		},
		{Name: "B"},
	}
	obs := func(from, to string) { transitions <- [2]string{from, to} }
	e, err := New("test", "inproc://x", schema, states, obs)
	if err != nil {
		t.Fatal(err)
	}

	name := "test.engine.pingpong." + t.Name()
	srv := wire.NewSocket(wire.PushPull, "APP1")
	srv.BindSchema(schema)
	if _, err := srv.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Close()

	cli := wire.NewSocket(wire.PushPull, "APP1")
	cli.BindSchema(schema)
	if err := cli.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	r := reactor.New()
	go r.Run()
	defer r.Close()
	e.Bind(srv, r)

	if e.State() != "A" {
		t.Fatalf("expected initial state A, got %q", e.State())
	}

	if err := cli.Send(wire.NewMessage("ping", wire.Int(1))); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case tr := <-transitions:
		if tr != [2]string{"A", "B"} {
			t.Fatalf("unexpected transition: %v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
	}
}

func TestEngineHandlerFailureBlocksTransition(t *testing.T) {
	schema := pingSchema()
	states := []StateSpec{
		{
			Name: "A",
			Messages: []MessageEntry{
				{Header: "ping", NextState: "B", Handler: func(msg wire.Message) Result {
					return Fail(nil)
				}},
			},
		},
		{Name: "B"},
	}
	transitions := make(chan [2]string, 8)
	e, err := New("test", "inproc://x", schema, states, func(from, to string) { transitions <- [2]string{from, to} })
	if err != nil {
		t.Fatal(err)
	}

	name := "test.engine.failure." + t.Name()
	srv := wire.NewSocket(wire.PushPull, "APP1")
	srv.BindSchema(schema)
	if _, err := srv.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Close()
	cli := wire.NewSocket(wire.PushPull, "APP1")
	cli.BindSchema(schema)
	if err := cli.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	r := reactor.New()
	go r.Run()
	defer r.Close()
	e.Bind(srv, r)

	if err := cli.Send(wire.NewMessage("ping", wire.Int(1))); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case tr := <-transitions:
		t.Fatalf("unexpected transition on handler failure: %v", tr)
	case <-time.After(100 * time.Millisecond):
	}
	if e.State() != "A" {
		t.Fatalf("expected to remain in A, got %q", e.State())
	}
}

func TestEngineActionDispatchAndErrorState(t *testing.T) {
	schema := pingSchema()
	states := []StateSpec{
		{
			Name: "A",
			Actions: []ActionEntry{
				{Name: "fail-me", NextState: "B", ErrorState: "ERR", Handler: func(name string, args []any) Result {
					return Fail(nil)
				}},
			},
		},
		{Name: "B"},
		{Name: "ERR"},
	}
	transitions := make(chan [2]string, 8)
	e, err := New("test", "inproc://x", schema, states, func(from, to string) { transitions <- [2]string{from, to} })
	if err != nil {
		t.Fatal(err)
	}

	name := "test.engine.action." + t.Name()
	srv := wire.NewSocket(wire.PushPull, "APP1")
	srv.BindSchema(schema)
	if _, err := srv.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Close()
	dummyCli := wire.NewSocket(wire.PushPull, "APP1")
	dummyCli.BindSchema(schema)
	if err := dummyCli.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer dummyCli.Close()

	r := reactor.New()
	go r.Run()
	defer r.Close()
	e.Bind(srv, r)

	e.Action("fail-me")

	select {
	case tr := <-transitions:
		if tr != [2]string{"A", "ERR"} {
			t.Fatalf("expected transition to ERR on action failure, got %v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error transition")
	}
}
