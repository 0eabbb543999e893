package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestSocketInprocPushPullRoundTrip(t *testing.T) {
	schema := testSchema()
	name := "test.pushpull." + t.Name()

	srv := NewSocket(PushPull, "APP1")
	srv.BindSchema(schema)
	if _, err := srv.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Close()

	cli := NewSocket(PushPull, "APP1")
	cli.BindSchema(schema)
	if err := cli.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	want := NewMessage("hi", String("server-1"))
	if err := cli.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := srv.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Header != "hi" || got.Field(0).String() != "server-1" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestSocketInprocReqRepReplyAddressesSender(t *testing.T) {
	schema := testSchema()
	name := "test.reqrep." + t.Name()

	srv := NewSocket(ReqRep, "APP1")
	srv.BindSchema(schema)
	if _, err := srv.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Close()

	cli := NewSocket(ReqRep, "APP1")
	cli.BindSchema(schema)
	if err := cli.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	if err := cli.Send(NewMessage("howdy", Int(1))); err != nil {
		t.Fatalf("send: %v", err)
	}
	req, err := srv.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if req.Addr == "" {
		t.Fatal("expected stashed reply-to address on server recv")
	}

	if err := srv.Send(NewMessage("hi", String("server-1"))); err != nil {
		t.Fatalf("reply send: %v", err)
	}
	rep, err := cli.Recv()
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if rep.Header != "hi" {
		t.Fatalf("unexpected reply: %+v", rep)
	}
}

func TestSocketPushPullSurvivesEmbeddedNewlineInBytesField(t *testing.T) {
	schema := testSchema()
	name := "test.pushpull.binary." + t.Name()

	srv := NewSocket(PushPull, "APP1")
	srv.BindSchema(schema)
	if _, err := srv.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Close()

	cli := NewSocket(PushPull, "APP1")
	cli.BindSchema(schema)
	if err := cli.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	// A chunk payload with an embedded 0x0A (and 0x00) byte would split a
	// newline-delimited frame in two; length-prefixed framing must carry
	// it through untouched.
	payload := []byte("line-one\nline-two\x00line-three")
	want := NewMessage("chunk", Int(1), Bool(true), Bytes(payload))
	if err := cli.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := srv.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got.Field(2).Bytes(), payload) {
		t.Fatalf("payload corrupted: got %q want %q", got.Field(2).Bytes(), payload)
	}
}

func TestSocketPubSubFiltersByPrefix(t *testing.T) {
	schema := Schema{
		"vital.cpu":   {{Name: "v", Type: TypeInt}},
		"status.idle": {{Name: "v", Type: TypeInt}},
	}
	name := "test.pubsub." + t.Name()

	pub := NewSocket(PubSub, "APP1")
	pub.BindSchema(schema)
	if _, err := pub.Bind("inproc", name, [2]int{0, 0}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer pub.Close()

	sub := NewSocket(PubSub, "APP1")
	sub.BindSchema(schema)
	if err := sub.Connect("inproc", name, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sub.Close()

	if err := sub.Subscribe("vital."); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// The subscription line travels the connection asynchronously; give
	// the publisher's read loop a moment to register it before publishing.
	time.Sleep(20 * time.Millisecond)

	// status.idle is outside the subscribed prefix, so it must not arrive
	// ahead of vital.cpu below.
	_ = pub.Send(NewMessage("status.idle", Int(1)))
	if err := pub.Send(NewMessage("vital.cpu", Int(99))); err != nil {
		t.Fatalf("publisher send: %v", err)
	}
	msg, err := sub.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Header != "vital.cpu" || msg.Field(0).Int() != 99 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
