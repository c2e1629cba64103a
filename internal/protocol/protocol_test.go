package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func sampleFrames() []Frame {
	return []Frame{
		&Info{Server: ServerInfo{
			ServerID:    "srv-1",
			Version:     "2.10.0",
			Proto:       1,
			Host:        "127.0.0.1",
			Port:        4222,
			MaxPayload:  1 << 20,
			ClientID:    7,
			ConnectURLs: []string{"10.0.0.2:4222", "10.0.0.3:4222"},
		}},
		&Connect{Options: ConnectInfo{Verbose: true, Name: "edge", Lang: "go", Version: "0.1.0", Protocol: 1, Echo: true}},
		&Pub{Subject: "foo.bar", Payload: []byte("hello")},
		&Pub{Subject: "foo.bar", Reply: "_INBOX.abc", Payload: []byte("with\r\nCRLF inside")},
		&Pub{Subject: "empty"},
		&Sub{Subject: "foo.*", SID: "1"},
		&Sub{Subject: "foo.>", Queue: "workers", SID: "22"},
		&Unsub{SID: "1"},
		&Unsub{SID: "22", Max: 5},
		&Msg{Subject: "foo.bar", SID: "1", Payload: []byte("toto")},
		&Msg{Subject: "foo.bar", SID: "1", Reply: "_INBOX.xyz", Payload: []byte{0, 1, 2, '\n'}},
		&Ping{},
		&Pong{},
		&OK{},
		&Err{Reason: "Unknown Protocol Operation"},
	}
}

func encodeAll(t *testing.T, frames []Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		var err error
		out, err = Encoder{}.Append(out, f)
		if err != nil {
			t.Fatalf("encode %s: %v", f.Op(), err)
		}
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, in := range sampleFrames() {
		wire, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Op(), err)
		}
		out, n, err := Decode(wire)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Op(), err)
		}
		if n != len(wire) {
			t.Fatalf("%s consumed=%d want=%d", in.Op(), n, len(wire))
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s round trip mismatch:\n in=%#v\nout=%#v", in.Op(), in, out)
		}
	}
}

func TestDecoderSplitAtEveryBoundary(t *testing.T) {
	testlog.Start(t)
	want := sampleFrames()
	wire := encodeAll(t, want)

	for split := 0; split <= len(wire); split++ {
		d := NewDecoder(0)
		var got []Frame
		for _, chunk := range [][]byte{wire[:split], wire[split:]} {
			d.Feed(chunk)
			for {
				f, err := d.Next()
				if err != nil {
					t.Fatalf("split=%d: %v", split, err)
				}
				if f == nil {
					break
				}
				got = append(got, f)
			}
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("split=%d: got %d frames want %d", split, len(got), len(want))
		}
		if d.Buffered() != 0 {
			t.Fatalf("split=%d: %d bytes left buffered", split, d.Buffered())
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	testlog.Start(t)
	want := sampleFrames()
	wire := encodeAll(t, want)

	d := NewDecoder(0)
	var got []Frame
	for i := range wire {
		d.Feed(wire[i : i+1])
		for {
			f, err := d.Next()
			if err != nil {
				t.Fatalf("byte %d: %v", i, err)
			}
			if f == nil {
				break
			}
			got = append(got, f)
		}
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("byte feed mismatch: got %d frames want %d", len(got), len(want))
	}
}

func TestDecodeWaitsForFullPayload(t *testing.T) {
	testlog.Start(t)
	partial := []byte("MSG foo 1 10\r\n01234")
	f, n, err := Decode(partial)
	if err != nil || f != nil || n != 0 {
		t.Fatalf("expected incomplete, got frame=%v n=%d err=%v", f, n, err)
	}
	whole := append(partial, []byte("56789\r\nPING\r\n")...)
	f, n, err = Decode(whole)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, ok := f.(*Msg)
	if !ok || string(msg.Payload) != "0123456789" {
		t.Fatalf("unexpected frame %#v", f)
	}
	if string(whole[n:]) != "PING\r\n" {
		t.Fatalf("remainder=%q", whole[n:])
	}
}

func TestDecodeTabsAndLowercaseOps(t *testing.T) {
	testlog.Start(t)
	f, _, err := Decode([]byte("msg\tFOO\tpouet\t4\r\ntoto\r\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg := f.(*Msg)
	if msg.Subject != "FOO" || msg.SID != "pouet" || msg.Reply != "" || string(msg.Payload) != "toto" {
		t.Fatalf("unexpected msg %#v", msg)
	}
	f, _, err = Decode([]byte("ping\n"))
	if err != nil {
		t.Fatalf("decode bare LF ping: %v", err)
	}
	if f.Op() != OpPing {
		t.Fatalf("expected PING, got %s", f.Op())
	}
}

func TestDecodeErrors(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"unknown op", "BOGUS x\r\n", ErrUnknownOp},
		{"empty line", "\r\n", ErrUnknownOp},
		{"msg missing args", "MSG foo 3\r\nabc\r\n", ErrMalformed},
		{"msg bad size", "MSG foo 1 x\r\n", ErrMalformed},
		{"msg negative size", "MSG foo 1 -1\r\n", ErrMalformed},
		{"payload without crlf", "MSG foo 1 3\r\nabcXY", ErrMalformed},
		{"sub too many args", "SUB a b c d\r\n", ErrMalformed},
		{"unsub bad max", "UNSUB 1 many\r\n", ErrMalformed},
		{"info bad json", "INFO {nope\r\n", ErrMalformed},
		{"payload over limit", "MSG foo 1 99999999999\r\n", ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		_, _, err := Decode([]byte(tc.in))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected *ProtocolError, got %T", tc.name, err)
		}
	}
}

func TestDecodeControlLineTooLong(t *testing.T) {
	testlog.Start(t)
	long := []byte("PUB " + strings.Repeat("a", MaxControlLine+8))
	_, _, err := Decode(long)
	if !errors.Is(err, ErrControlLineTooLong) {
		t.Fatalf("expected ErrControlLineTooLong, got %v", err)
	}
}

func TestDecoderPayloadLimit(t *testing.T) {
	testlog.Start(t)
	d := NewDecoder(8)
	d.Feed([]byte("MSG foo 1 9\r\n"))
	if _, err := d.Next(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeValidation(t *testing.T) {
	testlog.Start(t)
	enc := Encoder{MaxPayload: 4}
	if _, err := enc.Append(nil, &Pub{Subject: "foo", Payload: []byte("12345")}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := enc.Append(nil, &Pub{Subject: "foo", Payload: []byte("1234")}); err != nil {
		t.Fatalf("payload at limit: %v", err)
	}
	bad := []Frame{
		&Pub{Subject: ""},
		&Pub{Subject: "has space"},
		&Pub{Subject: "ok", Reply: "bad\treply"},
		&Sub{Subject: "ok", Queue: "q q", SID: "1"},
		&Sub{Subject: "ok"},
		&Unsub{},
	}
	for _, f := range bad {
		dst := []byte("keep")
		out, err := enc.Append(dst, f)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s %#v: expected ErrInvalidArgument, got %v", f.Op(), f, err)
		}
		if !bytes.Equal(out, []byte("keep")) {
			t.Fatalf("dst modified on error: %q", out)
		}
	}
	if _, err := enc.Append(nil, nil); !errors.Is(err, ErrNilFrame) {
		t.Fatalf("expected ErrNilFrame, got %v", err)
	}
}

func TestServerErrorClassification(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		reason string
		auth   bool
		fatal  bool
	}{
		{"Authorization Violation", true, true},
		{"'Authentication Timeout'", true, true},
		{"Stale Connection", false, true},
		{"Slow Consumer", false, true},
		{"Maximum Payload Violation", false, true},
		{"Permissions Violation for Publish to \"foo\"", false, false},
		{"Unknown Protocol Operation", false, false},
	}
	for _, tc := range cases {
		e := (&Err{Reason: tc.reason}).AsError()
		if e.IsAuth() != tc.auth || e.IsFatal() != tc.fatal {
			t.Fatalf("%q: auth=%v fatal=%v", tc.reason, e.IsAuth(), e.IsFatal())
		}
	}
}
