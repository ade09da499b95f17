package tlsconn

import (
	"bytes"
	"log"
	"testing"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// pump shuttles handshake bytes between the pair until both go quiet,
// collecting each side's events.
func pump(t *testing.T, client, server *Scripted) (cEvents, sEvents []Event) {
	t.Helper()
	for i := 0; i < 10; i++ {
		progress := false
		for level := LevelInitial; level < NumLevels; level++ {
			if b := client.Send(level); len(b) > 0 {
				progress = true
				if err := server.Receive(level, b); err != nil {
					t.Fatal(err)
				}
			}
			if b := server.Send(level); len(b) > 0 {
				progress = true
				if err := client.Receive(level, b); err != nil {
					t.Fatal(err)
				}
			}
		}
		cEvents = append(cEvents, client.Events()...)
		sEvents = append(sEvents, server.Events()...)
		if !progress {
			break
		}
	}
	return cEvents, sEvents
}

func keysAt(events []Event, level Level) *Event {
	for i := range events {
		if events[i].Kind == EventKeysReady && events[i].Level == level {
			return &events[i]
		}
	}
	return nil
}

func TestScriptedHandshake(t *testing.T) {
	client, server := NewScriptedPair([]byte("client-params"), []byte("server-params"))
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	cEvents, sEvents := pump(t, client, server)

	if !client.Complete() || !server.Complete() {
		t.Fatal("handshake did not complete")
	}

	// Both sides have matching, crossed secrets at both levels.
	for _, level := range []Level{LevelHandshake, LevelOneRTT} {
		ck := keysAt(cEvents, level)
		sk := keysAt(sEvents, level)
		if ck == nil || sk == nil {
			t.Fatalf("missing keys at %s", level)
		}
		if !bytes.Equal(ck.SendSecret, sk.RecvSecret) || !bytes.Equal(ck.RecvSecret, sk.SendSecret) {
			t.Errorf("%s secrets do not cross", level)
		}
	}

	// Transport parameters crossed over.
	var gotServerParams, gotClientParams []byte
	for _, e := range cEvents {
		if e.Kind == EventTransportParams {
			gotServerParams = e.TransportParams
		}
	}
	for _, e := range sEvents {
		if e.Kind == EventTransportParams {
			gotClientParams = e.TransportParams
		}
	}
	if string(gotServerParams) != "server-params" || string(gotClientParams) != "client-params" {
		t.Errorf("params: client got %q, server got %q", gotServerParams, gotClientParams)
	}
}

func TestScriptedChunkedDelivery(t *testing.T) {
	client, server := NewScriptedPair([]byte("cp"), []byte("sp"))
	client.Start()
	flight := client.Send(LevelInitial)
	// Deliver the client hello one byte at a time.
	for _, b := range flight {
		if err := server.Receive(LevelInitial, []byte{b}); err != nil {
			t.Fatal(err)
		}
	}
	events := server.Events()
	if keysAt(events, LevelHandshake) == nil {
		t.Error("no handshake keys after chunked delivery")
	}
}

func TestScriptedAlert(t *testing.T) {
	client, server := NewScriptedPair(nil, nil)
	client.Start()
	server.FailWithAlert = 40 // handshake_failure
	if err := server.Receive(LevelInitial, client.Send(LevelInitial)); err != nil {
		t.Fatal(err)
	}
	events := server.Events()
	if len(events) != 1 || events[0].Kind != EventAlert || events[0].Alert != 40 {
		t.Errorf("events %+v", events)
	}
}
