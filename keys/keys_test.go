package keys

import (
	"bytes"
	"encoding/hex"
	"log"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/quic/wire"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	rtx.Must(err, "bad hex in test: %s", s)
	return b
}

// Initial key derivation vectors from RFC 9001 appendix A.1.
func TestInitialKeyVectors(t *testing.T) {
	dcid := wire.ConnectionID(unhex(t, "8394c8f03e515708"))
	send, recv := InitialKeys(dcid, wire.ClientSide)

	// Client key and IV.
	wantIV := unhex(t, "fa044b2f42a3fd3b46fb255c")
	if !bytes.Equal(send.Packet.iv[:], wantIV) {
		t.Errorf("client iv = %x, want %x", send.Packet.iv, wantIV)
	}
	// Server IV.
	wantIV = unhex(t, "0ac1493ca1905853b0bba03e")
	if !bytes.Equal(recv.Packet.iv[:], wantIV) {
		t.Errorf("server iv = %x, want %x", recv.Packet.iv, wantIV)
	}
	// Client header protection key.
	wantHP := unhex(t, "9f50449e04a0e810283a1e9933adedd2")
	if !bytes.Equal(send.Header.key, wantHP) {
		t.Errorf("client hp = %x, want %x", send.Header.key, wantHP)
	}

	// The server's send keys must equal the client's receive keys.
	srvSend, srvRecv := InitialKeys(dcid, wire.ServerSide)
	if !bytes.Equal(srvSend.Packet.iv[:], recv.Packet.iv[:]) {
		t.Error("server send iv != client recv iv")
	}
	if !bytes.Equal(srvRecv.Packet.iv[:], send.Packet.iv[:]) {
		t.Error("server recv iv != client send iv")
	}
}

// ChaCha20-Poly1305 short header packet from RFC 9001 appendix A.5.
func TestChaChaVectors(t *testing.T) {
	secret := unhex(t, "9ac312a7f877468ebe69422748ad00a15443f18203a07d6060f688f30f21632b")
	ks := DeriveKeys(ChaCha20Poly1305, secret)

	wantIV := unhex(t, "e0459b3474bdd0e44a41c144")
	if !bytes.Equal(ks.Packet.iv[:], wantIV) {
		t.Errorf("iv = %x, want %x", ks.Packet.iv, wantIV)
	}
	wantHP := unhex(t, "25a282b9e82f06f21f488917a4fc8f1b73573685608597d0efcb076b0ab7a7a4")
	if !bytes.Equal(ks.Header.key, wantHP) {
		t.Errorf("hp = %x, want %x", ks.Header.key, wantHP)
	}
	wantKU := unhex(t, "1223504755036d556342ee9361d253421a826c9ecdf3c7148684b36b714881f9")
	if ku := NextUpdateSecret(ChaCha20Poly1305, secret); !bytes.Equal(ku, wantKU) {
		t.Errorf("ku = %x, want %x", ku, wantKU)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range []Suite{AES128GCM, AES256GCM, ChaCha20Poly1305} {
		secret := bytes.Repeat([]byte{0x42}, 48)
		a := DeriveKeys(suite, secret)
		hdr := []byte{0x40, 1, 2, 3, 4}
		payload := []byte("some payload bytes")

		sealed := a.Packet.Seal(append([]byte{}, hdr...), payload, 1234)
		ct := sealed[len(hdr):]
		if len(ct) != len(payload)+AEADOverhead {
			t.Fatalf("%s: ciphertext %d bytes, want %d", suite, len(ct), len(payload)+AEADOverhead)
		}
		pt, err := a.Packet.Open(hdr, ct, 1234)
		if err != nil {
			t.Fatalf("%s: %v", suite, err)
		}
		if !bytes.Equal(pt, payload) {
			t.Errorf("%s: round trip mismatch", suite)
		}

		// Any tampered byte must fail authentication.
		for _, i := range []int{0, len(ct) / 2, len(ct) - 1} {
			bad := append([]byte{}, ct...)
			bad[i] ^= 1
			if _, err := a.Packet.Open(hdr, bad, 1234); err != ErrAeadOpenFailed {
				t.Errorf("%s: tampered byte %d accepted (%v)", suite, i, err)
			}
		}
		// Wrong packet number changes the nonce.
		if _, err := a.Packet.Open(hdr, ct, 1235); err != ErrAeadOpenFailed {
			t.Errorf("%s: wrong pn accepted", suite)
		}
	}
}

func TestHeaderProtectionRoundTrip(t *testing.T) {
	for _, suite := range []Suite{AES128GCM, ChaCha20Poly1305} {
		secret := bytes.Repeat([]byte{0x17}, 32)
		ks := DeriveKeys(suite, secret)

		// A short header packet: first byte, 4 byte DCID, 2 byte PN, payload.
		pkt := []byte{0x41, 9, 9, 9, 9, 0x12, 0x34}
		pkt = append(pkt, bytes.Repeat([]byte{0xaa}, 24)...)
		pnOffset := 5
		orig := append([]byte{}, pkt...)

		ks.Header.Protect(pkt, pnOffset)
		if bytes.Equal(pkt[:7], orig[:7]) {
			t.Errorf("%s: header unchanged after protection", suite)
		}
		fb, pnLen, err := ks.Header.Unprotect(pkt, pnOffset)
		if err != nil {
			t.Fatalf("%s: %v", suite, err)
		}
		if fb != 0x41 || pnLen != 2 {
			t.Errorf("%s: fb %#x pnLen %d", suite, fb, pnLen)
		}
		if !bytes.Equal(pkt, orig) {
			t.Errorf("%s: unprotect did not restore packet", suite)
		}
	}
}

// Retry integrity tag vector from RFC 9001 appendix A.4.
func TestRetryTagVector(t *testing.T) {
	odcid := wire.ConnectionID(unhex(t, "8394c8f03e515708"))
	raw := unhex(t, "ff000000010008f067a5502a4262b5746f6b656e04a265ba2eff4d829058fb3f0f2496ba")
	pseudo := wire.RetryPseudoPacketFromWire(odcid, raw)
	var tag [16]byte
	copy(tag[:], raw[len(raw)-16:])
	if err := VerifyRetryTag(pseudo, tag); err != nil {
		t.Fatalf("RFC vector rejected: %v", err)
	}
	tag[0] ^= 1
	if err := VerifyRetryTag(pseudo, tag); err != ErrRetryIntegrity {
		t.Error("tampered tag accepted")
	}
}

func TestKeyUpdate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	retention := 3 * time.Second

	aliceSend := bytes.Repeat([]byte{1}, 32)
	aliceRecv := bytes.Repeat([]byte{2}, 32)
	alice := NewOneRTT(AES128GCM, aliceSend, aliceRecv)
	bob := NewOneRTT(AES128GCM, aliceRecv, aliceSend)

	hdr := []byte{0x40, 7}
	payload := []byte("phase zero")

	// Phase 0 traffic.
	sealed := alice.Seal(append([]byte{}, hdr...), payload, 0)
	pt, err := bob.Open(hdr, sealed[len(hdr):], 0, alice.Phase(), now, retention)
	rtx.Must(err, "phase 0 open")
	if !bytes.Equal(pt, payload) {
		t.Fatal("phase 0 payload mismatch")
	}

	// Alice initiates an update; a second initiate before an ack must fail.
	rtx.Must(alice.Initiate(now, retention), "initiate")
	if !alice.Phase() {
		t.Fatal("phase bit did not flip")
	}
	if err := alice.Initiate(now, retention); err != ErrKeyUpdateWhilePending {
		t.Fatalf("second initiate: %v", err)
	}

	// Bob sees the new phase bit and follows.
	sealed = alice.Seal(append([]byte{}, hdr...), []byte("phase one"), 1)
	pt, err = bob.Open(hdr, sealed[len(hdr):], 1, alice.Phase(), now, retention)
	rtx.Must(err, "phase 1 open")
	if string(pt) != "phase one" {
		t.Fatal("phase 1 payload mismatch")
	}
	if bob.Phase() != alice.Phase() {
		t.Fatal("bob did not rotate")
	}

	// A reordered phase 0 packet still decrypts during the retention window.
	sealedOld := NewOneRTT(AES128GCM, aliceSend, aliceRecv).Seal(append([]byte{}, hdr...), []byte("late"), 0)
	pt, err = bob.Open(hdr, sealedOld[len(hdr):], 0, false, now, retention)
	rtx.Must(err, "reordered old phase open")
	if string(pt) != "late" {
		t.Fatal("old phase payload mismatch")
	}

	// After retention expires the old keys are gone.
	later := now.Add(retention + time.Second)
	if _, err := bob.Open(hdr, sealedOld[len(hdr):], 0, false, later, retention); err == nil {
		t.Fatal("old phase packet accepted after retention")
	}

	// An ack of a new phase packet clears the pending state.
	alice.OnAck(1)
	rtx.Must(alice.Initiate(now, retention), "initiate after ack")
}
