// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lignite

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the link's protocol timers deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// endpoint wraps a Link and records every delivered payload.
type endpoint struct {
	link *Link

	mu       sync.Mutex
	received [][]byte
}

func (ep *endpoint) payloads() [][]byte {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([][]byte, len(ep.received))
	copy(out, ep.received)
	return out
}

func newEndpoint(t *testing.T, cfg Config, clk *fakeClock) *endpoint {
	t.Helper()
	ep := &endpoint{}
	cfg.OnFrame = func(p []byte) {
		cp := make([]byte, len(p))
		copy(cp, p)
		ep.mu.Lock()
		ep.received = append(ep.received, cp)
		ep.mu.Unlock()
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.now = clk.now
	ep.link = l
	t.Cleanup(func() { l.Close() })
	return ep
}

// pump shuttles bytes between two links until both go quiet.
func pump(t *testing.T, a, b *Link) {
	t.Helper()
	buf := make([]byte, 256)
	for i := 0; i < 1000; i++ {
		moved := 0
		if n := a.GetTxData(buf); n > 0 {
			b.OnRxData(buf[:n])
			moved += n
		}
		if n := b.GetTxData(buf); n > 0 {
			a.OnRxData(buf[:n])
			moved += n
		}
		if moved == 0 {
			return
		}
	}
	t.Fatal("links did not quiesce")
}

func connectPair(t *testing.T, a, b *endpoint) {
	t.Helper()
	if err := a.link.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, a.link, b.link)
	if a.link.Status() != StatusConnected || b.link.Status() != StatusConnected {
		t.Fatalf("handshake failed: a=%v b=%v", a.link.Status(), b.link.Status())
	}
}

// wireFrame renders the full wire encoding of one frame for byte-exact
// comparisons.
func wireFrame(control byte, payload []byte) []byte {
	out := []byte{FlagByte}
	out = append(out, stuff(frameBody(AddressAllStations, control, payload))...)
	return append(out, FlagByte)
}

// decodeWire parses captured wire bytes back into frames.
func decodeWire(wire []byte) []capturedFrame {
	frames, sink := newCapture()
	d := NewDecoder(1024, CRC16Type, sink)
	d.Feed(wire)
	return *frames
}

func TestHandshake(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{}, clk)
	b := newEndpoint(t, Config{}, clk)

	if err := a.link.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if a.link.Status() != StatusConnecting {
		t.Fatalf("status after Connect = %v", a.link.Status())
	}

	buf := make([]byte, 64)
	n := a.link.GetTxData(buf)
	if want := wireFrame(0x3F, nil); !bytes.Equal(buf[:n], want) {
		t.Fatalf("SABM wire bytes = % X, want % X", buf[:n], want)
	}

	b.link.OnRxData(buf[:n])
	if b.link.Status() != StatusConnected {
		t.Fatalf("b status after SABM = %v", b.link.Status())
	}

	n = b.link.GetTxData(buf)
	if want := wireFrame(0x73, nil); !bytes.Equal(buf[:n], want) {
		t.Fatalf("UA wire bytes = % X, want % X", buf[:n], want)
	}

	a.link.OnRxData(buf[:n])
	if a.link.Status() != StatusConnected {
		t.Fatalf("a status after UA = %v", a.link.Status())
	}
}

func TestSinglePayload(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{}, clk)
	b := newEndpoint(t, Config{}, clk)
	connectPair(t, a, b)

	payload := []byte{0x41, 0x42, 0x43}
	if err := a.link.SendPacket(payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	buf := make([]byte, 64)
	n := a.link.GetTxData(buf)
	if want := wireFrame(0x00, payload); !bytes.Equal(buf[:n], want) {
		t.Fatalf("I-frame wire bytes = % X, want % X", buf[:n], want)
	}

	b.link.OnRxData(buf[:n])
	got := b.payloads()
	if len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("delivered payloads = %v", got)
	}

	// The receiver's next supervisory frame must carry the advanced N(R).
	n = b.link.GetTxData(buf)
	frames := decodeWire(buf[:n])
	if len(frames) != 1 || frames[0].control != sFrameControl(ctlRR, 1, false) {
		t.Fatalf("expected RR N(R)=1, got % X", buf[:n])
	}

	a.link.OnRxData(buf[:n])
	if a.link.va != 1 || a.link.ring.count != 0 {
		t.Fatalf("sender window not freed: va=%d count=%d", a.link.va, a.link.ring.count)
	}
}

// Invariant: outstanding count always equals the modular distance between
// V(S) and V(A).
func TestWindowInvariant(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{WindowFrames: 7}, clk)
	b := newEndpoint(t, Config{WindowFrames: 7}, clk)
	connectPair(t, a, b)

	for round := 0; round < 4; round++ {
		for i := 0; i < 5; i++ {
			if err := a.link.SendPacket([]byte{byte(round), byte(i)}); err != nil {
				t.Fatalf("SendPacket: %v", err)
			}
		}
		pump(t, a.link, b.link)
		if got, want := a.link.ring.outstanding(), int(seqDelta(a.link.va, a.link.vs)); got != want {
			t.Fatalf("round %d: outstanding=%d, (V(S)-V(A))%%8=%d", round, got, want)
		}
	}

	if len(b.payloads()) != 20 {
		t.Fatalf("delivered %d payloads, want 20", len(b.payloads()))
	}
}

func TestRejRecovery(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{WindowFrames: 3}, clk)
	b := newEndpoint(t, Config{WindowFrames: 3}, clk)
	connectPair(t, a, b)

	payloads := [][]byte{{0x10}, {0x11}, {0x12}}
	for _, p := range payloads {
		if err := a.link.SendPacket(p); err != nil {
			t.Fatalf("SendPacket: %v", err)
		}
	}

	buf := make([]byte, 256)
	n := a.link.GetTxData(buf)
	frames := decodeWire(buf[:n])
	if len(frames) != 3 {
		t.Fatalf("sender emitted %d frames, want 3", len(frames))
	}

	// Deliver I(0) and I(2); I(1) is lost on the wire.
	for _, i := range []int{0, 2} {
		e := NewEncoder(CRC16Type)
		e.Start(frames[i].address, frames[i].control, frames[i].payload)
		b.link.OnRxData(encodeAll(t, e, 64))
	}

	got := b.payloads()
	if len(got) != 1 || !bytes.Equal(got[0], payloads[0]) {
		t.Fatalf("receiver should hold exactly I(0), got %v", got)
	}

	// The receiver demands retransmission from N(R)=1.
	n = b.link.GetTxData(buf)
	rej := decodeWire(buf[:n])
	if len(rej) != 1 || rej[0].control&ctlSFrameMask != ctlREJ || frameNR(rej[0].control) != 1 {
		t.Fatalf("expected REJ N(R)=1, got % X", buf[:n])
	}

	a.link.OnRxData(buf[:n])
	pump(t, a.link, b.link)

	got = b.payloads()
	if len(got) != 3 {
		t.Fatalf("delivered %d payloads, want 3", len(got))
	}
	for i, p := range payloads {
		if !bytes.Equal(got[i], p) {
			t.Fatalf("payload %d out of order: % X", i, got[i])
		}
	}
	if b.link.Stats().RejectsSent != 1 {
		t.Errorf("RejectsSent = %d, want 1", b.link.Stats().RejectsSent)
	}
}

func TestWindowFullBlocksSend(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{WindowFrames: 2, SendTimeout: 50 * time.Millisecond}, clk)
	b := newEndpoint(t, Config{WindowFrames: 2}, clk)
	connectPair(t, a, b)

	if err := a.link.SendPacket([]byte{1}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.link.SendPacket([]byte{2}); err != nil {
		t.Fatalf("second send: %v", err)
	}

	// No acknowledgements can arrive: the third send must time out.
	start := time.Now()
	err := a.link.SendPacket([]byte{3})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("third send = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("send returned after %v, should block near the timeout", elapsed)
	}

	// Once the peer acknowledges, capacity reappears.
	pump(t, a.link, b.link)
	if err := a.link.SendPacket([]byte{3}); err != nil {
		t.Fatalf("send after ack: %v", err)
	}
	pump(t, a.link, b.link)
	if len(b.payloads()) != 3 {
		t.Fatalf("delivered %d payloads, want 3", len(b.payloads()))
	}
}

func TestConnectionLoss(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{Retries: 3, RetryTimeout: 100 * time.Millisecond}, clk)
	b := newEndpoint(t, Config{}, clk)
	connectPair(t, a, b)

	if err := a.link.SendPacket([]byte{0x55}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	// The peer goes silent: every emission vanishes.
	buf := make([]byte, 256)
	emissions := 0
	for i := 0; i < 6; i++ {
		if n := a.link.GetTxData(buf); n > 0 {
			emissions += len(decodeWire(buf[:n]))
		}
		clk.advance(150 * time.Millisecond)
	}

	// Initial transmission plus three retries, then the link gives up.
	if emissions != 4 {
		t.Errorf("emitted %d I-frames, want 4", emissions)
	}
	if a.link.Status() != StatusFailed {
		t.Fatalf("status = %v, want failed", a.link.Status())
	}
	if err := a.link.SendPacket([]byte{0x56}); !errors.Is(err, ErrFailed) {
		t.Fatalf("send after loss = %v, want ErrFailed", err)
	}
	if a.link.Stats().ConnectionLoss != 1 {
		t.Errorf("ConnectionLoss = %d, want 1", a.link.Stats().ConnectionLoss)
	}
}

func TestAutoReconnect(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{Retries: 2, RetryTimeout: 100 * time.Millisecond, AutoReconnect: true}, clk)
	b := newEndpoint(t, Config{}, clk)
	connectPair(t, a, b)

	if err := a.link.SendPacket([]byte{0x01}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	// Drive the retry budget to exhaustion with the peer offline.
	buf := make([]byte, 256)
	for i := 0; i < 5; i++ {
		a.link.GetTxData(buf)
		clk.advance(150 * time.Millisecond)
	}
	if a.link.Status() != StatusFailed {
		t.Fatalf("status during outage = %v, want failed", a.link.Status())
	}

	// The peer comes back; the link re-establishes by itself.
	pump(t, a.link, b.link)
	if a.link.Status() != StatusConnected {
		t.Fatalf("status after recovery = %v, want connected", a.link.Status())
	}

	if err := a.link.SendPacket([]byte{0x02}); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	pump(t, a.link, b.link)
	got := b.payloads()
	if len(got) == 0 || !bytes.Equal(got[len(got)-1], []byte{0x02}) {
		t.Fatalf("payload not delivered after recovery: %v", got)
	}
}

func TestDisconnect(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{}, clk)
	b := newEndpoint(t, Config{}, clk)
	connectPair(t, a, b)

	if err := a.link.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	pump(t, a.link, b.link)

	if a.link.Status() != StatusDisconnected || b.link.Status() != StatusDisconnected {
		t.Fatalf("statuses after DISC: a=%v b=%v", a.link.Status(), b.link.Status())
	}
}

func TestKeepAlive(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{KeepAlive: 500 * time.Millisecond}, clk)
	b := newEndpoint(t, Config{}, clk)
	connectPair(t, a, b)

	buf := make([]byte, 64)
	if n := a.link.GetTxData(buf); n != 0 {
		t.Fatalf("unexpected traffic before idle interval: % X", buf[:n])
	}

	clk.advance(600 * time.Millisecond)
	n := a.link.GetTxData(buf)
	frames := decodeWire(buf[:n])
	if len(frames) != 1 || frames[0].control != sFrameControl(ctlRR, 0, false) {
		t.Fatalf("expected keep-alive RR, got % X", buf[:n])
	}
	if a.link.Stats().KeepAlivesSent != 1 {
		t.Errorf("KeepAlivesSent = %d, want 1", a.link.Stats().KeepAlivesSent)
	}
}

func TestPeerRNRSuppressesNewFrames(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{}, clk)
	b := newEndpoint(t, Config{}, clk)
	connectPair(t, a, b)

	// Craft an RNR from the peer.
	e := NewEncoder(CRC16Type)
	e.Start(AddressAllStations, sFrameControl(ctlRNR, 0, false), nil)
	a.link.OnRxData(encodeAll(t, e, 64))

	if err := a.link.SendPacket([]byte{0x01}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	buf := make([]byte, 64)
	if n := a.link.GetTxData(buf); n != 0 {
		t.Fatalf("link transmitted under RNR: % X", buf[:n])
	}

	// RR releases the backlog.
	e.Start(AddressAllStations, sFrameControl(ctlRR, 0, false), nil)
	a.link.OnRxData(encodeAll(t, e, 64))
	pump(t, a.link, b.link)
	if len(b.payloads()) != 1 {
		t.Fatal("payload not delivered after RR")
	}
}

func TestDMWhileDisconnected(t *testing.T) {
	clk := newFakeClock()
	b := newEndpoint(t, Config{}, clk)

	// An I-frame with P=1 against a disconnected station draws DM.
	e := NewEncoder(CRC16Type)
	e.Start(AddressAllStations, iFrameControl(0, 0, true), []byte{0x01})
	b.link.OnRxData(encodeAll(t, e, 64))

	buf := make([]byte, 64)
	n := b.link.GetTxData(buf)
	frames := decodeWire(buf[:n])
	if len(frames) != 1 || frames[0].control != uFrameControl(ctlDM, true) {
		t.Fatalf("expected DM, got % X", buf[:n])
	}
	if len(b.payloads()) != 0 {
		t.Fatal("payload delivered while disconnected")
	}
}

func TestSimultaneousConnect(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{}, clk)
	b := newEndpoint(t, Config{}, clk)

	if err := a.link.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := b.link.Connect(); err != nil {
		t.Fatal(err)
	}
	pump(t, a.link, b.link)

	if a.link.Status() != StatusConnected || b.link.Status() != StatusConnected {
		t.Fatalf("simultaneous connect failed: a=%v b=%v", a.link.Status(), b.link.Status())
	}
}

func TestSendFragmentsToMTU(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{MTU: 8, WindowFrames: 3}, clk)
	b := newEndpoint(t, Config{MTU: 8, WindowFrames: 3}, clk)
	connectPair(t, a, b)

	data := []byte("twenty bytes of data")
	if n := a.link.Send(data); n != len(data) {
		t.Fatalf("Send = %d, want %d", n, len(data))
	}
	pump(t, a.link, b.link)

	var joined []byte
	for _, p := range b.payloads() {
		if len(p) > 8 {
			t.Fatalf("fragment exceeds mtu: %d bytes", len(p))
		}
		joined = append(joined, p...)
	}
	if !bytes.Equal(joined, data) {
		t.Fatalf("reassembled %q, want %q", joined, data)
	}
}

func TestSendPacketValidation(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{MTU: 4}, clk)

	if err := a.link.SendPacket([]byte{1, 2, 3, 4, 5}); !errors.Is(err, ErrDataTooLarge) {
		t.Fatalf("oversize send = %v, want ErrDataTooLarge", err)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"mtu 1 window 1", Config{MTU: 1, WindowFrames: 1}, true},
		{"window 7", Config{WindowFrames: 7}, true},
		{"window 8", Config{WindowFrames: 8}, false},
		{"negative mtu", Config{MTU: -1}, false},
		{"negative window", Config{WindowFrames: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("New = %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("New accepted invalid config")
			}
			if l != nil {
				l.Close()
			}
		})
	}
}

// mtu=1 window=1 is the smallest legal configuration and must still move data.
func TestMinimalConfiguration(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{MTU: 1, WindowFrames: 1, SendTimeout: 50 * time.Millisecond}, clk)
	b := newEndpoint(t, Config{MTU: 1, WindowFrames: 1}, clk)
	connectPair(t, a, b)

	for i := 0; i < 5; i++ {
		if err := a.link.SendPacket([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		pump(t, a.link, b.link)
	}
	got := b.payloads()
	if len(got) != 5 {
		t.Fatalf("delivered %d payloads, want 5", len(got))
	}
	for i, p := range got {
		if len(p) != 1 || p[0] != byte(i) {
			t.Fatalf("payload %d = % X", i, p)
		}
	}
}

func TestCloseSemantics(t *testing.T) {
	clk := newFakeClock()
	a := newEndpoint(t, Config{WindowFrames: 1, SendTimeout: 5 * time.Second}, clk)

	if err := a.link.SendPacket([]byte{1}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	// A sender blocked on the full window must wake with ErrFailed.
	blocked := make(chan error, 1)
	go func() {
		blocked <- a.link.SendPacket([]byte{2})
	}()
	time.Sleep(20 * time.Millisecond)

	if err := a.link.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrFailed) {
			t.Fatalf("blocked sender woke with %v, want ErrFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked sender never woke")
	}

	if err := a.link.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := a.link.SendPacket([]byte{3}); !errors.Is(err, ErrFailed) {
		t.Fatalf("send after close = %v, want ErrFailed", err)
	}
	if err := a.link.Connect(); !errors.Is(err, ErrFailed) {
		t.Fatalf("connect after close = %v, want ErrFailed", err)
	}
	buf := make([]byte, 64)
	if n := a.link.GetTxData(buf); n != 0 {
		t.Fatal("closed link produced tx data")
	}
	if a.link.Status() != StatusFailed {
		t.Fatalf("status after close = %v", a.link.Status())
	}
}

// Every payload is delivered exactly once, in order, across a lossy link.
func TestLossyLinkDelivery(t *testing.T) {
	clk := newFakeClock()
	cfg := Config{
		MTU:          16,
		WindowFrames: 4,
		Retries:      50,
		RetryTimeout: 100 * time.Millisecond,
		SendTimeout:  time.Millisecond,
	}
	a := newEndpoint(t, cfg, clk)
	b := newEndpoint(t, cfg, clk)
	connectPair(t, a, b)

	rng := rand.New(rand.NewSource(0x11697))
	const total = 25
	want := make([][]byte, total)
	for i := range want {
		want[i] = []byte{byte(i), byte(i ^ 0x5A)}
	}

	next := 0
	buf := make([]byte, 1024)
	for iter := 0; iter < 4000 && len(b.payloads()) < total; iter++ {
		if next < total {
			if err := a.link.SendPacket(want[next]); err == nil {
				next++
			}
		}
		if n := a.link.GetTxData(buf); n > 0 && rng.Intn(100) >= 25 {
			b.link.OnRxData(buf[:n])
		}
		if n := b.link.GetTxData(buf); n > 0 && rng.Intn(100) >= 25 {
			a.link.OnRxData(buf[:n])
		}
		clk.advance(40 * time.Millisecond)
	}

	got := b.payloads()
	if len(got) != total {
		t.Fatalf("delivered %d payloads, want %d", len(got), total)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("payload %d = % X, want % X", i, got[i], want[i])
		}
	}
}

func TestOnSentCallback(t *testing.T) {
	clk := newFakeClock()
	var sent [][]byte
	var mu sync.Mutex
	cfg := Config{
		OnSent: func(p []byte) {
			cp := make([]byte, len(p))
			copy(cp, p)
			mu.Lock()
			sent = append(sent, cp)
			mu.Unlock()
		},
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	l.now = clk.now
	defer l.Close()

	b := newEndpoint(t, Config{}, clk)
	if err := l.Connect(); err != nil {
		t.Fatal(err)
	}
	pump(t, l, b.link)

	if err := l.SendPacket([]byte{0xAB}); err != nil {
		t.Fatal(err)
	}
	pump(t, l, b.link)

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || !bytes.Equal(sent[0], []byte{0xAB}) {
		t.Fatalf("OnSent reported %v", sent)
	}
}

func TestBufferSizeHelpers(t *testing.T) {
	if BufferSizeByMTU(64, 3) != BufferSizeByMTUEx(64, 3, CRC16Type) {
		t.Error("short form must assume CRC16")
	}
	small := BufferSizeByMTUEx(64, 1, CRC8Type)
	big := BufferSizeByMTUEx(64, 7, CRC32Type)
	if small <= 0 || big <= small {
		t.Errorf("size helper not monotonic: %d vs %d", small, big)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusFailed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
