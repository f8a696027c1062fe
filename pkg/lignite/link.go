// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lignite

import (
	"errors"
	"io"
	"sync"
	"time"
)

// API errors
var (
	ErrFailed       = errors.New("lignite: link failed")
	ErrTimeout      = errors.New("lignite: timeout")
	ErrDataTooLarge = errors.New("lignite: data exceeds mtu")
	ErrInvalidData  = errors.New("lignite: invalid data")
)

// Status reports the connection state of a link.
type Status int

// Link states visible to the API
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Config describes a Lignite link. The zero value of every tuning field
// selects a sensible default; both ends of a link must agree on MTU,
// window and CRC type.
type Config struct {
	// MTU is the maximum user payload per I-frame. 0 selects 512.
	MTU int

	// WindowFrames is the sliding window size, 1..7. 0 selects 3.
	WindowFrames int

	// CRC selects the frame check sequence. CRCDefault means CRC16.
	CRC CRCType

	// SendTimeout bounds how long SendPacket blocks waiting for window
	// space. 0 selects one second.
	SendTimeout time.Duration

	// RetryTimeout is the per-frame retransmission interval. 0 selects
	// the default; values below 100ms are clamped up.
	RetryTimeout time.Duration

	// Retries is the number of retransmissions of a frame before the
	// connection is declared lost. 0 selects 2.
	Retries int

	// KeepAlive is the idle interval after which an RR probe is sent.
	// 0 disables keep-alive.
	KeepAlive time.Duration

	// AutoReconnect re-establishes the link with a fresh SABM after a
	// connection loss, unless Disconnect or Close was called.
	AutoReconnect bool

	// OnFrame is invoked from the rx context for every in-order payload.
	// The slice is only valid for the duration of the call. The callback
	// must not call back into the same link from the same goroutine.
	OnFrame func(payload []byte)

	// OnSent is invoked from the tx context when a user payload has been
	// fully emitted to the wire for the first time.
	OnSent func(payload []byte)
}

// Link is a full-duplex reliable frame transport over an unreliable byte
// channel. All methods are safe for concurrent use; the intended shape is
// one goroutine pumping RunTx, one pumping RunRx, and any number of
// senders.
type Link struct {
	mu       sync.Mutex
	sendable *sync.Cond

	mtu           int
	window        int
	crcType       CRCType
	sendTimeout   time.Duration
	retryTimeout  time.Duration
	retries       int
	keepAlive     time.Duration
	autoReconnect bool
	onFrame       func([]byte)
	onSent        func([]byte)

	now func() time.Time

	state    int
	failed   bool
	closed   bool
	userDisc bool

	// Sequencing state: next send, next expected receive, last acked by peer.
	vs, vr, va uint8

	peerRNR bool
	rejSent bool // REJ emitted, expected N(S) not yet seen
	ackDue  bool // V(R) advanced since the last N(R) we transmitted
	pollDue bool // owe the peer a frame with F=1

	// Pending unnumbered command (SABM or DISC) and one-shot responses.
	uPending  byte
	uSent     bool
	uRetries  int
	uDeadline time.Time
	uaDue     bool
	dmDue     bool
	rejDue    bool

	ring *txRing
	enc  *Encoder
	dec  *Decoder

	encSlot  *txSlot // slot being emitted, nil for supervisory traffic
	encFresh bool    // first emission of that slot

	lastTx time.Time
	stats  Stats
}

// New creates a link from the configuration. The link starts out
// disconnected; call Connect (or wait for the peer's SABM) before
// sending payloads.
func New(cfg Config) (*Link, error) {
	if cfg.MTU < 0 || cfg.WindowFrames < 0 || cfg.WindowFrames > MaxWindow {
		return nil, ErrFailed
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 512
	}
	window := cfg.WindowFrames
	if window == 0 {
		window = 3
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = defaultSendTimeoutMs * time.Millisecond
	}
	retryTimeout := cfg.RetryTimeout
	if retryTimeout == 0 {
		retryTimeout = defaultRetryTimeoutMs * time.Millisecond
	}
	if retryTimeout < minRetryTimeoutMs*time.Millisecond {
		retryTimeout = minRetryTimeoutMs * time.Millisecond
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = defaultRetries
	}

	l := &Link{
		mtu:           mtu,
		window:        window,
		crcType:       cfg.CRC,
		sendTimeout:   sendTimeout,
		retryTimeout:  retryTimeout,
		retries:       retries,
		keepAlive:     cfg.KeepAlive,
		autoReconnect: cfg.AutoReconnect,
		onFrame:       cfg.OnFrame,
		onSent:        cfg.OnSent,
		now:           time.Now,
		state:         linkDisconnected,
		ring:          newTxRing(window, mtu),
		enc:           NewEncoder(cfg.CRC),
	}
	l.sendable = sync.NewCond(&l.mu)
	l.dec = NewDecoder(mtu, cfg.CRC, l.handleFrame)
	l.lastTx = l.now()
	return l, nil
}

// MTU returns the maximum payload size accepted by SendPacket.
func (l *Link) MTU() int {
	return l.mtu
}

// Status returns the current connection state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StatusFailed
	}
	if l.failed && l.state != linkConnected {
		return StatusFailed
	}
	switch l.state {
	case linkConnected:
		return StatusConnected
	case linkConnecting:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

// SetKeepAlive changes the keep-alive probe interval. 0 disables probing.
func (l *Link) SetKeepAlive(d time.Duration) {
	l.mu.Lock()
	l.keepAlive = d
	l.mu.Unlock()
}

// Connect initiates link establishment by sending SABM. The call returns
// immediately; poll Status or wait for traffic to observe the result.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrFailed
	}
	l.userDisc = false
	l.failed = false
	if l.state == linkConnected || l.state == linkConnecting {
		return nil
	}
	l.startConnect(l.now())
	return nil
}

// Disconnect sends DISC to the peer and tears the link down. Payloads
// still queued are dropped. Auto-reconnect is suppressed until the next
// Connect call.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrFailed
	}
	l.userDisc = true
	if l.state != linkConnected && l.state != linkConnecting {
		return nil
	}
	l.state = linkDisconnecting
	l.uPending = ctlDISC
	l.uSent = false
	l.uRetries = l.retries
	l.uDeadline = l.now()
	l.ring.clear()
	l.sendable.Broadcast()
	return nil
}

// Close releases the link. Blocked SendPacket callers are woken with
// ErrFailed and all subsequent API calls fail. Close is idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.state = linkDisconnected
	l.uPending = 0
	l.ring.clear()
	l.enc.Reset()
	l.dec.Reset()
	l.sendable.Broadcast()
	return nil
}

// SendPacket enqueues one payload for transmission. It blocks up to
// SendTimeout when the window is full. The payload is copied; the caller
// may reuse the buffer immediately.
func (l *Link) SendPacket(p []byte) error {
	if len(p) > l.mtu {
		return ErrDataTooLarge
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.failed {
		return ErrFailed
	}
	if l.ring.full() {
		deadline := time.Now().Add(l.sendTimeout)
		// The wake callback takes the lock so the broadcast cannot fire
		// between the deadline check and the wait.
		wake := time.AfterFunc(l.sendTimeout, func() {
			l.mu.Lock()
			l.sendable.Broadcast()
			l.mu.Unlock()
		})
		defer wake.Stop()
		for l.ring.full() && !l.closed && !l.failed {
			if !time.Now().Before(deadline) {
				return ErrTimeout
			}
			l.sendable.Wait()
		}
		if l.closed || l.failed {
			return ErrFailed
		}
		if l.ring.full() {
			return ErrTimeout
		}
	}
	l.ring.push(p)
	return nil
}

// Send fragments p into MTU-sized packets and enqueues them in order.
// It returns the number of bytes actually enqueued, which is less than
// len(p) when a fragment timed out or the link failed.
func (l *Link) Send(p []byte) int {
	sent := 0
	for sent < len(p) {
		end := sent + l.mtu
		if end > len(p) {
			end = len(p)
		}
		if err := l.SendPacket(p[sent:end]); err != nil {
			break
		}
		sent = end
	}
	return sent
}

// GetTxData drives the state machine and fills out with up to len(out)
// wire bytes. A return of 0 means the link has nothing to transmit right
// now.
func (l *Link) GetTxData(out []byte) int {
	l.mu.Lock()
	n, sent := l.fillTx(out)
	l.mu.Unlock()
	if l.onSent != nil {
		for _, p := range sent {
			l.onSent(p)
		}
	}
	return n
}

// OnRxData feeds raw channel bytes into the link. Any split is legal.
// Malformed input never fails the call; it is absorbed into protocol
// state and counters.
func (l *Link) OnRxData(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.dec.Feed(data)
}

// Transfer chunk size used by the convenience pumps
const pumpChunkSize = 16

// RunTx drains pending tx bytes into w in small chunks. It returns when
// the link has nothing more to transmit or the writer fails. Call it in
// a loop from the transmit goroutine.
func (l *Link) RunTx(w io.Writer) (int, error) {
	var buf [pumpChunkSize]byte
	total := 0
	for {
		n := l.GetTxData(buf[:])
		if n == 0 {
			return total, nil
		}
		wn, err := w.Write(buf[:n])
		total += wn
		if err != nil {
			return total, err
		}
	}
}

// RunRx reads channel bytes from r and feeds them into the link. It
// returns on read error or EOF. Call it from the receive goroutine.
func (l *Link) RunRx(r io.Reader) (int, error) {
	var buf [pumpChunkSize]byte
	total := 0
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			l.OnRxData(buf[:n])
			total += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// Slot bookkeeping bytes per window frame, used by the size calculators.
const slotOverhead = 8

// BufferSizeByMTU returns the protocol working-set size in bytes for the
// given MTU and window, assuming CRC16.
func BufferSizeByMTU(mtu, window int) int {
	return BufferSizeByMTUEx(mtu, window, CRC16Type)
}

// BufferSizeByMTUEx returns the protocol working-set size in bytes for
// the given MTU, window and check sequence type: the window backing store,
// the decoder buffer and one pump chunk. The link allocates this internally at New; the
// value is exposed so operators can size peers with caller-provided
// buffers.
func BufferSizeByMTUEx(mtu, window int, crc CRCType) int {
	return window*(mtu+slotOverhead) + (2 + mtu + crc.Size()) + pumpChunkSize
}

// startConnect arms a SABM exchange. Caller holds the mutex.
func (l *Link) startConnect(now time.Time) {
	l.state = linkConnecting
	l.uPending = ctlSABM
	l.uSent = false
	l.uRetries = l.retries
	l.uDeadline = now
}

// resetSequencing clears sequencing state on link establishment. Queued payloads
// survive and are renumbered from zero. Caller holds the mutex.
func (l *Link) resetSequencing() {
	l.vs = 0
	l.vr = 0
	l.va = 0
	l.peerRNR = false
	l.rejSent = false
	l.ackDue = false
	l.pollDue = false
	l.rejDue = false
	l.ring.renumber()
	l.sendable.Broadcast()
}

// declareLoss handles a connection loss: an exhausted I-frame retry
// budget, a DM while connected or connecting, or an FRMR. Caller holds
// the mutex.
func (l *Link) declareLoss(now time.Time) {
	l.stats.ConnectionLoss++
	l.failed = true
	l.state = linkDisconnected
	l.uPending = 0
	l.ring.clear()
	l.sendable.Broadcast()
	if l.autoReconnect && !l.userDisc && !l.closed {
		l.startConnect(now)
	}
}

// fillTx pumps the encoder into out, selecting new frames as the previous
// one completes. Returns bytes written and the payloads whose first
// emission finished, for the OnSent callback. Caller holds the mutex.
func (l *Link) fillTx(out []byte) (int, [][]byte) {
	if l.closed {
		return 0, nil
	}
	var sent [][]byte
	total := 0
	for total < len(out) {
		if l.enc.Idle() {
			ctl, payload, slot, fresh, ok := l.nextFrame(l.now())
			if !ok {
				break
			}
			l.enc.Start(AddressAllStations, ctl, payload)
			l.encSlot = slot
			l.encFresh = fresh
		}
		n := l.enc.Read(out[total:])
		total += n
		if l.enc.Idle() {
			l.lastTx = l.now()
			l.stats.FramesSent++
			if l.encSlot != nil && l.encFresh && l.onSent != nil {
				p := make([]byte, l.encSlot.len)
				copy(p, l.encSlot.data[:l.encSlot.len])
				sent = append(sent, p)
			}
			l.encSlot = nil
		}
		if n == 0 {
			break
		}
	}
	return total, sent
}

// nextFrame picks the next frame to transmit, in priority order: pending
// unnumbered traffic, demanded supervisory responses, retransmissions,
// new I-frames, due acknowledgements, keep-alive probes. Caller holds
// the mutex.
func (l *Link) nextFrame(now time.Time) (ctl byte, payload []byte, slot *txSlot, fresh bool, ok bool) {
	// Unnumbered responses owed to the peer
	if l.uaDue {
		l.uaDue = false
		return uFrameControl(ctlUA, true), nil, nil, false, true
	}
	if l.dmDue {
		l.dmDue = false
		return uFrameControl(ctlDM, true), nil, nil, false, true
	}

	// Pending unnumbered command (SABM or DISC)
	for l.uPending != 0 && !now.Before(l.uDeadline) {
		if l.uSent && l.uRetries == 0 {
			l.uExhausted(now)
			continue
		}
		if l.uSent {
			l.uRetries--
			l.stats.Retransmissions++
		}
		cmd := l.uPending
		l.uSent = true
		l.uDeadline = now.Add(l.retryTimeout)
		return uFrameControl(cmd, true), nil, nil, false, true
	}

	// Demanded REJ
	if l.rejDue {
		l.rejDue = false
		l.ackDue = false
		final := l.pollDue
		l.pollDue = false
		l.stats.RejectsSent++
		return sFrameControl(ctlREJ, l.vr, final), nil, nil, false, true
	}

	// Retransmission of the oldest outstanding frame
	if s := l.ring.oldest(); s != nil && !now.Before(s.deadline) {
		if s.retries == 0 {
			l.declareLoss(now)
			// Loss may have armed a SABM; let the next call pick it up.
			return 0, nil, nil, false, false
		}
		s.retries--
		s.deadline = now.Add(l.retryTimeout)
		l.stats.Retransmissions++
		l.stats.PayloadsSent++
		l.ackDue = false
		final := l.pollDue
		l.pollDue = false
		return iFrameControl(s.seq, l.vr, final), s.data[:s.len], s, false, true
	}

	// Next I-frame: a queued payload, or one rewound by REJ
	if s := l.ring.pending(); s != nil && l.state == linkConnected && (s.sent || !l.peerRNR) {
		fresh := !s.sent
		if fresh {
			s.seq = l.vs
			l.vs = seqNext(l.vs)
			s.sent = true
		}
		s.retries = l.retries
		s.deadline = now.Add(l.retryTimeout)
		l.ring.markSent()
		l.stats.PayloadsSent++
		l.ackDue = false
		final := l.pollDue
		l.pollDue = false
		return iFrameControl(s.seq, l.vr, final), s.data[:s.len], s, fresh, true
	}

	// Standalone acknowledgement
	if l.ackDue || l.pollDue {
		final := l.pollDue
		l.pollDue = false
		l.ackDue = false
		return sFrameControl(ctlRR, l.vr, final), nil, nil, false, true
	}

	// Keep-alive probe
	if l.keepAlive > 0 && l.state == linkConnected && now.Sub(l.lastTx) >= l.keepAlive {
		l.stats.KeepAlivesSent++
		return sFrameControl(ctlRR, l.vr, false), nil, nil, false, true
	}

	return 0, nil, nil, false, false
}

// uExhausted handles an unnumbered command running out of retries.
// Caller holds the mutex.
func (l *Link) uExhausted(now time.Time) {
	switch l.uPending {
	case ctlSABM:
		l.stats.ConnectionLoss++
		l.failed = true
		if l.autoReconnect && !l.userDisc && !l.closed {
			// Keep soliciting; the peer may come back.
			l.uSent = false
			l.uRetries = l.retries
			l.uDeadline = now
			return
		}
		l.uPending = 0
		l.state = linkDisconnected
		l.sendable.Broadcast()
	case ctlDISC:
		// The peer never confirmed; consider the link down anyway.
		l.uPending = 0
		l.state = linkDisconnected
	default:
		l.uPending = 0
	}
}

// handleFrame dispatches one CRC-valid frame from the decoder. Called
// from OnRxData with the mutex held.
func (l *Link) handleFrame(addr, ctl byte, payload []byte) {
	if addr != AddressAllStations {
		l.stats.BadAddress++
		return
	}
	l.stats.FramesReceived++
	switch {
	case isUFrame(ctl):
		l.handleU(ctl)
	case isSFrame(ctl):
		l.handleS(ctl)
	default:
		l.handleI(ctl, payload)
	}
}

func (l *Link) handleU(ctl byte) {
	switch ctl & ctlUFrameMask {
	case ctlSABM:
		// Peer (re)establishes the link; both sides restart numbering.
		l.resetSequencing()
		l.state = linkConnected
		l.failed = false
		l.uaDue = true
		if l.uPending == ctlSABM {
			// Simultaneous SABM: the UA we owe doubles as their answer.
			l.uPending = 0
		}

	case ctlDISC:
		l.state = linkDisconnected
		l.uPending = 0
		l.uaDue = true
		l.ring.clear()
		l.sendable.Broadcast()

	case ctlUA:
		switch l.uPending {
		case ctlSABM:
			l.uPending = 0
			l.resetSequencing()
			l.state = linkConnected
			l.failed = false
		case ctlDISC:
			l.uPending = 0
			l.state = linkDisconnected
		}

	case ctlDM:
		if l.uPending == ctlDISC {
			// Refusal is as good as confirmation for a teardown.
			l.uPending = 0
			l.state = linkDisconnected
			return
		}
		if l.state != linkDisconnected || l.uPending != 0 {
			l.declareLoss(l.now())
		}

	case ctlFRMR:
		// The peer rejected a frame it could not process. Recovery is not
		// worth the complexity at this layer; drop the link and let the
		// reconnect path re-establish it.
		l.declareLoss(l.now())

	default:
		// Unknown U-frames are ignored.
	}
}

func (l *Link) handleS(ctl byte) {
	if l.state != linkConnected {
		if framePoll(ctl) {
			l.dmDue = true
		}
		return
	}
	l.processAck(frameNR(ctl))
	switch ctl & ctlSFrameMask {
	case ctlRR:
		l.peerRNR = false
	case ctlRNR:
		l.peerRNR = true
	case ctlREJ:
		l.stats.RejectsReceived++
		l.peerRNR = false
		// Retransmit everything from N(R) with fresh retry budgets.
		l.ring.rewind()
	}
	if framePoll(ctl) {
		l.pollDue = true
	}
}

func (l *Link) handleI(ctl byte, payload []byte) {
	if l.state != linkConnected {
		if framePoll(ctl) {
			l.dmDue = true
		}
		return
	}
	l.processAck(frameNR(ctl))
	if framePoll(ctl) {
		l.pollDue = true
	}
	ns := frameNS(ctl)
	if ns != l.vr {
		l.stats.OutOfOrder++
		if !l.rejSent {
			l.rejSent = true
			l.rejDue = true
		}
		return
	}
	l.vr = seqNext(l.vr)
	l.rejSent = false
	l.ackDue = true
	l.stats.PayloadsDelivered++
	if l.onFrame != nil {
		// The callback runs without the link lock; see Config.OnFrame.
		l.mu.Unlock()
		l.onFrame(payload)
		l.mu.Lock()
	}
}

// processAck advances V(A) if nr acknowledges outstanding frames.
// An N(R) outside the window is ignored.
func (l *Link) processAck(nr uint8) {
	delta := int(seqDelta(l.va, nr))
	if delta == 0 || delta > l.ring.outstanding() {
		return
	}
	l.ring.ack(delta)
	l.va = nr
	l.sendable.Broadcast()
}
