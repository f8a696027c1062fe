// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lignite

// Stats is a snapshot of link counters. All counters are cumulative since
// the link was created.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64

	PayloadsSent      uint64 // I-frames emitted, retransmissions included
	PayloadsDelivered uint64 // in-order I-frames handed to the frame callback

	Retransmissions uint64
	RejectsSent     uint64
	RejectsReceived uint64
	KeepAlivesSent  uint64
	OutOfOrder      uint64 // I-frames dropped for unexpected N(S)

	CRCErrors      uint64 // frames dropped for a bad check sequence
	Oversize       uint64 // frames dropped for exceeding the MTU
	ShortFrames    uint64 // frames shorter than header plus trailer
	BadAddress     uint64 // frames for a foreign station address
	ConnectionLoss uint64 // retry budgets exhausted, DM or FRMR received
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.CRCErrors = l.dec.crcErrors
	s.Oversize = l.dec.overflows
	s.ShortFrames = l.dec.shortDrops
	return s
}
