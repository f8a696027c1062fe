// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lignite

// FrameSink receives completed, CRC-valid frames from the Decoder.
// The payload slice aliases the decoder buffer and is only valid for the
// duration of the call.
type FrameSink func(address, control byte, payload []byte)

// Decoder implements the incremental Lignite frame decoder state machine.
// It accepts arbitrary byte splits: a frame may arrive one byte at a time
// or many frames may arrive in a single Feed call.
type Decoder struct {
	state       int
	buffer      []byte
	bufferIndex int
	crcType     CRCType
	sink        FrameSink

	crcErrors  uint64
	overflows  uint64
	shortDrops uint64
}

// NewDecoder creates a decoder for frames carrying payloads up to mtu bytes.
func NewDecoder(mtu int, crcType CRCType, sink FrameSink) *Decoder {
	return &Decoder{
		state:   stateIdle,
		buffer:  make([]byte, 2+mtu+crcType.Size()),
		crcType: crcType,
		sink:    sink,
	}
}

// Reset returns the decoder to idle, discarding any partial frame.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.bufferIndex = 0
}

// Feed runs the received bytes through the decoder state machine.
// Malformed frames (bad CRC, too short, oversize) are counted and
// silently discarded; the decoder always resynchronizes on the next flag.
func (d *Decoder) Feed(data []byte) {
	for _, b := range data {
		d.decodeByte(b)
	}
}

func (d *Decoder) decodeByte(b byte) {
	switch d.state {
	case stateIdle:
		if b == FlagByte {
			d.bufferIndex = 0
			d.state = stateInFrame
		}

	case stateInFrame:
		switch b {
		case FlagByte:
			// Consecutive flags delimit an empty region; stay synchronized.
			if d.bufferIndex == 0 {
				return
			}
			d.finishFrame()
		case EscByte:
			d.state = stateEscape
		default:
			d.accept(b)
		}

	case stateEscape:
		if b == FlagByte {
			// A flag aborts the escape sequence and opens a new frame.
			d.bufferIndex = 0
			d.state = stateInFrame
			return
		}
		d.state = stateInFrame
		d.accept(b ^ EscXor)
	}
}

func (d *Decoder) accept(b byte) {
	if d.bufferIndex >= len(d.buffer) {
		// Frame exceeds the negotiated MTU; drop it and hunt for the next flag.
		d.overflows++
		d.Reset()
		return
	}
	d.buffer[d.bufferIndex] = b
	d.bufferIndex++
}

func (d *Decoder) finishFrame() {
	raw := d.buffer[:d.bufferIndex]
	d.bufferIndex = 0

	crcSize := d.crcType.Size()
	if len(raw) < 2+crcSize {
		d.shortDrops++
		return
	}

	body := raw[:len(raw)-crcSize]
	calculated := d.crcType.update(d.crcType.initial(), body)
	var received uint32
	for i := 0; i < crcSize; i++ {
		received |= uint32(raw[len(body)+i]) << (8 * i)
	}
	if received != calculated {
		d.crcErrors++
		return
	}

	d.sink(body[0], body[1], body[2:])
}
