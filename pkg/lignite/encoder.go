// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lignite

// Encoder serializes one frame at a time into wire format: an opening
// flag, the byte-stuffed address/control/payload/CRC body, and a closing
// flag. It is resumable: Read may be called with arbitrarily small output
// buffers and the encoder continues where the previous call stopped, so a
// partially written frame survives a full transmit buffer.
type Encoder struct {
	crcType CRCType

	header  [2]byte
	payload []byte
	trailer [4]byte

	section int // encSection*
	offset  int // position within the current section
	pending byte
	escaped bool // pending holds an escaped byte still to emit
	active  bool
}

// Encoder sections, in emission order
const (
	encOpenFlag = iota
	encHeader
	encPayload
	encTrailer
	encCloseFlag
)

// NewEncoder creates a frame encoder for the given check sequence type.
func NewEncoder(crcType CRCType) *Encoder {
	return &Encoder{crcType: crcType}
}

// Idle reports whether the encoder has no frame in progress.
func (e *Encoder) Idle() bool {
	return !e.active
}

// Start arms the encoder with a new frame. The payload slice is referenced,
// not copied, and must stay valid until the frame is fully emitted.
// Start must not be called while a frame is in progress.
func (e *Encoder) Start(address, control byte, payload []byte) {
	e.header[0] = address
	e.header[1] = control
	e.payload = payload

	crc := e.crcType.update(e.crcType.initial(), e.header[:])
	crc = e.crcType.update(crc, payload)
	for i := 0; i < e.crcType.Size(); i++ {
		e.trailer[i] = byte(crc >> (8 * i))
	}

	e.section = encOpenFlag
	e.offset = 0
	e.escaped = false
	e.active = true
}

// Reset abandons any frame in progress.
func (e *Encoder) Reset() {
	e.active = false
	e.payload = nil
	e.escaped = false
}

// Read fills out with the next wire bytes of the current frame and returns
// the count written. It returns 0 when the frame is complete or no frame
// has been started.
func (e *Encoder) Read(out []byte) int {
	if !e.active {
		return 0
	}
	n := 0
	for n < len(out) {
		if e.escaped {
			out[n] = e.pending
			n++
			e.escaped = false
			continue
		}
		switch e.section {
		case encOpenFlag:
			out[n] = FlagByte
			n++
			e.section = encHeader
		case encHeader:
			n += e.stuff(out[n:], e.header[:])
			if e.offset == len(e.header) && !e.escaped {
				e.section = encPayload
				e.offset = 0
			}
		case encPayload:
			n += e.stuff(out[n:], e.payload)
			if e.offset == len(e.payload) && !e.escaped {
				e.section = encTrailer
				e.offset = 0
			}
		case encTrailer:
			n += e.stuff(out[n:], e.trailer[:e.crcType.Size()])
			if e.offset == e.crcType.Size() && !e.escaped {
				e.section = encCloseFlag
			}
		case encCloseFlag:
			out[n] = FlagByte
			n++
			e.active = false
			return n
		}
	}
	return n
}

// stuff emits byte-stuffed bytes of src starting at e.offset into out,
// advancing e.offset past every source byte fully emitted. A source byte
// whose escaped half does not fit is parked in e.pending.
func (e *Encoder) stuff(out []byte, src []byte) int {
	n := 0
	for n < len(out) && e.offset < len(src) {
		b := src[e.offset]
		if b == FlagByte || b == EscByte {
			out[n] = EscByte
			n++
			e.offset++
			if n < len(out) {
				out[n] = b ^ EscXor
				n++
			} else {
				e.pending = b ^ EscXor
				e.escaped = true
			}
			continue
		}
		out[n] = b
		n++
		e.offset++
	}
	return n
}
