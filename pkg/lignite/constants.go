// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package lignite provides a reference Go implementation of the Lignite link protocol.
//
// Lignite is a reliable, connection-oriented, full-duplex framing layer for
// byte-oriented channels (UART, TCP, WebSocket) in the Thermoquad ecosystem.
// It combines HDLC-style framing (flag delimiting, escape transparency, CRC)
// with an Asynchronous Balanced Mode control layer: numbered information
// frames inside a sliding window, piggyback acknowledgements, REJ recovery,
// keep-alive supervision and SABM/UA/DISC link management.
//
// See the Lignite specification at origin/documentation/source/specifications/lignite/
package lignite

// Protocol framing bytes
const (
	FlagByte = 0x7E
	EscByte  = 0x7D
	EscXor   = 0x20
)

// Point-to-point station address. Lignite links are strictly two-party,
// so every frame carries the all-stations address.
const (
	AddressAllStations = 0xFF
)

// Control octet layout (mod-8 sequence numbering)
const (
	ctlPollFinal = 0x10 // P/F bit

	ctlSFrameMask = 0x0F // low nibble identifies an S-frame kind
	ctlRR         = 0x01
	ctlRNR        = 0x09
	ctlREJ        = 0x05

	ctlUFrameMask = 0xEF // U-frame identity ignores P/F
	ctlSABM       = 0x2F
	ctlUA         = 0x63
	ctlDISC       = 0x43
	ctlDM         = 0x0F
	ctlFRMR       = 0x87
)

// Sequence numbering limits
const (
	MinWindow = 1
	MaxWindow = 7
)

// CRC-16-CCITT configuration
const (
	crc16Polynomial = 0x1021
	crc16Initial    = 0xFFFF
)

// CRC-8 configuration (ATM HEC polynomial)
const (
	crc8Polynomial = 0x07
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateInFrame
	stateEscape
)

// Connection states (internal)
const (
	linkDisconnected = iota
	linkConnecting
	linkConnected
	linkDisconnecting
)

// Timing defaults
const (
	defaultSendTimeoutMs  = 1000
	defaultRetryTimeoutMs = 200
	minRetryTimeoutMs     = 100
	defaultRetries        = 2
)
