// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lignite

import (
	"fmt"
	"strings"
)

// DescribeControl returns the human-readable name of a control octet,
// e.g. "I N(S)=2 N(R)=5 P/F" or "RR N(R)=3" or "SABM P/F".
func DescribeControl(ctl byte) string {
	var b strings.Builder
	switch {
	case isIFrame(ctl):
		fmt.Fprintf(&b, "I N(S)=%d N(R)=%d", frameNS(ctl), frameNR(ctl))
	case isSFrame(ctl):
		switch ctl & ctlSFrameMask {
		case ctlRR:
			b.WriteString("RR")
		case ctlRNR:
			b.WriteString("RNR")
		case ctlREJ:
			b.WriteString("REJ")
		default:
			b.WriteString("S?")
		}
		fmt.Fprintf(&b, " N(R)=%d", frameNR(ctl))
	default:
		switch ctl & ctlUFrameMask {
		case ctlSABM:
			b.WriteString("SABM")
		case ctlUA:
			b.WriteString("UA")
		case ctlDISC:
			b.WriteString("DISC")
		case ctlDM:
			b.WriteString("DM")
		case ctlFRMR:
			b.WriteString("FRMR")
		default:
			fmt.Fprintf(&b, "U 0x%02X", ctl)
		}
	}
	if framePoll(ctl) {
		b.WriteString(" P/F")
	}
	return b.String()
}

// FormatFrame renders one decoded frame for the sniffer output: control
// description plus a hex dump of the payload.
func FormatFrame(address, control byte, payload []byte) string {
	result := fmt.Sprintf("addr=0x%02X %s len=%d\n", address, DescribeControl(control), len(payload))
	if len(payload) == 0 {
		return result
	}
	dump := "  Payload: "
	for i, b := range payload {
		if i > 0 && i%16 == 0 {
			dump += "\n           "
		}
		dump += fmt.Sprintf("%02X ", b)
	}
	return result + dump + "\n"
}
