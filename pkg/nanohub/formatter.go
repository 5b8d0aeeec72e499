// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"fmt"
	"strings"
)

// FormatReason returns a human-readable name for a packet reason
func FormatReason(reason uint32) string {
	switch reason {
	case ReasonAck:
		return "ACK"
	case ReasonNak:
		return "NAK"
	case ReasonNakBusy:
		return "NAK_BUSY"
	case ReasonGetOsHwVersions:
		return "GET_OS_HW_VERSIONS"
	case ReasonGetAppVersions:
		return "GET_APP_VERSIONS"
	case ReasonQueryAppInfo:
		return "QUERY_APP_INFO"
	case ReasonGetInterrupt:
		return "GET_INTERRUPT"
	case ReasonMaskInterrupt:
		return "MASK_INTERRUPT"
	case ReasonUnmaskInterrupt:
		return "UNMASK_INTERRUPT"
	case ReasonReadEvent:
		return "READ_EVENT"
	case ReasonWriteEvent:
		return "WRITE_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN_0x%08X", reason)
	}
}

// FormatPacket formats a packet for display
func FormatPacket(p *Packet) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s seq=%d len=%d\n",
		p.Timestamp().Format("15:04:05.000"), FormatReason(p.Reason()), p.Seq(), p.Length()))
	if p.Length() > 0 {
		sb.WriteString(FormatHex(p.Payload(), "  "))
	}
	return sb.String()
}

// FormatHex renders data as 16-byte hex rows, each prefixed with indent
func FormatHex(data []byte, indent string) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		sb.WriteString(fmt.Sprintf("%s%04X  % X\n", indent, off, data[off:end]))
	}
	return sb.String()
}
