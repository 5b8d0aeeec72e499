// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by ValidationError
var (
	ErrPacketIncomplete = errors.New("packet incomplete")
	ErrPacketSize       = errors.New("packet size mismatch")
	ErrPayloadSize      = errors.New("payload size out of range")
	ErrCRC              = errors.New("CRC mismatch")
	ErrUnknownCommand   = errors.New("unknown command")
)

// AnomalyType classifies a rejected packet
type AnomalyType int

const (
	AnomalyIncomplete AnomalyType = iota
	AnomalySizeMismatch
	AnomalyPayloadSize
	AnomalyCRCError
	AnomalyUnknownCommand
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyIncomplete:
		return "incomplete"
	case AnomalySizeMismatch:
		return "size"
	case AnomalyPayloadSize:
		return "payload size"
	case AnomalyCRCError:
		return "crc"
	case AnomalyUnknownCommand:
		return "unknown command"
	default:
		return fmt.Sprintf("anomaly(%d)", int(a))
	}
}

// ValidationError represents a packet rejected at the codec boundary
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// Unwrap maps the anomaly onto its sentinel error
func (v *ValidationError) Unwrap() error {
	switch v.Type {
	case AnomalyIncomplete:
		return ErrPacketIncomplete
	case AnomalySizeMismatch:
		return ErrPacketSize
	case AnomalyPayloadSize:
		return ErrPayloadSize
	case AnomalyCRCError:
		return ErrCRC
	case AnomalyUnknownCommand:
		return ErrUnknownCommand
	}
	return nil
}

// ValidatePacket checks the framing of a received packet: minimum size,
// declared length against actual size, then CRC.
func ValidatePacket(buf []byte) error {
	if len(buf) < PacketSizeMin {
		return &ValidationError{
			Type:    AnomalyIncomplete,
			Message: fmt.Sprintf("packet too short: %d bytes (min %d)", len(buf), PacketSizeMin),
			Details: map[string]interface{}{"length": len(buf), "expected": PacketSizeMin},
		}
	}

	declared := int(buf[HeaderSize-1])
	if len(buf) != PacketSize(declared) {
		return &ValidationError{
			Type:    AnomalySizeMismatch,
			Message: fmt.Sprintf("packet size %d does not match declared length %d", len(buf), declared),
			Details: map[string]interface{}{"length": len(buf), "expected": PacketSize(declared)},
		}
	}

	body := buf[:HeaderSize+declared]
	footer := buf[HeaderSize+declared:]
	received := uint32(footer[0]) | uint32(footer[1])<<8 | uint32(footer[2])<<16 | uint32(footer[3])<<24
	calculated := CalculateCRC(body)
	if received != calculated {
		return &ValidationError{
			Type:    AnomalyCRCError,
			Message: fmt.Sprintf("CRC mismatch: expected 0x%08X, got 0x%08X", calculated, received),
			Details: map[string]interface{}{"crc": received, "expected": calculated},
		}
	}

	return nil
}

// validateCommand checks the payload bounds of a resolved command
func validateCommand(cmd *Command, reason uint32, payloadLen int) error {
	if cmd == nil {
		return &ValidationError{
			Type:    AnomalyUnknownCommand,
			Message: fmt.Sprintf("unknown command reason 0x%08X", reason),
			Details: map[string]interface{}{"reason": reason},
		}
	}
	if payloadLen < int(cmd.MinDataLen) || payloadLen > int(cmd.MaxDataLen) {
		return &ValidationError{
			Type:    AnomalyPayloadSize,
			Message: fmt.Sprintf("%s payload %d bytes outside [%d, %d]", FormatReason(reason), payloadLen, cmd.MinDataLen, cmd.MaxDataLen),
			Details: map[string]interface{}{"length": payloadLen, "min": cmd.MinDataLen, "max": cmd.MaxDataLen},
		}
	}
	return nil
}
