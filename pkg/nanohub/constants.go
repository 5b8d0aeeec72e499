// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package nanohub implements the Nanohub link protocol spoken between a
// sensor hub MCU and its application processor.
//
// The device side is a Link: an always-listening packet engine with a static
// command table, fast and deferred handlers, a single-entry retransmission
// cache and a busy NAK. The host side is a Client that frames requests,
// retries them with the same sequence number and collects the responses.
// Both sides share the packet codec, CRC and stream decoder in this package.
package nanohub

// Framing bytes
const (
	SyncByte     = 0x31
	PreambleByte = 0xFF
)

// Packet layout: sync(1) reason(4) seq(4) len(1) data(len) crc(4)
const (
	HeaderSize       = 10
	FooterSize       = 4
	PacketPayloadMax = 255
	PacketSizeMin    = HeaderSize + FooterSize
	PacketSizeMax    = PacketSizeMin + PacketPayloadMax

	// One preamble byte before and after each transmitted frame
	FrameOverhead = 2
)

// PacketSize returns the on-wire size of a packet carrying n payload bytes.
func PacketSize(n int) int {
	return HeaderSize + n + FooterSize
}

// CRC-32 configuration (MSB first, word-wise)
const (
	CRCInit       = 0xFFFFFFFF
	crcPolynomial = 0x04C11DB7
)

// Packet reasons
const (
	ReasonAck     uint32 = 0x00000000
	ReasonNak     uint32 = 0x00000001
	ReasonNakBusy uint32 = 0x00000002

	ReasonGetOsHwVersions uint32 = 0x00001001
	ReasonGetAppVersions  uint32 = 0x00001002
	ReasonQueryAppInfo    uint32 = 0x00001003
	ReasonGetInterrupt    uint32 = 0x00001080
	ReasonMaskInterrupt   uint32 = 0x00001081
	ReasonUnmaskInterrupt uint32 = 0x00001082
	ReasonReadEvent       uint32 = 0x00001090
	ReasonWriteEvent      uint32 = 0x00001091
)

// Fast handler results other than a payload length
const (
	FastDontAck      uint32 = 0xFFFFFFFE
	FastUnhandledAck uint32 = 0xFFFFFFFF
)

// Interrupt lines
const (
	MaxInterrupts = 256
	InterruptSize = MaxInterrupts / 8

	IntBootComplete = 0
	IntWakeComplete = 0
	IntWakeup       = 1
	IntNonWakeup    = 2
	IntCmdWait      = 3
)
