// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks packet statistics and error rates for one link
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets    uint64
	ValidPackets    uint64
	CRCErrors       uint64
	SizeErrors      uint64
	PayloadErrors   uint64
	UnknownCommands uint64
	Naks            uint64
	NakBusy         uint64
	Retransmits     uint64
	RxErrors        uint64
	TxErrors        uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update counts one received packet and the outcome of its validation
func (s *Statistics) Update(validationErr error) {
	s.TotalPackets++
	s.LastUpdateTime = time.Now()

	if validationErr == nil {
		s.ValidPackets++
		return
	}

	switch {
	case errors.Is(validationErr, ErrCRC):
		s.CRCErrors++
	case errors.Is(validationErr, ErrPacketIncomplete), errors.Is(validationErr, ErrPacketSize):
		s.SizeErrors++
	case errors.Is(validationErr, ErrPayloadSize):
		s.PayloadErrors++
	case errors.Is(validationErr, ErrUnknownCommand):
		s.UnknownCommands++
	}
}

// Errors returns the total number of rejected packets and transfer errors
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.SizeErrors + s.PayloadErrors + s.UnknownCommands + s.RxErrors + s.TxErrors
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent float64
	if s.TotalPackets > 0 {
		validPercent = float64(s.ValidPackets) * 100.0 / float64(s.TotalPackets)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Packets:   %8d\n", s.TotalPackets)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, validPercent)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.SizeErrors > 0 {
		result += fmt.Sprintf("Size Errors:     %8d\n", s.SizeErrors)
	}
	if s.PayloadErrors > 0 {
		result += fmt.Sprintf("Payload Errors:  %8d\n", s.PayloadErrors)
	}
	if s.UnknownCommands > 0 {
		result += fmt.Sprintf("Unknown Cmds:    %8d\n", s.UnknownCommands)
	}
	if s.Naks > 0 || s.NakBusy > 0 {
		result += fmt.Sprintf("NAK / Busy:      %8d / %d\n", s.Naks, s.NakBusy)
	}
	if s.Retransmits > 0 {
		result += fmt.Sprintf("Retransmits:     %8d\n", s.Retransmits)
	}
	if s.RxErrors > 0 || s.TxErrors > 0 {
		result += fmt.Sprintf("RX / TX Errors:  %8d / %d\n", s.RxErrors, s.TxErrors)
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
