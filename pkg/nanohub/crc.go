// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

// CalculateCRC computes the Nanohub CRC-32 over data starting from CRCInit.
func CalculateCRC(data []byte) uint32 {
	return UpdateCRC(CRCInit, data)
}

// UpdateCRC continues a CRC-32 computation. Data is consumed as
// little-endian 32-bit words, MSB first; a trailing partial word is
// zero-padded.
func UpdateCRC(crc uint32, data []byte) uint32 {
	for len(data) >= 4 {
		word := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		crc = crcWord(crc, word)
		data = data[4:]
	}
	if len(data) > 0 {
		var word uint32
		for i, b := range data {
			word |= uint32(b) << (8 * i)
		}
		crc = crcWord(crc, word)
	}
	return crc
}

func crcWord(crc, word uint32) uint32 {
	crc ^= word
	for i := 0; i < 32; i++ {
		if crc&0x80000000 != 0 {
			crc = (crc << 1) ^ crcPolynomial
		} else {
			crc <<= 1
		}
	}
	return crc
}
