// Package muxer converts H.264 between the AVCC framing used by RTMP/FLV
// and the Annex-B framing relayed to consumers.
package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types.
const (
	NALUnitTypeIDR = 5
	NALUnitTypeSPS = 7
	NALUnitTypePPS = 8
)

// Annex-B start codes.
var (
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// ConvertAVCCToAnnexB converts H.264 from AVCC framing (4-byte length
// prefixed NAL units) to Annex-B framing (start-code prefixed NAL units).
// SPS, PPS and IDR units get the 4-byte start code, everything else the
// 3-byte one.
func ConvertAVCCToAnnexB(avccData []byte) ([]byte, error) {
	if len(avccData) == 0 {
		return nil, fmt.Errorf("empty AVCC data")
	}

	var annexB bytes.Buffer
	offset := 0
	nalCount := 0

	for offset+4 <= len(avccData) {
		nalSize := binary.BigEndian.Uint32(avccData[offset : offset+4])
		offset += 4

		if nalSize == 0 {
			continue
		}
		if offset+int(nalSize) > len(avccData) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d", nalSize, offset-4)
		}

		nalUnit := avccData[offset : offset+int(nalSize)]
		offset += int(nalSize)

		switch nalUnit[0] & 0x1F {
		case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeIDR:
			annexB.Write(StartCode4)
		default:
			annexB.Write(StartCode3)
		}
		annexB.Write(nalUnit)
		nalCount++
	}

	if nalCount == 0 {
		return nil, fmt.Errorf("no NAL units found in AVCC data")
	}
	return annexB.Bytes(), nil
}

// IsAVCCFormat reports whether data plausibly starts with an AVCC length
// prefix followed by a valid NAL header.
func IsAVCCFormat(data []byte) bool {
	if len(data) < 5 {
		return false
	}

	nalSize := binary.BigEndian.Uint32(data[0:4])
	if nalSize == 0 || nalSize >= uint32(len(data)) {
		return false
	}

	// forbidden_zero_bit(1) + nal_ref_idc(2) + nal_unit_type(5)
	nalHeader := data[4]
	forbiddenBit := (nalHeader >> 7) & 0x01
	nalType := nalHeader & 0x1F
	return forbiddenBit == 0 && nalType >= 1 && nalType <= 21
}

// IsAnnexBFormat reports whether data starts with an Annex-B start code.
func IsAnnexBFormat(data []byte) bool {
	if len(data) >= 4 && bytes.Equal(data[0:4], StartCode4) {
		return true
	}
	return len(data) >= 3 && bytes.Equal(data[0:3], StartCode3)
}

// GetNALUnitType returns the type of the first NAL unit in data, accepting
// either framing.
func GetNALUnitType(data []byte) (uint8, error) {
	if IsAVCCFormat(data) {
		return data[4] & 0x1F, nil
	}

	if IsAnnexBFormat(data) {
		startCodeLen := 4
		if bytes.Equal(data[0:3], StartCode3) {
			startCodeLen = 3
		}
		if len(data) <= startCodeLen {
			return 0, fmt.Errorf("data too short after start code")
		}
		return data[startCodeLen] & 0x1F, nil
	}

	return 0, fmt.Errorf("unknown H.264 framing")
}
