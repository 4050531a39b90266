package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// AVCDecoderConfigurationRecord is the codec configuration carried in the
// first video packet of an RTMP publish (AVCPacketType 0).
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte
	PPS                  [][]byte
}

// ParseAVCDecoderConfigurationRecord parses the AVCC structure from an FLV
// sequence header payload.
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 11 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	record := &AVCDecoderConfigurationRecord{
		ConfigurationVersion: data[0],
		AVCProfileIndication: data[1],
		ProfileCompatibility: data[2],
		AVCLevelIndication:   data[3],
		NALUnitLength:        (data[4] & 0x03) + 1,
	}

	r := bytes.NewReader(data[5:])

	var numOfSPS uint8
	if err := binary.Read(r, binary.BigEndian, &numOfSPS); err != nil {
		return nil, err
	}
	numOfSPS &= 0x1F

	record.SPS = make([][]byte, numOfSPS)
	for i := 0; i < int(numOfSPS); i++ {
		var spsLength uint16
		if err := binary.Read(r, binary.BigEndian, &spsLength); err != nil {
			return nil, fmt.Errorf("failed to read SPS length: %w", err)
		}
		sps := make([]byte, spsLength)
		if _, err := io.ReadFull(r, sps); err != nil {
			return nil, fmt.Errorf("failed to read SPS data: %w", err)
		}
		record.SPS[i] = sps
	}

	var numOfPPS uint8
	if err := binary.Read(r, binary.BigEndian, &numOfPPS); err != nil {
		return nil, err
	}

	record.PPS = make([][]byte, numOfPPS)
	for i := 0; i < int(numOfPPS); i++ {
		var ppsLength uint16
		if err := binary.Read(r, binary.BigEndian, &ppsLength); err != nil {
			return nil, fmt.Errorf("failed to read PPS length: %w", err)
		}
		pps := make([]byte, ppsLength)
		if _, err := io.ReadFull(r, pps); err != nil {
			return nil, fmt.Errorf("failed to read PPS data: %w", err)
		}
		record.PPS[i] = pps
	}

	return record, nil
}

// ParseFLVVideoPacket splits an FLV video tag payload into its codec
// metadata and the raw AVC payload. Only H.264 (codec id 7) is accepted.
func ParseFLVVideoPacket(data []byte) (isSequenceHeader bool, isKeyFrame bool, avcData []byte, err error) {
	if len(data) < 5 {
		return false, false, nil, fmt.Errorf("video packet too short: %d bytes", len(data))
	}

	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F
	if codecID != 7 {
		return false, false, nil, fmt.Errorf("not H.264/AVC codec: %d", codecID)
	}

	// AVCPacketType: 0 = sequence header, 1 = NALU, 2 = end of sequence.
	isKeyFrame = frameType == 1
	isSequenceHeader = data[1] == 0

	// Bytes 2-4 carry the composition time offset, which the relay ignores.
	return isSequenceHeader, isKeyFrame, data[5:], nil
}

// PrependSPSPPSAnnexB prepends the parameter sets to Annex-B frame data so
// a consumer joining at a keyframe can decode without the sequence header.
func PrependSPSPPSAnnexB(frameData []byte, sps, pps [][]byte) []byte {
	var buf bytes.Buffer
	for _, s := range sps {
		buf.Write(StartCode4)
		buf.Write(s)
	}
	for _, p := range pps {
		buf.Write(StartCode4)
		buf.Write(p)
	}
	buf.Write(frameData)
	return buf.Bytes()
}
