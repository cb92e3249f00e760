// Package sds011 talks the Nova SDS011 serial-frame protocol and manages
// a single device session on top of it.
package sds011

import (
	"encoding/binary"
	"encoding/hex"
)

const (
	frameHead byte = 0xAA
	frameTail byte = 0xAB

	cmdHostFrame byte = 0xB4

	replySample byte = 0xC0
	replyAck    byte = 0xC5

	// data1 command ids
	cmdReportingMode byte = 2
	cmdQuery         byte = 4
	cmdSleepWork     byte = 6

	commandFrameLen = 19
	replyFrameLen   = 10
)

// buildCommand assembles a 19-byte host frame addressed to all devices.
// data starts at the command id byte.
func buildCommand(data ...byte) []byte {
	frame := make([]byte, commandFrameLen)
	frame[0] = frameHead
	frame[1] = cmdHostFrame
	copy(frame[2:15], data)
	frame[15] = 0xFF
	frame[16] = 0xFF
	frame[17] = checksum(frame[2:17])
	frame[18] = frameTail
	return frame
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Reply is one decoded 10-byte device frame. Validation of Type and
// ChecksumOK is left to the caller.
type Reply struct {
	Type       byte
	ChecksumOK bool

	// decoded from the data bytes; meaningful for sample replies only
	PM25     float64
	PM10     float64
	DeviceID string
}

// parseReply decodes a framed 10-byte reply. The caller guarantees head
// and tail bytes are in place.
func parseReply(frame []byte) Reply {
	data := frame[2:8]
	return Reply{
		Type:       frame[1],
		ChecksumOK: checksum(data) == frame[8],
		PM25:       float64(binary.LittleEndian.Uint16(data[0:2])) / 10.0,
		PM10:       float64(binary.LittleEndian.Uint16(data[2:4])) / 10.0,
		DeviceID:   hex.EncodeToString(data[4:6]),
	}
}
