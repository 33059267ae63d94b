package serialboot

import (
	"bytes"
	"encoding/binary"
)

// ROM loader framing.
const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd

	cmdSync = 0x08
)

// slipEncode frames data for the ROM loader.
func slipEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEnd)
		case slipEsc:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEsc)
		default:
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(slipEnd)
	return buf.Bytes()
}

// commandPacket lays out a request: direction, command, little-endian size and checksum, data.
func commandPacket(cmd byte, data []byte, checksum uint32) []byte {
	packet := make([]byte, 8+len(data))
	packet[0] = 0x00
	packet[1] = cmd
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], checksum)
	copy(packet[8:], data)
	return packet
}

// SyncFrame is the SLIP-framed SYNC request every ESP32 boot ROM answers in download mode.
func SyncFrame() []byte {
	data := make([]byte, 36)
	copy(data, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	return slipEncode(commandPacket(cmdSync, data, 0))
}
