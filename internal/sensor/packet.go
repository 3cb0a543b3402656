package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	startCode uint16 = 0xEF01

	pidCommand byte = 0x01
	pidAck     byte = 0x07

	headerLen = 9 // start(2) + address(4) + pid(1) + length(2)
)

// Instruction codes.
const (
	cmdGetImage       byte = 0x01
	cmdImage2Tz       byte = 0x02
	cmdSearch         byte = 0x04
	cmdRegModel       byte = 0x05
	cmdStore          byte = 0x06
	cmdDeleteChar     byte = 0x0C
	cmdEmpty          byte = 0x0D
	cmdReadSysPara    byte = 0x0F
	cmdVerifyPassword byte = 0x13
	cmdTemplateCount  byte = 0x1D
)

var (
	errShortPacket = errors.New("short packet")
	errBadStart    = errors.New("bad start code")
	errChecksum    = errors.New("checksum mismatch")
)

type packet struct {
	address uint32
	pid     byte
	payload []byte
}

func checksum(pid byte, length uint16, payload []byte) uint16 {
	sum := uint16(pid) + (length >> 8) + (length & 0xFF)
	for _, b := range payload {
		sum += uint16(b)
	}
	return sum
}

func encodePacket(p packet) []byte {
	length := uint16(len(p.payload) + 2)
	buf := make([]byte, 0, headerLen+len(p.payload)+2)
	buf = binary.BigEndian.AppendUint16(buf, startCode)
	buf = binary.BigEndian.AppendUint32(buf, p.address)
	buf = append(buf, p.pid)
	buf = binary.BigEndian.AppendUint16(buf, length)
	buf = append(buf, p.payload...)
	buf = binary.BigEndian.AppendUint16(buf, checksum(p.pid, length, p.payload))
	return buf
}

// decodePacket parses one packet from the front of buf. It returns
// errShortPacket while more bytes are needed, along with the number of bytes
// consumed on success.
func decodePacket(buf []byte) (packet, int, error) {
	if len(buf) < headerLen {
		return packet{}, 0, errShortPacket
	}
	if binary.BigEndian.Uint16(buf[0:2]) != startCode {
		return packet{}, 0, errBadStart
	}
	length := binary.BigEndian.Uint16(buf[7:9])
	if length < 2 {
		return packet{}, 0, fmt.Errorf("invalid length %d", length)
	}
	total := headerLen + int(length)
	if len(buf) < total {
		return packet{}, 0, errShortPacket
	}
	p := packet{
		address: binary.BigEndian.Uint32(buf[2:6]),
		pid:     buf[6],
		payload: append([]byte(nil), buf[headerLen:total-2]...),
	}
	want := binary.BigEndian.Uint16(buf[total-2 : total])
	if got := checksum(p.pid, length, p.payload); got != want {
		return packet{}, 0, fmt.Errorf("%w: got %04x want %04x", errChecksum, got, want)
	}
	return p, total, nil
}
