package serialapi

// Z-Wave Serial API framing: SOF LEN TYPE FUNC payload CHECKSUM, plus the
// single-byte ACK/NAK/CAN control frames.

import (
	"bufio"
	"errors"
	"fmt"
)

// Control bytes.
const (
	sof byte = 0x01
	ack byte = 0x06
	nak byte = 0x15
	can byte = 0x18
)

// Frame types.
const (
	typeRequest  uint8 = 0x00
	typeResponse uint8 = 0x01
)

// Serial API function ids.
const (
	funcGetInitData               uint8 = 0x02
	funcApplicationCommandHandler uint8 = 0x04
	funcSendData                  uint8 = 0x13
	funcGetVersion                uint8 = 0x15
	funcMemoryGetID               uint8 = 0x20
	funcApplicationUpdate         uint8 = 0x49
	funcRequestNodeInfo           uint8 = 0x60
)

func funcName(fn uint8) string {
	switch fn {
	case funcGetInitData:
		return "GetInitData"
	case funcApplicationCommandHandler:
		return "ApplicationCommandHandler"
	case funcSendData:
		return "SendData"
	case funcGetVersion:
		return "GetVersion"
	case funcMemoryGetID:
		return "MemoryGetID"
	case funcApplicationUpdate:
		return "ApplicationUpdate"
	case funcRequestNodeInfo:
		return "RequestNodeInfo"
	default:
		return fmt.Sprintf("0x%02X", fn)
	}
}

// frame is a decoded data frame.
type frame struct {
	Type    uint8
	Func    uint8
	Payload []byte
}

var errChecksum = errors.New("serialapi: checksum mismatch")

// checksum is 0xFF XORed with every byte from LEN through the payload.
func checksum(b []byte) byte {
	c := byte(0xFF)
	for _, v := range b {
		c ^= v
	}
	return c
}

// encodeFrame builds SOF LEN TYPE FUNC payload CHK. LEN counts TYPE, FUNC,
// the payload and the checksum.
func encodeFrame(typ, fn uint8, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+5)
	buf = append(buf, sof, byte(len(payload)+3), typ, fn)
	buf = append(buf, payload...)
	return append(buf, checksum(buf[1:]))
}

// readFrame reads one frame. A control byte is returned as ctrl with f nil.
// Bytes that cannot start a frame are skipped.
func readFrame(r *bufio.Reader) (ctrl byte, f *frame, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		switch b {
		case ack, nak, can:
			return b, nil, nil
		case sof:
			f, err := readDataFrame(r)
			return sof, f, err
		}
	}
}

func readDataFrame(r *bufio.Reader) (*frame, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if n < 3 {
		return nil, fmt.Errorf("serialapi: frame length %d too short", n)
	}
	body := make([]byte, n)
	for i := range body {
		if body[i], err = r.ReadByte(); err != nil {
			return nil, err
		}
	}
	chk := body[n-1]
	if want := checksum(append([]byte{n}, body[:n-1]...)); chk != want {
		return nil, fmt.Errorf("%w: got 0x%02X want 0x%02X", errChecksum, chk, want)
	}
	return &frame{
		Type:    body[0],
		Func:    body[1],
		Payload: body[2 : n-1],
	}, nil
}
