// Driver for the FE-56xx/FE-405 family of rubidium oscillators: tuning frame
// codec and the serial device that carries it.
package fe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TuningCommand is one outbound instruction to the oscillator. Value is in
// reduced DAC units; Persist requests the non-volatile store.
type TuningCommand struct {
	Value   int32
	Persist bool
}

// Frame layout: opcode, length (LSB, MSB), header checksum, four payload
// bytes MSB first, payload checksum. The length covers the whole frame and is
// always 9; the header checksum is the XOR of the three bytes before it.
const (
	FrameLen = 9

	opcodeVolatile = 0x2e
	opcodePersist  = 0x2c

	lenLSB = FrameLen
	lenMSB = 0x00
)

var (
	errFrameLength   = errors.New("fe: wrong frame length")
	errFrameOpcode   = errors.New("fe: unknown opcode")
	errFrameHeader   = errors.New("fe: header mismatch")
	errFrameChecksum = errors.New("fe: payload checksum mismatch")
)

// EncodeFrame serializes cmd, restoring the low-order DAC bits that were
// reduced away for the filter math. The shifted value must fit a signed
// 32-bit payload.
func EncodeFrame(cmd TuningCommand, bitReduce uint) ([FrameLen]byte, error) {
	var f [FrameLen]byte
	wide := int64(cmd.Value) << bitReduce
	if wide > 1<<31-1 || wide < -(1<<31) {
		return f, fmt.Errorf("fe: tuning value %d overflows the payload after restoring %d bits",
			cmd.Value, bitReduce)
	}

	opcode := byte(opcodeVolatile)
	if cmd.Persist {
		opcode = opcodePersist
	}
	f[0] = opcode
	f[1] = lenLSB
	f[2] = lenMSB
	f[3] = opcode ^ lenLSB ^ lenMSB

	binary.BigEndian.PutUint32(f[4:8], uint32(int32(wide)))
	f[8] = f[4] ^ f[5] ^ f[6] ^ f[7]
	return f, nil
}

// DecodeFrame validates every fixed field and both checksums and recovers the
// original command.
func DecodeFrame(b []byte, bitReduce uint) (TuningCommand, error) {
	if len(b) != FrameLen {
		return TuningCommand{}, errFrameLength
	}
	var persist bool
	switch b[0] {
	case opcodeVolatile:
	case opcodePersist:
		persist = true
	default:
		return TuningCommand{}, errFrameOpcode
	}
	if b[1] != lenLSB || b[2] != lenMSB || b[3] != b[0]^lenLSB^lenMSB {
		return TuningCommand{}, errFrameHeader
	}
	if b[8] != b[4]^b[5]^b[6]^b[7] {
		return TuningCommand{}, errFrameChecksum
	}
	wide := int32(binary.BigEndian.Uint32(b[4:8]))
	return TuningCommand{Value: wide >> bitReduce, Persist: persist}, nil
}
