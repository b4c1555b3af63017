/*
// Serial message block framing and integer encoding
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package serialhdl

const (
	MESSAGE_MIN          = 5
	MESSAGE_MAX          = 64
	MESSAGE_HEADER_SIZE  = 2
	MESSAGE_TRAILER_SIZE = 3
	MESSAGE_POS_LEN      = 0
	MESSAGE_POS_SEQ      = 1
	MESSAGE_TRAILER_CRC  = 3
	MESSAGE_TRAILER_SYNC = 1
	MESSAGE_PAYLOAD_MAX  = MESSAGE_MAX - MESSAGE_MIN
	MESSAGE_DEST         = 0x10
	MESSAGE_SYNC         = 0x7e
	MESSAGE_SEQ_MASK     = 0x0f
)

func Crc16_ccitt(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = (crc >> 8) ^ (data << 8) ^ (data << 3) ^ (data >> 4)
	}
	return crc
}

// Encode_msgblock frames a command payload with the length and sequence
// header and the big-endian crc plus sync trailer.
func Encode_msgblock(seq uint64, payload []byte) []byte {
	msglen := MESSAGE_MIN + len(payload)
	out := make([]byte, 0, msglen)
	out = append(out, byte(msglen), byte(seq&MESSAGE_SEQ_MASK)|MESSAGE_DEST)
	out = append(out, payload...)
	crc := Crc16_ccitt(out)
	out = append(out, byte(crc>>8), byte(crc), MESSAGE_SYNC)
	return out
}

// Check_msgblock scans buf for one frame.  The returned count is positive
// when a valid frame was consumed (with its sequence and payload), zero when
// more data is needed, and negative to discard that many bytes of garbage.
func Check_msgblock(buf []byte) (int, uint8, []byte) {
	if len(buf) < MESSAGE_MIN {
		return 0, 0, nil
	}
	msglen := int(buf[MESSAGE_POS_LEN])
	sbyte := buf[MESSAGE_POS_SEQ]
	if msglen < MESSAGE_MIN || msglen > MESSAGE_MAX ||
		sbyte&^byte(MESSAGE_SEQ_MASK) != MESSAGE_DEST {
		return -skip_garbage(buf), 0, nil
	}
	if len(buf) < msglen {
		return 0, 0, nil
	}
	if buf[msglen-MESSAGE_TRAILER_SYNC] != MESSAGE_SYNC {
		return -skip_garbage(buf), 0, nil
	}
	crc := Crc16_ccitt(buf[:msglen-MESSAGE_TRAILER_SIZE])
	if buf[msglen-MESSAGE_TRAILER_CRC] != byte(crc>>8) ||
		buf[msglen-MESSAGE_TRAILER_CRC+1] != byte(crc) {
		return -skip_garbage(buf), 0, nil
	}
	return msglen, sbyte & MESSAGE_SEQ_MASK,
		buf[MESSAGE_HEADER_SIZE : msglen-MESSAGE_TRAILER_SIZE]
}

// skip_garbage returns how many leading bytes to drop to resynchronize on
// the next sync character.
func skip_garbage(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if buf[i] == MESSAGE_SYNC {
			return i + 1
		}
	}
	return len(buf)
}

// Encode_int appends one variable length quantity encoded integer.  Range
// checks use the signed view of the value, shifts the unsigned one.
func Encode_int(out []byte, v int32) []byte {
	uv := uint32(v)
	if v >= 0xc000000 || v < -0x4000000 {
		out = append(out, byte((uv>>28)&0x7f|0x80))
	}
	if v >= 0x180000 || v < -0x80000 {
		out = append(out, byte((uv>>21)&0x7f|0x80))
	}
	if v >= 0x3000 || v < -0x1000 {
		out = append(out, byte((uv>>14)&0x7f|0x80))
	}
	if v >= 0x60 || v < -0x20 {
		out = append(out, byte((uv>>7)&0x7f|0x80))
	}
	return append(out, byte(uv&0x7f))
}

// Decode_int reads one variable length quantity encoded integer starting at
// pos and returns the value and the next position.
func Decode_int(buf []byte, pos int) (int32, int) {
	c := buf[pos]
	pos++
	v := int32(c & 0x7f)
	if c&0x60 == 0x60 {
		v |= -0x20
	}
	for c&0x80 != 0 {
		c = buf[pos]
		pos++
		v = v<<7 | int32(c&0x7f)
	}
	return v, pos
}

// Encode_command encodes a message tag and its arguments into wire bytes.
func Encode_command(words []uint32) []byte {
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = Encode_int(out, int32(w))
	}
	return out
}
