package protocol

// CRC16 is the CRC-16/MCRF4XX variant used by Klipper message blocks,
// computed over the header and payload.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= uint8(crc & 0xFF)
		b ^= b << 4
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

// appendCRC writes the big-endian CRC and the sync byte.
func appendCRC(out OutputBuffer, crc uint16) {
	out.Output([]byte{byte(crc >> 8), byte(crc), MessageValueSync})
}
