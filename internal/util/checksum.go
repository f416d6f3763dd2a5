package util

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ErrChecksumMismatch is returned for a record whose checksum does not match
// its payload.
var ErrChecksumMismatch = errors.New("checksum mismatch")

const checksumSize = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32-C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Seal prefixes data with its checksum: [crc32c big-endian][data].
func Seal(data []byte) []byte {
	out := make([]byte, checksumSize+len(data))
	binary.BigEndian.PutUint32(out, Checksum(data))
	copy(out[checksumSize:], data)
	return out
}

// Unseal verifies a record built by Seal and returns its payload. The
// payload shares memory with record.
func Unseal(record []byte) ([]byte, error) {
	if len(record) < checksumSize {
		return nil, ErrChecksumMismatch
	}
	data := record[checksumSize:]
	if binary.BigEndian.Uint32(record) != Checksum(data) {
		return nil, ErrChecksumMismatch
	}
	return data, nil
}
