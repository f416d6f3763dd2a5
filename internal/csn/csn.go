package csn

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// encodedLen is the width of the hex form: 16 digits of time, 8 of sequence,
// 8 of replica id. Fields are laid out in comparison order so that comparing
// two encoded CSNs as strings gives the same answer as Compare.
const encodedLen = 32

// CSN is a change sequence number. It timestamps one change and is totally
// ordered by (Time, Seq, ReplicaID).
//
// The zero value means "no CSN" and sorts before every real CSN, so an unset
// CSN field can be compared directly.
type CSN struct {
	Time      uint64 // milliseconds since epoch
	Seq       uint32
	ReplicaID uint32
}

// New builds a CSN from its parts.
func New(t time.Time, seq uint32, replicaID uint32) CSN {
	return CSN{Time: uint64(t.UnixMilli()), Seq: seq, ReplicaID: replicaID}
}

// IsZero reports whether c is the "no CSN" value.
func (c CSN) IsZero() bool {
	return c == CSN{}
}

// Compare returns -1, 0 or 1 as c is older than, equal to or newer than o.
func (c CSN) Compare(o CSN) int {
	switch {
	case c.Time < o.Time:
		return -1
	case c.Time > o.Time:
		return 1
	case c.Seq < o.Seq:
		return -1
	case c.Seq > o.Seq:
		return 1
	case c.ReplicaID < o.ReplicaID:
		return -1
	case c.ReplicaID > o.ReplicaID:
		return 1
	}
	return 0
}

// Older reports whether c sorts strictly before o.
func (c CSN) Older(o CSN) bool { return c.Compare(o) < 0 }

// Newer reports whether c sorts strictly after o.
func (c CSN) Newer(o CSN) bool { return c.Compare(o) > 0 }

// NewerOrEqual reports whether c is not older than o.
func (c CSN) NewerOrEqual(o CSN) bool { return c.Compare(o) >= 0 }

// Timestamp returns the wall-clock part of the CSN.
func (c CSN) Timestamp() time.Time {
	return time.UnixMilli(int64(c.Time))
}

// Max returns the newer of a and b.
func Max(a, b CSN) CSN {
	if a.Newer(b) {
		return a
	}
	return b
}

// String returns the fixed-width hex encoding.
func (c CSN) String() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], c.Time)
	binary.BigEndian.PutUint32(buf[8:12], c.Seq)
	binary.BigEndian.PutUint32(buf[12:16], c.ReplicaID)
	return hex.EncodeToString(buf[:])
}

// Parse decodes the fixed-width hex encoding produced by String.
func Parse(s string) (CSN, error) {
	if len(s) != encodedLen {
		return CSN{}, fmt.Errorf("invalid csn %q: expected %d hex digits", s, encodedLen)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid csn %q: %w", s, err)
	}
	return CSN{
		Time:      binary.BigEndian.Uint64(raw[0:8]),
		Seq:       binary.BigEndian.Uint32(raw[8:12]),
		ReplicaID: binary.BigEndian.Uint32(raw[12:16]),
	}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c CSN) MarshalText() ([]byte, error) {
	if c.IsZero() {
		return []byte{}, nil
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CSN) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = CSN{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
