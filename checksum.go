package exiftip

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of a BLAKE3 digest in bytes (256 bits).
const ChecksumSize = 32

// Checksum is a BLAKE3 256-bit digest used to verify persisted cache blobs.
type Checksum [ChecksumSize]byte

// Sum computes the BLAKE3 checksum of data.
func Sum(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// String returns the hex-encoded checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// ShortString returns a shortened hex representation for display.
func (c Checksum) ShortString() string {
	return hex.EncodeToString(c[:8])
}

// IsZero returns true if the checksum is all zeros (uninitialized).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != ChecksumSize*2 {
		return fmt.Errorf("invalid checksum length: expected %d hex chars, got %d", ChecksumSize*2, len(text))
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// ParseChecksum parses a hex-encoded checksum string.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return Checksum{}, err
	}
	return c, nil
}
