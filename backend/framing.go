package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/exiftip"
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize caps the uncompressed size of a stored blob.
	MaxPayloadSize = 16 * 1024 * 1024
)

// Encodings recorded in BlobHeader.Encoding.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

var (
	// MagicBytes is the 4-byte prefix for framed blobs.
	MagicBytes = []byte("EXT1")

	// ErrInvalidMagic is returned when a blob doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected EXT1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrChecksumMismatch is returned when the decoded payload does not match its header.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
)

// BlobHeader describes a framed payload.
type BlobHeader struct {
	Encoding      string           `json:"encoding"`
	ContentLength int64            `json:"content_length"`
	WrittenAt     string           `json:"written_at"`
	ContentHash   exiftip.Checksum `json:"content_hash"`
}

// Codec frames payloads as MAGIC | HDRLEN (uint32 big-endian) | HDR (JSON) | BODY,
// compressing bodies over CompressionThreshold with zstd.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode writes data to w as a framed blob.
func (c *Codec) Encode(w io.Writer, data []byte, writtenAt time.Time) error {
	if len(data) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	header := &BlobHeader{
		Encoding:      EncodingIdentity,
		ContentLength: int64(len(data)),
		WrittenAt:     writtenAt.UTC().Format(time.RFC3339),
		ContentHash:   exiftip.Sum(data),
	}

	body := data
	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				body = compressed
				header.Encoding = EncodingZstd
			}
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil { //nolint:gosec // bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// Decode reads a framed blob and returns its header and verified payload.
func (c *Codec) Decode(r io.Reader) (*BlobHeader, []byte, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.ContentLength > MaxPayloadSize {
		return nil, nil, ErrPayloadTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}

	var data []byte
	switch header.Encoding {
	case EncodingIdentity, "":
		data = body
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, nil, errors.New("decoder not initialized")
		}
		data, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing body: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported encoding: %q", header.Encoding)
	}

	if int64(len(data)) != header.ContentLength || exiftip.Sum(data) != header.ContentHash {
		return nil, nil, ErrChecksumMismatch
	}
	return &header, data, nil
}
