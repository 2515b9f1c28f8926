package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Stored values carry a one-byte marker so readers can distinguish
// compressed payloads.
const (
	markerRaw  byte = 0x00
	markerGzip byte = 0x01
)

// compressThreshold is the minimum serialized size eligible for compression.
const compressThreshold = 1024

// compressMinSaving is the fraction a compressed payload must shrink by to
// be kept compressed.
const compressMinSaving = 0.10

// encodeValue returns the marked storage bytes for a value, compressing when
// the payload is over the threshold and compression saves at least 10%.
func encodeValue(value []byte) (data []byte, compressed bool) {
	if len(value) < compressThreshold {
		return append([]byte{markerRaw}, value...), false
	}

	var buf bytes.Buffer
	buf.WriteByte(markerGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		_ = zw.Close()
		return append([]byte{markerRaw}, value...), false
	}
	if err := zw.Close(); err != nil {
		return append([]byte{markerRaw}, value...), false
	}

	if float64(buf.Len()) > float64(len(value)+1)*(1-compressMinSaving) {
		return append([]byte{markerRaw}, value...), false
	}
	return buf.Bytes(), true
}

// decodeValue strips the marker and decompresses when needed.
func decodeValue(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty cache value")
	}
	switch data[0] {
	case markerRaw:
		return data[1:], nil
	case markerGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return nil, fmt.Errorf("open gzip value: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress value: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown cache value marker 0x%02x", data[0])
	}
}
