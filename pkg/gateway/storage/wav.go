// Package storage archives per-entry audio fragments: raw PCM is framed as
// WAV and uploaded to an S3-compatible object store.
package storage

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// EncodeWAV frames raw little-endian 16-bit mono PCM as a WAV file.
func EncodeWAV(pcm []byte, sampleRateHz int) ([]byte, error) {
	if sampleRateHz <= 0 {
		return nil, fmt.Errorf("sample rate must be > 0, got %d", sampleRateHz)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample-aligned", len(pcm))
	}

	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	blockAlign := numChannels * bitsPerSample / 8
	byteRate := sampleRateHz * blockAlign

	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(out[22:24], numChannels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRateHz))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)

	return out, nil
}
