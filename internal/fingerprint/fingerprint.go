package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// EdgeBytes is the length of the leading and trailing chunks hashed by Head
// and Tail. At 16 kHz 16-bit mono it covers about one second of audio.
const EdgeBytes = 32 << 10

// Sum returns the hex SHA-256 digest of the audio bytes.
func Sum(audio []byte) string {
	sum := sha256.Sum256(audio)
	return hex.EncodeToString(sum[:])
}

func FromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("fingerprint: read audio: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Head digests only the leading chunk of the audio. Two recordings that
// share a container header and opening samples share a Head even when
// their tails differ.
func Head(audio []byte) string {
	if len(audio) > EdgeBytes {
		audio = audio[:EdgeBytes]
	}
	return short(audio)
}

// Tail digests the trailing chunk. Clips no longer than two chunks are
// covered end to end by Head and Tail together.
func Tail(audio []byte) string {
	if len(audio) > EdgeBytes {
		audio = audio[len(audio)-EdgeBytes:]
	}
	return short(audio)
}

func short(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
