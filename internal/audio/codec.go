// Package audio converts agent audio output to the carrier's wire format.
// The carrier media stream is always G.711 µ-law at 8 kHz; agent sessions
// may be configured for µ-law or 16-bit PCM.
package audio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zaf/g711"
)

// Format identifies a negotiated audio encoding.
type Format int

const (
	// FormatULaw8000 is G.711 µ-law at 8 kHz, the carrier's native format.
	FormatULaw8000 Format = iota
	// FormatPCM16 is 16-bit little-endian PCM.
	FormatPCM16
)

// ParseFormat maps a provider format string ("ulaw_8000", "pcm_8000",
// "pcm_16000") to a Format plus sample rate. Unknown strings default to
// 8 kHz µ-law since that is what the carrier expects end to end.
func ParseFormat(s string) (Format, int) {
	format := FormatULaw8000
	if strings.HasPrefix(s, "pcm_") {
		format = FormatPCM16
	}
	rate := 8000
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		if n, err := strconv.Atoi(s[i+1:]); err == nil && n > 0 {
			rate = n
		}
	}
	return format, rate
}

// PCM16ToULaw encodes 16-bit little-endian PCM samples to G.711 µ-law.
// A 16 kHz source is decimated to 8 kHz first; the carrier only accepts
// 8 kHz µ-law frames.
func PCM16ToULaw(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("odd pcm16 payload length %d", len(pcm))
	}
	switch sampleRate {
	case 8000:
		return g711.EncodeUlaw(pcm), nil
	case 16000:
		return g711.EncodeUlaw(decimate2(pcm)), nil
	default:
		return nil, fmt.Errorf("unsupported pcm sample rate %d", sampleRate)
	}
}

// ULawToPCM16 decodes G.711 µ-law to 16-bit little-endian PCM at 8 kHz.
func ULawToPCM16(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// decimate2 halves the sample rate of a 16-bit LE PCM buffer by dropping
// every other sample. Plain decimation is adequate for telephone-band
// speech that the provider has already low-passed.
func decimate2(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+3 < len(pcm); i += 4 {
		out = append(out, pcm[i], pcm[i+1])
	}
	return out
}
