// Package audio implements the codec layer of the Switchboard call bridge:
// G.711 μ-law expansion and compression, integer-ratio sample-rate
// conversion between the 8kHz telephony domain and the 16k/24kHz model
// domain, and an RMS-based noise gate.
//
// All conversion functions are pure: they allocate fresh output buffers and
// never mutate their input. Samples are 16-bit signed linear PCM; byte
// views are little-endian.
package audio

const (
	// muLawBias is the G.711 encoding bias (0x84) added before segment search.
	muLawBias = 0x84

	// muLawClip is the maximum linear magnitude representable after biasing.
	muLawClip = 32635
)

// MuLawToLinear expands a single μ-law byte into a 16-bit linear sample.
// The input byte is bitwise-inverted on the wire per G.711; this function
// takes the wire value directly. Total over the byte domain.
func MuLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant)<<3 + muLawBias) << exp
	value -= muLawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToMuLaw compresses a 16-bit linear sample into one μ-law byte.
// Magnitudes above 32635 are clamped; the result is bitwise-inverted per
// the G.711 wire convention. Total over the int16 domain.
func LinearToMuLaw(s int16) byte {
	var sign byte
	v := int(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	// Locate the segment: highest set bit above the shifting window.
	exp := byte(7)
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (exp + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// DecodeMuLaw expands a μ-law byte buffer into linear samples.
func DecodeMuLaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = MuLawToLinear(b)
	}
	return out
}

// EncodeMuLaw compresses linear samples into a μ-law byte buffer.
func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToMuLaw(s)
	}
	return out
}
