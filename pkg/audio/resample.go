package audio

// Telephony audio arrives at 8kHz while the realtime model consumes 16kHz
// and produces 24kHz, so only integer ratios (×2 up, ÷3 or ÷2 down) occur
// on the call path.
//
// Interpolation choice, held fixed across the codebase: Upsample fills the
// inserted positions by linear interpolation between neighbouring source
// samples, and Downsample averages each window of ratio samples. Both
// choices trade a little brightness for smoothness; decimate/duplicate
// variants are spectrally equivalent for voice but audibly rougher.

// Upsample raises the sample rate of pcm by an integer ratio. Each source
// sample is emitted followed by ratio-1 linearly interpolated samples
// toward its successor; the final source sample is held. A ratio < 2
// returns a copy of the input.
func Upsample(pcm []int16, ratio int) []int16 {
	if ratio < 2 {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}
	out := make([]int16, len(pcm)*ratio)
	for i, s := range pcm {
		next := s
		if i+1 < len(pcm) {
			next = pcm[i+1]
		}
		for k := 0; k < ratio; k++ {
			out[i*ratio+k] = int16(int(s) + (int(next)-int(s))*k/ratio)
		}
	}
	return out
}

// Downsample lowers the sample rate of pcm by an integer ratio, averaging
// each window of ratio samples. A trailing partial window is averaged over
// its actual length. A ratio < 2 returns a copy of the input.
func Downsample(pcm []int16, ratio int) []int16 {
	if ratio < 2 {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}
	n := (len(pcm) + ratio - 1) / ratio
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		start := i * ratio
		end := start + ratio
		if end > len(pcm) {
			end = len(pcm)
		}
		var sum int
		for _, s := range pcm[start:end] {
			sum += int(s)
		}
		out[i] = int16(sum / (end - start))
	}
	return out
}

// BytesLE serialises linear samples as little-endian int16 bytes, the
// layout the realtime backend expects for raw PCM.
func BytesLE(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// SamplesLE parses little-endian int16 bytes into linear samples. A
// trailing odd byte is ignored.
func SamplesLE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}
