// Package audio holds the PCM16 resampling and container helpers the SIP
// takeover bridge uses to move audio between an 8kHz SIP leg and the
// 48kHz LiveKit room, and that the STT provider uses to package an
// utterance for upload.
package audio

// Frame is one slice of little-endian int16 mono PCM audio at a known
// sample rate.
type Frame struct {
	Data       []byte
	SampleRate int
}

// UpsampleLinear resamples mono PCM16 from srcRate to dstRate (typically
// 8kHz SIP audio to 48kHz for the LiveKit room) using linear interpolation
// between neighboring samples.
func UpsampleLinear(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}
		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		putSample(out, i, interp)
	}
	return out
}

// DownsampleBoxFilter resamples mono PCM16 from srcRate to dstRate
// (typically 48kHz room audio back to 8kHz for the SIP leg) by averaging
// each destination sample's contributing window of source samples, which
// attenuates aliasing better than dropping samples outright.
func DownsampleBoxFilter(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	windowSize := float64(srcSamples) / float64(dstSamples)

	for i := 0; i < dstSamples; i++ {
		start := int(float64(i) * windowSize)
		end := int(float64(i+1) * windowSize)
		if end <= start {
			end = start + 1
		}
		if end > srcSamples {
			end = srcSamples
		}

		var sum int64
		count := 0
		for j := start; j < end; j++ {
			sum += int64(sampleAt(pcm, j))
			count++
		}
		var avg int16
		if count > 0 {
			avg = int16(sum / int64(count))
		}
		putSample(out, i, avg)
	}
	return out
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}

func putSample(out []byte, idx int, v int16) {
	out[idx*2] = byte(v)
	out[idx*2+1] = byte(v >> 8)
}
