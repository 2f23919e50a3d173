package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// pcmScale maps int16 PCM onto [-1, 1).
const pcmScale = 32768.0

// PCMToFloat decodes little-endian int16 PCM into float samples in [-1, 1).
// A trailing odd byte is ignored.
func PCMToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out
}

// FloatToPCM encodes float samples as little-endian int16 PCM. Samples are
// clamped to [-1, 1] before quantization and NaN encodes as silence.
func FloatToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	x := float64(s)
	if math.IsNaN(x) {
		return 0
	}
	v := math.Round(max(-1, min(1, x)) * pcmScale)
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}

// Resample converts samples from fromRate to toRate. The output holds
// floor(len(samples)*toRate/fromRate) samples. Upsampling interpolates
// linearly; downsampling averages each source window so that decimation does
// not alias as badly. Constant input yields constant output. Non-positive rates
// return nil.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 {
		return nil
	}
	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	if fromRate == toRate {
		copy(out, samples)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	if toRate < fromRate {
		for i := range n {
			start := int(float64(i) * ratio)
			end := min(max(int(float64(i+1)*ratio), start+1), len(samples))
			out[i] = mean(samples[start:end])
		}
		return out
	}

	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		a, b := samples[idx], samples[idx+1]
		if a == b {
			out[i] = a
			continue
		}
		out[i] = a + (b-a)*float32(pos-float64(idx))
	}
	return out
}

func mean(s []float32) float32 {
	first := s[0]
	uniform := true
	var sum float64
	for _, v := range s {
		sum += float64(v)
		uniform = uniform && v == first
	}
	if uniform {
		return first
	}
	return float32(sum / float64(len(s)))
}

// EncodeBase64 encodes PCM for a text transport using standard base64 with
// padding and no line wrapping.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 reverses [EncodeBase64].
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// RMSLevel returns the root-mean-square level of samples in [0, 1]. Silence
// and empty input report exactly 0.
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		x := float64(s)
		sum += x * x
	}
	return min(math.Sqrt(sum/float64(len(samples))), 1)
}

// RMSLevelPCM is [RMSLevel] over little-endian int16 PCM.
func RMSLevelPCM(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		x := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
		sum += x * x
	}
	return min(math.Sqrt(sum/float64(n)), 1)
}
