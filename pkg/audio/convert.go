package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrMisaligned is returned when PCM16 data does not hold a whole number of
// sample frames.
var ErrMisaligned = errors.New("audio: pcm data not aligned to sample frames")

// FormatConverter normalizes frames to a target format. It logs once on the
// first mismatch it converts. Create one per stream.
type FormatConverter struct {
	Target Format
	warned sync.Once
}

// Convert returns frame in the converter's target format. Frames already in
// the target format are returned unchanged. When the target has fewer
// channels the frame is downmixed before resampling, otherwise it is resampled
// first, so the resampler always runs on the smaller layout.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if frame.Channels <= 0 || frame.SampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert: invalid source format %s", frame.Format())
	}
	if len(frame.Data)%frame.Format().BytesPerFrame() != 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert %d bytes of %s: %w", len(frame.Data), frame.Format(), ErrMisaligned)
	}
	if frame.Format() == c.Target {
		return frame, nil
	}

	c.warned.Do(func() {
		slog.Debug("audio: converting stream format", "from", frame.Format(), "to", c.Target)
	})

	pcm := frame.Data
	if c.Target.Channels < frame.Channels {
		pcm = remix(pcm, frame.Channels, c.Target.Channels)
		pcm = resampleInterleaved(pcm, c.Target.Channels, frame.SampleRate, c.Target.SampleRate)
	} else {
		pcm = resampleInterleaved(pcm, frame.Channels, frame.SampleRate, c.Target.SampleRate)
		pcm = remix(pcm, frame.Channels, c.Target.Channels)
	}

	out := frame
	out.Data = pcm
	out.SampleRate = c.Target.SampleRate
	out.Channels = c.Target.Channels
	return out, nil
}

func remix(pcm []byte, from, to int) []byte {
	switch {
	case from == to:
		return pcm
	case from == 1 && to == 2:
		return MonoToStereo(pcm)
	case from == 2 && to == 1:
		return StereoToMono(pcm)
	case to == 1:
		return downmix(pcm, from)
	default:
		// Spread the mono mix over every output channel.
		mono := downmix(pcm, from)
		n := len(mono) / 2
		out := make([]byte, n*to*2)
		for i := range n {
			for ch := range to {
				copy(out[(i*to+ch)*2:], mono[i*2:i*2+2])
			}
		}
		return out
	}
}

func downmix(pcm []byte, channels int) []byte {
	frames := len(pcm) / (channels * 2)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// resampleInterleaved runs [Resample] per channel on interleaved PCM16.
func resampleInterleaved(pcm []byte, channels, from, to int) []byte {
	if from == to {
		return pcm
	}
	if channels == 1 {
		return ResampleMono16(pcm, from, to)
	}
	frames := len(pcm) / (channels * 2)
	planes := make([][]float32, channels)
	for ch := range channels {
		plane := make([]float32, frames)
		for i := range frames {
			plane[i] = float32(int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:]))) / pcmScale
		}
		planes[ch] = Resample(plane, from, to)
	}
	n := len(planes[0])
	out := make([]byte, n*channels*2)
	for i := range n {
		for ch := range channels {
			binary.LittleEndian.PutUint16(out[(i*channels+ch)*2:], uint16(quantize(planes[ch][i])))
		}
	}
	return out
}

// MonoToStereo duplicates each int16 mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		copy(out[i*4:], pcm[i*2:i*2+2])
		copy(out[i*4+2:], pcm[i*2:i*2+2])
	}
	return out
}

// StereoToMono averages L and R of each interleaved stereo frame.
func StereoToMono(pcm []byte) []byte {
	return downmix(pcm, 2)
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate through
// [Resample]. Equal or non-positive rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	return FloatToPCM(Resample(PCMToFloat(pcm), srcRate, dstRate))
}

// formatString renders a format for logs, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
