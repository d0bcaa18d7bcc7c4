package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Concat joins frames into one contiguous frame, preserving order. The result
// never aliases any input.
func Concat(frames []Frame) Frame {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make(Frame, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// DecimatedLength returns the number of output samples Decimate produces for n
// input samples: floor(n / (srcRate/dstRate)).
func DecimatedLength(n, srcRate, dstRate int) int {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return n
	}
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

// Decimate converts in from srcRate to dstRate by nearest-sample selection:
// output sample i is in[floor(i*srcRate/dstRate)], or 0 when that position
// falls outside the input. No filtering is applied. If the rates are equal (or
// either is non-positive) the input is returned unchanged.
func Decimate(in Frame, srcRate, dstRate int) Frame {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	n := DecimatedLength(len(in), srcRate, dstRate)
	out := make(Frame, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := int(float64(i) * ratio)
		if pos < len(in) {
			out[i] = in[pos]
		}
	}
	return out
}

// QuantizeSample maps a float sample to int16. Values are clamped to [-1, 1]
// first. Negative values scale by 0x8000 and non-negative values by 0x7fff, so
// -1 maps to -32768 and 1 maps to 32767.
func QuantizeSample(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// QuantizePCM16 converts samples to little-endian signed 16-bit PCM.
func QuantizePCM16(samples Frame) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(s)))
	}
	return out
}

// DecodeFloat32LE converts raw little-endian float32 bytes (as delivered by a
// capture device configured for F32) into a newly allocated Frame. Trailing
// bytes that do not form a whole sample are ignored.
func DecodeFloat32LE(raw []byte) Frame {
	n := len(raw) / 4
	out := make(Frame, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

// String returns a human-readable form of f, e.g. "48000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
