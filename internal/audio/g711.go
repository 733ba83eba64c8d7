package audio

import "fmt"

// G.711 companding per ITU-T: 16-bit linear PCM in, 8-bit companded PCM
// out. Both encoders are pure functions of their input sample.

const (
	// UlawSilence is the μ-law encoding of a zero sample.
	UlawSilence = 0xFF
	// AlawSilence is the A-law encoding of a zero sample.
	AlawSilence = 0xD5

	ulawBias = 0x84
	ulawClip = 32635
)

// ulawSegments maps the top 8 magnitude bits (after bias) to an exponent.
var ulawSegments = [256]byte{
	0, 0, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
}

// LinearToUlaw encodes one 16-bit linear PCM sample as G.711 μ-law:
// sign and magnitude extraction, clip, bias, segment lookup for the
// exponent, 4-bit mantissa, then bitwise complement.
func LinearToUlaw(sample int16) byte {
	v := int(sample)
	sign := 0
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias
	exponent := int(ulawSegments[(v>>7)&0xFF])
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// alawSegmentEnds are the upper bounds of the eight A-law segments over
// the 13-bit magnitude domain.
var alawSegmentEnds = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// LinearToAlaw encodes one 16-bit linear PCM sample as G.711 A-law. The
// sample is reduced to 13 bits, segmented, and the result is inverted with
// the alternate-bit mask 0x55 required by the standard.
func LinearToAlaw(sample int16) byte {
	v := int(sample) >> 3
	mask := 0xD5
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := 8
	for i, end := range alawSegmentEnds {
		if v <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	aval := seg << 4
	if seg < 2 {
		aval |= (v >> 1) & 0x0F
	} else {
		aval |= (v >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

// EncodeUlawFrame compands little-endian L16 samples from src into dst.
// len(src) must be exactly 2*len(dst).
func EncodeUlawFrame(dst, src []byte) error {
	return encodeFrame(dst, src, LinearToUlaw)
}

// EncodeAlawFrame compands little-endian L16 samples from src into dst.
// len(src) must be exactly 2*len(dst).
func EncodeAlawFrame(dst, src []byte) error {
	return encodeFrame(dst, src, LinearToAlaw)
}

func encodeFrame(dst, src []byte, encode func(int16) byte) error {
	if len(src) != 2*len(dst) {
		return fmt.Errorf("frame size mismatch: %d linear bytes into %d companded", len(src), len(dst))
	}
	for i := range dst {
		sample := int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
		dst[i] = encode(sample)
	}
	return nil
}

// FillSilence overwrites dst with the companded silence value.
func FillSilence(dst []byte, silence byte) {
	for i := range dst {
		dst[i] = silence
	}
}
