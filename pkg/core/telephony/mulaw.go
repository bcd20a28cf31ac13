package telephony

// G.711 mu-law transcoding between the synthesis provider's 16-bit linear
// PCM and the 8 kHz mu-law the carrier media stream expects. This sits in
// the audible latency path, so both directions are table-free bit math on
// the encode side and a 256-entry table on the decode side.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw converts little-endian 16-bit PCM samples to mu-law bytes.
// An odd trailing byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out[i/2] = encodeMulawSample(sample)
	}
	return out
}

func encodeMulawSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

var mulawDecodeTable = buildMulawDecodeTable()

func buildMulawDecodeTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + mulawBias) << uint(exponent)
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		table[i] = int16(sample)
	}
	return table
}

// DecodeMulaw converts mu-law bytes to little-endian 16-bit PCM samples.
func DecodeMulaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
