package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Opus packing parameters. Opus operates on fixed 20 ms frames; a packed
// chunk is a sequence of big-endian uint16 length prefixes, each followed by
// one Opus packet.
const (
	opusFrameMs      = 20
	maxOpusPacketLen = 4000
)

// OpusPacker is a [ChunkEncoder] that compresses chunk PCM into
// length-prefixed Opus packets for bandwidth-constrained links.
//
// A packer owns encoder state; create one per engine and do not share it
// across goroutines.
type OpusPacker struct {
	enc       *gopus.Encoder
	channels  int
	frameSize int // samples per channel per 20 ms frame
}

// NewOpusPacker creates a packer for the given capture format. bitrate is in
// bits/s; zero keeps the encoder default.
func NewOpusPacker(format Format, bitrate int) (*OpusPacker, error) {
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &OpusPacker{
		enc:       enc,
		channels:  format.Channels,
		frameSize: format.SampleRate * opusFrameMs / 1000,
	}, nil
}

// Encode packs pcm (little-endian int16) into length-prefixed Opus packets.
// A trailing partial frame is zero-padded to a full 20 ms frame so no audio
// is lost at chunk boundaries.
func (p *OpusPacker) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16s(pcm)
	step := p.frameSize * p.channels

	var out []byte
	for off := 0; off < len(samples); off += step {
		frame := samples[off:min(off+step, len(samples))]
		if len(frame) < step {
			padded := make([]int16, step)
			copy(padded, frame)
			frame = padded
		}

		pkt, err := p.enc.Encode(frame, p.frameSize, maxOpusPacketLen)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(pkt)))
		out = append(out, pkt...)
	}
	return out, nil
}

// SplitOpusPackets parses a packed payload back into individual Opus packets.
// Used by tests and diagnostic tooling; the backend does its own unpacking.
func SplitOpusPackets(packed []byte) ([][]byte, error) {
	var pkts [][]byte
	for off := 0; off < len(packed); {
		if off+2 > len(packed) {
			return nil, fmt.Errorf("audio: truncated opus length prefix at offset %d", off)
		}
		n := int(binary.BigEndian.Uint16(packed[off : off+2]))
		off += 2
		if off+n > len(packed) {
			return nil, fmt.Errorf("audio: truncated opus packet at offset %d", off)
		}
		pkts = append(pkts, packed[off:off+n])
		off += n
	}
	return pkts, nil
}

// bytesToInt16s converts little-endian PCM bytes to int16 samples.
func bytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// int16sToBytes converts int16 samples to little-endian PCM bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[2*i] = byte(s)
		b[2*i+1] = byte(uint16(s) >> 8)
	}
	return b
}
