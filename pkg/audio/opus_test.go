package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func packPackets(packets ...[]byte) []byte {
	var out []byte
	for _, pkt := range packets {
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(pkt)))
		out = append(out, hdr[:]...)
		out = append(out, pkt...)
	}
	return out
}

func TestSplitOpusPackets(t *testing.T) {
	want := [][]byte{
		{0x01, 0x02, 0x03},
		{0xff},
		bytes.Repeat([]byte{0xab}, 512),
	}
	got, err := SplitOpusPackets(packPackets(want...))
	if err != nil {
		t.Fatalf("SplitOpusPackets: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("packets = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("packet %d = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestSplitOpusPackets_Empty(t *testing.T) {
	got, err := SplitOpusPackets(nil)
	if err != nil {
		t.Fatalf("SplitOpusPackets(nil): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("packets = %d, want 0", len(got))
	}
}

func TestSplitOpusPackets_Truncated(t *testing.T) {
	cases := map[string][]byte{
		"dangling header byte": {0x00},
		"short payload":        {0x00, 0x04, 0x01, 0x02},
	}
	for name, in := range cases {
		if _, err := SplitOpusPackets(in); err == nil {
			t.Errorf("%s: no error for truncated input %x", name, in)
		}
	}
}
