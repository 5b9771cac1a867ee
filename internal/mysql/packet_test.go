package mysql

import (
	"bytes"
	"testing"
)

func TestLenEncIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0xfa, 0xfb, 0xffff, 0x10000, 0xffffff, 0x1000000, 1 << 40}
	for _, v := range cases {
		enc := appendLenEncInt(nil, v)
		got, next, null, ok := readLenEncInt(enc, 0)
		if !ok || null {
			t.Fatalf("value %d: decode failed", v)
		}
		if got != v {
			t.Errorf("value %d decoded as %d", v, got)
		}
		if next != len(enc) {
			t.Errorf("value %d: consumed %d of %d bytes", v, next, len(enc))
		}
	}
}

func TestLenEncNullSentinel(t *testing.T) {
	_, _, null, ok := readLenEncInt([]byte{0xfb}, 0)
	if !ok || !null {
		t.Fatal("0xfb not recognized as NULL")
	}
}

func TestLenEncStringTruncated(t *testing.T) {
	enc := appendLenEncBytes(nil, []byte("hello"))
	if _, _, _, ok := readLenEncString(enc[:3], 0); ok {
		t.Error("truncated string decoded successfully")
	}
}

func TestFramePacketSmall(t *testing.T) {
	seq := uint8(0)
	out := framePacket([]byte{0x0e}, &seq)
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x0e}
	if !bytes.Equal(out, want) {
		t.Fatalf("frame %x, want %x", out, want)
	}
	if seq != 1 {
		t.Fatalf("sequence advanced to %d, want 1", seq)
	}
}

func TestFramePacketSplitsLargePayload(t *testing.T) {
	payload := make([]byte, maxPacketPayload+10)
	seq := uint8(0)
	out := framePacket(payload, &seq)

	// First frame: full 0xffffff chunk.
	if out[0] != 0xff || out[1] != 0xff || out[2] != 0xff || out[3] != 0 {
		t.Fatalf("first frame header %x", out[:4])
	}
	second := out[4+maxPacketPayload:]
	if got := int(second[0]) | int(second[1])<<8 | int(second[2])<<16; got != 10 {
		t.Fatalf("second frame length %d, want 10", got)
	}
	if second[3] != 1 {
		t.Fatalf("second frame sequence %d, want 1", second[3])
	}
	if seq != 2 {
		t.Fatalf("sequence advanced to %d, want 2", seq)
	}
}

func TestParseOK(t *testing.T) {
	// 0x00, affected=3, insert id=7, status=autocommit|in_trans, warnings=2
	pkt := []byte{0x00, 0x03, 0x07, 0x03, 0x00, 0x02, 0x00}
	ok, err := parseOK(pkt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok.AffectedRows != 3 || ok.LastInsertID != 7 {
		t.Errorf("ok %+v", ok)
	}
	if ok.Status&statusInTrans == 0 || ok.Status&statusAutocommit == 0 {
		t.Errorf("status %04x", ok.Status)
	}
	if ok.Warnings != 2 {
		t.Errorf("warnings %d", ok.Warnings)
	}
}

func TestParseERR(t *testing.T) {
	pkt := []byte{0xff, 0x15, 0x04, '#'}
	pkt = append(pkt, "28000"...)
	pkt = append(pkt, "Access denied"...)
	e := parseERR(pkt)
	if e.Code != 1045 {
		t.Errorf("code %d, want 1045", e.Code)
	}
	if e.SQLState != "28000" {
		t.Errorf("sqlstate %q", e.SQLState)
	}
	if e.Message != "Access denied" {
		t.Errorf("message %q", e.Message)
	}
}

func TestIsEOF(t *testing.T) {
	if !isEOF([]byte{0xfe, 0, 0, 2, 0}) {
		t.Error("classic EOF not recognized")
	}
	if isEOF(append([]byte{0xfe}, make([]byte, 12)...)) {
		t.Error("long 0xfe payload misread as EOF")
	}
	if isEOF([]byte{0x00}) {
		t.Error("OK header misread as EOF")
	}
}

func TestTerminatorStatusConsultsCapability(t *testing.T) {
	// The same trailer bytes decode differently: EOF carries status at
	// offset 3, a deprecate-mode OK after two length-encoded integers.
	eofPkt := []byte{0xfe, 0x01, 0x00, 0x03, 0x00}
	status, warnings, err := terminatorStatus(eofPkt, false)
	if err != nil {
		t.Fatalf("eof: %v", err)
	}
	if status != 0x0003 || warnings != 1 {
		t.Errorf("eof status %04x warnings %d", status, warnings)
	}

	okPkt := []byte{0xfe, 0x00, 0x00, 0x03, 0x00, 0x01, 0x00}
	status, warnings, err = terminatorStatus(okPkt, true)
	if err != nil {
		t.Fatalf("ok: %v", err)
	}
	if status != 0x0003 || warnings != 1 {
		t.Errorf("ok status %04x warnings %d", status, warnings)
	}
}
