package mysql

import (
	"encoding/binary"
)

// Command bytes.
const (
	comQuit        byte = 0x01
	comInitDB      byte = 0x02
	comQuery       byte = 0x03
	comPing        byte = 0x0e
	comStmtPrepare byte = 0x16
	comStmtExecute byte = 0x17
	comStmtClose   byte = 0x19
)

// Response indicator bytes (first byte of a payload).
const (
	headerOK        byte = 0x00
	headerAuthMore  byte = 0x01
	headerLocalInf  byte = 0xfb
	headerEOF       byte = 0xfe
	headerERR       byte = 0xff
	headerNullCell  byte = 0xfb
	fastAuthSuccess byte = 0x03
	fullAuthNeeded  byte = 0x04
)

// Capability flags.
const (
	capLongPassword  uint32 = 1 << 0
	capFoundRows     uint32 = 1 << 1
	capConnectWithDB uint32 = 1 << 3
	capProtocol41    uint32 = 1 << 9
	capTransactions  uint32 = 1 << 13
	capSecureConn    uint32 = 1 << 15
	capMultiResults  uint32 = 1 << 17
	capPluginAuth    uint32 = 1 << 19
	capDeprecateEOF  uint32 = 1 << 24
)

// Server status flags carried in OK and EOF packets.
const (
	statusInTrans         uint16 = 0x0001
	statusAutocommit      uint16 = 0x0002
	statusMoreResults     uint16 = 0x0008
	statusCursorExists    uint16 = 0x0040
	statusLastRowSent     uint16 = 0x0080
)

// maxPacketPayload is the largest payload a single frame can carry; larger
// payloads continue in follow-up frames.
const maxPacketPayload = 0xffffff

// framePacket splits payload into wire frames, stamping sequence ids from
// *seq and advancing it per frame.
func framePacket(payload []byte, seq *uint8) []byte {
	out := make([]byte, 0, len(payload)+4)
	for {
		chunk := payload
		if len(chunk) > maxPacketPayload {
			chunk = chunk[:maxPacketPayload]
		}
		var hdr [4]byte
		hdr[0] = byte(len(chunk))
		hdr[1] = byte(len(chunk) >> 8)
		hdr[2] = byte(len(chunk) >> 16)
		hdr[3] = *seq
		*seq++
		out = append(out, hdr[:]...)
		out = append(out, chunk...)
		payload = payload[len(chunk):]
		if len(chunk) < maxPacketPayload {
			return out
		}
		// A payload of exactly n*0xffffff bytes ends with an empty frame.
		if len(payload) == 0 {
			hdr[0], hdr[1], hdr[2], hdr[3] = 0, 0, 0, *seq
			*seq++
			return append(out, hdr[:]...)
		}
	}
}

// Length-encoded integer helpers.

// readLenEncInt decodes a length-encoded integer at pos, returning the
// value, the next position, and whether the cell was the NULL sentinel.
func readLenEncInt(data []byte, pos int) (val uint64, next int, null bool, ok bool) {
	if pos >= len(data) {
		return 0, pos, false, false
	}
	b := data[pos]
	switch {
	case b < 0xfb:
		return uint64(b), pos + 1, false, true
	case b == 0xfb:
		return 0, pos + 1, true, true
	case b == 0xfc:
		if pos+3 > len(data) {
			return 0, pos, false, false
		}
		return uint64(binary.LittleEndian.Uint16(data[pos+1 : pos+3])), pos + 3, false, true
	case b == 0xfd:
		if pos+4 > len(data) {
			return 0, pos, false, false
		}
		v := uint64(data[pos+1]) | uint64(data[pos+2])<<8 | uint64(data[pos+3])<<16
		return v, pos + 4, false, true
	case b == 0xfe:
		if pos+9 > len(data) {
			return 0, pos, false, false
		}
		return binary.LittleEndian.Uint64(data[pos+1 : pos+9]), pos + 9, false, true
	default:
		return 0, pos, false, false
	}
}

// readLenEncString decodes a length-encoded string at pos.
func readLenEncString(data []byte, pos int) (s []byte, next int, null bool, ok bool) {
	n, next, null, ok := readLenEncInt(data, pos)
	if !ok || null {
		return nil, next, null, ok
	}
	if next+int(n) > len(data) {
		return nil, pos, false, false
	}
	return data[next : next+int(n)], next + int(n), false, true
}

// appendLenEncInt appends the length-encoded form of v.
func appendLenEncInt(dst []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(dst, byte(v))
	case v <= 0xffff:
		return append(dst, 0xfc, byte(v), byte(v>>8))
	case v <= 0xffffff:
		return append(dst, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		dst = append(dst, 0xfe)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return append(dst, buf[:]...)
	}
}

// appendLenEncBytes appends b as a length-encoded string.
func appendLenEncBytes(dst, b []byte) []byte {
	dst = appendLenEncInt(dst, uint64(len(b)))
	return append(dst, b...)
}

// OK is the decoded form of an OK packet.
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	Status       uint16
	Warnings     uint16
}

func (*OK) isResult() {}

// parseOK decodes an OK packet payload (first byte 0x00, or 0xfe in
// DEPRECATE_EOF mode).
func parseOK(pkt []byte) (*OK, error) {
	pos := 1
	affected, pos, _, ok := readLenEncInt(pkt, pos)
	if !ok {
		return nil, protocolErrorf("truncated OK packet")
	}
	insertID, pos, _, ok := readLenEncInt(pkt, pos)
	if !ok {
		return nil, protocolErrorf("truncated OK packet")
	}
	out := &OK{AffectedRows: affected, LastInsertID: insertID}
	if pos+2 <= len(pkt) {
		out.Status = binary.LittleEndian.Uint16(pkt[pos : pos+2])
		pos += 2
	}
	if pos+2 <= len(pkt) {
		out.Warnings = binary.LittleEndian.Uint16(pkt[pos : pos+2])
	}
	return out, nil
}

// parseERR decodes an ERR packet payload into a ServerError.
// Format: 0xff + error_code(2) + '#'(1) + sqlstate(5) + message.
func parseERR(pkt []byte) *ServerError {
	e := &ServerError{}
	if len(pkt) >= 3 {
		e.Code = binary.LittleEndian.Uint16(pkt[1:3])
	}
	pos := 3
	if len(pkt) > pos && pkt[pos] == '#' {
		if len(pkt) >= pos+6 {
			e.SQLState = string(pkt[pos+1 : pos+6])
		}
		pos += 6
	}
	if len(pkt) > pos {
		e.Message = string(pkt[pos:])
	}
	return e
}

// eofPacket holds the trailer fields of a classic EOF packet.
type eofPacket struct {
	Warnings uint16
	Status   uint16
}

func parseEOF(pkt []byte) eofPacket {
	var e eofPacket
	if len(pkt) >= 5 {
		e.Warnings = binary.LittleEndian.Uint16(pkt[1:3])
		e.Status = binary.LittleEndian.Uint16(pkt[3:5])
	}
	return e
}

// isEOF reports whether pkt is a classic EOF marker: 0xfe with a payload
// shorter than 9 bytes. With DEPRECATE_EOF negotiated the same header
// introduces an OK-shaped trailer instead, so callers must consult the
// capability, not just this predicate.
func isEOF(pkt []byte) bool {
	return len(pkt) > 0 && pkt[0] == headerEOF && len(pkt) < 9
}

// terminatorStatus extracts server status flags from a result-set
// terminator, which is an EOF packet or, with DEPRECATE_EOF, an OK packet
// with the 0xfe header.
func terminatorStatus(pkt []byte, deprecateEOF bool) (uint16, uint16, error) {
	if deprecateEOF {
		ok, err := parseOK(pkt)
		if err != nil {
			return 0, 0, err
		}
		return ok.Status, ok.Warnings, nil
	}
	e := parseEOF(pkt)
	return e.Status, e.Warnings, nil
}
