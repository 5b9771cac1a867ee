package mysql

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Column field types (Protocol::ColumnType).
const (
	typeDecimal    byte = 0x00
	typeTiny       byte = 0x01
	typeShort      byte = 0x02
	typeLong       byte = 0x03
	typeFloat      byte = 0x04
	typeDouble     byte = 0x05
	typeNull       byte = 0x06
	typeTimestamp  byte = 0x07
	typeLongLong   byte = 0x08
	typeInt24      byte = 0x09
	typeDate       byte = 0x0a
	typeTime       byte = 0x0b
	typeDatetime   byte = 0x0c
	typeYear       byte = 0x0d
	typeVarchar    byte = 0x0f
	typeBit        byte = 0x10
	typeNewDecimal byte = 0xf6
	typeBlob       byte = 0xfc
	typeVarString  byte = 0xfd
	typeString     byte = 0xfe
)

// Column flags.
const (
	flagUnsigned uint16 = 0x0020
)

// Result is the tagged outcome of a successful command: an OK for
// statements without a result set, or Rows for result sets. Server errors
// surface as a *ServerError instead.
type Result interface {
	isResult()
}

// Column describes one column of a result set.
type Column struct {
	Schema   string
	Table    string
	Name     string
	Charset  uint16
	Length   uint32
	Type     byte
	Flags    uint16
	Decimals byte
}

// Rows is a fully materialized result set. Text-protocol cells are strings
// (or nil for NULL); binary-protocol cells are decoded to typed Go values.
type Rows struct {
	Columns []Column
	Values  [][]any
}

func (*Rows) isResult() {}

// Maps returns the rows keyed by column name.
func (r *Rows) Maps() []map[string]any {
	out := make([]map[string]any, len(r.Values))
	for i, row := range r.Values {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			m[col.Name] = row[j]
		}
		out[i] = m
	}
	return out
}

// parseColumnDefinition decodes a Protocol::ColumnDefinition41 payload.
func parseColumnDefinition(pkt []byte) (Column, error) {
	var col Column
	pos := 0

	// catalog, schema, table, org_table, name, org_name
	fields := make([][]byte, 0, 6)
	for i := 0; i < 6; i++ {
		s, next, _, ok := readLenEncString(pkt, pos)
		if !ok {
			return col, protocolErrorf("truncated column definition")
		}
		fields = append(fields, s)
		pos = next
	}
	col.Schema = string(fields[1])
	col.Table = string(fields[2])
	col.Name = string(fields[4])

	// length of fixed-length fields, always 0x0c
	_, pos, _, ok := readLenEncInt(pkt, pos)
	if !ok || pos+12 > len(pkt) {
		return col, protocolErrorf("truncated column definition trailer")
	}
	col.Charset = binary.LittleEndian.Uint16(pkt[pos : pos+2])
	col.Length = binary.LittleEndian.Uint32(pkt[pos+2 : pos+6])
	col.Type = pkt[pos+6]
	col.Flags = binary.LittleEndian.Uint16(pkt[pos+7 : pos+9])
	col.Decimals = pkt[pos+9]
	return col, nil
}

// parseTextRow decodes a text-protocol row: each cell is a length-encoded
// string or the 0xfb NULL sentinel.
func parseTextRow(pkt []byte, columnCount int) ([]any, error) {
	row := make([]any, columnCount)
	pos := 0
	for i := 0; i < columnCount; i++ {
		cell, next, null, ok := readLenEncString(pkt, pos)
		if !ok {
			return nil, protocolErrorf("truncated text row at column %d", i)
		}
		if null {
			row[i] = nil
		} else {
			row[i] = string(cell)
		}
		pos = next
	}
	return row, nil
}

// parseBinaryRow decodes a binary-protocol row: 0x00 header, NULL bitmap
// of (n+7+2)/8 bytes with a 2-bit offset, then type-specific values.
func parseBinaryRow(pkt []byte, columns []Column) ([]any, error) {
	n := len(columns)
	if len(pkt) < 1 || pkt[0] != 0x00 {
		return nil, protocolErrorf("binary row missing 0x00 header")
	}
	bitmapLen := (n + 7 + 2) / 8
	if 1+bitmapLen > len(pkt) {
		return nil, protocolErrorf("binary row truncated in NULL bitmap")
	}
	bitmap := pkt[1 : 1+bitmapLen]
	pos := 1 + bitmapLen

	row := make([]any, n)
	for i, col := range columns {
		bit := i + 2
		if bitmap[bit/8]&(1<<(uint(bit)%8)) != 0 {
			row[i] = nil
			continue
		}
		val, next, err := decodeBinaryValue(pkt, pos, col)
		if err != nil {
			return nil, err
		}
		row[i] = val
		pos = next
	}
	return row, nil
}

func decodeBinaryValue(pkt []byte, pos int, col Column) (any, int, error) {
	unsigned := col.Flags&flagUnsigned != 0
	need := func(n int) error {
		if pos+n > len(pkt) {
			return protocolErrorf("binary value for column %q truncated", col.Name)
		}
		return nil
	}

	switch col.Type {
	case typeNull:
		return nil, pos, nil

	case typeTiny:
		if err := need(1); err != nil {
			return nil, pos, err
		}
		if unsigned {
			return uint64(pkt[pos]), pos + 1, nil
		}
		return int64(int8(pkt[pos])), pos + 1, nil

	case typeShort, typeYear:
		if err := need(2); err != nil {
			return nil, pos, err
		}
		v := binary.LittleEndian.Uint16(pkt[pos : pos+2])
		if unsigned || col.Type == typeYear {
			return uint64(v), pos + 2, nil
		}
		return int64(int16(v)), pos + 2, nil

	case typeInt24, typeLong:
		if err := need(4); err != nil {
			return nil, pos, err
		}
		v := binary.LittleEndian.Uint32(pkt[pos : pos+4])
		if unsigned {
			return uint64(v), pos + 4, nil
		}
		return int64(int32(v)), pos + 4, nil

	case typeLongLong:
		if err := need(8); err != nil {
			return nil, pos, err
		}
		v := binary.LittleEndian.Uint64(pkt[pos : pos+8])
		if unsigned {
			return v, pos + 8, nil
		}
		return int64(v), pos + 8, nil

	case typeFloat:
		if err := need(4); err != nil {
			return nil, pos, err
		}
		bits := binary.LittleEndian.Uint32(pkt[pos : pos+4])
		return float64(math.Float32frombits(bits)), pos + 4, nil

	case typeDouble:
		if err := need(8); err != nil {
			return nil, pos, err
		}
		bits := binary.LittleEndian.Uint64(pkt[pos : pos+8])
		return math.Float64frombits(bits), pos + 8, nil

	case typeDate, typeDatetime, typeTimestamp:
		return decodeBinaryTimestamp(pkt, pos, col)

	case typeTime:
		return decodeBinaryDuration(pkt, pos, col)

	default:
		// Everything else arrives as a length-encoded string.
		s, next, null, ok := readLenEncString(pkt, pos)
		if !ok {
			return nil, pos, protocolErrorf("binary value for column %q truncated", col.Name)
		}
		if null {
			return nil, next, nil
		}
		return string(s), next, nil
	}
}

// decodeBinaryTimestamp decodes DATE/DATETIME/TIMESTAMP values: a length
// byte of 0, 4, 7 or 11 followed by year(2) month(1) day(1) [hour(1)
// minute(1) second(1) [microsecond(4)]].
func decodeBinaryTimestamp(pkt []byte, pos int, col Column) (any, int, error) {
	if pos >= len(pkt) {
		return nil, pos, protocolErrorf("binary timestamp for column %q truncated", col.Name)
	}
	n := int(pkt[pos])
	pos++
	if pos+n > len(pkt) {
		return nil, pos, protocolErrorf("binary timestamp for column %q truncated", col.Name)
	}
	var year, month, day, hour, minute, second, micros int
	if n >= 4 {
		year = int(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
		month = int(pkt[pos+2])
		day = int(pkt[pos+3])
	}
	if n >= 7 {
		hour = int(pkt[pos+4])
		minute = int(pkt[pos+5])
		second = int(pkt[pos+6])
	}
	if n >= 11 {
		micros = int(binary.LittleEndian.Uint32(pkt[pos+7 : pos+11]))
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, micros*1000, time.UTC)
	return t, pos + n, nil
}

// decodeBinaryDuration decodes TIME values: a length byte of 0, 8 or 12
// followed by sign(1) days(4) hour(1) minute(1) second(1)
// [microsecond(4)].
func decodeBinaryDuration(pkt []byte, pos int, col Column) (any, int, error) {
	if pos >= len(pkt) {
		return nil, pos, protocolErrorf("binary time for column %q truncated", col.Name)
	}
	n := int(pkt[pos])
	pos++
	if pos+n > len(pkt) {
		return nil, pos, protocolErrorf("binary time for column %q truncated", col.Name)
	}
	if n == 0 {
		return time.Duration(0), pos, nil
	}
	negative := pkt[pos] == 1
	days := int64(binary.LittleEndian.Uint32(pkt[pos+1 : pos+5]))
	d := time.Duration(days) * 24 * time.Hour
	d += time.Duration(pkt[pos+5]) * time.Hour
	d += time.Duration(pkt[pos+6]) * time.Minute
	d += time.Duration(pkt[pos+7]) * time.Second
	if n >= 12 {
		micros := binary.LittleEndian.Uint32(pkt[pos+8 : pos+12])
		d += time.Duration(micros) * time.Microsecond
	}
	if negative {
		d = -d
	}
	return d, pos + n, nil
}

// encodeBinaryParams encodes the parameter section of COM_STMT_EXECUTE:
// NULL bitmap, new-params-bound flag, type table, and values.
func encodeBinaryParams(dst []byte, params []any) ([]byte, error) {
	n := len(params)
	bitmap := make([]byte, (n+7)/8)
	for i, p := range params {
		if p == nil {
			bitmap[i/8] |= 1 << (uint(i) % 8)
		}
	}
	dst = append(dst, bitmap...)
	dst = append(dst, 1) // new params bound

	var values []byte
	for _, p := range params {
		var t [2]byte
		switch v := p.(type) {
		case nil:
			t[0] = typeNull
		case int:
			t[0] = typeLongLong
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
			values = append(values, buf[:]...)
		case int32:
			t[0] = typeLongLong
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
			values = append(values, buf[:]...)
		case int64:
			t[0] = typeLongLong
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(v))
			values = append(values, buf[:]...)
		case uint64:
			t[0] = typeLongLong
			t[1] = 0x80 // unsigned
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], v)
			values = append(values, buf[:]...)
		case bool:
			t[0] = typeTiny
			if v {
				values = append(values, 1)
			} else {
				values = append(values, 0)
			}
		case float32:
			t[0] = typeDouble
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(float64(v)))
			values = append(values, buf[:]...)
		case float64:
			t[0] = typeDouble
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			values = append(values, buf[:]...)
		case string:
			t[0] = typeVarString
			values = appendLenEncBytes(values, []byte(v))
		case []byte:
			t[0] = typeBlob
			values = appendLenEncBytes(values, v)
		case time.Time:
			t[0] = typeVarString
			values = appendLenEncBytes(values, []byte(v.Format("2006-01-02 15:04:05.999999")))
		default:
			return nil, &UsageError{Msg: fmt.Sprintf("unsupported parameter type %T", p)}
		}
		dst = append(dst, t[0], t[1])
	}
	return append(dst, values...), nil
}

// formatTextValue renders a value for interpolation contexts (SET
// statements issued by transaction helpers).
func formatTextValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}
