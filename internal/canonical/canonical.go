// Package canonical produces the deterministic JSON byte form used as the input
// to every manifest signature and content hash.
//
// Object keys are sorted by UTF-16 code unit (the order used by the tooling that
// issues signatures), arrays keep their order, numbers use the shortest
// round-trip ECMAScript form and no whitespace is emitted. Values that have no
// JSON form (NaN, channels, functions, maps with non-string keys) encode as
// null instead of failing.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// Encode returns the canonical encoding of v.
func Encode(v any) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

// EncodeString is Encode returning a string.
func EncodeString(v any) string {
	return string(Encode(v))
}

// Hash returns the lowercase SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) string {
	sum := sha256.Sum256(Encode(v))
	return hex.EncodeToString(sum[:])
}

// Decode parses JSON into the generic value model accepted by Encode
// (nil, bool, float64, string, []any, map[string]any).
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode canonical input: %w", err)
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, x)
	case float64:
		writeNumber(buf, x)
	case float32:
		writeNumber(buf, float64(x))
	case int:
		writeNumber(buf, float64(x))
	case int8:
		writeNumber(buf, float64(x))
	case int16:
		writeNumber(buf, float64(x))
	case int32:
		writeNumber(buf, float64(x))
	case int64:
		writeNumber(buf, float64(x))
	case uint:
		writeNumber(buf, float64(x))
	case uint8:
		writeNumber(buf, float64(x))
	case uint16:
		writeNumber(buf, float64(x))
	case uint32:
		writeNumber(buf, float64(x))
	case uint64:
		writeNumber(buf, float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			buf.WriteString("null")
			return
		}
		writeNumber(buf, f)
	case json.RawMessage:
		decoded, err := Decode(x)
		if err != nil {
			buf.WriteString("null")
			return
		}
		encodeValue(buf, decoded)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeValue(buf, item)
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, item)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			encodeValue(buf, x[k])
		}
		buf.WriteByte('}')
	case map[string]string:
		generic := make(map[string]any, len(x))
		for k, s := range x {
			generic[k] = s
		}
		encodeValue(buf, generic)
	default:
		// Structs and typed collections go through their JSON form so that
		// field tags decide the key names.
		raw, err := json.Marshal(x)
		if err != nil {
			buf.WriteString("null")
			return
		}
		decoded, err := Decode(raw)
		if err != nil {
			buf.WriteString("null")
			return
		}
		encodeValue(buf, decoded)
	}
}

func writeNumber(buf *bytes.Buffer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return
	}
	if f == 0 {
		buf.WriteByte('0')
		return
	}
	format := byte('f')
	if abs := math.Abs(f); abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, 64)
	if format == 'e' {
		// 1e-07 -> 1e-7
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	buf.Write(b)
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xf])
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
