package bencode

import (
	"bytes"
	"io"
	"strconv"
)

// Encode returns the canonical encoding of v. Dictionary keys are written
// in ascending byte order regardless of insertion order.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	appendValue(&buf, v)
	return buf.Bytes()
}

// EncodeTo writes the canonical encoding of v to w.
func EncodeTo(w io.Writer, v Value) error {
	_, err := w.Write(Encode(v))
	return err
}

func appendValue(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case Int:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		buf.WriteByte('e')
	case String:
		appendString(buf, val)
	case List:
		buf.WriteByte('l')
		for _, item := range val {
			appendValue(buf, item)
		}
		buf.WriteByte('e')
	case *Dict:
		buf.WriteByte('d')
		for _, key := range val.SortedKeys() {
			appendString(buf, []byte(key))
			appendValue(buf, val.values[key])
		}
		buf.WriteByte('e')
	case nil:
		// A nil value has no encoding; write an empty string so the
		// surrounding structure stays well formed.
		appendString(buf, nil)
	}
}

func appendString(buf *bytes.Buffer, s []byte) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}
