package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// maxIntDigits is the number of decimal digits that always fit an int64.
	maxIntDigits = 19
	// maxLengthDigits bounds the length prefix of a byte string.
	maxLengthDigits = 10
	// maxStringLength is the largest byte string accepted.
	maxStringLength = 1<<31 - 1
	// maxDepth bounds list and dictionary nesting.
	maxDepth = 64
)

type byteScanner interface {
	io.Reader
	io.ByteScanner
}

// Parse decodes the first value in data and returns it together with the
// number of bytes it occupied. Bytes after the value are not examined.
func Parse(data []byte) (Value, int, error) {
	d := &decoder{r: bytes.NewReader(data)}
	v, err := d.value(0)
	return v, int(d.off), err
}

// Decode decodes data, which must contain exactly one value.
func Decode(data []byte) (Value, error) {
	v, n, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, invalidf(int64(n), 0, "%d trailing bytes after value", len(data)-n)
	}
	return v, nil
}

// Decoder reads consecutive values from a stream. After each call to Decode
// the stream is positioned at the first byte of the next value.
type Decoder struct {
	d decoder
}

// NewDecoder returns a decoder reading from r. If r does not implement
// io.ByteScanner it is wrapped in a bufio.Reader, which may read ahead.
func NewDecoder(r io.Reader) *Decoder {
	bs, ok := r.(byteScanner)
	if !ok {
		bs = bufio.NewReader(r)
	}
	return &Decoder{d: decoder{r: bs}}
}

// Decode returns the next value. It returns io.EOF when the stream ends
// cleanly between values.
func (dec *Decoder) Decode() (Value, error) {
	if _, err := dec.d.peek(); err == io.EOF {
		return nil, io.EOF
	}
	return dec.d.value(0)
}

// InputOffset returns the number of bytes consumed so far.
func (dec *Decoder) InputOffset() int64 {
	return dec.d.off
}

type decoder struct {
	r   byteScanner
	off int64
}

func (d *decoder) readByte() (byte, error) {
	c, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	d.off++
	return c, nil
}

func (d *decoder) peek() (byte, error) {
	c, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if err := d.r.UnreadByte(); err != nil {
		return 0, err
	}
	return c, nil
}

// value inspects the leading byte and hands off to the parser for that
// variant.
func (d *decoder) value(depth int) (Value, error) {
	c, err := d.peek()
	if err != nil {
		if err == io.EOF {
			return nil, invalidf(d.off, 0, "unexpected end of input")
		}
		return nil, err
	}
	switch {
	case c == 'i':
		return d.integer()
	case c >= '0' && c <= '9':
		return d.str()
	case c == 'l':
		return d.list(depth)
	case c == 'd':
		return d.dict(depth)
	default:
		return nil, invalidf(d.off, 0, "unexpected character %q", c)
	}
}

func (d *decoder) integer() (Value, error) {
	start := d.off
	if c, err := d.readByte(); err != nil || c != 'i' {
		return nil, invalidf(start, KindInt, "expected 'i'")
	}

	var digits []byte
	count := 0
	for {
		c, err := d.readByte()
		if err == io.EOF {
			return nil, missingEnd(start, KindInt)
		}
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			break
		}
		if !(c >= '0' && c <= '9') && !(c == '-' && count == 0) {
			return nil, invalidEnd(start, KindInt, c)
		}
		count++
		if len(digits) <= maxIntDigits+1 {
			digits = append(digits, c)
		}
	}

	negative := len(digits) > 0 && digits[0] == '-'
	numDigits := count
	if negative {
		numDigits--
	}

	if numDigits > maxIntDigits {
		return nil, unsupportedf(start, KindInt, "%d digits cannot be stored as int64", numDigits)
	}
	if numDigits < 1 {
		return nil, invalidf(start, KindInt, "no digits")
	}

	first := digits[0]
	if negative {
		first = digits[1]
	}
	if first == '0' && numDigits > 1 {
		return nil, invalidf(start, KindInt, "leading zero in %q", digits)
	}
	if first == '0' && negative {
		return nil, invalidf(start, KindInt, "'-0' is not a valid number")
	}

	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, unsupportedf(start, KindInt, "%q is outside the int64 range", digits)
	}
	return Int(n), nil
}

func (d *decoder) str() (Value, error) {
	start := d.off
	var digits []byte
	for {
		c, err := d.readByte()
		if err == io.EOF {
			return nil, invalidf(start, KindString, "stream ended inside length prefix")
		}
		if err != nil {
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, invalidf(start, KindString, "expected ':', found %q", c)
		}
		digits = append(digits, c)
		if len(digits) > maxLengthDigits {
			return nil, unsupportedf(start, KindString, "length prefix has more than %d digits", maxLengthDigits)
		}
	}
	if len(digits) == 0 {
		return nil, invalidf(start, KindString, "empty length prefix")
	}

	length, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil || length > maxStringLength {
		return nil, unsupportedf(start, KindString, "length %s is too large", digits)
	}

	data, err := io.ReadAll(io.LimitReader(d.r, length))
	d.off += int64(len(data))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != length {
		return nil, invalidf(start, KindString, "expected %d bytes, found %d", length, len(data))
	}
	return String(data), nil
}

func (d *decoder) list(depth int) (Value, error) {
	start := d.off
	if depth >= maxDepth {
		return nil, unsupportedf(start, KindList, "nesting deeper than %d", maxDepth)
	}
	d.readByte() // 'l'

	list := List{}
	for {
		c, err := d.peek()
		if errors.Is(err, io.EOF) {
			return nil, missingEnd(start, KindList)
		}
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			d.readByte()
			return list, nil
		}
		item, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
}

func (d *decoder) dict(depth int) (Value, error) {
	start := d.off
	if depth >= maxDepth {
		return nil, unsupportedf(start, KindDict, "nesting deeper than %d", maxDepth)
	}
	d.readByte() // 'd'

	dict := NewDict()
	for {
		c, err := d.peek()
		if errors.Is(err, io.EOF) {
			return nil, missingEnd(start, KindDict)
		}
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			d.readByte()
			return dict, nil
		}
		if c < '0' || c > '9' {
			return nil, invalidf(d.off, KindDict, "key must be a byte string, found %q", c)
		}

		key, err := d.str()
		if err != nil {
			return nil, err
		}
		k := string(key.(String))
		if _, dup := dict.Get(k); dup {
			return nil, invalidf(start, KindDict, "duplicate key %q", k)
		}

		if _, err := d.peek(); errors.Is(err, io.EOF) {
			return nil, invalidf(start, KindDict, "missing value for key %q", k)
		}
		val, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		dict.Set(k, val)
	}
}
