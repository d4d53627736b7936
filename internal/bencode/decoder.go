package bencode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// decodeBufferSize is the read-ahead applied to the underlying reader.
// Piece arrays make real-world metainfo files large (tens of MiB), so the
// decoder reads in 1 MiB chunks to keep syscall overhead low.
const decodeBufferSize = 1 << 20

// ParseError describes a malformed bencode stream. Offset is the byte
// position, counted from the start of the stream, at which decoding failed.
type ParseError struct {
	Offset int64
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Reason, e.Offset)
}

type Decoder struct {
	r   *bufio.Reader
	off int64
}

type bType byte

const (
	bInteger bType = 'i'
	bDict    bType = 'd'
	bList    bType = 'l'
	bDelim   bType = 'e'
)

// NewDecoder returns a Decoder that reads bencoded values from r.
//
// The decoder reads exactly one complete value per call to Decode. If
// additional data follows, subsequent calls to Decode will continue parsing
// from the current position.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, decodeBufferSize)}
}

// Decode reads and returns the next bencoded value from the input.
//
// It produces the following Go concrete types:
//   - []byte for bencoded strings
//   - int64 for integers
//   - []any for lists
//   - map[string]any for dictionaries
//
// Byte strings are never assumed to be UTF-8: values stay raw []byte, and
// dictionary keys are raw bytes stored in a Go string. Keys such as "pieces"
// carry binary SHA-1 concatenations in string-valued positions, so
// interpreting any value as text is the caller's decision, made at the
// schema boundary.
//
// On malformed input, Decode returns a *ParseError carrying the byte offset
// of the failure.
func (d *Decoder) Decode() (any, error) {
	btype, err := d.readByte()
	if err != nil {
		return nil, d.failRead(err)
	}

	var val any

	switch btype {
	case byte(bInteger):
		val, err = d.decodeInteger()
	case byte(bList):
		val, err = d.decodeList()
	case byte(bDict):
		val, err = d.decodeDict()
	default:
		if btype < '0' || btype > '9' {
			return nil, d.fail(
				fmt.Sprintf("unknown type sigil %q", btype),
			)
		}
		val, err = d.decodeString(btype)
	}

	if err != nil {
		return nil, err
	}
	return val, nil
}

// decodeInteger parses an integer of the form i<number>e. The leading 'i'
// has already been consumed.
func (d *Decoder) decodeInteger() (int64, error) {
	var digits []byte
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, d.failRead(err)
		}
		if b == byte(bDelim) {
			break
		}
		digits = append(digits, b)
	}

	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, d.fail("integer is not well-formed")
	}
	return n, nil
}

// decodeString parses a length-prefixed string of the form <len>:<bytes>.
// first is the already-consumed leading digit of the length prefix.
func (d *Decoder) decodeString(first byte) ([]byte, error) {
	digits := []byte{first}
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, d.failRead(err)
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, d.fail(
				"string length prefix is not numeric",
			)
		}
		digits = append(digits, b)
	}

	size, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, d.fail("string length prefix is not numeric")
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(d.r, buf)
	d.off += int64(n)
	if err != nil {
		return nil, d.failRead(err)
	}
	return buf, nil
}

// decodeList parses a list, recursively decoding each element until it
// reaches the terminating 'e'.
func (d *Decoder) decodeList() ([]any, error) {
	list := make([]any, 0)

	for {
		peek, err := d.r.Peek(1)
		if err != nil {
			return nil, d.failRead(err)
		}
		if peek[0] == byte(bDelim) {
			d.readByte()
			break
		}

		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return list, nil
}

// decodeDict parses a dictionary. Keys must be bencoded strings and are
// kept as raw bytes; values are decoded recursively.
func (d *Decoder) decodeDict() (map[string]any, error) {
	dict := make(map[string]any)

	for {
		peek, err := d.r.Peek(1)
		if err != nil {
			return nil, d.failRead(err)
		}
		if peek[0] == byte(bDelim) {
			d.readByte()
			break
		}
		if peek[0] < '0' || peek[0] > '9' {
			return nil, d.fail("dictionary key is not a string")
		}

		first, err := d.readByte()
		if err != nil {
			return nil, d.failRead(err)
		}
		key, err := d.decodeString(first)
		if err != nil {
			return nil, err
		}
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}

		dict[string(key)] = val
	}

	return dict, nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err == nil {
		d.off++
	}
	return b, err
}

func (d *Decoder) fail(reason string) error {
	return &ParseError{Offset: d.off, Reason: reason}
}

// failRead maps reader errors to ParseErrors: any EOF mid-value means the
// input was truncated.
func (d *Decoder) failRead(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &ParseError{Offset: d.off, Reason: "truncated input"}
	}
	return err
}
