package crdt

import "errors"

var (
	// ErrTruncated indicates the buffer ended inside a value.
	ErrTruncated = errors.New("crdt: truncated encoding")
	// ErrOverflow indicates a varint exceeded ten bytes.
	ErrOverflow = errors.New("crdt: varint overflow")
	// ErrLengthOutOfRange indicates a length prefix exceeded the remaining buffer.
	ErrLengthOutOfRange = errors.New("crdt: length out of range")
)

// maxVarintLen is the longest varint encoding of a uint64.
const maxVarintLen = 10

// encoder accumulates varint-framed binary output.
type encoder struct {
	buf []byte
}

func (e *encoder) writeUvarint(value uint64) {
	for value >= 0x80 {
		e.buf = append(e.buf, byte(value)|0x80)
		value >>= 7
	}
	e.buf = append(e.buf, byte(value))
}

func (e *encoder) writeBytes(payload []byte) {
	e.writeUvarint(uint64(len(payload)))
	e.buf = append(e.buf, payload...)
}

func (e *encoder) writeString(value string) {
	e.writeUvarint(uint64(len(value)))
	e.buf = append(e.buf, value...)
}

func (e *encoder) bytes() []byte {
	return e.buf
}

// decoder consumes varint-framed binary input.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) readUvarint() (uint64, error) {
	var value uint64
	var shift uint
	for i := 0; ; i++ {
		if d.pos >= len(d.buf) {
			return 0, ErrTruncated
		}
		if i >= maxVarintLen {
			return 0, ErrOverflow
		}
		b := d.buf[d.pos]
		d.pos++
		value |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return value, nil
		}
		shift += 7
	}
}

func (d *decoder) readBytes() ([]byte, error) {
	length, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(d.buf)-d.pos) {
		return nil, ErrLengthOutOfRange
	}
	payload := make([]byte, length)
	copy(payload, d.buf[d.pos:d.pos+int(length)])
	d.pos += int(length)
	return payload, nil
}

func (d *decoder) readString() (string, error) {
	payload, err := d.readBytes()
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
