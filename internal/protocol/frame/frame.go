package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/js8net/internal/protocol/schema"
)

const (
	// MinHeaderLen is magic + schema + type + an empty id length prefix.
	MinHeaderLen = 16

	nullLength uint32 = 0xFFFFFFFF
	msPerDay          = 24 * 60 * 60 * 1000

	// julian day number of 1970-01-01
	unixEpochJulianDay = 2440588
)

// Timespec tags carried by date-time fields.
const (
	SpecLocalTime     uint8 = 0
	SpecUTC           uint8 = 1
	SpecOffsetFromUTC uint8 = 2
)

var (
	ErrShortRead    = errors.New("frame: short read")
	ErrCorruptData  = errors.New("frame: corrupt data")
	ErrInvalidMagic = fmt.Errorf("%w: invalid magic", ErrCorruptData)
)

// Status classifies the outcome of decoding a frame or field.
type Status int

const (
	StatusOK Status = iota
	StatusShortRead
	StatusCorruptData
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusShortRead:
		return "short_read"
	case StatusCorruptData:
		return "corrupt_data"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusOf maps a codec error onto a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrShortRead):
		return StatusShortRead
	default:
		return StatusCorruptData
	}
}

// Header is the fixed part of every peer frame.
type Header struct {
	Magic  uint32
	Schema uint32
	Type   schema.MessageType
	ID     string
}

// Limits constrains decoded field sizes.
type Limits struct {
	MaxFieldBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFieldBytes: 64 * 1024,
	}
}

// Writer builds one frame. Field order is the wire order.
type Writer struct {
	buf []byte
}

func NewWriter(t schema.MessageType, id string, schemaNum uint32) *Writer {
	w := &Writer{buf: make([]byte, 0, 64)}
	w.Uint32(schema.Magic)
	w.Uint32(schemaNum)
	w.Uint32(uint32(t))
	w.String(id)
	return w
}

// Bytes returns the encoded frame.
func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.Uint8(1)
	}
	return w.Uint8(0)
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Int32(v int32) *Writer {
	return w.Uint32(uint32(v))
}

func (w *Writer) Uint64(v uint64) *Writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) Int64(v int64) *Writer {
	return w.Uint64(uint64(v))
}

// Float64 writes an IEEE-754 double; single precision values are widened
// on the wire as well.
func (w *Writer) Float64(v float64) *Writer {
	return w.Uint64(math.Float64bits(v))
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(v string) *Writer {
	w.Uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// Blob writes a length-prefixed blob; nil is written as the null blob.
func (w *Writer) Blob(v []byte) *Writer {
	if v == nil {
		return w.Uint32(nullLength)
	}
	w.Uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// Time writes a time of day as milliseconds since midnight. A negative
// duration is written as the null time.
func (w *Writer) Time(d time.Duration) *Writer {
	if d < 0 {
		return w.Uint32(nullLength)
	}
	return w.Uint32(uint32(d.Milliseconds() % msPerDay))
}

// DateTime writes t in UTC as julian day, milliseconds of day and timespec.
func (w *Writer) DateTime(t time.Time) *Writer {
	t = t.UTC()
	days := floorDiv(t.Unix(), 86400)
	msOfDay := (t.Unix()-days*86400)*1000 + int64(t.Nanosecond()/int(time.Millisecond))
	w.Int64(days + unixEpochJulianDay)
	w.Uint32(uint32(msOfDay))
	w.Uint8(SpecUTC)
	return w
}

// Decode validates the frame header and returns a reader positioned at
// the first body field.
func Decode(b []byte) (Header, *Reader, Status) {
	return DecodeWithLimits(b, DefaultLimits())
}

func DecodeWithLimits(b []byte, limits Limits) (Header, *Reader, Status) {
	r := &Reader{buf: b, limits: limits}
	if len(b) < 4 {
		r.err = ErrShortRead
		return Header{}, r, StatusShortRead
	}
	h := Header{Magic: binary.BigEndian.Uint32(b[0:4])}
	if h.Magic != schema.Magic {
		r.err = ErrInvalidMagic
		return h, r, StatusCorruptData
	}
	if len(b) < MinHeaderLen {
		r.err = ErrShortRead
		return h, r, StatusShortRead
	}
	r.off = 4
	h.Schema = r.Uint32()
	h.Type = schema.MessageType(r.Uint32())
	h.ID = r.String()
	if r.err != nil {
		return h, r, r.Status()
	}
	return h, r, StatusOK
}

// Reader consumes body fields. The first error sticks; later reads return
// zero values.
type Reader struct {
	buf    []byte
	off    int
	limits Limits
	err    error
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) Status() Status { return StatusOf(r.err) }

// Remaining reports unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf)-r.off {
		r.err = ErrShortRead
		r.off = len(r.buf)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Int64() int64 {
	return int64(r.Uint64())
}

func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// String reads a length-prefixed UTF-8 string. The null string reads as "".
func (r *Reader) String() string {
	return string(r.Blob())
}

func (r *Reader) Blob() []byte {
	n := r.Uint32()
	if r.err != nil || n == nullLength {
		return nil
	}
	if n > r.limits.MaxFieldBytes {
		r.err = fmt.Errorf("%w: field length %d exceeds %d", ErrCorruptData, n, r.limits.MaxFieldBytes)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Time reads a time of day. The null time reads as -1.
func (r *Reader) Time() time.Duration {
	ms := r.Uint32()
	if r.err != nil {
		return 0
	}
	if ms == nullLength {
		return -1
	}
	if ms >= msPerDay {
		r.err = fmt.Errorf("%w: time of day %dms out of range", ErrCorruptData, ms)
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// DateTime reads a date-time and returns it in UTC.
func (r *Reader) DateTime() time.Time {
	jd := r.Int64()
	ms := r.Uint32()
	ts := r.Uint8()
	if r.err != nil {
		return time.Time{}
	}
	if ms != nullLength && ms >= msPerDay {
		r.err = fmt.Errorf("%w: date-time %dms out of range", ErrCorruptData, ms)
		return time.Time{}
	}
	var offset time.Duration
	switch ts {
	case SpecLocalTime, SpecUTC:
	case SpecOffsetFromUTC:
		offset = time.Duration(r.Int32()) * time.Second
		if r.err != nil {
			return time.Time{}
		}
	default:
		r.err = fmt.Errorf("%w: unknown timespec %d", ErrCorruptData, ts)
		return time.Time{}
	}
	if ms == nullLength {
		return time.Time{}
	}
	unix := (jd-unixEpochJulianDay)*86400*1000 + int64(ms)
	return time.UnixMilli(unix).Add(-offset).UTC()
}

func floorDiv(n, d int64) int64 {
	q := n / d
	if (n%d != 0) && ((n < 0) != (d < 0)) {
		q--
	}
	return q
}
