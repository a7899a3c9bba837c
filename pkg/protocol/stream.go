package protocol

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MaxRecordSize bounds a single record. A larger record cannot be
// resynchronized and ends the stream.
const MaxRecordSize = 4 << 20

// Reader reads newline-delimited envelopes from a byte stream.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), max: MaxRecordSize}
}

// ReadEnvelope blocks until a full record is available. It returns io.EOF
// when the stream ends cleanly between records. Blank lines are skipped.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	for {
		line, err := r.readRecord()
		if err != nil {
			return Envelope{}, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
}

func (r *Reader) readRecord() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.r.ReadSlice(Delimiter)
		buf = append(buf, chunk...)
		if len(buf) > r.max {
			return nil, decodeErr("", nil, "record exceeds %d bytes", r.max)
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(buf)) == 0 {
				return nil, io.EOF
			}
			return nil, decodeErr("", io.ErrUnexpectedEOF, "truncated record")
		default:
			return nil, err
		}
	}
}

// Writer writes envelopes, one record per call, flushing each.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteEnvelope encodes and flushes e.
func (w *Writer) WriteEnvelope(e Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return errors.Wrap(err, "write envelope")
	}
	return errors.Wrap(w.w.Flush(), "flush envelope")
}
