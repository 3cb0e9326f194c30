package bounce

import (
	"bytes"
	"io"
)

// Buffer keeps the first Cap bytes of a body and drops the rest.
type Buffer struct {
	Cap int64

	buf   bytes.Buffer
	total int64
}

// ReadFrom consumes r to EOF.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	kept, err := io.Copy(&b.buf, io.LimitReader(r, b.Cap-int64(b.buf.Len())))
	b.total += kept
	if err != nil {
		return kept, err
	}
	dropped, err := io.Copy(io.Discard, r)
	b.total += dropped
	return kept + dropped, err
}

func (b *Buffer) Bytes() []byte { return b.buf.Bytes() }

// Total is the number of bytes read, including dropped ones.
func (b *Buffer) Total() int64 { return b.total }

func (b *Buffer) Truncated() bool { return b.total > int64(b.buf.Len()) }
