package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// LineReader splits a byte stream into newline-delimited frames, buffering
// partial reads until a full line is available.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf bytes.Buffer
}

// NewLineReader wraps r. Frames longer than max bytes fail with ErrFrameTooLarge.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadFrame returns the next non-blank line without its terminator. A final
// line lacking a newline is returned before io.EOF.
func (l *LineReader) ReadFrame() ([]byte, error) {
	for {
		frame, err := l.readLine()
		if err != nil {
			return nil, err
		}
		frame = bytes.TrimSpace(frame)
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

func (l *LineReader) readLine() ([]byte, error) {
	l.buf.Reset()
	for {
		chunk, err := l.r.ReadSlice('\n')
		limit := l.max
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			limit++ // the terminator is not part of the frame
		}
		if l.buf.Len()+len(chunk) > limit {
			return nil, NewError(KindFrameTooLarge, "read",
				fmt.Errorf("frame exceeds %d bytes", l.max))
		}
		l.buf.Write(chunk)

		switch {
		case err == nil:
			return bytes.Clone(l.buf.Bytes()), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if l.buf.Len() > 0 {
				return bytes.Clone(l.buf.Bytes()), nil
			}
			return nil, io.EOF
		default:
			return nil, NewError(KindIO, "read", err)
		}
	}
}

// WriteFrame writes data followed by a newline. Embedded newlines would break
// framing and are rejected.
func WriteFrame(w io.Writer, data []byte) error {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return errors.New("cannot send empty message")
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return errors.New("message contains a raw newline")
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := w.Write(frame); err != nil {
		return NewError(KindIO, "write", err)
	}
	return nil
}
