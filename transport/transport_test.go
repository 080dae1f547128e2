package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderFrames(t *testing.T) {
	input := "{\"a\":1}\n\n  \r\n{\"b\":2}\r\n{\"c\":3}"
	lr := NewLineReader(strings.NewReader(input), 0)

	var frames []string
	for {
		frame, err := lr.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, string(frame))
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, frames)
}

func TestLineReaderReassemblesPartialReads(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		for _, chunk := range []string{`{"jsonrpc":`, `"2.0","method"`, `:"ping"}`, "\n"} {
			_, _ = pw.Write([]byte(chunk))
			time.Sleep(time.Millisecond)
		}
		_ = pw.Close()
	}()

	lr := NewLineReader(pr, 0)
	frame, err := lr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping"}`, string(frame))

	_, err = lr.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderFrameTooLarge(t *testing.T) {
	big := strings.Repeat("x", 100) + "\n"
	lr := NewLineReader(strings.NewReader(big), 64)

	_, err := lr.ReadFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.NotErrorIs(t, err, ErrClosed)

	// A frame exactly at the limit is fine.
	lr = NewLineReader(strings.NewReader(strings.Repeat("y", 64)+"\n"), 64)
	frame, err := lr.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, frame, 64)

	// An unterminated final line gets no allowance for a newline.
	lr = NewLineReader(strings.NewReader(strings.Repeat("z", 65)), 64)
	_, err = lr.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	lr = NewLineReader(strings.NewReader(strings.Repeat("z", 64)), 64)
	frame, err = lr.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, frame, 64)
}

func TestWriteFrame(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteFrame(&sb, []byte(`{"a":1}`)))
	require.NoError(t, WriteFrame(&sb, []byte("{\"b\":2}\n")))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", sb.String())

	assert.Error(t, WriteFrame(&sb, nil))
	assert.Error(t, WriteFrame(&sb, []byte("{\n}")))
}

func TestInboxDrainsBeforeTerminalError(t *testing.T) {
	inbox := NewInbox(4)
	ctx := context.Background()

	require.True(t, inbox.Deliver(ctx, []byte("one")))
	require.True(t, inbox.Deliver(ctx, []byte("two")))
	inbox.Fail(io.EOF)
	inbox.Fail(ErrClosed) // only the first failure counts

	assert.False(t, inbox.Deliver(ctx, []byte("late")))

	frame, err := inbox.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(frame))
	frame, err = inbox.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(frame))

	_, err = inbox.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, inbox.Err(), io.EOF)
}

func TestInboxReceiveHonoursContext(t *testing.T) {
	inbox := NewInbox(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inbox.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, inbox.Err())
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("reading: %w", NewError(KindFrameTooLarge, "read", errors.New("too big")))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.NotErrorIs(t, err, ErrClosed)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindFrameTooLarge, terr.Kind)
	assert.Contains(t, terr.Error(), "frame too large")

	cause := errors.New("broken pipe")
	assert.ErrorIs(t, NewError(KindIO, "write", cause), cause)
}
