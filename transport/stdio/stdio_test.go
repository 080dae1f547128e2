package stdio

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/mcprpc/logx"
	"github.com/localrivet/mcprpc/transport"
)

func quietOptions() transport.Options {
	return transport.Options{Logger: logx.Nop()}
}

func TestReceiveFramesAndEOF(t *testing.T) {
	in := strings.NewReader("{\"id\":1}\n{\"id\":2}\n")
	tr := New(in, io.Discard, quietOptions())
	ctx := context.Background()

	_, err := tr.Receive(ctx)
	require.Error(t, err, "receive before connect")

	require.NoError(t, tr.Connect(ctx))
	for _, want := range []string{`{"id":1}`, `{"id":2}`} {
		frame, err := tr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
	_, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSendAppendsNewline(t *testing.T) {
	var out bytes.Buffer
	tr := New(strings.NewReader(""), &out, quietOptions())
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, []byte(`{"a":1}`)))
	require.NoError(t, tr.Send(ctx, []byte("{\"b\":2}\n")))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", out.String())

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(ctx, []byte(`{}`)), transport.ErrClosed)
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	out := &lockedBuffer{}
	tr := New(strings.NewReader(""), out, quietOptions())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(out.buf.String()), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		assert.Equal(t, `{"jsonrpc":"2.0","method":"notifications/progress"}`, line)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := New(pr, io.Discard, quietOptions())
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestFrameTooLargeIsFatal(t *testing.T) {
	in := strings.NewReader(strings.Repeat("a", 128) + "\n")
	tr := New(in, io.Discard, transport.Options{MaxFrameSize: 32, Logger: logx.Nop()})
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrFrameTooLarge)
}

func TestProcessRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewProcess("cat", nil, quietOptions(), WithShutdownGrace(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))

	require.NoError(t, p.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)))
	frame, err := p.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping","id":1}`, string(frame))
	assert.Equal(t, "process", p.Info().Name)

	require.NoError(t, p.Close())
	assert.NoError(t, p.ExitErr(), "cat exits cleanly once stdin closes")
}
