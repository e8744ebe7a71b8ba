package transport

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrame_StripsNewline(t *testing.T) {
	r := strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}` + "\n")
	tr := New(r, &bytes.Buffer{}, nil, nil)

	frame, err := tr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping"}`, string(frame))
}

func TestReadFrame_MultipleFrames(t *testing.T) {
	r := strings.NewReader("one\ntwo\nthree\n")
	tr := New(r, &bytes.Buffer{}, nil, nil)

	for _, want := range []string{"one", "two", "three"} {
		frame, err := tr.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
}

func TestReadFrame_ExactlyMaxSizeAccepted(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), MaxFrameBytes)
	r := bytes.NewReader(append(payload, '\n'))
	tr := New(r, &bytes.Buffer{}, nil, nil)

	frame, err := tr.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, frame, MaxFrameBytes)
}

func TestReadFrame_OverMaxSizeRejected(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), MaxFrameBytes+1)
	r := bytes.NewReader(append(payload, '\n'))
	tr := New(r, &bytes.Buffer{}, nil, nil)

	_, err := tr.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrame_AppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	tr := New(strings.NewReader(""), &buf, nil, nil)

	require.NoError(t, tr.WriteFrame([]byte(`{"ok":true}`)))
	assert.Equal(t, "{\"ok\":true}\n", buf.String())
}

func TestWriteFrame_SequentialWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	tr := New(strings.NewReader(""), &buf, nil, nil)

	require.NoError(t, tr.WriteFrame([]byte("a")))
	require.NoError(t, tr.WriteFrame([]byte("b")))
	assert.Equal(t, "a\nb\n", buf.String())
}
