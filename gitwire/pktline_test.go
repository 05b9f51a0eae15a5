package gitwire

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPktLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPktWriter(&buf)
	require.NoError(t, pw.WriteString("first line\n"))
	require.NoError(t, pw.WritePacket([]byte("second")))
	require.NoError(t, pw.WriteFlush())

	pr := NewPktReader(&buf, 65516)

	payload, flush, err := pr.ReadPacket()
	require.NoError(t, err)
	assert.False(t, flush)
	assert.Equal(t, "first line\n", string(payload))

	payload, flush, err = pr.ReadPacket()
	require.NoError(t, err)
	assert.False(t, flush)
	assert.Equal(t, "second", string(payload))

	_, flush, err = pr.ReadPacket()
	require.NoError(t, err)
	assert.True(t, flush)

	// flush后干净EOF
	_, _, err = pr.ReadPacket()
	assert.Equal(t, io.EOF, err)
}

func TestPktLineMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"bad hex length", "zzzz1234"},
		{"length below header", "0003"},
		{"declared longer than body", "0010abc"},
		{"truncated header", "00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pr := NewPktReader(bytes.NewReader([]byte(tc.input)), 65516)
			_, _, err := pr.ReadPacket()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "want ErrProtocol, got %v", err)
		})
	}
}

func TestPktLineMaxPayload(t *testing.T) {
	// 超过上限的包必须被拒绝
	big := make([]byte, 100)
	var buf bytes.Buffer
	require.NoError(t, NewPktWriter(&buf).WritePacket(big))

	pr := NewPktReader(&buf, 50)
	_, _, err := pr.ReadPacket()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}
