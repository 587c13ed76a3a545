package message_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/arvidk/chainkv/message"
)

func TestWriteReadRoundTrip(t *testing.T) {
	msg := message.New(message.TypeSet).
		Set(message.FieldKey, "x").
		Set(message.FieldValue, "1").
		Set(message.FieldVersion, uint64(3))

	var buf bytes.Buffer
	require.NoError(t, message.Write(&buf, msg))

	got, err := message.Read(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(msg.Str(message.FieldKey), got.Str(message.FieldKey)); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "1", got.Str(message.FieldValue))
	require.Equal(t, uint64(3), got.Uint64(message.FieldVersion))
}

func TestReadTolerantOfPartialWrites(t *testing.T) {
	msg := message.New(message.TypeGet).Set(message.FieldKey, "y")

	var full bytes.Buffer
	require.NoError(t, message.Write(&full, msg))
	data := full.Bytes()

	// Simulate a reader that only sees a few bytes at a time by handing
	// out three bytes per Read call; io.ReadFull inside Read must keep reading
	// until it has the whole header and the whole payload.
	r := &slowReader{data: data, chunk: 3}
	got, err := message.Read(r)
	require.NoError(t, err)
	require.Equal(t, "y", got.Str(message.FieldKey))
}

func TestReadRejectsGarbageHeader(t *testing.T) {
	_, err := message.Read(bytes.NewBufferString("not-a-length-header"))
	require.Error(t, err)
}

// slowReader returns at most chunk bytes per Read call, exercising callers'
// tolerance of partial reads.
type slowReader struct {
	data  []byte
	chunk int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, bytes.ErrTooLarge // any non-nil, non-EOF sentinel would do; unreachable in these tests
	}
	n := s.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}
