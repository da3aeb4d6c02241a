package nymea

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader delivers its chunks one Read at a time, then io.EOF.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestFrameReader_ChunkedDocument(t *testing.T) {
	doc := `{"id": 3, "status": "success", "params": {"things": [{"id": "a", "name": "Meter"}]}}` + "\n"

	splits := [][]int{
		{1},
		{10, 20, 30},
		{len(doc) - 1},
		{5, 6, 7, 8, 9, 40, 60},
	}

	for _, cuts := range splits {
		var chunks []string
		prev := 0
		for _, c := range cuts {
			chunks = append(chunks, doc[prev:c])
			prev = c
		}
		chunks = append(chunks, doc[prev:])

		reader := NewFrameReader(&chunkReader{chunks: chunks}, 0)
		msg, err := reader.ReadMessage()
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "success", got["status"])
		assert.Equal(t, float64(3), got["id"])
	}
}

func TestFrameReader_OneByteReads(t *testing.T) {
	doc := `{"id":1,"status":"success","params":{"name":"nymea"}}` + "\n"
	reader := NewFrameReader(iotest.OneByteReader(strings.NewReader(doc)), 0)

	msg, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"status":"success","params":{"name":"nymea"}}`, string(msg))
}

func TestFrameReader_IncompleteMessage(t *testing.T) {
	reader := NewFrameReader(&chunkReader{chunks: []string{`{"id": 1, "status": "succ`}}, 0)

	_, err := reader.ReadMessage()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompleteMessage))
}

func TestFrameReader_EmptyStream(t *testing.T) {
	reader := NewFrameReader(strings.NewReader(""), 0)

	_, err := reader.ReadMessage()
	assert.ErrorIs(t, err, ErrIncompleteMessage)
}

func TestFrameReader_BackToBackDocuments(t *testing.T) {
	stream := `{"id":1,"status":"success"}` + "\n" + `{"id":2,"status":"success"}` + "\n" + `{"id":3,`
	reader := NewFrameReader(&chunkReader{chunks: []string{stream}}, 0)

	first, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"status":"success"}`, string(first))

	second, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"status":"success"}`, string(second))

	_, err = reader.ReadMessage()
	assert.ErrorIs(t, err, ErrIncompleteMessage)
}

func TestFrameReader_DataWithFinalRead(t *testing.T) {
	// A reader may return the last bytes together with io.EOF.
	reader := NewFrameReader(iotest.DataErrReader(strings.NewReader(`{"id":7}`)), 0)

	msg, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(msg))
}

func TestFrameReader_ReadError(t *testing.T) {
	reader := NewFrameReader(iotest.ErrReader(errors.New("connection reset by peer")), 0)

	_, err := reader.ReadMessage()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrIncompleteMessage)
}

func TestFrameReader_MaxMessageSize(t *testing.T) {
	big := `{"params": "` + strings.Repeat("x", 10000)
	reader := NewFrameReader(&chunkReader{chunks: []string{big, `"}`}}, 1024)

	_, err := reader.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFrameReader_EmbeddedNewlines(t *testing.T) {
	// Newlines inside the document do not end the frame.
	doc := "{\n  \"id\": 4,\n  \"status\": \"success\"\n}\n"
	reader := NewFrameReader(&chunkReader{chunks: []string{doc[:5], doc[5:]}}, 0)

	msg, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"status":"success"}`, string(msg))
	assert.Equal(t, 0, reader.Buffered())
}
