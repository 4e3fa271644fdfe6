package blob

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestIsStable(t *testing.T) {
	a := Digest([]byte("hello"))
	require.Len(t, a, 64)
	require.Equal(t, a, Digest([]byte("hello")))
	require.NotEqual(t, a, Digest([]byte("hello!")))
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("content repository "), 500)
	packed, err := Compress(data)
	require.NoError(t, err)
	require.Less(t, len(packed), len(data))

	out, err := Decompress(packed, Digest(data))
	require.NoError(t, err)
	require.Equal(t, data, out)

	_, err = Decompress(packed, Digest([]byte("other")))
	require.Error(t, err)
}
