// ABOUTME: Content-addressed binary values
// ABOUTME: BLAKE3 digests and zstd compression for externalised BINARY properties

package blob

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// InlineLimit is the largest binary kept inline in a node record;
// larger values are stored once under their digest
const InlineLimit = 1 << 10

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		enc, initErr = zstd.NewWriter(nil)
		if initErr != nil {
			return
		}
		dec, initErr = zstd.NewReader(nil)
	})
	return enc, dec, initErr
}

// Digest returns the hex BLAKE3-256 digest of data
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compress returns data compressed with zstd
func Compress(data []byte) ([]byte, error) {
	e, _, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return e.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress reverses Compress and checks the result against digest when
// one is given
func Decompress(data []byte, digest string) ([]byte, error) {
	_, d, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	out, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	if digest != "" && Digest(out) != digest {
		return nil, fmt.Errorf("blob %s: digest mismatch", digest)
	}
	return out, nil
}
