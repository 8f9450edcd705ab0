package rescache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/snapforge/engine/pkg/types"
)

// errDecompression marks a corrupted body file. Lookup treats it as a miss
// and drops the entry so the next fetch re-stores it.
var errDecompression = errors.New("decompression failed")

// compress encodes body with the configured algorithm. Bodies below
// types.CompressionMinSize and unknown algorithms are stored as-is with no
// extension.
func compress(body []byte, algorithm string) ([]byte, string, error) {
	if len(body) < types.CompressionMinSize {
		return body, "", nil
	}

	switch algorithm {
	case types.CompressionSnappy:
		return snappy.Encode(nil, body), types.ExtSnappy, nil

	case types.CompressionLZ4:
		// Stream format embeds the uncompressed size.
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), types.ExtLZ4, nil

	default:
		return body, "", nil
	}
}

// decompress decodes data according to the body file's extension.
func decompress(data []byte, path string) ([]byte, error) {
	switch {
	case strings.HasSuffix(path, types.ExtSnappy):
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", errDecompression, err)
		}
		return out, nil

	case strings.HasSuffix(path, types.ExtLZ4):
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", errDecompression, err)
		}
		return out, nil

	default:
		return data, nil
	}
}
