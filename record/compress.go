package record

import (
	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
)

// Compression tags a stored blob with the scheme used to compress it.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
)

// Compress encodes data with the given scheme. Outputs, error payloads and
// task arguments are stored compressed.
func Compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEnc.EncodeAll(data, nil), nil
	default:
		return nil, xerrors.Errorf("unknown compression scheme %q", c)
	}
}

// Decompress reverses Compress.
func Decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out, err := zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, xerrors.Errorf("zstd decompression: %w", err)
		}
		return out, nil
	default:
		return nil, xerrors.Errorf("unknown compression scheme %q", c)
	}
}
