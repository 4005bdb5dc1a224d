package backup

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/runehost/runehost/pkg/models"
)

// CompressionError reports a codec failure or an unsupported codec.
type CompressionError struct {
	Type   models.CompressionType
	Detail string
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression %s: %s", e.Type, e.Detail)
}

// Shared zstd coders at default level. Per-call encoders are only built
// when a non-default level is requested.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder init: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder init: %v", err))
	}
}

// Compress encodes data with the selected codec. Level is
// codec-specific; zero means the codec default.
func Compress(data []byte, ct models.CompressionType, level int) ([]byte, error) {
	switch ct {
	case models.CompressionNone:
		return data, nil

	case models.CompressionZstd:
		if level == 0 {
			return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		defer enc.Close()
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil

	case models.CompressionGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		if _, err := w.Write(data); err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		if err := w.Close(); err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		return buf.Bytes(), nil

	case models.CompressionLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if level > 0 {
			if err := w.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(level))); err != nil {
				return nil, &CompressionError{Type: ct, Detail: err.Error()}
			}
		}
		if _, err := w.Write(data); err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		if err := w.Close(); err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		return buf.Bytes(), nil

	default:
		return nil, &CompressionError{Type: ct, Detail: "unsupported codec"}
	}
}

// Decompress decodes data written by Compress with the same codec.
func Decompress(data []byte, ct models.CompressionType) ([]byte, error) {
	switch ct {
	case models.CompressionNone:
		return data, nil

	case models.CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		return out, nil

	case models.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		return out, nil

	case models.CompressionLz4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, &CompressionError{Type: ct, Detail: err.Error()}
		}
		return out, nil

	default:
		return nil, &CompressionError{Type: ct, Detail: "unsupported codec"}
	}
}
