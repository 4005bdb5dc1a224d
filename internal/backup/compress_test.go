package backup_test

import (
	"bytes"
	"testing"

	"github.com/runehost/runehost/internal/backup"
	"github.com/runehost/runehost/pkg/models"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("runehost backup payload "), 200)

	codecs := []models.CompressionType{
		models.CompressionNone,
		models.CompressionZstd,
		models.CompressionGzip,
		models.CompressionLz4,
	}
	for _, ct := range codecs {
		compressed, err := backup.Compress(data, ct, 0)
		if err != nil {
			t.Fatalf("Compress(%s) error: %v", ct, err)
		}
		if ct != models.CompressionNone && len(compressed) >= len(data) {
			t.Errorf("%s did not shrink repetitive data: %d >= %d", ct, len(compressed), len(data))
		}

		out, err := backup.Decompress(compressed, ct)
		if err != nil {
			t.Fatalf("Decompress(%s) error: %v", ct, err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s round trip corrupted data", ct)
		}
	}
}

func TestCompress_ExplicitLevel(t *testing.T) {
	data := bytes.Repeat([]byte("level test "), 500)

	for _, ct := range []models.CompressionType{models.CompressionZstd, models.CompressionGzip} {
		compressed, err := backup.Compress(data, ct, 9)
		if err != nil {
			t.Fatalf("Compress(%s, level 9) error: %v", ct, err)
		}
		out, err := backup.Decompress(compressed, ct)
		if err != nil {
			t.Fatalf("Decompress(%s) error: %v", ct, err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s level 9 round trip corrupted data", ct)
		}
	}
}

func TestCompress_UnsupportedCodec(t *testing.T) {
	_, err := backup.Compress([]byte("x"), models.CompressionType("brotli"), 0)
	ce, ok := err.(*backup.CompressionError)
	if !ok {
		t.Fatalf("Compress(brotli) error = %v, want CompressionError", err)
	}
	if ce.Detail != "unsupported codec" {
		t.Errorf("Detail = %q", ce.Detail)
	}
	if _, err := backup.Decompress([]byte("x"), models.CompressionType("brotli")); err == nil {
		t.Error("Decompress(brotli) should fail")
	}
}

func TestDecompress_CorruptInput(t *testing.T) {
	for _, ct := range []models.CompressionType{models.CompressionZstd, models.CompressionGzip} {
		if _, err := backup.Decompress([]byte("definitely not compressed"), ct); err == nil {
			t.Errorf("Decompress(%s) of garbage should fail", ct)
		}
	}
}
