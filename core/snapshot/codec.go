package snapshot

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

// Codec identifies the payload compression.
type Codec byte

// Codec values are stored in the file; do not renumber.
const (
	CodecNone Codec = iota
	CodecXZ
	CodecZstd
	CodecBrotli
	CodecLZ4
)

var codecNames = map[Codec]string{
	CodecNone:   "none",
	CodecXZ:     "xz",
	CodecZstd:   "zstd",
	CodecBrotli: "brotli",
	CodecLZ4:    "lz4",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return "codec(" + strconv.Itoa(int(c)) + ")"
}

func (c Codec) valid() bool {
	_, ok := codecNames[c]
	return ok
}

// Codecs returns the codec names in numeric order.
func Codecs() []string {
	out := make([]string, 0, len(codecNames))
	for c := CodecNone; c.valid(); c++ {
		out = append(out, c.String())
	}
	return out
}

// ParseCodec maps a codec name to its value.
func ParseCodec(name string) (Codec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range codecNames {
		if n == name {
			return c, nil
		}
	}
	return 0, errors.NewUnsupported("snapshot codec", name)
}

// Function variables for testing injection.
var (
	newXZWriter   = func(w io.Writer) (*xz.Writer, error) { return xz.NewWriter(w) }
	newZstdWriter = func() (*zstd.Encoder, error) { return zstd.NewWriter(nil) }
	newZstdReader = func() (*zstd.Decoder, error) { return zstd.NewReader(nil) }
)

func compress(c Codec, in []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return in, nil
	case CodecXZ:
		var buf bytes.Buffer
		w, err := newXZWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(in); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CodecZstd:
		enc, err := newZstdWriter()
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(in, nil), nil
	case CodecBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, errors.NewUnsupported("snapshot codec", c.String())
}

// decompress reads at most expected+1 bytes so that a payload expanding
// beyond its declared size fails the length check instead of exhausting
// memory.
func decompress(c Codec, in []byte, expected uint64) ([]byte, error) {
	var r io.Reader
	switch c {
	case CodecNone:
		return in, nil
	case CodecXZ:
		xr, err := xz.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		r = xr
	case CodecZstd:
		dec, err := newZstdReader()
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if err := dec.Reset(bytes.NewReader(in)); err != nil {
			return nil, err
		}
		r = dec
	case CodecBrotli:
		r = brotli.NewReader(bytes.NewReader(in))
	case CodecLZ4:
		r = lz4.NewReader(bytes.NewReader(in))
	default:
		return nil, errors.NewUnsupported("snapshot codec", c.String())
	}
	return io.ReadAll(io.LimitReader(r, int64(expected)+1))
}
