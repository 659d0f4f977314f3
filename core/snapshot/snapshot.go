// Package snapshot serializes an extension store to a compact, checksummed
// file for debugging a conversion chain.
//
// Layout:
//
//	magic    "SBSNAP"  6 bytes
//	version  1         1 byte
//	codec              1 byte
//	length             8 bytes, little endian, uncompressed payload size
//	checksum           32 bytes, BLAKE3 of the uncompressed payload
//	payload            compressed JSON document
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
)

const (
	magic      = "SBSNAP"
	version    = 1
	headerSize = len(magic) + 2 + 8 + 32

	// DefaultMaxSize bounds the uncompressed payload accepted by Decode.
	DefaultMaxSize = 256 << 20
)

var (
	// ErrNotSnapshot is returned for data without the snapshot magic.
	ErrNotSnapshot = errors.Wrap(errors.ErrInvalidInput, "not a snapshot")

	// ErrChecksum is returned when the payload does not match its checksum.
	ErrChecksum = errors.Wrap(errors.ErrInvalidInput, "snapshot checksum mismatch")

	// ErrTooLarge is returned when the declared payload exceeds the limit.
	ErrTooLarge = errors.Wrap(errors.ErrInvalidInput, "snapshot payload too large")
)

// jsonMarshal is a variable to allow testing of marshal errors.
var jsonMarshal = json.Marshal

// Snapshot is a decoded snapshot.
type Snapshot struct {
	// Source names the format the store was imported from.
	Source string `json:"source,omitempty"`

	// Fingerprint is the canonical tree fingerprint the store belongs to.
	Fingerprint string `json:"fingerprint,omitempty"`

	Store *ext.Store `json:"entries"`

	// Codec and Checksum describe the container; they are not part of the
	// JSON payload.
	Codec    Codec  `json:"-"`
	Checksum string `json:"-"`
}

// Option configures Encode and Decode.
type Option func(*config)

type config struct {
	codec       Codec
	source      string
	fingerprint string
	maxSize     uint64
}

// WithCodec selects the compression codec. The default is xz.
func WithCodec(c Codec) Option {
	return func(cfg *config) { cfg.codec = c }
}

// WithSource records the source format name.
func WithSource(name string) Option {
	return func(cfg *config) { cfg.source = name }
}

// WithFingerprint records the fingerprint of the tree the store belongs to.
func WithFingerprint(fp string) Option {
	return func(cfg *config) { cfg.fingerprint = fp }
}

// WithMaxSize overrides DefaultMaxSize for Decode.
func WithMaxSize(n uint64) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxSize = n
		}
	}
}

func newConfig(opts []Option) config {
	cfg := config{codec: CodecXZ, maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Encode serializes store. A nil store encodes as an empty one.
func Encode(store *ext.Store, opts ...Option) ([]byte, error) {
	cfg := newConfig(opts)
	if store == nil {
		store = ext.New()
	}
	payload, err := jsonMarshal(&Snapshot{
		Source:      cfg.source,
		Fingerprint: cfg.fingerprint,
		Store:       store,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot")
	}
	compressed, err := compress(cfg.codec, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "compress snapshot with %s", cfg.codec)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(compressed))
	buf.WriteString(magic)
	buf.WriteByte(version)
	buf.WriteByte(byte(cfg.codec))
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(payload)))
	buf.Write(length[:])
	sum := blake3.Sum256(payload)
	buf.Write(sum[:])
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte, opts ...Option) (*Snapshot, error) {
	cfg := newConfig(opts)
	if len(data) < headerSize || string(data[:len(magic)]) != magic {
		return nil, ErrNotSnapshot
	}
	p := len(magic)
	if v := data[p]; v != version {
		return nil, errors.NewUnsupported("snapshot version", "version "+strconv.Itoa(int(v)))
	}
	codec := Codec(data[p+1])
	if !codec.valid() {
		return nil, errors.NewUnsupported("snapshot codec", codec.String())
	}
	length := binary.LittleEndian.Uint64(data[p+2 : p+10])
	if length > cfg.maxSize {
		return nil, ErrTooLarge
	}
	var want [32]byte
	copy(want[:], data[p+10:headerSize])

	payload, err := decompress(codec, data[headerSize:], length)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress snapshot with %s", codec)
	}
	if uint64(len(payload)) != length || blake3.Sum256(payload) != want {
		return nil, ErrChecksum
	}

	snap := &Snapshot{Store: ext.New()}
	if err := json.Unmarshal(payload, snap); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "snapshot payload: "+err.Error())
	}
	if snap.Store == nil {
		snap.Store = ext.New()
	}
	snap.Codec = codec
	snap.Checksum = hex.EncodeToString(want[:])
	return snap, nil
}
