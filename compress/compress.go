/*
 * Created:       Tue Aug  4 09:05:00 2026 wtools
 *
 */

// compress implements the pluggable compression engines of the
// wlog/wdiff transfer pipelines: a sealed set of variants behind one
// operation vocabulary, the way storage/factory picks a storage
// Backend implementation by name in the teacher repo.
package compress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/herumi/walb-tools/mlog"
	"github.com/ulikunitz/xz"
)

// Kind identifies one of the sealed codec variants on the wire and in
// CompressedChunk headers.
type Kind byte

const (
	Identity Kind = 0
	Snappy   Kind = 1
	Zlib     Kind = 2
	Xz       Kind = 3
)

func (k Kind) String() string {
	switch k {
	case Identity:
		return "identity"
	case Snappy:
		return "snappy"
	case Zlib:
		return "zlib"
	case Xz:
		return "xz"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Codec compresses and uncompresses whole buffers. Implementations
// must satisfy uncompress(compress(x)) == x for every x.
type Codec interface {
	Kind() Kind
	// MaxOutSize returns an upper bound on Compress's output size for
	// an input of n bytes, used by callers to size scratch buffers.
	MaxOutSize(n int) int
	Compress(src []byte) ([]byte, error)
	Uncompress(src []byte, originalSize int) ([]byte, error)
}

type identityCodec struct{}

func (identityCodec) Kind() Kind                 { return Identity }
func (identityCodec) MaxOutSize(n int) int        { return n }
func (identityCodec) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
func (identityCodec) Uncompress(src []byte, originalSize int) ([]byte, error) {
	if len(src) != originalSize {
		return nil, fmt.Errorf("identity codec: size mismatch: got %d want %d", len(src), originalSize)
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Kind() Kind          { return Snappy }
func (snappyCodec) MaxOutSize(n int) int { return snappy.MaxEncodedLen(n) }
func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}
func (snappyCodec) Uncompress(src []byte, originalSize int) ([]byte, error) {
	out := make([]byte, originalSize)
	n, err := snappy.Decode(out, src)
	if err != nil {
		return nil, err
	}
	return n[:len(n)], nil
}

type zlibCodec struct{}

func (zlibCodec) Kind() Kind          { return Zlib }
func (zlibCodec) MaxOutSize(n int) int { return n + n/1000 + 128 }
func (zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func (zlibCodec) Uncompress(src []byte, originalSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, originalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

type xzCodec struct{}

func (xzCodec) Kind() Kind          { return Xz }
func (xzCodec) MaxOutSize(n int) int { return n + n/500 + 256 }
func (xzCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func (xzCodec) Uncompress(src []byte, originalSize int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	out := make([]byte, originalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

var registry = map[Kind]Codec{
	Identity: identityCodec{},
	Snappy:   snappyCodec{},
	Zlib:     zlibCodec{},
	Xz:       xzCodec{},
}

// ByKind returns the Codec for kind, or nil if kind is not one of the
// sealed variants.
func ByKind(kind Kind) Codec {
	return registry[kind]
}

// Chunk is the in-flight CompressedChunk of spec §3: a framed,
// self-describing compressed buffer.
type Chunk struct {
	Kind             Kind
	OriginalSize     int
	CompressedSize   int
	Bytes            []byte
}

// Compress produces a Chunk from plain bytes using the codec named by
// kind. kind==Identity always succeeds and is used to transport the
// logical stream header uncompressed, per spec §4.3.
func Compress(kind Kind, src []byte) (Chunk, error) {
	c := ByKind(kind)
	if c == nil {
		return Chunk{}, fmt.Errorf("compress: unknown codec kind %v", kind)
	}
	out, err := c.Compress(src)
	if err != nil {
		return Chunk{}, err
	}
	mlog.Printf2("compress/compress", "Compress %v %d -> %d", kind, len(src), len(out))
	return Chunk{Kind: kind, OriginalSize: len(src), CompressedSize: len(out), Bytes: out}, nil
}

// Uncompress reverses Compress.
func Uncompress(ch Chunk) ([]byte, error) {
	c := ByKind(ch.Kind)
	if c == nil {
		return nil, fmt.Errorf("uncompress: unknown codec kind %v", ch.Kind)
	}
	return c.Uncompress(ch.Bytes, ch.OriginalSize)
}
