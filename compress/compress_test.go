/*
 * Created:       Tue Aug  4 09:07:00 2026 wtools
 *
 */

package compress

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stvp/assert"
)

func roundtrip(t *testing.T, kind Kind, data []byte) {
	ch, err := Compress(kind, data)
	assert.Nil(t, err)
	assert.Equal(t, ch.Kind, kind)
	got, err := Uncompress(ch)
	assert.Nil(t, err)
	assert.Equal(t, got, data)
}

func TestRoundtripAllCodecs(t *testing.T) {
	sizes := []int{32, 128, 4096, 65535}
	for _, kind := range []Kind{Identity, Snappy, Zlib, Xz} {
		for _, size := range sizes {
			data := make([]byte, size)
			_, err := rand.Read(data)
			assert.Nil(t, err)
			roundtrip(t, kind, data)

			zeros := make([]byte, size)
			roundtrip(t, kind, zeros)
		}
	}
}

func TestByKindUnknown(t *testing.T) {
	assert.Equal(t, ByKind(Kind(99)) == nil, true)
}

func TestSnappyActuallyCompresses(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 4096)
	ch, err := Compress(Snappy, data)
	assert.Nil(t, err)
	assert.True(t, ch.CompressedSize < ch.OriginalSize)
}
