/*
 * Created:       Tue Aug  4 10:20:00 2026 wtools
 *
 */

package proto

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/walberr"
	"github.com/stvp/assert"
)

func TestNegotiateOk(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		NegotiateServe(server, "A1", func(req NegotiateRequest) error {
			assert.Equal(t, req.ClientId, "S1")
			return nil
		})
	}()
	serverId, err := Negotiate(client, "S1", "wdiff-transfer", 1)
	assert.Nil(t, err)
	assert.Equal(t, serverId, "A1")
}

func TestNegotiateRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		NegotiateServe(server, "A1", func(req NegotiateRequest) error {
			return walberr.BadRequest
		})
	}()
	_, err := Negotiate(client, "S1", "wdiff-transfer", 1)
	assert.True(t, err != nil)
}

func TestChunkStreamNChunksThenEnd(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	for i := 0; i < 5; i++ {
		c, err := compress.Compress(compress.Identity, []byte{byte(i)})
		assert.Nil(t, err)
		assert.Nil(t, w.WriteChunk(c))
	}
	assert.Nil(t, w.Close())

	r := NewChunkReader(&buf)
	got := 0
	for {
		c, err := r.ReadChunk()
		if err == io.EOF {
			break
		}
		assert.Nil(t, err)
		data, err := compress.Uncompress(c)
		assert.Nil(t, err)
		assert.Equal(t, data[0], byte(got))
		got++
	}
	assert.Equal(t, got, 5)
}

func TestChunkStreamErrorPropagates(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	c, _ := compress.Compress(compress.Identity, []byte{1})
	assert.Nil(t, w.WriteChunk(c))
	assert.Nil(t, w.Abort(walberr.IO))

	r := NewChunkReader(&buf)
	_, err := r.ReadChunk()
	assert.Nil(t, err)
	_, err = r.ReadChunk()
	assert.True(t, err != nil)
}

func TestHeaderRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	assert.Nil(t, w.SendHeader([]byte("hello header")))
	r := NewChunkReader(&buf)
	got, err := r.RecvHeader()
	assert.Nil(t, err)
	assert.Equal(t, string(got), "hello header")
}
