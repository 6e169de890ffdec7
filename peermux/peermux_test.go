/*
 * Created:       Tue Aug  4 16:15:00 2026 wtools
 *
 */

package peermux

import (
	"net"
	"testing"

	"github.com/herumi/walb-tools/proto"
	"github.com/stvp/assert"
)

func TestPeekReplaysNegotiateRequest(t *testing.T) {
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- proto.WriteMsg(client, proto.NegotiateRequest{ClientId: "storage0", ProtocolName: "full-sync", Version: 1})
	}()

	req, replayed, err := Peek(server)
	assert.Nil(t, err)
	assert.Nil(t, <-done)
	assert.Equal(t, req.ProtocolName, "full-sync")

	// The replayed conn must produce the exact same NegotiateRequest to
	// a fresh proto.ReadMsg, as if nothing had been read yet.
	go func() {
		done <- proto.WriteMsg(client, "sentinel-after-negotiate")
	}()
	var req2 proto.NegotiateRequest
	assert.Nil(t, proto.ReadMsg(replayed, &req2))
	assert.Equal(t, req2.ProtocolName, "full-sync")

	var after string
	assert.Nil(t, proto.ReadMsg(replayed, &after))
	assert.Nil(t, <-done)
	assert.Equal(t, after, "sentinel-after-negotiate")
}
