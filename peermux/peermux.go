/*
 * Created:       Tue Aug  4 16:10:00 2026 wtools
 *
 */

// peermux lets one TCP listener serve several of the peer protocols
// (full-sync, wdiff-transfer, dirty-hash-sync, replicate-full), each
// of which owns its own proto.NegotiateServe call internally. Peek
// reads the NegotiateRequest once to learn ProtocolName, then hands
// back a net.Conn that replays those same bytes so the chosen
// protocol's own NegotiateServe sees an untouched connection.
package peermux

import (
	"bytes"
	"io"
	"net"

	"github.com/herumi/walb-tools/proto"
)

// Peek reads the first message off conn (the client's NegotiateRequest)
// and returns it alongside a net.Conn that will replay the same bytes
// to the next reader, so the real protocol handler's own
// proto.NegotiateServe call works unmodified.
func Peek(conn net.Conn) (proto.NegotiateRequest, net.Conn, error) {
	var req proto.NegotiateRequest
	if err := proto.ReadMsg(conn, &req); err != nil {
		return proto.NegotiateRequest{}, nil, err
	}
	var buf bytes.Buffer
	if err := proto.WriteMsg(&buf, req); err != nil {
		return proto.NegotiateRequest{}, nil, err
	}
	return req, &replayConn{Conn: conn, prefix: bytes.NewReader(buf.Bytes())}, nil
}

// replayConn serves prefix's bytes before falling through to the
// wrapped connection's own Read.
type replayConn struct {
	net.Conn
	prefix *bytes.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	if c.prefix == nil {
		return c.Conn.Read(p)
	}
	n, err := c.prefix.Read(p)
	if err == io.EOF {
		c.prefix = nil
		if n > 0 {
			return n, nil
		}
		return c.Conn.Read(p)
	}
	return n, err
}
