/*
 * Created:       Tue Aug  4 10:10:00 2026 wtools
 *
 */

// proto implements the wire framing shared by every S/P/A protocol:
// the negotiate handshake and small control-message envelopes of
// spec §6, serialized with ugorji/go/codec msgpack (the teacher's own
// storage package already carries this codec directly, used there for
// CBOR benchmarking), plus the {NEXT, END, ERROR} framed chunk stream
// of spec §4.3.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/walberr"
	"github.com/ugorji/go/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

const maxMsgSize = 16 << 20

// WriteMsg length-prefixes and msgpack-encodes v onto w: a uint32
// big-endian length followed by the encoded bytes.
func WriteMsg(w io.Writer, v interface{}) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: encoding message: %v", walberr.Protocol, err)
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(buf)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// ReadMsg reads one length-prefixed msgpack message written by
// WriteMsg into v.
func ReadMsg(r io.Reader, v interface{}) error {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > maxMsgSize {
		return fmt.Errorf("%w: message too large: %d bytes", walberr.Protocol, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	dec := codec.NewDecoderBytes(buf, msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding message: %v", walberr.Protocol, err)
	}
	return nil
}

// NegotiateRequest is the first message on every connection (spec
// §6): {clientId, protocolName, version}.
type NegotiateRequest struct {
	ClientId     string
	ProtocolName string
	Version      int
}

// NegotiateResponse is the server's reply: {serverId, ok|errorMsg}.
type NegotiateResponse struct {
	ServerId string
	Ok       bool
	ErrorMsg string
}

// Negotiate runs the client side of the handshake and returns the
// server's id, or an error wrapping walberr.Protocol if the server
// rejected the connection.
func Negotiate(rw io.ReadWriter, clientId, protocolName string, version int) (string, error) {
	if err := WriteMsg(rw, NegotiateRequest{ClientId: clientId, ProtocolName: protocolName, Version: version}); err != nil {
		return "", err
	}
	var resp NegotiateResponse
	if err := ReadMsg(rw, &resp); err != nil {
		return "", err
	}
	if !resp.Ok {
		return "", fmt.Errorf("%w: negotiate rejected: %s", walberr.Protocol, resp.ErrorMsg)
	}
	mlog.Printf2("proto/proto", "Negotiate ok, server=%s", resp.ServerId)
	return resp.ServerId, nil
}

// NegotiateServe reads the client's handshake, calls accept to decide
// whether to continue, and writes the matching response.
func NegotiateServe(rw io.ReadWriter, serverId string, accept func(NegotiateRequest) error) (NegotiateRequest, error) {
	var req NegotiateRequest
	if err := ReadMsg(rw, &req); err != nil {
		return req, err
	}
	if err := accept(req); err != nil {
		WriteMsg(rw, NegotiateResponse{ServerId: serverId, Ok: false, ErrorMsg: err.Error()})
		return req, err
	}
	if err := WriteMsg(rw, NegotiateResponse{ServerId: serverId, Ok: true}); err != nil {
		return req, err
	}
	mlog.Printf2("proto/proto", "NegotiateServe ok, client=%s proto=%s", req.ClientId, req.ProtocolName)
	return req, nil
}

// --- framed chunk stream (spec §4.3) ---

const (
	ctrlNext  byte = 1
	ctrlEnd   byte = 2
	ctrlError byte = 3
)

// chunkWire is the on-wire representation of a compress.Chunk.
type chunkWire struct {
	Kind           byte
	OriginalSize   int
	CompressedSize int
	Bytes          []byte
}

// ChunkWriter frames a sequence of compress.Chunk as NEXT+payload,
// terminated by exactly one END or ERROR byte (spec §4.3).
type ChunkWriter struct {
	w      io.Writer
	closed bool
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w}
}

// WriteChunk sends one NEXT frame.
func (cw *ChunkWriter) WriteChunk(c compress.Chunk) error {
	if cw.closed {
		return fmt.Errorf("proto: ChunkWriter already closed")
	}
	if _, err := cw.w.Write([]byte{ctrlNext}); err != nil {
		return err
	}
	return WriteMsg(cw.w, chunkWire{
		Kind:           byte(c.Kind),
		OriginalSize:   c.OriginalSize,
		CompressedSize: c.CompressedSize,
		Bytes:          c.Bytes,
	})
}

// Close sends the terminal END byte. The sender must emit exactly one
// of Close/Abort.
func (cw *ChunkWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	_, err := cw.w.Write([]byte{ctrlEnd})
	return err
}

// Abort sends the terminal ERROR byte plus the failure message.
func (cw *ChunkWriter) Abort(err error) error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	if _, werr := cw.w.Write([]byte{ctrlError}); werr != nil {
		return werr
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return WriteMsg(cw.w, msg)
}

// ChunkReader reads the stream written by a ChunkWriter.
type ChunkReader struct {
	r io.Reader
}

func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r}
}

// ReadChunk reads one frame. It returns io.EOF once the sender's END
// has been observed, or an error wrapping walberr.Protocol if ERROR
// was observed (the hard-failure case of spec §4.3).
func (cr *ChunkReader) ReadChunk() (compress.Chunk, error) {
	var ctrl [1]byte
	if _, err := io.ReadFull(cr.r, ctrl[:]); err != nil {
		return compress.Chunk{}, err
	}
	switch ctrl[0] {
	case ctrlNext:
		var w chunkWire
		if err := ReadMsg(cr.r, &w); err != nil {
			return compress.Chunk{}, err
		}
		return compress.Chunk{
			Kind:           compress.Kind(w.Kind),
			OriginalSize:   w.OriginalSize,
			CompressedSize: w.CompressedSize,
			Bytes:          w.Bytes,
		}, nil
	case ctrlEnd:
		return compress.Chunk{}, io.EOF
	case ctrlError:
		var msg string
		if err := ReadMsg(cr.r, &msg); err != nil {
			return compress.Chunk{}, err
		}
		return compress.Chunk{}, fmt.Errorf("%w: %s", walberr.Protocol, msg)
	default:
		return compress.Chunk{}, fmt.Errorf("%w: unknown control byte %d", walberr.Protocol, ctrl[0])
	}
}

// SendHeader transports the logical stream's header as the first
// CompressedChunk, uncompressed (spec §4.3).
func (cw *ChunkWriter) SendHeader(data []byte) error {
	return cw.WriteChunk(compress.Chunk{Kind: compress.Identity, OriginalSize: len(data), CompressedSize: len(data), Bytes: data})
}

// RecvHeader reads back what SendHeader wrote.
func (cr *ChunkReader) RecvHeader() ([]byte, error) {
	c, err := cr.ReadChunk()
	if err != nil {
		return nil, err
	}
	return compress.Uncompress(c)
}
