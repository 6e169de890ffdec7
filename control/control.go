/*
 * Created:       Tue Aug  4 15:40:00 2026 wtools
 *
 */

// control implements the CLI controller protocol of spec §6: after the
// shared negotiate handshake, the controller sends one CommandRequest
// and the daemon replies with exactly one CommandResponse. Every
// walbc subcommand round-trips through this single protocol name,
// "controller", distinguishing itself by Cmd.
package control

import (
	"fmt"
	"net"

	"github.com/herumi/walb-tools/proto"
)

// ProtocolName is the negotiate protocol name every daemon's
// controller listener accepts.
const ProtocolName = "controller"

const protocolVersion = 1

// CommandRequest is the CLI's single request shape: a command name
// plus its positional string arguments, matching spec §6's CLI
// surface ("status", "init-vol", ... "get <target>").
type CommandRequest struct {
	Cmd  string
	Args []string
}

// CommandResponse carries either the textual result of Ok commands or
// the server's error string, per spec §6 ("Exit code is 0 on ok/
// accept, non-zero with the server's error string on failure").
type CommandResponse struct {
	Ok  bool
	Msg string
}

// Call dials addr, negotiates, sends req and returns the decoded
// response. clientId identifies the caller in NegotiateRequest, by
// convention "walbc".
func Call(addr, clientId string, req CommandRequest) (CommandResponse, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return CommandResponse{}, err
	}
	defer conn.Close()
	return CallConn(conn, clientId, req)
}

// CallConn runs Call's body over an already-open connection, split
// out so tests can use net.Pipe().
func CallConn(conn net.Conn, clientId string, req CommandRequest) (CommandResponse, error) {
	if _, err := proto.Negotiate(conn, clientId, ProtocolName, protocolVersion); err != nil {
		return CommandResponse{}, err
	}
	if err := proto.WriteMsg(conn, req); err != nil {
		return CommandResponse{}, err
	}
	var resp CommandResponse
	if err := proto.ReadMsg(conn, &resp); err != nil {
		return CommandResponse{}, err
	}
	return resp, nil
}

// Handler answers one CommandRequest. Returning an error is equivalent
// to CommandResponse{Ok: false, Msg: err.Error()}.
type Handler func(CommandRequest) (string, error)

// Serve runs the daemon side of one controller connection: negotiate,
// read exactly one CommandRequest, dispatch to handler, write exactly
// one CommandResponse.
func Serve(conn net.Conn, serverId string, handler Handler) error {
	_, err := proto.NegotiateServe(conn, serverId, func(req proto.NegotiateRequest) error {
		if req.ProtocolName != ProtocolName {
			return fmt.Errorf("control: unexpected protocol %q", req.ProtocolName)
		}
		return nil
	})
	if err != nil {
		return err
	}
	var req CommandRequest
	if err := proto.ReadMsg(conn, &req); err != nil {
		return err
	}
	msg, err := handler(req)
	resp := CommandResponse{Ok: err == nil, Msg: msg}
	if err != nil {
		resp.Msg = err.Error()
	}
	return proto.WriteMsg(conn, resp)
}

// Dispatch is a Cmd -> Handler table, the shape every daemon's
// controller loop builds once at startup.
type Dispatch map[string]Handler

// Route adapts a Dispatch into a single Handler, replying with an
// error for unknown commands.
func (d Dispatch) Route(req CommandRequest) (string, error) {
	h, ok := d[req.Cmd]
	if !ok {
		return "", fmt.Errorf("control: unknown command %q", req.Cmd)
	}
	return h(req)
}
