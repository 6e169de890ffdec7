/*
 * Created:       Tue Aug  4 16:58:00 2026 wtools
 *
 */

package archived

import (
	"fmt"
	"net"
	"strings"

	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/fullsync"
	"github.com/herumi/walb-tools/hashsync"
	"github.com/herumi/walb-tools/peermux"
	"github.com/herumi/walb-tools/replicate"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/throughput"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/wdifftransfer"
)

// Monitor is shared across every transfer protocol this daemon
// serves, so status/get can report one current rate regardless of
// which transfer is active.
var Monitor = throughput.New()

// ServePeerConn dispatches one inbound peer connection to the
// protocol its NegotiateRequest names (the five Archive-side peer
// protocols: full-sync, wdiff-transfer, dirty-hash-sync, head-query
// and replicate-full), resolving the target volume from the
// negotiate handshake's ClientId field, which every peer client sets
// to its VolId by convention.
func (d *Daemon) ServePeerConn(conn net.Conn) error {
	defer conn.Close()
	req, replayed, err := peermux.Peek(conn)
	if err != nil {
		return err
	}
	id := walb.VolumeId(req.ClientId)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return err
	}
	cat, err := d.Catalog(id)
	if err != nil {
		return err
	}

	// Cap concurrent peer transfers across all volumes, independent
	// of each volume's own NoOtherBusy serialization.
	defer d.PeerLimiter.Limited()()

	switch req.ProtocolName {
	case "full-sync":
		return fullsync.RunServer(replayed, vol, fullsync.ServerConfig{
			VolId:       id,
			Catalog:     cat,
			CreateLV:    d.CreateLV,
			NoOtherBusy: NoOtherBusy(vol),
			Monitor:     Monitor,
		})
	case "wdiff-transfer":
		return wdifftransfer.Accept(replayed, vol, wdifftransfer.ServerConfig{
			Catalog:     cat,
			NoOtherBusy: NoOtherBusy(vol),
		}, d.volDataDir(id))
	case "dirty-hash-sync":
		return hashsync.RunServer(replayed, vol, hashsync.ServerConfig{
			VolId:       id,
			Catalog:     cat,
			OpenBase:    func() (walb.BlockDevice, error) { return d.OpenBase(id) },
			NoOtherBusy: NoOtherBusy(vol),
		})
	case "head-query":
		return replicate.ServeHead(replayed, cat)
	case "replicate-full":
		expectedFrom := statemachine.ASyncReady
		if vol.Current() == statemachine.AArchived {
			expectedFrom = statemachine.AArchived
		}
		return replicate.AcceptFullImage(replayed, vol, expectedFrom, replicate.AcceptConfig{
			VolId:      id,
			Catalog:    cat,
			CreateBase: d.CreateLV,
		})
	default:
		return fmt.Errorf("archived: unknown peer protocol %q", req.ProtocolName)
	}
}

// replicateBulkLb is the frame size of a full-image fallback stream,
// matching the Storage side's default full-sync bulk.
const replicateBulkLb uint32 = 4096

// cmdReplicate pushes id's diff chain (or, when the secondary is too
// far behind, a full image) to the secondary archive at the given
// address, counted under the "replicate" action name, which clear-vol,
// stop and restore check before they proceed; merge and apply do not
// check it.
func (d *Daemon) cmdReplicate(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	addr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	if !strings.Contains(addr, ":") {
		// A bare name refers to a registered archive-info target.
		info, err := d.readArchiveInfo(id)
		if err != nil {
			return "", err
		}
		resolved, ok := info[addr]
		if !ok {
			return "", fmt.Errorf("replicate: no archive %q registered for %s", addr, id)
		}
		addr = resolved
	}
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	cat, err := d.Catalog(id)
	if err != nil {
		return "", err
	}
	base, err := d.OpenBase(id)
	if err != nil {
		return "", err
	}
	sizeLb := base.SizeLb()
	base.Close()

	dial := func() (net.Conn, error) { return net.Dial("tcp", addr) }
	conn, err := dial()
	if err != nil {
		return "", err
	}
	head, err := replicate.QueryHead(conn, id)
	conn.Close()
	if err != nil {
		return "", err
	}

	done := vol.BeginAction("replicate")
	defer done()
	cfg := replicate.Config{
		VolId:           id,
		Uuid:            cat.Uuid(),
		BulkLb:          replicateBulkLb,
		MaxIoBlocks:     1,
		CompressionKind: compress.Snappy,
		SizeLb:          sizeLb,
		OpenBase:        func() (walb.BlockDevice, error) { return d.OpenBase(id) },
	}
	if err := replicate.Replicate(dial, vol, cat, head, cfg); err != nil {
		return "", err
	}
	return "ok", nil
}
