/*
 * Created:       Tue Aug  4 18:05:00 2026 wtools
 *
 */

// proxyd wires wdifftransfer and catalog into the Proxy role daemon of
// spec §4.1/§6: a staging relay that accepts wdiff files from Storage
// and forwards them on to Archive, without a dedicated state graph of
// its own. Proxy repurposes statemachine.ArchiveGraph's AArchived/
// AtWdiffRecv edge purely mechanically, since wdifftransfer.Accept
// already hardcodes that transition; see DESIGN.md's Open Questions
// for why no ProxyGraph exists instead. A staging volume starts
// directly at AArchived (skipping init-vol's normal Clear->SyncReady
// provisioning dance, which models Archive's LV creation step Proxy
// has no equivalent of).
package proxyd

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/peermux"
	"github.com/herumi/walb-tools/registry"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/util"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/wdifftransfer"
)

// Daemon stages wdiff files per volume under Dir, relaying them to
// ArchiveAddr.
type Daemon struct {
	Dir         string
	ArchiveAddr string
	Registry    *registry.Registry
	catalogs    map[walb.VolumeId]*catalog.Manager

	// PeerLimiter bounds how many inbound Storage transfers stage
	// concurrently, independent of RelayOnce's own pace.
	PeerLimiter util.ParallelLimiter
}

func New(dir, archiveAddr string) *Daemon {
	return &Daemon{
		Dir:         dir,
		ArchiveAddr: archiveAddr,
		Registry:    registry.New(filepath.Join(dir, "vol-state"), statemachine.ArchiveGraph(), statemachine.AArchived),
		catalogs:    make(map[walb.VolumeId]*catalog.Manager),
	}
}

func (d *Daemon) volDataDir(id walb.VolumeId) string {
	return filepath.Join(d.Dir, "vol-data", string(id))
}

// Catalog returns (lazily loading) id's staging catalog.
func (d *Daemon) Catalog(id walb.VolumeId) (*catalog.Manager, error) {
	if c, ok := d.catalogs[id]; ok {
		return c, nil
	}
	dir := d.volDataDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	c := catalog.New(dir)
	if err := c.Load(); err != nil {
		return nil, err
	}
	d.catalogs[id] = c
	return c, nil
}

// ServePeerConn accepts one inbound wdiff-transfer connection from
// Storage into the local staging catalog.
func (d *Daemon) ServePeerConn(conn net.Conn) error {
	defer conn.Close()
	req, replayed, err := peermux.Peek(conn)
	if err != nil {
		return err
	}
	if req.ProtocolName != "wdiff-transfer" {
		return fmt.Errorf("proxyd: unexpected peer protocol %q", req.ProtocolName)
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
	defer d.PeerLimiter.Limited()()
	return wdifftransfer.Accept(replayed, vol, wdifftransfer.ServerConfig{Catalog: cat}, d.volDataDir(id))
}

// RelayOnce forwards every diff currently staged for id to
// d.ArchiveAddr, in ascending order, dropping each diff from the
// staging catalog once the archive acknowledges it (spec §4.5's relay
// step of Proxy's role).
func (d *Daemon) RelayOnce(id walb.VolumeId) error {
	cat, err := d.Catalog(id)
	if err != nil {
		return err
	}
	for _, diff := range cat.All() {
		conn, err := net.Dial("tcp", d.ArchiveAddr)
		if err != nil {
			return err
		}
		outcome, err := wdifftransfer.Send(conn, wdifftransfer.ClientConfig{
			VolId:           id,
			ClientType:      wdifftransfer.FromProxy,
			Uuid:            cat.Uuid(),
			SizeLb:          0,
			Diff:            diff,
			CompressionKind: compress.Snappy,
		}, cat.Path(diff))
		conn.Close()
		if err != nil {
			return err
		}
		switch outcome.Relation {
		case "ok", "too-old-diff":
			if err := cat.Remove(diff); err != nil {
				return err
			}
			mlog.Printf2("proxyd/proxyd", "relayed %s %s, relation=%s", id, diff.FileName(), outcome.Relation)
		case "too-new-diff":
			return nil // archive is behind; leave staged, retry next pass
		default:
			return fmt.Errorf("proxyd: unexpected relation %s relaying %s", outcome.Relation, diff.FileName())
		}
	}
	return nil
}

// Dispatch builds the control.Dispatch table for the controller
// listener.
func (d *Daemon) Dispatch() control.Dispatch {
	return control.Dispatch{
		"status":    d.cmdStatus,
		"clear-vol": d.cmdClearVol,
		"relay":     d.cmdRelay,
		"kick":      d.cmdKick,
		"get":       d.cmdGet,
		"shutdown":  d.cmdShutdown,
	}
}

// StagedIds lists every volume with a staging directory on disk,
// whether or not its catalog has been loaded yet.
func (d *Daemon) StagedIds() ([]walb.VolumeId, error) {
	entries, err := ioutil.ReadDir(filepath.Join(d.Dir, "vol-data"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []walb.VolumeId
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, walb.VolumeId(e.Name()))
		}
	}
	return ids, nil
}

func argAt(req control.CommandRequest, i int) (string, error) {
	if i >= len(req.Args) {
		return "", fmt.Errorf("%s: missing argument %d", req.Cmd, i)
	}
	return req.Args[i], nil
}

func (d *Daemon) cmdStatus(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	cat, err := d.Catalog(walb.VolumeId(idStr))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("staged=%d", len(cat.All())), nil
}

func (d *Daemon) cmdClearVol(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	delete(d.catalogs, id)
	if err := os.RemoveAll(d.volDataDir(id)); err != nil {
		return "", err
	}
	return "ok", d.Registry.Remove(id)
}

func (d *Daemon) cmdRelay(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	if err := d.RelayOnce(walb.VolumeId(idStr)); err != nil {
		return "", err
	}
	return "ok", nil
}

// cmdKick runs one relay pass over every staged volume, the operator
// nudge that drains the forwarding queue after an archive outage.
func (d *Daemon) cmdKick(req control.CommandRequest) (string, error) {
	ids, err := d.StagedIds()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if err := d.RelayOnce(id); err != nil {
			return "", err
		}
	}
	return "ok", nil
}

func (d *Daemon) cmdGet(req control.CommandRequest) (string, error) {
	target, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	switch target {
	case "vol-list":
		ids, err := d.StagedIds()
		if err != nil {
			return "", err
		}
		var out string
		for _, id := range ids {
			out += string(id) + "\n"
		}
		return out, nil
	default:
		return "", fmt.Errorf("get: unknown target %q", target)
	}
}

func (d *Daemon) cmdShutdown(req control.CommandRequest) (string, error) {
	force := len(req.Args) > 0 && req.Args[0] == "force"
	ids, err := d.StagedIds()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		vol, err := d.Registry.Get(id)
		if err != nil {
			return "", err
		}
		vol.TryStop(force)
	}
	return "ok", nil
}
