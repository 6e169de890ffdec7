/*
 * Created:       Tue Aug  4 17:30:00 2026 wtools
 *
 */

// storaged wires statemachine, registry, fullsync and hashsync into
// the Storage role daemon of spec §4.1 / §6: cmd/storaged is a thin
// flag shim around this package's Daemon.
package storaged

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"

	"github.com/herumi/walb-tools/bdevreader"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/fullsync"
	"github.com/herumi/walb-tools/hashsync"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/registry"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/throughput"
	"github.com/herumi/walb-tools/util"
	"github.com/herumi/walb-tools/walb"
)

// DefaultBulkLb is the per-frame transfer size used when a CLI caller
// does not override it.
const DefaultBulkLb uint32 = 4096

// Monitor is shared by every outbound transfer so status can report a
// single current rate.
var Monitor = throughput.New()

// Daemon holds every volume's Volume and its backing device, rooted
// at one base directory.
type Daemon struct {
	Dir      string
	Registry *registry.Registry
}

func New(dir string) *Daemon {
	return &Daemon{
		Dir:      dir,
		Registry: registry.New(filepath.Join(dir, "vol-state"), statemachine.StorageGraph(), statemachine.SClear),
	}
}

func (d *Daemon) volDir(id walb.VolumeId) string {
	return filepath.Join(d.Dir, "vol-data", string(id))
}

func (d *Daemon) devicePath(id walb.VolumeId) string {
	return filepath.Join(d.volDir(id), "device.img")
}

func (d *Daemon) uuidPath(id walb.VolumeId) string {
	return filepath.Join(d.volDir(id), "uuid")
}

// OpenDevice opens id's backing WlogDevice stand-in.
func (d *Daemon) OpenDevice(id walb.VolumeId) (*walb.FileBlockDevice, error) {
	return walb.OpenFileBlockDevice(d.devicePath(id))
}

func (d *Daemon) uuid(id walb.VolumeId) (walb.Uuid, error) {
	b, err := ioutil.ReadFile(d.uuidPath(id))
	if err != nil {
		return walb.Uuid{}, err
	}
	var u walb.Uuid
	copy(u[:], b)
	return u, nil
}

func (d *Daemon) setUuid(id walb.VolumeId, u walb.Uuid) error {
	return ioutil.WriteFile(d.uuidPath(id), u[:], 0600)
}

// Dispatch builds the control.Dispatch table for the controller
// listener.
func (d *Daemon) Dispatch() control.Dispatch {
	return control.Dispatch{
		"status":      d.cmdStatus,
		"init-vol":    d.cmdInitVol,
		"clear-vol":   d.cmdClearVol,
		"reset-vol":   d.cmdResetVol,
		"start":       d.cmdStart,
		"stop":        d.cmdStop,
		"full-bkp":    d.cmdFullBkp,
		"hash-bkp":    d.cmdHashBkp,
		"snapshot":    d.cmdSnapshot,
		"wlog-send":   d.cmdWlogSend,
		"wlog-remove": d.cmdWlogRemove,
		"get":         d.cmdGet,
		"shutdown":    d.cmdShutdown,
	}
}

func argAt(req control.CommandRequest, i int) (string, error) {
	if i >= len(req.Args) {
		return "", fmt.Errorf("%s: missing argument %d", req.Cmd, i)
	}
	return req.Args[i], nil
}

func (d *Daemon) cmdStatus(req control.CommandRequest) (string, error) {
	id, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	vol, err := d.Registry.Get(walb.VolumeId(id))
	if err != nil {
		return "", err
	}
	return string(vol.Current()), nil
}

func (d *Daemon) cmdInitVol(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	sizeLbStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	var sizeLb uint64
	if _, err := fmt.Sscan(sizeLbStr, &sizeLb); err != nil {
		return "", fmt.Errorf("init-vol: bad sizeLb %q: %w", sizeLbStr, err)
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	txn, err := vol.Begin(statemachine.SClear, statemachine.StInitVol)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.volDir(id), 0700); err != nil {
		return "", err
	}
	dev, err := walb.CreateFileBlockDevice(d.devicePath(id), sizeLb)
	if err != nil {
		return "", err
	}
	dev.Close()
	if err := d.setUuid(id, walb.NewUuid()); err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.SSyncReady); err != nil {
		return "", err
	}
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdClearVol(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	txn, err := vol.Begin(statemachine.SSyncReady, statemachine.StClearVol)
	if err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.SClear); err != nil {
		return "", err
	}
	if err := os.RemoveAll(d.volDir(id)); err != nil {
		return "", err
	}
	return "ok", d.Registry.Remove(id)
}

func (d *Daemon) cmdResetVol(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	fromStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	if err := vol.ForceReset(statemachine.State(fromStr), statemachine.SSyncReady); err != nil {
		return "", err
	}
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdStart(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	role := "slave"
	if len(req.Args) > 1 {
		role = req.Args[1]
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	var txn *statemachine.Txn
	var to statemachine.State
	switch role {
	case "slave":
		txn, err = vol.Begin(statemachine.SSyncReady, statemachine.StStartSlave)
		to = statemachine.SSlave
	case "master":
		txn, err = vol.Begin(statemachine.SStopped, statemachine.StStartMaster)
		to = statemachine.SMaster
	default:
		return "", fmt.Errorf("start: unknown role %q", role)
	}
	if err != nil {
		return "", err
	}
	if err := txn.Commit(to); err != nil {
		return "", err
	}
	vol.ResetStop()
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdStop(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	force := len(req.Args) > 1 && req.Args[1] == "force"
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	if !vol.TryStop(force) {
		return "", fmt.Errorf("stop %s: already stopping", id)
	}
	vol.WaitDrain(nil, statemachine.StorageRestStates())
	switch vol.Current() {
	case statemachine.SMaster:
		txn, err := vol.Begin(statemachine.SMaster, statemachine.StStopMaster)
		if err != nil {
			return "", err
		}
		if err := txn.Commit(statemachine.SStopped); err != nil {
			return "", err
		}
	case statemachine.SSlave:
		txn, err := vol.Begin(statemachine.SSlave, statemachine.StStopSlave)
		if err != nil {
			return "", err
		}
		if err := txn.Commit(statemachine.SSyncReady); err != nil {
			return "", err
		}
	}
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdFullBkp(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	addr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	dev, err := d.OpenDevice(id)
	if err != nil {
		return "", err
	}
	defer dev.Close()
	uuid, err := d.uuid(id)
	if err != nil {
		return "", err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var bulkLbOverride int
	if len(req.Args) > 2 {
		fmt.Sscan(req.Args[2], &bulkLbOverride)
	}
	bulkLb := util.IOr(bulkLbOverride, int(DefaultBulkLb))

	finalSnap, err := d.issueSyncSnap(id)
	if err != nil {
		return "", err
	}
	devFile, err := os.Open(d.devicePath(id))
	if err != nil {
		return "", err
	}
	defer devFile.Close()
	cfg := fullsync.ClientConfig{
		VolId:           id,
		Uuid:            uuid,
		BulkLb:          uint32(bulkLb),
		CompressionKind: compress.Snappy,
		FinalSnap:       finalSnap,
		Monitor:         Monitor,
		Engine:          bdevreader.FileEngine{F: devFile},
	}
	if err := fullsync.RunClient(conn, vol, cfg, dev); err != nil {
		return "", err
	}
	lsid, err := d.writtenLsid(id, uuid)
	if err != nil {
		return "", err
	}
	if err := d.finishSync(id, finalSnap, lsid); err != nil {
		return "", err
	}
	mlog.Printf2("storaged/storaged", "full-bkp %s -> %s done, snap=%v", id, addr, finalSnap)
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdHashBkp(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	addr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	dev, err := d.OpenDevice(id)
	if err != nil {
		return "", err
	}
	defer dev.Close()
	uuid, err := d.uuid(id)
	if err != nil {
		return "", err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	finalSnap, err := d.issueSyncSnap(id)
	if err != nil {
		return "", err
	}
	cfg := hashsync.ClientConfig{
		VolId:     id,
		Uuid:      uuid,
		BulkLb:    DefaultBulkLb,
		Seed:      util.GetSeededRng().Uint32(),
		FinalSnap: finalSnap,
		Monitor:   Monitor,
	}
	if err := hashsync.RunClient(conn, vol, cfg, dev); err != nil {
		return "", err
	}
	lsid, err := d.writtenLsid(id, uuid)
	if err != nil {
		return "", err
	}
	if err := d.finishSync(id, finalSnap, lsid); err != nil {
		return "", err
	}
	mlog.Printf2("storaged/storaged", "hash-bkp %s -> %s done, snap=%v", id, addr, finalSnap)
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdShutdown(req control.CommandRequest) (string, error) {
	force := len(req.Args) > 0 && req.Args[0] == "force"
	ids, err := d.Registry.Ids()
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
