/*
 * Created:       Tue Aug  4 16:45:00 2026 wtools
 *
 */

// archived wires together statemachine, registry, catalog, fullsync,
// wdifftransfer, hashsync, replicate, restore and control into the
// Archive role daemon of spec §4.1 / §6: cmd/archived is a thin flag
// shim around this package's Daemon.
package archived

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/kicker"
	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/registry"
	"github.com/herumi/walb-tools/restore"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/util"
	"github.com/herumi/walb-tools/walb"
)

// actionNames is the conflicting-action set archive-wide commands
// (merge, apply, restore, replicate, resize) serialize against via
// each volume's ActionCounter, mirroring the original implementation's
// allActionVec.
var actionNames = []string{"merge", "apply", "restore", "replicate", "resize"}

// Daemon holds every volume's Volume, catalog.Manager and the
// background kicker, rooted at one base directory.
type Daemon struct {
	Dir      string
	Registry *registry.Registry

	mu       util.MutexLocked
	catalogs map[walb.VolumeId]*catalog.Manager

	Kicker *kicker.Kicker
	Conns  util.SimpleWaitGroup

	// PeerLimiter bounds how many peer transfers (full-sync,
	// wdiff-transfer, dirty-hash-sync, replicate) run concurrently
	// across all volumes, independent of each volume's own
	// NoOtherBusy serialization.
	PeerLimiter util.ParallelLimiter
}

// New creates a Daemon rooted at dir. dir/vol-state holds the registry's
// per-volume state files, dir/vol-data/<id> each volume's catalog plus
// its base image, dir/restored/<id>/<gid> point-in-time clones.
func New(dir string) *Daemon {
	return &Daemon{
		Dir:      dir,
		Registry: registry.New(filepath.Join(dir, "vol-state"), statemachine.ArchiveGraph(), statemachine.AClear),
		catalogs: make(map[walb.VolumeId]*catalog.Manager),
		Kicker:   kicker.New(),
	}
}

func (d *Daemon) volDataDir(id walb.VolumeId) string {
	return filepath.Join(d.Dir, "vol-data", string(id))
}

func (d *Daemon) basePath(id walb.VolumeId) string {
	return filepath.Join(d.volDataDir(id), "base.img")
}

// Catalog returns (lazily loading) id's catalog.Manager.
func (d *Daemon) Catalog(id walb.VolumeId) (*catalog.Manager, error) {
	defer d.mu.Locked()()
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

// CreateLV implements fullsync.CreateLV / replicate.CreateBase: the
// base image is a plain file standing in for an LVM logical volume
// (walb.BlockDevice's documented role).
func (d *Daemon) CreateLV(id walb.VolumeId, sizeLb uint64) (walb.BlockDevice, error) {
	if err := os.MkdirAll(d.volDataDir(id), 0700); err != nil {
		return nil, err
	}
	return walb.CreateFileBlockDevice(d.basePath(id), sizeLb)
}

// OpenBase implements hashsync.OpenBase / restore.OpenBase.
func (d *Daemon) OpenBase(id walb.VolumeId) (walb.BlockDevice, error) {
	return walb.OpenFileBlockDevice(d.basePath(id))
}

// CreateClone implements restore.CreateClone.
func (d *Daemon) CreateClone(id walb.VolumeId, gid walb.Gid, sizeLb uint64) (walb.BlockDevice, error) {
	dir := filepath.Join(d.Dir, "restored", string(id))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return walb.CreateFileBlockDevice(filepath.Join(dir, fmt.Sprintf("%d.img", gid)), sizeLb)
}

// DeleteClone implements restore.DeleteClone.
func (d *Daemon) DeleteClone(id walb.VolumeId, gid walb.Gid) error {
	path := filepath.Join(d.Dir, "restored", string(id), fmt.Sprintf("%d.img", gid))
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// NoOtherBusy reports whether vol has no conflicting archive-wide
// action in flight, the predicate fullsync/hashsync/wdifftransfer's
// ServerConfig.NoOtherBusy expects.
func NoOtherBusy(vol *statemachine.Volume) func() bool {
	return func() bool { return vol.IsAllZero(actionNames) }
}

// restoreConfig builds a restore.Config for id, sized sizeLb.
func (d *Daemon) restoreConfig(id walb.VolumeId, sizeLb uint64) restore.Config {
	return restore.Config{
		VolId:       id,
		SizeLb:      sizeLb,
		OpenBase:    func() (walb.BlockDevice, error) { return d.OpenBase(id) },
		CreateClone: d.CreateClone,
	}
}

// Dispatch builds the control.Dispatch table for the controller
// listener (spec §6's CLI surface).
func (d *Daemon) Dispatch() control.Dispatch {
	return control.Dispatch{
		"status":       d.cmdStatus,
		"init-vol":     d.cmdInitVol,
		"clear-vol":    d.cmdClearVol,
		"reset-vol":    d.cmdResetVol,
		"start":        d.cmdStart,
		"stop":         d.cmdStop,
		"archive-info": d.cmdArchiveInfo,
		"replicate":    d.cmdReplicate,
		"restore":      d.cmdRestore,
		"del-restored": d.cmdDelRestored,
		"apply":        d.cmdApply,
		"merge":        d.cmdMerge,
		"resize":       d.cmdResize,
		"kick":         d.cmdKick,
		"get":          d.cmdGet,
		"shutdown":     d.cmdShutdown,
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
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	txn, err := vol.Begin(statemachine.AClear, statemachine.AtInitVol)
	if err != nil {
		return "", err
	}
	if _, err := d.Catalog(id); err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.ASyncReady); err != nil {
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
	if !vol.IsAllZero(actionNames) {
		return "", fmt.Errorf("clear-vol %s: an archive action is still running", id)
	}
	txn, err := vol.Begin(statemachine.ASyncReady, statemachine.AtClearVol)
	if err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.AClear); err != nil {
		return "", err
	}
	func() { defer d.mu.Locked()(); delete(d.catalogs, id) }()
	if err := os.RemoveAll(d.volDataDir(id)); err != nil {
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
	if err := vol.ForceReset(statemachine.State(fromStr), statemachine.ASyncReady); err != nil {
		return "", err
	}
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) cmdStart(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	txn, err := vol.Begin(statemachine.AStopped, statemachine.AtStart)
	if err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.AArchived); err != nil {
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
	vol.WaitDrain(actionNames, statemachine.ArchiveRestStates())
	if vol.Current() != statemachine.AArchived {
		return "ok", nil // already at a rest state other than Archived: nothing to stop
	}
	txn, err := vol.Begin(statemachine.AArchived, statemachine.AtStop)
	if err != nil {
		return "", err
	}
	if err := txn.Commit(statemachine.AStopped); err != nil {
		return "", err
	}
	return "ok", d.Registry.Persist(id, vol)
}

func (d *Daemon) archiveInfoPath(id walb.VolumeId) string {
	return filepath.Join(d.volDataDir(id), "archive-info")
}

// readArchiveInfo loads id's named replication targets, one
// "name addr" pair per line.
func (d *Daemon) readArchiveInfo(id walb.VolumeId) (map[string]string, error) {
	out := make(map[string]string)
	b, err := ioutil.ReadFile(d.archiveInfoPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			out[fields[0]] = fields[1]
		}
	}
	return out, nil
}

func (d *Daemon) writeArchiveInfo(id walb.VolumeId, info map[string]string) error {
	names := make([]string, 0, len(info))
	for n := range info {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s %s\n", n, info[n])
	}
	tmp, err := ioutil.TempFile(d.volDataDir(id), "archive-info.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, d.archiveInfoPath(id))
}

// cmdArchiveInfo manages the named secondary-archive targets
// replicate pushes to: list, get, add, update, delete.
func (d *Daemon) cmdArchiveInfo(req control.CommandRequest) (string, error) {
	sub, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	idStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	info, err := d.readArchiveInfo(id)
	if err != nil {
		return "", err
	}
	switch sub {
	case "list":
		names := make([]string, 0, len(info))
		for n := range info {
			names = append(names, n)
		}
		sort.Strings(names)
		var out string
		for _, n := range names {
			out += fmt.Sprintf("%s %s\n", n, info[n])
		}
		return out, nil
	case "get":
		name, err := argAt(req, 2)
		if err != nil {
			return "", err
		}
		addr, ok := info[name]
		if !ok {
			return "", fmt.Errorf("archive-info get: no archive %q for %s", name, id)
		}
		return addr, nil
	case "add", "update":
		name, err := argAt(req, 2)
		if err != nil {
			return "", err
		}
		addr, err := argAt(req, 3)
		if err != nil {
			return "", err
		}
		_, exists := info[name]
		if sub == "add" && exists {
			return "", fmt.Errorf("archive-info add: archive %q already registered for %s", name, id)
		}
		if sub == "update" && !exists {
			return "", fmt.Errorf("archive-info update: no archive %q for %s", name, id)
		}
		info[name] = addr
		return "ok", d.writeArchiveInfo(id, info)
	case "delete":
		name, err := argAt(req, 2)
		if err != nil {
			return "", err
		}
		if _, ok := info[name]; !ok {
			return "", fmt.Errorf("archive-info delete: no archive %q for %s", name, id)
		}
		delete(info, name)
		return "ok", d.writeArchiveInfo(id, info)
	default:
		return "", fmt.Errorf("archive-info: unknown subcommand %q", sub)
	}
}

func (d *Daemon) cmdRestore(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	gidStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	var gid uint64
	if _, err := fmt.Sscan(gidStr, &gid); err != nil {
		return "", fmt.Errorf("restore: bad gid %q: %w", gidStr, err)
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
	if err := restore.Restore(vol, cat, walb.Gid(gid), d.restoreConfig(id, sizeLb)); err != nil {
		return "", err
	}
	return "ok", nil
}

func (d *Daemon) cmdDelRestored(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	gidStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	var gid uint64
	if _, err := fmt.Sscan(gidStr, &gid); err != nil {
		return "", fmt.Errorf("del-restored: bad gid %q: %w", gidStr, err)
	}
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	if err := restore.DelRestored(vol, id, walb.Gid(gid), d.DeleteClone); err != nil {
		return "", err
	}
	return "ok", nil
}

func (d *Daemon) cmdApply(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	gidStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	var gid uint64
	if _, err := fmt.Sscan(gidStr, &gid); err != nil {
		return "", fmt.Errorf("apply: bad gid %q: %w", gidStr, err)
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
	defer base.Close()
	done := vol.BeginAction("apply")
	defer done()
	if err := cat.Apply(base, walb.Gid(gid)); err != nil {
		return "", err
	}
	mlog.Printf2("archived/archived", "apply %s up to gid=%d", id, gid)
	return "ok", nil
}

func (d *Daemon) cmdMerge(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	gidBeginStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	gidEndStr, err := argAt(req, 2)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	var gidBegin, gidEnd uint64
	if _, err := fmt.Sscan(gidBeginStr, &gidBegin); err != nil {
		return "", fmt.Errorf("merge: bad gidBegin %q: %w", gidBeginStr, err)
	}
	if _, err := fmt.Sscan(gidEndStr, &gidEnd); err != nil {
		return "", fmt.Errorf("merge: bad gidEnd %q: %w", gidEndStr, err)
	}
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	cat, err := d.Catalog(id)
	if err != nil {
		return "", err
	}
	var maxCount int
	var maxSize int64
	if len(req.Args) > 3 {
		if _, err := fmt.Sscan(req.Args[3], &maxCount); err != nil {
			return "", fmt.Errorf("merge: bad maxCount %q: %w", req.Args[3], err)
		}
	}
	if len(req.Args) > 4 {
		if _, err := fmt.Sscan(req.Args[4], &maxSize); err != nil {
			return "", fmt.Errorf("merge: bad maxSize %q: %w", req.Args[4], err)
		}
	}
	done := vol.BeginAction("merge")
	defer done()
	if err := cat.MergeDiffs(walb.Gid(gidBegin), walb.Gid(gidEnd), maxCount, maxSize); err != nil {
		return "", err
	}
	return "ok", nil
}

func (d *Daemon) cmdResize(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	sizeLbStr, err := argAt(req, 1)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	var sizeLb uint64
	if _, err := fmt.Sscan(sizeLbStr, &sizeLb); err != nil {
		return "", fmt.Errorf("resize: bad sizeLb %q: %w", sizeLbStr, err)
	}
	vol, err := d.Registry.Get(id)
	if err != nil {
		return "", err
	}
	done := vol.BeginAction("resize")
	defer done()
	f, err := os.OpenFile(d.basePath(id), os.O_RDWR, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Truncate(int64(sizeLb) * walb.LogicalBlockSize); err != nil {
		return "", err
	}
	return "ok", nil
}

// cmdKick triggers the background maintenance loop for one volume:
// an operator-invoked nudge to run any queued merge/apply/replicate
// work now instead of waiting for the next scheduled pass. The actual
// maintenance policy is out of scope; Kick here only demonstrates
// serialized dispatch through the kicker.
func (d *Daemon) cmdKick(req control.CommandRequest) (string, error) {
	idStr, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	id := walb.VolumeId(idStr)
	d.Kicker.Kick(idStr, func() {
		mlog.Printf2("archived/archived", "kick %s: maintenance pass", id)
	})
	return "ok", nil
}

func (d *Daemon) cmdGet(req control.CommandRequest) (string, error) {
	target, err := argAt(req, 0)
	if err != nil {
		return "", err
	}
	switch target {
	case "vol-list":
		ids, err := d.Registry.Ids()
		if err != nil {
			return "", err
		}
		var out string
		for _, id := range ids {
			out += string(id) + "\n"
		}
		return out, nil
	case "kick-count":
		return fmt.Sprintf("%d", d.Kicker.Served()), nil
	case "throughput":
		return fmt.Sprintf("%d", Monitor.GetPerSec()), nil
	case "diff-list":
		idStr, err := argAt(req, 1)
		if err != nil {
			return "", err
		}
		cat, err := d.Catalog(walb.VolumeId(idStr))
		if err != nil {
			return "", err
		}
		var out string
		for _, diff := range cat.All() {
			out += diff.FileName() + "\n"
		}
		return out, nil
	case "head":
		idStr, err := argAt(req, 1)
		if err != nil {
			return "", err
		}
		cat, err := d.Catalog(walb.VolumeId(idStr))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("base=%v latest=%v", cat.Base().Snap, cat.Latest()), nil
	default:
		return "", fmt.Errorf("get: unknown target %q", target)
	}
}

// cmdShutdown marks every known volume as stopping via TryStop;
// force=="force" requests ForceStopping, which in-flight transfers
// observe at their next StopState poll. It neither waits for the
// volumes to drain nor stops the daemon process: cmd/archived exits
// only on a signal.
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
