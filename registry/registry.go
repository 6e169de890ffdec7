/*
 * Created:       Tue Aug  4 09:55:00 2026 wtools
 *
 */

// registry is the per-role, per-volume directory of statemachine.Volume
// objects: lazy creation on first reference, and persistence of each
// volume's current rest state to a small "state" file so that it
// survives process restart. Writes use the write-to-temp,
// rename-into-place idiom (storage/file.go's UpdateBlock pattern in
// spirit) so a crash mid-write never leaves a half-written state file.
package registry

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/herumi/walb-tools/mlog"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/walb"
)

// Registry holds one statemachine.Volume per VolumeId for a single
// role (Storage or Archive), backed by baseDir/<volumeId>/state files.
type Registry struct {
	mu      sync.Mutex
	baseDir string
	graph   *statemachine.Graph
	initial statemachine.State
	volumes map[walb.VolumeId]*statemachine.Volume
}

// New creates a Registry rooted at baseDir for the given role graph;
// a volume with no on-disk state file starts at initial (Clear).
func New(baseDir string, graph *statemachine.Graph, initial statemachine.State) *Registry {
	return &Registry{
		baseDir: baseDir,
		graph:   graph,
		initial: initial,
		volumes: make(map[walb.VolumeId]*statemachine.Volume),
	}
}

// Get returns the Volume for id, creating and, if a state file
// exists, rehydrating it on first reference.
func (r *Registry) Get(id walb.VolumeId) (*statemachine.Volume, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.volumes[id]; ok {
		return v, nil
	}
	state, err := r.readState(id)
	if err != nil {
		return nil, err
	}
	v := statemachine.NewVolume(r.graph, state)
	r.volumes[id] = v
	mlog.Printf2("registry/registry", "Get %s -> %s", id, state)
	return v, nil
}

// Ids lists every volume currently known to the registry, either
// because it was referenced this process or because a state file
// exists for it on disk.
func (r *Registry) Ids() ([]walb.VolumeId, error) {
	r.mu.Lock()
	seen := make(map[walb.VolumeId]bool, len(r.volumes))
	for id := range r.volumes {
		seen[id] = true
	}
	r.mu.Unlock()

	entries, err := ioutil.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return idsFromSet(seen), nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			seen[walb.VolumeId(e.Name())] = true
		}
	}
	return idsFromSet(seen), nil
}

func idsFromSet(seen map[walb.VolumeId]bool) []walb.VolumeId {
	ids := make([]walb.VolumeId, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// Persist writes the volume's current rest state to disk, to be
// picked up by a future rehydration. Callers call this after a
// successful Txn.Commit that reached a rest state (spec §4.1's
// "survives restart" requirement).
func (r *Registry) Persist(id walb.VolumeId, v *statemachine.Volume) error {
	dir := r.volumeDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	path := filepath.Join(dir, "state")
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, []byte(v.Current()), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	mlog.Printf2("registry/registry", "Persist %s -> %s", id, v.Current())
	return nil
}

func (r *Registry) readState(id walb.VolumeId) (statemachine.State, error) {
	path := filepath.Join(r.volumeDir(id), "state")
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return r.initial, nil
	}
	if err != nil {
		return "", err
	}
	return statemachine.State(b), nil
}

func (r *Registry) volumeDir(id walb.VolumeId) string {
	return filepath.Join(r.baseDir, string(id))
}

// Remove forgets id entirely: drops the in-memory Volume and deletes
// its on-disk directory (clear-vol semantics once the volume has
// reached the Clear rest state).
func (r *Registry) Remove(id walb.VolumeId) error {
	r.mu.Lock()
	delete(r.volumes, id)
	r.mu.Unlock()
	err := os.RemoveAll(r.volumeDir(id))
	if err != nil {
		return fmt.Errorf("removing volume dir for %s: %w", id, err)
	}
	return nil
}
