/*
 * Created:       Tue Aug  4 17:45:00 2026 wtools
 *
 */

package storaged

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/stvp/assert"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir, err := ioutil.TempDir("", "storaged-*")
	assert.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return New(dir)
}

func TestInitVolCreatesDeviceAndUuid(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()

	msg, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0", "64"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")

	msg, err = dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, string(statemachine.SSyncReady))

	dev, err := d.OpenDevice("vol0")
	assert.Nil(t, err)
	assert.Equal(t, dev.SizeLb(), uint64(64))
	dev.Close()

	uuid, err := d.uuid("vol0")
	assert.Nil(t, err)
	assert.True(t, !uuid.IsZero())
}

func TestStartSlaveThenStop(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()
	_, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0", "8"}})
	assert.Nil(t, err)

	msg, err := dispatch.Route(control.CommandRequest{Cmd: "start", Args: []string{"vol0", "slave"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")
	msg, err = dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, string(statemachine.SSlave))

	_, err = dispatch.Route(control.CommandRequest{Cmd: "stop", Args: []string{"vol0"}})
	assert.Nil(t, err)
	msg, err = dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, string(statemachine.SSyncReady))
}

func TestClearVolRemovesState(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()
	_, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0", "8"}})
	assert.Nil(t, err)
	_, err = dispatch.Route(control.CommandRequest{Cmd: "clear-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)
	msg, err := dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, string(statemachine.SClear))
}
