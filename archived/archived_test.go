/*
 * Created:       Tue Aug  4 17:05:00 2026 wtools
 *
 */

package archived

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
	dir, err := ioutil.TempDir("", "archived-*")
	assert.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return New(dir)
}

func TestInitVolThenStatus(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()

	msg, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")

	msg, err = dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, string(statemachine.ASyncReady))
}

func TestClearVolReturnsToClear(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()

	_, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)
	_, err = dispatch.Route(control.CommandRequest{Cmd: "clear-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)

	msg, err := dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, string(statemachine.AClear))
}

func TestResetVolRecoversFromStuckTransient(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()
	_, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)

	vol, err := d.Registry.Get("vol0")
	assert.Nil(t, err)
	_, err = vol.Begin(statemachine.ASyncReady, statemachine.AtFullSync)
	assert.Nil(t, err) // abandoned, simulating a crashed transfer

	_, err = dispatch.Route(control.CommandRequest{Cmd: "reset-vol", Args: []string{"vol0", string(statemachine.AtFullSync)}})
	assert.Nil(t, err)
	assert.Equal(t, vol.Current(), statemachine.ASyncReady)
}

func TestArchiveInfoListEmptyCatalog(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()
	_, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)

	msg, err := dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"list", "vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "")
}

func TestArchiveInfoAddListDelete(t *testing.T) {
	d := newTestDaemon(t)
	dispatch := d.Dispatch()
	_, err := dispatch.Route(control.CommandRequest{Cmd: "init-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)

	msg, err := dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"add", "vol0", "dr-site", "10.0.0.2:15001"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")

	_, err = dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"add", "vol0", "dr-site", "10.0.0.3:15001"}})
	assert.True(t, err != nil) // duplicate add

	msg, err = dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"update", "vol0", "dr-site", "10.0.0.3:15001"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")

	msg, err = dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"get", "vol0", "dr-site"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "10.0.0.3:15001")

	msg, err = dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"list", "vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "dr-site 10.0.0.3:15001\n")

	msg, err = dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"delete", "vol0", "dr-site"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")
	msg, err = dispatch.Route(control.CommandRequest{Cmd: "archive-info", Args: []string{"list", "vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "")
}

func TestGetUnknownTargetErrors(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.Dispatch().Route(control.CommandRequest{Cmd: "get", Args: []string{"bogus"}})
	assert.True(t, err != nil)
}

func TestUnknownCommandErrors(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.Dispatch().Route(control.CommandRequest{Cmd: "no-such-command"})
	assert.True(t, err != nil)
}
