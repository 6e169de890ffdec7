/*
 * Created:       Tue Aug  4 18:15:00 2026 wtools
 *
 */

package proxyd

import (
	"io/ioutil"
	"net"
	"os"
	"testing"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/walb"
	"github.com/herumi/walb-tools/wdifftransfer"
	"github.com/stvp/assert"
)

func newTestDaemon(t *testing.T, archiveAddr string) *Daemon {
	t.Helper()
	dir, err := ioutil.TempDir("", "proxyd-*")
	assert.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return New(dir, archiveAddr)
}

func TestStatusEmptyCatalog(t *testing.T) {
	d := newTestDaemon(t, "")
	dispatch := d.Dispatch()
	msg, err := dispatch.Route(control.CommandRequest{Cmd: "status", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "staged=0")
}

func TestClearVolRemovesStaging(t *testing.T) {
	d := newTestDaemon(t, "")
	_, err := d.Catalog("vol0")
	assert.Nil(t, err)
	dispatch := d.Dispatch()
	msg, err := dispatch.Route(control.CommandRequest{Cmd: "clear-vol", Args: []string{"vol0"}})
	assert.Nil(t, err)
	assert.Equal(t, msg, "ok")
	_, ok := d.catalogs[walb.VolumeId("vol0")]
	assert.True(t, !ok)
}

// TestServePeerConnThenRelay drives a full Storage->Proxy->Archive hop:
// a wdifftransfer.Send stands in for Storage, proxyd.ServePeerConn
// stages it, then RelayOnce forwards it to a bare wdifftransfer.Accept
// loop standing in for archived's peer listener.
func TestServePeerConnThenRelay(t *testing.T) {
	arcDir, err := ioutil.TempDir("", "proxyd-archive-*")
	assert.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(arcDir) })
	arcCat := catalog.New(arcDir)
	assert.Nil(t, arcCat.Load())
	arcVol := statemachine.NewVolume(statemachine.ArchiveGraph(), statemachine.AArchived)

	arcLn, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	t.Cleanup(func() { arcLn.Close() })
	go func() {
		for {
			conn, err := arcLn.Accept()
			if err != nil {
				return
			}
			go wdifftransfer.Accept(conn, arcVol, wdifftransfer.ServerConfig{Catalog: arcCat}, arcDir)
		}
	}()

	d := newTestDaemon(t, arcLn.Addr().String())

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	t.Cleanup(func() { proxyLn.Close() })
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		d.ServePeerConn(conn)
	}()

	srcPath, err := ioutil.TempFile("", "diff-src-*")
	assert.Nil(t, err)
	defer os.Remove(srcPath.Name())
	srcPath.WriteString("hello-wdiff")
	srcPath.Close()

	diff := walb.MetaDiff{
		SnapB:     walb.Snap{Gid0: 0, Gid1: 0},
		SnapE:     walb.Snap{Gid0: 1, Gid1: 1},
		Timestamp: 1000,
	}
	conn, err := net.Dial("tcp", proxyLn.Addr().String())
	assert.Nil(t, err)
	outcome, err := wdifftransfer.Send(conn, wdifftransfer.ClientConfig{
		VolId:           "vol0",
		ClientType:      wdifftransfer.FromProxy,
		Diff:            diff,
		CompressionKind: compress.Identity,
	}, srcPath.Name())
	conn.Close()
	assert.Nil(t, err)
	assert.Equal(t, outcome.Relation, "ok")

	cat, err := d.Catalog("vol0")
	assert.Nil(t, err)
	assert.Equal(t, len(cat.All()), 1)

	assert.Nil(t, d.RelayOnce("vol0"))
	assert.Equal(t, len(cat.All()), 0)
	assert.Equal(t, len(arcCat.All()), 1)
	assert.Equal(t, arcVol.Current(), statemachine.AArchived)
}
