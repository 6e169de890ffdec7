/*
 * Created:       Tue Aug  4 11:15:00 2026 wtools
 *
 */

package fullsync

import (
	"bytes"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/herumi/walb-tools/catalog"
	"github.com/herumi/walb-tools/compress"
	"github.com/herumi/walb-tools/statemachine"
	"github.com/herumi/walb-tools/walb"
	"github.com/stvp/assert"
)

func TestFullSyncClientServerRoundtrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "fullsync")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "src.img")
	content := bytes.Repeat([]byte("v"), walb.LogicalBlockSize*10)
	assert.Nil(t, ioutil.WriteFile(src, content, 0600))
	srcDev, err := walb.OpenFileBlockDevice(src)
	assert.Nil(t, err)

	cv := statemachine.NewVolume(statemachine.StorageGraph(), statemachine.SSyncReady)
	av := statemachine.NewVolume(statemachine.ArchiveGraph(), statemachine.ASyncReady)
	cat := catalog.New(filepath.Join(dir, "archive-vol"))

	client, server := net.Pipe()
	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)

	go func() {
		clientErr <- RunClient(client, cv, ClientConfig{
			VolId:           "vol0",
			Uuid:            walb.NewUuid(),
			BulkLb:          4,
			CompressionKind: compress.Snappy,
			FinalSnap:       walb.Snap{Gid0: 1, Gid1: 1},
		}, srcDev)
	}()

	go func() {
		serverErr <- RunServer(server, av, ServerConfig{
			VolId:   "vol0",
			Catalog: cat,
			CreateLV: func(volId walb.VolumeId, sizeLb uint64) (walb.BlockDevice, error) {
				return walb.CreateFileBlockDevice(filepath.Join(dir, "dst.img"), sizeLb)
			},
		})
	}()

	assert.Nil(t, <-clientErr)
	assert.Nil(t, <-serverErr)

	assert.Equal(t, cv.Current(), statemachine.SStopped)
	assert.Equal(t, av.Current(), statemachine.AArchived)
	assert.Equal(t, cat.Base().Snap, walb.Snap{Gid0: 1, Gid1: 1})

	dstDev, err := walb.OpenFileBlockDevice(filepath.Join(dir, "dst.img"))
	assert.Nil(t, err)
	got, err := dstDev.ReadAt(0, 10)
	assert.Nil(t, err)
	assert.Equal(t, got, content)
}

func TestFullSyncForceStopLeavesTransient(t *testing.T) {
	dir, err := ioutil.TempDir("", "fullsync")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "src.img")
	assert.Nil(t, ioutil.WriteFile(src, bytes.Repeat([]byte("v"), walb.LogicalBlockSize*100), 0600))
	srcDev, err := walb.OpenFileBlockDevice(src)
	assert.Nil(t, err)

	cv := statemachine.NewVolume(statemachine.StorageGraph(), statemachine.SSyncReady)
	cv.TryStop(true)

	client, server := net.Pipe()
	go func() { server.Close() }()

	err = RunClient(client, cv, ClientConfig{
		VolId:     "vol0",
		Uuid:      walb.NewUuid(),
		BulkLb:    4,
		FinalSnap: walb.Snap{},
	}, srcDev)
	assert.True(t, err != nil)
	assert.Equal(t, cv.Current(), statemachine.StFullSync)
}
