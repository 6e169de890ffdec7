/*
 * Created:       Tue Aug  4 14:45:00 2026 wtools
 *
 */

package replicate

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
	"github.com/herumi/walb-tools/wdifftransfer"
	"github.com/stvp/assert"
)

func TestReplicateSendsApplicableDiff(t *testing.T) {
	dir, err := ioutil.TempDir("", "replicate")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	primaryDir := filepath.Join(dir, "primary-vol")
	secondaryDir := filepath.Join(dir, "secondary-vol")
	assert.Nil(t, os.MkdirAll(primaryDir, 0700))
	assert.Nil(t, os.MkdirAll(secondaryDir, 0700))

	primaryCat := catalog.New(primaryDir)
	assert.Nil(t, primaryCat.SetBase(walb.MetaState{Snap: walb.Snap{Gid0: 0, Gid1: 0}}))
	secondaryCat := catalog.New(secondaryDir)
	assert.Nil(t, secondaryCat.SetBase(walb.MetaState{Snap: walb.Snap{Gid0: 0, Gid1: 0}}))

	d := walb.MetaDiff{SnapB: walb.Snap{Gid0: 0, Gid1: 0}, SnapE: walb.Snap{Gid0: 2, Gid1: 2}}
	content := bytes.Repeat([]byte("d"), 4096)
	assert.Nil(t, ioutil.WriteFile(primaryCat.Path(d), content, 0600))
	assert.Nil(t, primaryCat.Add(d))

	pv := statemachine.NewVolume(statemachine.ArchiveGraph(), statemachine.AArchived)
	sv := statemachine.NewVolume(statemachine.ArchiveGraph(), statemachine.AArchived)

	client, server := net.Pipe()
	dial := func() (net.Conn, error) { return client, nil }

	primaryErr := make(chan error, 1)
	go func() {
		primaryErr <- Replicate(dial, pv, primaryCat, walb.Snap{Gid0: 0, Gid1: 0}, Config{
			VolId:           "vol0",
			Uuid:            walb.NewUuid(),
			BulkLb:          4,
			SizeLb:          8,
			CompressionKind: compress.Snappy,
		})
	}()

	secondaryErr := make(chan error, 1)
	go func() {
		secondaryErr <- wdifftransfer.Accept(server, sv, wdifftransfer.ServerConfig{Catalog: secondaryCat}, secondaryDir)
	}()

	assert.Nil(t, <-primaryErr)
	assert.Nil(t, <-secondaryErr)

	assert.Equal(t, pv.Current(), statemachine.AArchived)
	assert.Equal(t, sv.Current(), statemachine.AArchived)

	got, err := ioutil.ReadFile(secondaryCat.Path(d))
	assert.Nil(t, err)
	assert.Equal(t, got, content)
}
