package indexclient

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fileshare/fileshare/internal/indexserver"
	"github.com/fileshare/fileshare/internal/indexstore"
	"github.com/fileshare/fileshare/internal/wire"
)

func newTestServer(t *testing.T) *indexserver.Server {
	t.Helper()
	dir := t.TempDir()
	store, err := indexstore.Open(filepath.Join(dir, "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := indexserver.New("127.0.0.1:0", store, nil)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)
	return srv
}

func TestDialMintsFreshClientID(t *testing.T) {
	srv := newTestServer(t)

	c, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.ClientID(), wire.ClientIDLength)
}

func TestDialRebindsExistingClientID(t *testing.T) {
	srv := newTestServer(t)

	first, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	id := first.ClientID()
	require.NoError(t, first.Close())

	second, err := Dial(srv.Addr().String(), id, nil)
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, id, second.ClientID())
}

func TestShareFileThenRemoveShare(t *testing.T) {
	srv := newTestServer(t)
	c, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer c.Close()

	file := wire.FileRecord{Name: "debian.iso", ModificationTime: 10, Size: 4096, FileID: "22222222222222222222222222222222"}
	require.NoError(t, c.ShareFile(file))

	// Sharing the same file id again from the same client is a duplicate.
	err = c.ShareFile(file)
	require.Error(t, err)

	require.NoError(t, c.RemoveShare(file.FileID))

	// Removing an already-removed share is an error.
	err = c.RemoveShare(file.FileID)
	require.Error(t, err)
}

func TestSearchFileRequiresReachableSharer(t *testing.T) {
	srv := newTestServer(t)
	c, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer c.Close()

	file := wire.FileRecord{Name: "fedora.iso", ModificationTime: 1, Size: 1024, FileID: "33333333333333333333333333333333"}
	require.NoError(t, c.ShareFile(file))

	results, err := c.SearchFile("fedora")
	require.NoError(t, err)
	require.Empty(t, results, "sharer has not advertised a serving port yet")

	require.NoError(t, c.SharePort(9001))
	time.Sleep(50 * time.Millisecond)

	results, err = c.SearchFile("fedora")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, file.FileID, results[0].FileID)
}

func TestSharingInfoRequestReturnsReachableClients(t *testing.T) {
	srv := newTestServer(t)
	sharer, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer sharer.Close()

	file := wire.FileRecord{Name: "arch.iso", ModificationTime: 1, Size: 2048, FileID: "44444444444444444444444444444444"}
	require.NoError(t, sharer.ShareFile(file))
	require.NoError(t, sharer.SharePort(9002))
	time.Sleep(50 * time.Millisecond)

	requester, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer requester.Close()

	info, err := requester.SharingInfoRequest(file.FileID)
	require.NoError(t, err)
	require.Equal(t, file.Name, info.Name)
	require.Len(t, info.Clients, 1)
	require.Equal(t, sharer.ClientID(), info.Clients[0].ClientID)
}

func TestSharingInfoRequestUnknownFile(t *testing.T) {
	srv := newTestServer(t)
	c, err := Dial(srv.Addr().String(), "", nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SharingInfoRequest("55555555555555555555555555555555")
	require.Error(t, err)
}
