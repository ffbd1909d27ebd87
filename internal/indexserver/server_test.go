package indexserver

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fileshare/fileshare/internal/channel"
	"github.com/fileshare/fileshare/internal/indexstore"
	"github.com/fileshare/fileshare/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := indexstore.Open(filepath.Join(dir, "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New("127.0.0.1:0", store, nil)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, addr net.Addr) *channel.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	return channel.New(conn, nil)
}

func bindClient(t *testing.T, ch *channel.Channel) string {
	t.Helper()
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeClientID, ClientID: ""}))
	resp, err := ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeClientID, resp.Type)
	require.NotEmpty(t, resp.ClientID)
	return resp.ClientID
}

func TestClientIDMintsFreshID(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()

	id := bindClient(t, ch)
	require.Len(t, id, wire.ClientIDLength)
}

func TestRequestBeforeClientIDIsDropped(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSearchFile, Text: "x"}))
	_, err := ch.Recv(300 * time.Millisecond)
	require.Error(t, err)
}

func TestShareFileThenSearchRequiresConnectedSharer(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()
	bindClient(t, ch)

	file := wire.FileRecord{Name: "ubuntu.iso", ModificationTime: 1, Size: 2048, FileID: "11111111111111111111111111111111"}
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeShareFile, File: file}))
	resp, err := ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeGeneralSuccess, resp.Type)

	// Not yet connected (no SharePort advertised): search finds nothing.
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSearchFile, Text: "ubuntu"}))
	resp, err = ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeFileList, resp.Type)
	require.Empty(t, resp.Files)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSharePort, Port: 9000}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSearchFile, Text: "ubuntu"}))
	resp, err = ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeFileList, resp.Type)
	require.Len(t, resp.Files, 1)
	require.Equal(t, "ubuntu.iso", resp.Files[0].Name)
}

func TestShareFileDuplicateReturnsGeneralError(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()
	bindClient(t, ch)

	file := wire.FileRecord{Name: "a.iso", Size: 1, FileID: "22222222222222222222222222222222"}
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeShareFile, File: file}))
	_, err := ch.Recv(time.Second)
	require.NoError(t, err)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeShareFile, File: file}))
	resp, err := ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeGeneralError, resp.Type)
}

func TestRemoveShareThenGeneralError(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()
	bindClient(t, ch)

	fileID := "33333333333333333333333333333333"
	file := wire.FileRecord{Name: "b.iso", Size: 1, FileID: fileID}
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeShareFile, File: file}))
	_, err := ch.Recv(time.Second)
	require.NoError(t, err)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeRemoveShare, FileID: fileID}))
	resp, err := ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeGeneralSuccess, resp.Type)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeRemoveShare, FileID: fileID}))
	resp, err = ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeGeneralError, resp.Type)
}

func TestSharingInfoRequestReturnsConnectedSharers(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()
	bindClient(t, ch)

	fileID := "44444444444444444444444444444444"
	file := wire.FileRecord{Name: "c.iso", Size: 1, FileID: fileID}
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeShareFile, File: file}))
	_, err := ch.Recv(time.Second)
	require.NoError(t, err)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSharePort, Port: 7000}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSharingInfoRequest, FileID: fileID}))
	resp, err := ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeSharingInfoResponse, resp.Type)
	require.Len(t, resp.SharingInfo.Clients, 1)
	require.EqualValues(t, 7000, resp.SharingInfo.Clients[0].Port)
}

func TestSharingInfoRequestUnknownFileIsGeneralError(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	defer ch.Close()
	bindClient(t, ch)

	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSharingInfoRequest, FileID: "55555555555555555555555555555555"}))
	resp, err := ch.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeGeneralError, resp.Type)
}

func TestDisconnectRemovesFromConnected(t *testing.T) {
	srv := newTestServer(t)
	ch := dial(t, srv.Addr())
	id := bindClient(t, ch)
	require.NoError(t, ch.Send(wire.Message{Type: wire.TypeSharePort, Port: 5000}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		_, ok := srv.connected[id]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
