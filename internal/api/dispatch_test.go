package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clapshot/clapshot-server/internal/hub"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/model"
	"github.com/clapshot/clapshot-server/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clapshot.sqlite")

	schemaPath, err := filepath.Abs("../../migrations/server")
	require.NoError(t, err)

	st, err := store.Open(store.Config{Path: path, MigrationsPath: "file://" + schemaPath}, logging.NewDefault())
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	return st
}

func newTestSession(t *testing.T, srv *Server, id, userId, userName string) *session {
	t.Helper()
	sess := &session{
		id:       id,
		userId:   userId,
		userName: userName,
		srv:      srv,
		out:      make(chan wireMessage, outboundBufSize),
	}
	sess.sessGrd = srv.cfg.Hub.RegisterSession(sess.id, sess.userId, sess.userName, sess)
	t.Cleanup(sess.releaseGuards)
	return sess
}

func testServer(t *testing.T) *Server {
	t.Helper()
	st := openTestStore(t)
	t.Cleanup(func() { st.Close() })
	return &Server{
		cfg: Config{
			VideosDir: t.TempDir(),
			DataDir:   t.TempDir(),
			Store:     st,
			Hub:       hub.New(),
			Logger:    logging.NewDefault(),
		},
		logger: logging.NewDefault(),
	}
}

func insertMedia(t *testing.T, srv *Server, id, owner string) {
	t.Helper()
	require.NoError(t, srv.cfg.Store.InsertMedia(context.Background(), &model.MediaFile{
		Id: id, UserId: &owner, AddedTime: time.Now().UTC(),
	}))
	require.NoError(t, os.MkdirAll(filepath.Join(srv.cfg.VideosDir, id), 0o755))
}

func TestListMyVideosReturnsOwnedMedia(t *testing.T) {
	srv := testServer(t)
	insertMedia(t, srv, "fp0001", "alice")
	sess := newTestSession(t, srv, "s1", "alice", "Alice")

	require.NoError(t, cmdListMyVideos(context.Background(), sess))

	msg := <-sess.out
	assert.Equal(t, "show_page", msg.Cmd)
	var page pageItem
	require.NoError(t, json.Unmarshal(msg.Data, &page))
	require.Len(t, page.Videos, 1)
	assert.Equal(t, "fp0001", page.Videos[0].Id)
}

func TestOpenVideoJoinsMediaSubscription(t *testing.T) {
	srv := testServer(t)
	insertMedia(t, srv, "fp0002", "alice")
	sess := newTestSession(t, srv, "s1", "alice", "Alice")

	data, _ := json.Marshal(openVideoRequest{Id: "fp0002"})
	require.NoError(t, cmdOpenVideo(context.Background(), sess, data))

	<-sess.out // open_video response

	require.NoError(t, srv.cfg.Hub.Emit("ping", nil, hub.ToMedia("fp0002")))
	msg := <-sess.out
	assert.Equal(t, "ping", msg.Cmd)
}

func TestDelVideoDeniesNonOwnerNonAdmin(t *testing.T) {
	srv := testServer(t)
	insertMedia(t, srv, "fp0003", "alice")
	sess := newTestSession(t, srv, "s1", "mallory", "Mallory")

	data, _ := json.Marshal(idRequest{Id: "fp0003"})
	err := cmdDelVideo(context.Background(), sess, data)
	require.NoError(t, err) // msg_on_deny defaults false -> silent drop, no error surfaced

	_, getErr := srv.cfg.Store.GetMedia(context.Background(), "fp0003")
	assert.NoError(t, getErr) // media must still exist; delete was never performed
}

func TestDelVideoAllowsOwner(t *testing.T) {
	srv := testServer(t)
	insertMedia(t, srv, "fp0004", "alice")
	sess := newTestSession(t, srv, "s1", "alice", "Alice")

	data, _ := json.Marshal(idRequest{Id: "fp0004"})
	require.NoError(t, cmdDelVideo(context.Background(), sess, data))

	_, err := srv.cfg.Store.GetMedia(context.Background(), "fp0004")
	assert.Error(t, err)

	// The backup is written into the media dir, which is then moved whole
	// under videos/trash/{id}_{timestamp}/.
	matches, globErr := filepath.Glob(filepath.Join(srv.cfg.VideosDir, "trash", "fp0004_*", "db_backup.json"))
	require.NoError(t, globErr)
	require.Len(t, matches, 1)
	_, statErr := os.Stat(matches[0])
	assert.NoError(t, statErr)
}

func TestAddCommentBroadcastsToMediaViewers(t *testing.T) {
	srv := testServer(t)
	insertMedia(t, srv, "fp0005", "alice")

	viewer := newTestSession(t, srv, "viewer", "bob", "Bob")
	viewer.mediaGrd = srv.cfg.Hub.JoinMedia(viewer.id, "fp0005")

	author := newTestSession(t, srv, "author", "alice", "Alice")

	data, _ := json.Marshal(addCommentRequest{VideoId: "fp0005", Comment: "nice shot"})
	require.NoError(t, cmdAddComment(context.Background(), author, data))

	msg := <-viewer.out
	assert.Equal(t, "add_comments", msg.Cmd)
}

func TestDelCommentRejectsWhenHasReplies(t *testing.T) {
	srv := testServer(t)
	insertMedia(t, srv, "fp0006", "alice")
	ctx := context.Background()

	parentId, err := srv.cfg.Store.InsertComment(ctx, &model.Comment{
		VideoId: "fp0006", Created: time.Now().UTC(), UserId: "alice", UserName: "Alice", Comment: "root",
	})
	require.NoError(t, err)
	_, err = srv.cfg.Store.InsertComment(ctx, &model.Comment{
		VideoId: "fp0006", ParentId: &parentId, Created: time.Now().UTC(), UserId: "alice", UserName: "Alice", Comment: "reply",
	})
	require.NoError(t, err)

	sess := newTestSession(t, srv, "s1", "alice", "Alice")
	data, _ := json.Marshal(commentIdRequest{Id: parentId})
	err = cmdDelComment(ctx, sess, data)
	require.Error(t, err)
}

func TestValidateWireMessageRejectsOversizedField(t *testing.T) {
	big := make([]byte, maxFieldLen+1)
	for i := range big {
		big[i] = 'x'
	}
	data, _ := json.Marshal(map[string]string{"comment": string(big)})
	err := validateWireMessage(wireMessage{Cmd: "add_comment", Data: data})
	require.Error(t, err)
}

func TestValidateWireMessageAllowsOversizedDrawingField(t *testing.T) {
	big := make([]byte, maxFieldLen+1)
	for i := range big {
		big[i] = 'x'
	}
	data, _ := json.Marshal(map[string]string{"drawing": string(big)})
	err := validateWireMessage(wireMessage{Cmd: "add_comment", Data: data})
	require.NoError(t, err)
}

func TestValidateWireMessageRejectsBadCmdLength(t *testing.T) {
	err := validateWireMessage(wireMessage{Cmd: ""})
	require.Error(t, err)
}
