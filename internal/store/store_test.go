package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/model"
)

// openTestStore creates an on-disk sqlite database in a temp dir and applies
// the schema directly (bypassing golang-migrate, whose "file://" source
// can't address this repo's embedded migrations dir in a test binary).
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clapshot.sqlite")

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, db.Ping())

	schema, err := os.ReadFile("../../migrations/server/20240101000000_init.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)

	return &Store{db: db, path: path, logger: logging.NewDefault().WithComponent("store")}
}

func insertTestMedia(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.InsertMedia(context.Background(), &model.MediaFile{
		Id:        id,
		AddedTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestMediaInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "abcd1234")

	m, err := s.GetMedia(context.Background(), "abcd1234")
	require.NoError(t, err)
	require.Equal(t, "abcd1234", m.Id)
	require.False(t, m.ThumbsComplete())
}

func TestSetThumbSheetDimensionsRejectsNonPositive(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "abcd1234")

	err := s.SetThumbSheetDimensions(context.Background(), "abcd1234", 0, 5)
	require.Error(t, err)
}

func TestRenameValidation(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "abcd1234")

	err := s.Rename(context.Background(), "abcd1234", "   ")
	require.Error(t, err)

	err = s.Rename(context.Background(), "abcd1234", "  My Clip  ")
	require.NoError(t, err)
	m, err := s.GetMedia(context.Background(), "abcd1234")
	require.NoError(t, err)
	require.Equal(t, "My Clip", *m.Title)
}

func TestCommentParentMustShareMediaFile(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "aaaa1111")
	insertTestMedia(t, s, "bbbb2222")

	parentId, err := s.InsertComment(context.Background(), &model.Comment{
		VideoId: "aaaa1111", Created: time.Now().UTC(), UserId: "u1", UserName: "U1", Comment: "hello",
	})
	require.NoError(t, err)

	_, err = s.InsertComment(context.Background(), &model.Comment{
		VideoId: "bbbb2222", ParentId: &parentId, Created: time.Now().UTC(), UserId: "u1", UserName: "U1", Comment: "reply",
	})
	require.Error(t, err)
}

func TestDeleteCommentRejectsWithChildren(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "aaaa1111")

	parentId, err := s.InsertComment(context.Background(), &model.Comment{
		VideoId: "aaaa1111", Created: time.Now().UTC(), UserId: "u1", UserName: "U1", Comment: "hello",
	})
	require.NoError(t, err)
	_, err = s.InsertComment(context.Background(), &model.Comment{
		VideoId: "aaaa1111", ParentId: &parentId, Created: time.Now().UTC(), UserId: "u1", UserName: "U1", Comment: "reply",
	})
	require.NoError(t, err)

	err = s.DeleteComment(context.Background(), parentId)
	require.Error(t, err)
}

func TestInsertMessageRejectsProgress(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertMessage(context.Background(), &model.UserMessage{
		Kind: model.MsgProgress, UserId: "u1", Message: "50%", Created: time.Now().UTC(),
	})
	require.Error(t, err)
}

func TestGetOrCreateSingletonReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	body := "v1"
	n1, err := s.GetOrCreateSingleton(context.Background(), "settings", "global", &body)
	require.NoError(t, err)

	body2 := "v2"
	n2, err := s.GetOrCreateSingleton(context.Background(), "settings", "global", &body2)
	require.NoError(t, err)

	require.Equal(t, n1.Id, n2.Id)
	require.Equal(t, "v1", *n2.Body)
}

func TestPropEdgeInsertRejectsInvalidEndpoints(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertPropEdge(context.Background(), model.ObjRef{}, model.RefNode(1), "tag", nil, nil, nil)
	require.Error(t, err)
}

func TestGraphGetByParentOrdersBySortOrder(t *testing.T) {
	s := openTestStore(t)
	body := "settings"
	node, err := s.GetOrCreateSingleton(context.Background(), "folder", "root", &body)
	require.NoError(t, err)

	insertTestMedia(t, s, "aaaa1111")
	insertTestMedia(t, s, "bbbb2222")

	late := 2.0
	early := 1.0
	_, err = s.InsertPropEdge(context.Background(), model.RefNode(node.Id), model.RefVideo("aaaa1111"), "contains", nil, &late, nil)
	require.NoError(t, err)
	_, err = s.InsertPropEdge(context.Background(), model.RefNode(node.Id), model.RefVideo("bbbb2222"), "contains", nil, &early, nil)
	require.NoError(t, err)
	_, err = s.InsertPropEdge(context.Background(), model.RefNode(node.Id), model.RefVideo("aaaa1111"), "contains", nil, nil, nil)
	require.NoError(t, err)

	edges, err := s.GetEdgesByParent(context.Background(), model.RefNode(node.Id), nil, nil)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	require.Nil(t, edges[0].Edge.SortOrder) // NULL sort_order sorts first
	require.Equal(t, early, *edges[1].Edge.SortOrder)
	require.Equal(t, late, *edges[2].Edge.SortOrder)
	require.Equal(t, "aaaa1111", edges[0].Obj.Media.Id)
	require.Equal(t, "bbbb2222", edges[1].Obj.Media.Id)
	require.Equal(t, "aaaa1111", edges[2].Obj.Media.Id)
}

func TestGraphGetParentlessAndChildless(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "aaaa1111") // linked below, has a parent node
	insertTestMedia(t, s, "bbbb2222") // never referenced by any edge: root and leaf
	body := "settings"
	node, err := s.GetOrCreateSingleton(context.Background(), "folder", "root", &body)
	require.NoError(t, err)

	// edge: node -(contains)-> aaaa1111, i.e. node is "from", aaaa1111 is "to"
	_, err = s.InsertPropEdge(context.Background(), model.RefNode(node.Id), model.RefVideo("aaaa1111"), "contains", nil, nil, nil)
	require.NoError(t, err)

	// aaaa1111 is the "to" endpoint of an edge, so it has a parent: excluded from roots.
	roots, err := s.GetParentlessMedia(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "bbbb2222", roots[0].Id)

	// aaaa1111 is never a "from" endpoint, so it has no children: included among leaves.
	leaves, err := s.GetChildlessMedia(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, leaves, 2)

	// the node is never a "to" endpoint itself, so it has no parent of its own.
	nodeRoots, err := s.GetParentlessNodes(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, nodeRoots, 1)
	require.Equal(t, node.Id, nodeRoots[0].Id)

	// the node is a "from" endpoint, so it has a child and is not childless.
	nodeLeaves, err := s.GetChildlessNodes(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, nodeLeaves, 0)
}

func TestGraphEdgeTypeFilter(t *testing.T) {
	s := openTestStore(t)
	insertTestMedia(t, s, "aaaa1111")
	body := "settings"
	node, err := s.GetOrCreateSingleton(context.Background(), "folder", "root", &body)
	require.NoError(t, err)

	_, err = s.InsertPropEdge(context.Background(), model.RefNode(node.Id), model.RefVideo("aaaa1111"), "contains", nil, nil, nil)
	require.NoError(t, err)
	_, err = s.InsertPropEdge(context.Background(), model.RefNode(node.Id), model.RefVideo("aaaa1111"), "tags", nil, nil, nil)
	require.NoError(t, err)

	wanted := "tags"
	edges, err := s.GetEdgesByParent(context.Background(), model.RefNode(node.Id), &wanted, nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "tags", edges[0].Edge.EdgeType)
}
