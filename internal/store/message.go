package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

const messageColumns = `id, kind, video_id, comment_id, user_id, message, details, seen, created`

func scanMessage(row interface{ Scan(...interface{}) error }) (*model.UserMessage, error) {
	var m model.UserMessage
	var kind string
	var created string
	var seen int
	if err := row.Scan(&m.Id, &kind, &m.VideoId, &m.CommentId, &m.UserId, &m.Message, &m.Details, &seen, &created); err != nil {
		return nil, err
	}
	m.Kind = model.MessageKind(kind)
	m.Seen = seen != 0
	m.Created = mustTime(created)
	return &m, nil
}

// InsertMessage enforces spec §3's invariant that "progress"-kind messages
// are never persisted; callers that need to persist must not pass a
// progress-kind message here (the pipeline/notify relay routes progress
// messages straight to the hub, bypassing the store entirely).
func (s *Store) InsertMessage(ctx context.Context, m *model.UserMessage) (int64, error) {
	if !m.Persistable() {
		return 0, errs.InvalidArgumentf("progress messages are never persisted")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_messages (kind, video_id, comment_id, user_id, message, details, seen, created)
		VALUES (?,?,?,?,?,?,?,?)`,
		string(m.Kind), m.VideoId, m.CommentId, m.UserId, m.Message, m.Details, boolToInt(m.Seen), m.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errs.Backend("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Backend("read inserted message id", err)
	}
	return id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*model.UserMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query messages", err)
	}
	defer rows.Close()
	var out []*model.UserMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.Backend("scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*model.UserMessage, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM user_messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("user message %d not found", id)
	}
	if err != nil {
		return nil, errs.Backend("get message", err)
	}
	return m, nil
}

func (s *Store) GetAllMessages(ctx context.Context, page *model.Page) ([]*model.UserMessage, error) {
	return s.queryMessages(ctx, "SELECT "+messageColumns+" FROM user_messages ORDER BY created ASC, id ASC"+pageClause(page), pageArgs(page)...)
}

func (s *Store) GetMessagesByUser(ctx context.Context, userId string, page *model.Page) ([]*model.UserMessage, error) {
	args := append([]interface{}{userId}, pageArgs(page)...)
	return s.queryMessages(ctx, "SELECT "+messageColumns+" FROM user_messages WHERE user_id = ? ORDER BY created ASC, id ASC"+pageClause(page), args...)
}

func (s *Store) GetMessagesByVideo(ctx context.Context, videoId string, page *model.Page) ([]*model.UserMessage, error) {
	args := append([]interface{}{videoId}, pageArgs(page)...)
	return s.queryMessages(ctx, "SELECT "+messageColumns+" FROM user_messages WHERE video_id = ? ORDER BY created ASC, id ASC"+pageClause(page), args...)
}

func (s *Store) GetMessagesByComment(ctx context.Context, commentId int64, page *model.Page) ([]*model.UserMessage, error) {
	args := append([]interface{}{commentId}, pageArgs(page)...)
	return s.queryMessages(ctx, "SELECT "+messageColumns+" FROM user_messages WHERE comment_id = ? ORDER BY created ASC, id ASC"+pageClause(page), args...)
}

func (s *Store) SetSeen(ctx context.Context, id int64, seen bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE user_messages SET seen = ? WHERE id = ?", boolToInt(seen), id)
	if err != nil {
		return errs.Backend("set message seen", err)
	}
	return nil
}

// SetAllSeenForUser is used by list_my_messages (spec §4.J: "returns then
// marks seen").
func (s *Store) SetAllSeenForUser(ctx context.Context, userId string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE user_messages SET seen = 1 WHERE user_id = ?", userId)
	if err != nil {
		return errs.Backend("mark messages seen", err)
	}
	return nil
}
