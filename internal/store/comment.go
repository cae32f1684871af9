package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

const commentColumns = `id, video_id, parent_id, created, edited, user_id, user_name, comment, timecode, drawing_ref`

func scanComment(row interface{ Scan(...interface{}) error }) (*model.Comment, error) {
	var c model.Comment
	var created string
	var edited sql.NullString
	if err := row.Scan(&c.Id, &c.VideoId, &c.ParentId, &created, &edited, &c.UserId, &c.UserName, &c.Comment, &c.Timecode, &c.DrawingRef); err != nil {
		return nil, err
	}
	c.Created = mustTime(created)
	c.Edited = parseTime(edited)
	return &c, nil
}

// InsertComment enforces spec §3's invariant that a parent comment must
// target the same MediaFile.
func (s *Store) InsertComment(ctx context.Context, c *model.Comment) (int64, error) {
	if c.ParentId != nil {
		parent, err := s.GetComment(ctx, *c.ParentId)
		if err != nil {
			return 0, err
		}
		if parent.VideoId != c.VideoId {
			return 0, errs.InvalidArgumentf("parent comment %d targets a different media file", *c.ParentId)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (video_id, parent_id, created, edited, user_id, user_name, comment, timecode, drawing_ref)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.VideoId, c.ParentId, c.Created.UTC().Format(time.RFC3339Nano), nullTime(c.Edited), c.UserId, c.UserName, c.Comment, c.Timecode, c.DrawingRef)
	if err != nil {
		return 0, errs.Backend("insert comment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Backend("read inserted comment id", err)
	}
	return id, nil
}

func (s *Store) GetComment(ctx context.Context, id int64) (*model.Comment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+commentColumns+" FROM comments WHERE id = ?", id)
	c, err := scanComment(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("comment %d not found", id)
	}
	if err != nil {
		return nil, errs.Backend("get comment", err)
	}
	return c, nil
}

func (s *Store) queryComments(ctx context.Context, query string, args ...interface{}) ([]*model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query comments", err)
	}
	defer rows.Close()
	var out []*model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, errs.Backend("scan comment", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCommentsByVideo(ctx context.Context, videoId string, page *model.Page) ([]*model.Comment, error) {
	args := append([]interface{}{videoId}, pageArgs(page)...)
	return s.queryComments(ctx, "SELECT "+commentColumns+" FROM comments WHERE video_id = ? ORDER BY created ASC, id ASC"+pageClause(page), args...)
}

func (s *Store) GetCommentsByUser(ctx context.Context, userId string, page *model.Page) ([]*model.Comment, error) {
	args := append([]interface{}{userId}, pageArgs(page)...)
	return s.queryComments(ctx, "SELECT "+commentColumns+" FROM comments WHERE user_id = ? ORDER BY created ASC, id ASC"+pageClause(page), args...)
}

// CommentHasChildren reports whether any other comment names id as its parent --
// the check del_comment uses to reject deletion (spec §4.J, §8 scenario 4).
func (s *Store) CommentHasChildren(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM comments WHERE parent_id = ?", id).Scan(&n)
	if err != nil {
		return false, errs.Backend("count comment children", err)
	}
	return n > 0, nil
}

func (s *Store) EditComment(ctx context.Context, id int64, text string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE comments SET comment = ?, edited = ? WHERE id = ?", text, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errs.Backend("edit comment", err)
	}
	return nil
}

// DeleteComment rejects deletion when the comment has children (spec §3,
// §8 scenario 4).
func (s *Store) DeleteComment(ctx context.Context, id int64) error {
	hasChildren, err := s.CommentHasChildren(ctx, id)
	if err != nil {
		return err
	}
	if hasChildren {
		return errs.InvalidArgumentf("comment %d has replies and cannot be deleted", id)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM comments WHERE id = ?", id)
	if err != nil {
		return errs.Backend("delete comment", err)
	}
	return nil
}
