package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

func (s *Store) InsertMedia(ctx context.Context, m *model.MediaFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_files (id, user_id, user_name, added_time, recompression_done,
			thumb_sheet_cols, thumb_sheet_rows, orig_filename, title, total_frames,
			duration_seconds, fps, raw_metadata_all)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.Id, m.UserId, m.UserName, m.AddedTime.UTC().Format(time.RFC3339Nano), nullTime(m.RecompressionDone),
		m.ThumbSheetCols, m.ThumbSheetRows, m.OrigFilename, m.Title, m.TotalFrames,
		m.DurationSeconds, m.FPS, m.RawMetadataAll)
	if err != nil {
		return errs.Backend("insert media", err)
	}
	return nil
}

const mediaColumns = `id, user_id, user_name, added_time, recompression_done, thumb_sheet_cols,
	thumb_sheet_rows, orig_filename, title, total_frames, duration_seconds, fps, raw_metadata_all`

func scanMedia(row interface{ Scan(...interface{}) error }) (*model.MediaFile, error) {
	var m model.MediaFile
	var added string
	var recompression sql.NullString
	if err := row.Scan(&m.Id, &m.UserId, &m.UserName, &added, &recompression,
		&m.ThumbSheetCols, &m.ThumbSheetRows, &m.OrigFilename, &m.Title, &m.TotalFrames,
		&m.DurationSeconds, &m.FPS, &m.RawMetadataAll); err != nil {
		return nil, err
	}
	m.AddedTime = mustTime(added)
	m.RecompressionDone = parseTime(recompression)
	return &m, nil
}

func (s *Store) GetMedia(ctx context.Context, id string) (*model.MediaFile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+mediaColumns+" FROM media_files WHERE id = ?", id)
	m, err := scanMedia(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("media %s not found", id)
	}
	if err != nil {
		return nil, errs.Backend("get media", err)
	}
	return m, nil
}

func (s *Store) GetMediaMany(ctx context.Context, ids []string) ([]*model.MediaFile, error) {
	out := make([]*model.MediaFile, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMedia(ctx, id)
		if err != nil {
			if errs.KindOf(err) == errs.NotFound {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetAllMedia(ctx context.Context, page *model.Page) ([]*model.MediaFile, error) {
	return s.queryMediaRows(ctx, "SELECT "+mediaColumns+" FROM media_files ORDER BY added_time ASC, id ASC"+pageClause(page), pageArgs(page)...)
}

func (s *Store) GetMediaByUser(ctx context.Context, userId string, page *model.Page) ([]*model.MediaFile, error) {
	args := append([]interface{}{userId}, pageArgs(page)...)
	return s.queryMediaRows(ctx, "SELECT "+mediaColumns+" FROM media_files WHERE user_id = ? ORDER BY added_time ASC, id ASC"+pageClause(page), args...)
}

func (s *Store) GetMissingThumbnails(ctx context.Context) ([]*model.MediaFile, error) {
	return s.queryMediaRows(ctx, "SELECT "+mediaColumns+` FROM media_files
		WHERE thumb_sheet_cols IS NULL OR thumb_sheet_rows IS NULL ORDER BY added_time ASC, id ASC`)
}

func (s *Store) queryMediaRows(ctx context.Context, query string, args ...interface{}) ([]*model.MediaFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query media", err)
	}
	defer rows.Close()
	var out []*model.MediaFile
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, errs.Backend("scan media", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetRecompressed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE media_files SET recompression_done = ? WHERE id = ?", at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errs.Backend("set recompressed", err)
	}
	return nil
}

// SetThumbSheetDimensions enforces spec §3's invariant at the write site:
// cols and rows are either both absent or both set and positive.
func (s *Store) SetThumbSheetDimensions(ctx context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errs.InvalidArgumentf("thumb sheet dimensions must both be positive, got %d x %d", cols, rows)
	}
	_, err := s.db.ExecContext(ctx, "UPDATE media_files SET thumb_sheet_cols = ?, thumb_sheet_rows = ? WHERE id = ?", cols, rows, id)
	if err != nil {
		return errs.Backend("set thumb sheet dimensions", err)
	}
	return nil
}

// Rename applies spec §4.J's rename_video validation (trim, reject empty,
// reject >160 chars, reject names without alphanumerics) before writing.
func (s *Store) Rename(ctx context.Context, id, newTitle string) error {
	trimmed, err := ValidateTitle(newTitle)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE media_files SET title = ? WHERE id = ?", trimmed, id)
	if err != nil {
		return errs.Backend("rename media", err)
	}
	return nil
}

func (s *Store) DeleteMedia(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM media_files WHERE id = ?", id)
	if err != nil {
		return errs.Backend("delete media", err)
	}
	return nil
}

func (s *Store) DeleteMediaMany(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.DeleteMedia(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func pageClause(p *model.Page) string {
	if p == nil {
		return ""
	}
	return " LIMIT ? OFFSET ?"
}

func pageArgs(p *model.Page) []interface{} {
	if p == nil {
		return nil
	}
	return []interface{}{p.Limit(), p.Offset()}
}
