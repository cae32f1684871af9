package store

import (
	"context"
	"database/sql"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

const propEdgeColumns = `id, from_video, from_comment, from_node, to_video, to_comment, to_node,
	edge_type, body, sort_order, sibling_id`

func scanPropEdge(row interface{ Scan(...interface{}) error }) (*model.PropEdge, error) {
	var e model.PropEdge
	if err := row.Scan(&e.Id, &e.FromVideo, &e.FromComment, &e.FromNode, &e.ToVideo, &e.ToComment, &e.ToNode,
		&e.EdgeType, &e.Body, &e.SortOrder, &e.SiblingId); err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertPropEdge enforces spec §3/§9's polymorphic-endpoint invariant:
// exactly one of the three source columns is set, and exactly one of the
// three target columns is set. Business-layer callers pass model.ObjRef
// values; only here do they map onto the three nullable columns.
func (s *Store) InsertPropEdge(ctx context.Context, from, to model.ObjRef, edgeType string, body *string, sortOrder *float64, siblingId *int64) (int64, error) {
	if !from.Valid() {
		return 0, errs.InvalidArgumentf("edge 'from' endpoint must set exactly one of video/comment/node")
	}
	if !to.Valid() {
		return 0, errs.InvalidArgumentf("edge 'to' endpoint must set exactly one of video/comment/node")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prop_edges (from_video, from_comment, from_node, to_video, to_comment, to_node, edge_type, body, sort_order, sibling_id)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		from.Video, from.Comment, from.Node, to.Video, to.Comment, to.Node, edgeType, body, sortOrder, siblingId)
	if err != nil {
		return 0, errs.Backend("insert prop edge", err)
	}
	id, err := res.LastInsertId()
	return id, err
}

func (s *Store) GetPropEdge(ctx context.Context, id int64) (*model.PropEdge, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+propEdgeColumns+" FROM prop_edges WHERE id = ?", id)
	e, err := scanPropEdge(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("prop edge %d not found", id)
	}
	if err != nil {
		return nil, errs.Backend("get prop edge", err)
	}
	return e, nil
}

func (s *Store) DeletePropEdge(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM prop_edges WHERE id = ?", id)
	if err != nil {
		return errs.Backend("delete prop edge", err)
	}
	return nil
}

// GetFilteredPropEdges implements spec §4.G's get_filtered(from?, to?,
// type?, ids?, paging).
func (s *Store) GetFilteredPropEdges(ctx context.Context, from, to *model.ObjRef, edgeType *string, ids []int64, page *model.Page) ([]*model.PropEdge, error) {
	query := "SELECT " + propEdgeColumns + " FROM prop_edges WHERE 1=1"
	var args []interface{}
	if from != nil {
		cond, a := endpointCond("from", *from)
		query += " AND " + cond
		args = append(args, a...)
	}
	if to != nil {
		cond, a := endpointCond("to", *to)
		query += " AND " + cond
		args = append(args, a...)
	}
	if edgeType != nil {
		query += " AND edge_type = ?"
		args = append(args, *edgeType)
	}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += orderBySortOrder() + pageClause(page)
	args = append(args, pageArgs(page)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query prop edges", err)
	}
	defer rows.Close()
	var out []*model.PropEdge
	for rows.Next() {
		e, err := scanPropEdge(rows)
		if err != nil {
			return nil, errs.Backend("scan prop edge", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func endpointCond(prefix string, ref model.ObjRef) (string, []interface{}) {
	switch {
	case ref.Video != nil:
		return prefix + "_video = ?", []interface{}{*ref.Video}
	case ref.Comment != nil:
		return prefix + "_comment = ?", []interface{}{*ref.Comment}
	case ref.Node != nil:
		return prefix + "_node = ?", []interface{}{*ref.Node}
	default:
		return "1=0", nil
	}
}

// orderBySortOrder treats NaN/NULL sort_order as "earliest" per spec §4.G:
// SQLite has no NaN for REAL columns reached via standard arithmetic, so
// NULL is the practical stand-in; "(sort_order IS NULL) DESC" sorts NULLs first.
func orderBySortOrder() string {
	return " ORDER BY (sort_order IS NULL) DESC, sort_order ASC, id ASC"
}
