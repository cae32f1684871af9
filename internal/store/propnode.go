package store

import (
	"context"
	"database/sql"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

const propNodeColumns = `id, node_type, body, singleton_key`

func scanPropNode(row interface{ Scan(...interface{}) error }) (*model.PropNode, error) {
	var n model.PropNode
	if err := row.Scan(&n.Id, &n.NodeType, &n.Body, &n.SingletonKey); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) GetPropNode(ctx context.Context, id int64) (*model.PropNode, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+propNodeColumns+" FROM prop_nodes WHERE id = ?", id)
	n, err := scanPropNode(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("prop node %d not found", id)
	}
	if err != nil {
		return nil, errs.Backend("get prop node", err)
	}
	return n, nil
}

// GetPropNodesByType implements spec §4.G's "get_by_type(with optional id
// filter)".
func (s *Store) GetPropNodesByType(ctx context.Context, nodeType string, ids []int64) ([]*model.PropNode, error) {
	query := "SELECT " + propNodeColumns + " FROM prop_nodes WHERE node_type = ?"
	args := []interface{}{nodeType}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query prop nodes", err)
	}
	defer rows.Close()
	var out []*model.PropNode
	for rows.Next() {
		n, err := scanPropNode(rows)
		if err != nil {
			return nil, errs.Backend("scan prop node", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetOrCreateSingleton implements spec §9's singleton upsert: a new upsert
// with a matching (node_type, singleton_key) pair returns the existing row
// instead of erroring, so callers can call this without races.
func (s *Store) GetOrCreateSingleton(ctx context.Context, nodeType, key string, body *string) (*model.PropNode, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+propNodeColumns+" FROM prop_nodes WHERE node_type = ? AND singleton_key = ?", nodeType, key)
	if existing, err := scanPropNode(row); err == nil {
		return existing, nil
	} else if err != sql.ErrNoRows {
		return nil, errs.Backend("lookup singleton", err)
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO prop_nodes (node_type, body, singleton_key) VALUES (?,?,?)", nodeType, body, key)
	if err != nil {
		// A concurrent insert may have won the unique-index race; re-read
		// instead of failing, keeping the "returns the existing row" promise.
		row := s.db.QueryRowContext(ctx, "SELECT "+propNodeColumns+" FROM prop_nodes WHERE node_type = ? AND singleton_key = ?", nodeType, key)
		if existing, scanErr := scanPropNode(row); scanErr == nil {
			return existing, nil
		}
		return nil, errs.Backend("create singleton", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Backend("read inserted singleton id", err)
	}
	return &model.PropNode{Id: id, NodeType: nodeType, Body: body, SingletonKey: &key}, nil
}

func (s *Store) InsertPropNode(ctx context.Context, n *model.PropNode) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO prop_nodes (node_type, body, singleton_key) VALUES (?,?,?)", n.NodeType, n.Body, n.SingletonKey)
	if err != nil {
		return 0, errs.Backend("insert prop node", err)
	}
	id, err := res.LastInsertId()
	return id, err
}

func (s *Store) DeletePropNode(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM prop_nodes WHERE id = ?", id)
	if err != nil {
		return errs.Backend("delete prop node", err)
	}
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
