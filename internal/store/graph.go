package store

import (
	"context"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

// GetEdgesByParent implements spec §4.G's graph_get_by_parent(parent_ref,
// edge_type?): edges whose "from" endpoint is parent, paired with the
// resolved "to" endpoint object (media, comment or node), ordered by
// sort_order ascending with NULL first. The Go shape of the original
// implementation's EdgeAndObj<T>.
func (s *Store) GetEdgesByParent(ctx context.Context, parent model.ObjRef, edgeType *string, page *model.Page) ([]*model.GraphEdgeObj, error) {
	cond, args := endpointCond("from", parent)
	edges, err := s.queryEdgesCond(ctx, cond, args, edgeType, page)
	if err != nil {
		return nil, err
	}
	return s.resolveEdgeObjs(ctx, edges, "to")
}

// GetEdgesByChild implements graph_get_by_child(child_ref, edge_type?,
// paging): edges whose "to" endpoint is child, paired with the resolved
// "from" endpoint object.
func (s *Store) GetEdgesByChild(ctx context.Context, child model.ObjRef, edgeType *string, page *model.Page) ([]*model.GraphEdgeObj, error) {
	cond, args := endpointCond("to", child)
	edges, err := s.queryEdgesCond(ctx, cond, args, edgeType, page)
	if err != nil {
		return nil, err
	}
	return s.resolveEdgeObjs(ctx, edges, "from")
}

// resolveEdgeObjs fetches the far-endpoint entity for each edge by reading
// whichever of the Video/Comment/Node columns on the given side is set. A
// row whose named side resolves to no endpoint at all would mean the
// PropEdge invariant (exactly one column per side) was violated elsewhere;
// it is logged and skipped rather than failing the whole query, matching
// the original implementation's defensive "unexpected NULL" handling.
func (s *Store) resolveEdgeObjs(ctx context.Context, edges []*model.PropEdge, side string) ([]*model.GraphEdgeObj, error) {
	out := make([]*model.GraphEdgeObj, 0, len(edges))
	for _, e := range edges {
		ref := edgeSideRef(e, side)
		if !ref.Valid() {
			s.logger.Errorf("graph edge %d has no %s endpoint set; invariant violation, skipping", e.Id, side)
			continue
		}
		obj, err := s.resolveGraphObj(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, &model.GraphEdgeObj{Edge: e, Obj: obj})
	}
	return out, nil
}

func edgeSideRef(e *model.PropEdge, side string) model.ObjRef {
	if side == "from" {
		switch {
		case e.FromVideo != nil:
			return model.RefVideo(*e.FromVideo)
		case e.FromComment != nil:
			return model.RefComment(*e.FromComment)
		case e.FromNode != nil:
			return model.RefNode(*e.FromNode)
		}
		return model.ObjRef{}
	}
	switch {
	case e.ToVideo != nil:
		return model.RefVideo(*e.ToVideo)
	case e.ToComment != nil:
		return model.RefComment(*e.ToComment)
	case e.ToNode != nil:
		return model.RefNode(*e.ToNode)
	}
	return model.ObjRef{}
}

func (s *Store) resolveGraphObj(ctx context.Context, ref model.ObjRef) (model.GraphObj, error) {
	switch {
	case ref.Video != nil:
		m, err := s.GetMedia(ctx, *ref.Video)
		if err != nil {
			return model.GraphObj{}, err
		}
		return model.GraphObj{Media: m}, nil
	case ref.Comment != nil:
		c, err := s.GetComment(ctx, *ref.Comment)
		if err != nil {
			return model.GraphObj{}, err
		}
		return model.GraphObj{Comment: c}, nil
	case ref.Node != nil:
		n, err := s.GetPropNode(ctx, *ref.Node)
		if err != nil {
			return model.GraphObj{}, err
		}
		return model.GraphObj{Node: n}, nil
	default:
		return model.GraphObj{}, errs.InvalidArgumentf("graph ref has no endpoint set")
	}
}

func (s *Store) queryEdgesCond(ctx context.Context, cond string, condArgs []interface{}, edgeType *string, page *model.Page) ([]*model.PropEdge, error) {
	query := "SELECT " + propEdgeColumns + " FROM prop_edges WHERE " + cond
	args := append([]interface{}{}, condArgs...)
	if edgeType != nil {
		query += " AND edge_type = ?"
		args = append(args, *edgeType)
	}
	query += orderBySortOrder() + pageClause(page)
	args = append(args, pageArgs(page)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query graph edges", err)
	}
	defer rows.Close()
	var out []*model.PropEdge
	for rows.Next() {
		e, err := scanPropEdge(rows)
		if err != nil {
			return nil, errs.Backend("scan graph edge", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// antiJoinedMediaIds returns media_files ids with no prop_edges row matching
// edgeCol (e.g. "to_video" for parentless, "from_video" for childless).
func (s *Store) antiJoinedMediaIds(ctx context.Context, edgeCol string, edgeType *string, page *model.Page) ([]string, error) {
	query := "SELECT t.id FROM media_files t LEFT JOIN prop_edges e ON e." + edgeCol + " = t.id"
	var args []interface{}
	if edgeType != nil {
		query += " AND e.edge_type = ?"
		args = append(args, *edgeType)
	}
	query += " WHERE e.id IS NULL ORDER BY t.id" + pageClause(page)
	args = append(args, pageArgs(page)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query graph anti-join", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Backend("scan graph anti-join", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// antiJoinedIntIds is antiJoinedMediaIds's counterpart for the int64-keyed
// comments and prop_nodes tables.
func (s *Store) antiJoinedIntIds(ctx context.Context, table, edgeCol string, edgeType *string, page *model.Page) ([]int64, error) {
	query := "SELECT t.id FROM " + table + " t LEFT JOIN prop_edges e ON e." + edgeCol + " = t.id"
	var args []interface{}
	if edgeType != nil {
		query += " AND e.edge_type = ?"
		args = append(args, *edgeType)
	}
	query += " WHERE e.id IS NULL ORDER BY t.id" + pageClause(page)
	args = append(args, pageArgs(page)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Backend("query graph anti-join", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Backend("scan graph anti-join", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetParentlessMedia implements graph_get_parentless for media: MediaFile
// rows that are never the "to" endpoint of any edge -- graph roots.
func (s *Store) GetParentlessMedia(ctx context.Context, edgeType *string, page *model.Page) ([]*model.MediaFile, error) {
	ids, err := s.antiJoinedMediaIds(ctx, "to_video", edgeType, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.MediaFile, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMedia(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetChildlessMedia implements graph_get_childless for media: MediaFile
// rows that are never the "from" endpoint of any edge -- graph leaves.
func (s *Store) GetChildlessMedia(ctx context.Context, edgeType *string, page *model.Page) ([]*model.MediaFile, error) {
	ids, err := s.antiJoinedMediaIds(ctx, "from_video", edgeType, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.MediaFile, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMedia(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetParentlessComments implements graph_get_parentless for comments.
func (s *Store) GetParentlessComments(ctx context.Context, edgeType *string, page *model.Page) ([]*model.Comment, error) {
	ids, err := s.antiJoinedIntIds(ctx, "comments", "to_comment", edgeType, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Comment, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetComment(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetChildlessComments implements graph_get_childless for comments.
func (s *Store) GetChildlessComments(ctx context.Context, edgeType *string, page *model.Page) ([]*model.Comment, error) {
	ids, err := s.antiJoinedIntIds(ctx, "comments", "from_comment", edgeType, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Comment, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetComment(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetParentlessNodes implements graph_get_parentless for prop nodes.
func (s *Store) GetParentlessNodes(ctx context.Context, edgeType *string, page *model.Page) ([]*model.PropNode, error) {
	ids, err := s.antiJoinedIntIds(ctx, "prop_nodes", "to_node", edgeType, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.PropNode, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetPropNode(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// GetChildlessNodes implements graph_get_childless for prop nodes.
func (s *Store) GetChildlessNodes(ctx context.Context, edgeType *string, page *model.Page) ([]*model.PropNode, error) {
	ids, err := s.antiJoinedIntIds(ctx, "prop_nodes", "from_node", edgeType, page)
	if err != nil {
		return nil, err
	}
	out := make([]*model.PropNode, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetPropNode(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
