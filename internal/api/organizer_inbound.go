package api

import (
	"context"
	"encoding/json"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

// registerOrganizerHandlers serves the inbound direction of spec §4.L:
// "the full query surface of §4.G plus write operations (db_upsert,
// db_delete) and a session-read op". Grounded on the original gRPC
// server's db_get_videos/db_get_comments/db_get_user_messages/
// db_get_prop_nodes/db_get_prop_edges/db_upsert/db_delete method set; the
// session-read op (db_get_sessions here) has no surviving name in the
// retrieval pack's proto sources, so it follows the sibling methods'
// db_get_* convention.
func (s *Server) registerOrganizerHandlers() {
	if s.cfg.Organizer == nil {
		return
	}
	b := s.cfg.Organizer
	b.Handle("db_get_videos", s.handleDbGetVideos)
	b.Handle("db_get_comments", s.handleDbGetComments)
	b.Handle("db_get_user_messages", s.handleDbGetUserMessages)
	b.Handle("db_get_prop_nodes", s.handleDbGetPropNodes)
	b.Handle("db_get_prop_edges", s.handleDbGetPropEdges)
	b.Handle("db_upsert", s.handleDbUpsert)
	b.Handle("db_delete", s.handleDbDelete)
	b.Handle("db_get_sessions", s.handleDbGetSessions)
}

// graphObjRef is the wire shape of a polymorphic graph endpoint reference
// (spec §9): exactly one field is set.
type graphObjRef struct {
	Video   *string `json:"video,omitempty"`
	Comment *int64  `json:"comment,omitempty"`
	Node    *int64  `json:"node,omitempty"`
}

func (r graphObjRef) toModel() model.ObjRef {
	return model.ObjRef{Video: r.Video, Comment: r.Comment, Node: r.Node}
}

// graphRelFilter selects graph_get_by_parent or graph_get_by_child (spec
// §4.G), matching the original implementation's GraphObjRel oneof.
type graphRelFilter struct {
	ParentOf *graphObjRef `json:"parent_of,omitempty"`
	ChildOf  *graphObjRef `json:"child_of,omitempty"`
	EdgeType *string      `json:"edge_type,omitempty"`
}

type pageParam struct {
	Num  int `json:"num"`
	Size int `json:"size"`
}

func (p *pageParam) toModel() *model.Page {
	if p == nil || p.Size <= 0 {
		return nil
	}
	return &model.Page{Num: p.Num, Size: p.Size}
}

// graphRelEdgeObjs resolves a graphRelFilter against the store, returning
// the edge+resolved-object pairs shared by every db_get_* handler's
// graph_rel branch.
func (s *Server) graphRelEdgeObjs(ctx context.Context, rel *graphRelFilter, page *model.Page) ([]*model.GraphEdgeObj, error) {
	switch {
	case rel.ParentOf != nil:
		return s.cfg.Store.GetEdgesByParent(ctx, rel.ParentOf.toModel(), rel.EdgeType, page)
	case rel.ChildOf != nil:
		return s.cfg.Store.GetEdgesByChild(ctx, rel.ChildOf.toModel(), rel.EdgeType, page)
	default:
		return nil, errs.InvalidArgumentf("graph_rel requires parent_of or child_of")
	}
}

type dbGetVideosRequest struct {
	Ids      []string        `json:"ids,omitempty"`
	UserId   *string         `json:"user_id,omitempty"`
	GraphRel *graphRelFilter `json:"graph_rel,omitempty"`
	Paging   *pageParam      `json:"paging,omitempty"`
}

func (s *Server) handleDbGetVideos(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dbGetVideosRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errs.InvalidArgumentf("invalid db_get_videos params: %v", err)
	}
	page := req.Paging.toModel()

	switch {
	case req.GraphRel != nil:
		edges, err := s.graphRelEdgeObjs(ctx, req.GraphRel, page)
		if err != nil {
			return nil, err
		}
		items := make([]*model.MediaFile, 0, len(edges))
		for _, e := range edges {
			if e.Obj.Media != nil {
				items = append(items, e.Obj.Media)
			}
		}
		return map[string]interface{}{"items": items}, nil
	case len(req.Ids) > 0:
		items, err := s.cfg.Store.GetMediaMany(ctx, req.Ids)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	case req.UserId != nil:
		items, err := s.cfg.Store.GetMediaByUser(ctx, *req.UserId, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	default:
		items, err := s.cfg.Store.GetAllMedia(ctx, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	}
}

type dbGetCommentsRequest struct {
	Ids      []int64         `json:"ids,omitempty"`
	UserId   *string         `json:"user_id,omitempty"`
	VideoId  *string         `json:"video_id,omitempty"`
	GraphRel *graphRelFilter `json:"graph_rel,omitempty"`
	Paging   *pageParam      `json:"paging,omitempty"`
}

func (s *Server) handleDbGetComments(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dbGetCommentsRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errs.InvalidArgumentf("invalid db_get_comments params: %v", err)
	}
	page := req.Paging.toModel()

	switch {
	case req.GraphRel != nil:
		edges, err := s.graphRelEdgeObjs(ctx, req.GraphRel, page)
		if err != nil {
			return nil, err
		}
		items := make([]*model.Comment, 0, len(edges))
		for _, e := range edges {
			if e.Obj.Comment != nil {
				items = append(items, e.Obj.Comment)
			}
		}
		return map[string]interface{}{"items": items}, nil
	case len(req.Ids) > 0:
		items := make([]*model.Comment, 0, len(req.Ids))
		for _, id := range req.Ids {
			c, err := s.cfg.Store.GetComment(ctx, id)
			if err != nil {
				return nil, err
			}
			items = append(items, c)
		}
		return map[string]interface{}{"items": items}, nil
	case req.VideoId != nil:
		items, err := s.cfg.Store.GetCommentsByVideo(ctx, *req.VideoId, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	case req.UserId != nil:
		items, err := s.cfg.Store.GetCommentsByUser(ctx, *req.UserId, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	default:
		return nil, errs.InvalidArgumentf("db_get_comments requires a filter")
	}
}

type dbGetUserMessagesRequest struct {
	Ids       []int64    `json:"ids,omitempty"`
	UserId    *string    `json:"user_id,omitempty"`
	VideoId   *string    `json:"video_id,omitempty"`
	CommentId *int64     `json:"comment_id,omitempty"`
	Paging    *pageParam `json:"paging,omitempty"`
}

func (s *Server) handleDbGetUserMessages(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dbGetUserMessagesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errs.InvalidArgumentf("invalid db_get_user_messages params: %v", err)
	}
	page := req.Paging.toModel()

	switch {
	case len(req.Ids) > 0:
		items := make([]*model.UserMessage, 0, len(req.Ids))
		for _, id := range req.Ids {
			m, err := s.cfg.Store.GetMessage(ctx, id)
			if err != nil {
				return nil, err
			}
			items = append(items, m)
		}
		return map[string]interface{}{"items": items}, nil
	case req.UserId != nil:
		items, err := s.cfg.Store.GetMessagesByUser(ctx, *req.UserId, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	case req.VideoId != nil:
		items, err := s.cfg.Store.GetMessagesByVideo(ctx, *req.VideoId, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	case req.CommentId != nil:
		items, err := s.cfg.Store.GetMessagesByComment(ctx, *req.CommentId, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	default:
		items, err := s.cfg.Store.GetAllMessages(ctx, page)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	}
}

type dbGetPropNodesRequest struct {
	Ids      []int64         `json:"ids,omitempty"`
	NodeType *string         `json:"node_type,omitempty"`
	GraphRel *graphRelFilter `json:"graph_rel,omitempty"`
	Paging   *pageParam      `json:"paging,omitempty"`
}

func (s *Server) handleDbGetPropNodes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dbGetPropNodesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errs.InvalidArgumentf("invalid db_get_prop_nodes params: %v", err)
	}
	page := req.Paging.toModel()

	switch {
	case req.GraphRel != nil:
		edges, err := s.graphRelEdgeObjs(ctx, req.GraphRel, page)
		if err != nil {
			return nil, err
		}
		items := make([]*model.PropNode, 0, len(edges))
		for _, e := range edges {
			if e.Obj.Node == nil {
				continue
			}
			if req.NodeType != nil && e.Obj.Node.NodeType != *req.NodeType {
				continue
			}
			items = append(items, e.Obj.Node)
		}
		return map[string]interface{}{"items": items}, nil
	case req.NodeType != nil:
		items, err := s.cfg.Store.GetPropNodesByType(ctx, *req.NodeType, req.Ids)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items}, nil
	case len(req.Ids) > 0:
		items := make([]*model.PropNode, 0, len(req.Ids))
		for _, id := range req.Ids {
			n, err := s.cfg.Store.GetPropNode(ctx, id)
			if err != nil {
				return nil, err
			}
			items = append(items, n)
		}
		return map[string]interface{}{"items": items}, nil
	default:
		return nil, errs.InvalidArgumentf("db_get_prop_nodes requires a filter")
	}
}

type dbGetPropEdgesRequest struct {
	From     *graphObjRef `json:"from,omitempty"`
	To       *graphObjRef `json:"to,omitempty"`
	EdgeType *string      `json:"edge_type,omitempty"`
	Ids      []int64      `json:"ids,omitempty"`
	Paging   *pageParam   `json:"paging,omitempty"`
}

func (s *Server) handleDbGetPropEdges(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dbGetPropEdgesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errs.InvalidArgumentf("invalid db_get_prop_edges params: %v", err)
	}
	var from, to *model.ObjRef
	if req.From != nil {
		f := req.From.toModel()
		from = &f
	}
	if req.To != nil {
		t := req.To.toModel()
		to = &t
	}
	items, err := s.cfg.Store.GetFilteredPropEdges(ctx, from, to, req.EdgeType, req.Ids, req.Paging.toModel())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"items": items}, nil
}

// handleDbUpsert and handleDbDelete are registered -- satisfying the
// Organizer's expectation that the method exists -- but left unimplemented,
// matching the original implementation's own db_upsert/db_delete handlers,
// which return "unimplemented" unconditionally.
func (s *Server) handleDbUpsert(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return nil, errs.New(errs.BackendError, "db_upsert is not implemented")
}

func (s *Server) handleDbDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return nil, errs.New(errs.BackendError, "db_delete is not implemented")
}

type dbGetSessionsRequest struct {
	Paging *pageParam `json:"paging,omitempty"`
}

// handleDbGetSessions serves spec §4.L's "session-read op": a paged
// snapshot of the session hub's live connections.
func (s *Server) handleDbGetSessions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req dbGetSessionsRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, errs.InvalidArgumentf("invalid db_get_sessions params: %v", err)
		}
	}
	items := s.cfg.Hub.ListSessions(req.Paging.toModel())
	return map[string]interface{}{"items": items}, nil
}
