// Package model defines the entity types of the data model (spec §3):
// MediaFile, Comment, UserMessage, PropNode and PropEdge, plus the paging
// descriptor shared by every list query. Field layout is grounded on the
// original Rust database models, translated to idiomatic Go (pointers for
// nullable columns, time.Time for timestamps).
package model

import "time"

// Page is a paging descriptor (spec §4.G "Paging"): Num is 0-based, Size
// must be > 0. A nil *Page means "unbounded".
type Page struct {
	Num  int
	Size int
}

func (p *Page) Offset() int {
	if p == nil {
		return 0
	}
	return p.Num * p.Size
}

func (p *Page) Limit() int {
	if p == nil {
		return -1
	}
	return p.Size
}

// MediaFile is identified by its content Fingerprint (§4.F), unique per
// (fingerprint, owner).
type MediaFile struct {
	Id                   string // fingerprint, 8 hex chars
	UserId               *string
	UserName             *string
	AddedTime            time.Time
	RecompressionDone    *time.Time
	ThumbSheetCols       *int
	ThumbSheetRows       *int
	OrigFilename         *string
	Title                *string
	TotalFrames          *int
	DurationSeconds      *float64
	FPS                  *string // preserves source notation, e.g. "30000/1001"
	RawMetadataAll       *string
}

// ThumbsComplete reports whether both sheet dimensions are present, per the
// invariant that cols/rows are either both absent or both set and positive.
func (m *MediaFile) ThumbsComplete() bool {
	return m.ThumbSheetCols != nil && m.ThumbSheetRows != nil && *m.ThumbSheetCols > 0 && *m.ThumbSheetRows > 0
}

type Comment struct {
	Id         int64
	VideoId    string
	ParentId   *int64
	Created    time.Time
	Edited     *time.Time
	UserId     string
	UserName   string
	Comment    string
	Timecode   *string
	DrawingRef *string // on-disk path or data URL, resolved by caller
}

type MessageKind string

const (
	MsgOK            MessageKind = "ok"
	MsgError         MessageKind = "error"
	MsgProgress      MessageKind = "progress"
	MsgMediaUpdated  MessageKind = "media-updated"
)

type UserMessage struct {
	Id        int64
	Kind      MessageKind
	VideoId   *string
	CommentId *int64
	UserId    string
	Message   string
	Details   *string
	Seen      bool
	Created   time.Time
}

// Persistable is false for progress messages (spec §3 invariant: "progress-
// kind messages are never persisted").
func (m *UserMessage) Persistable() bool { return m.Kind != MsgProgress }

type PropNode struct {
	Id            int64
	NodeType      string
	Body          *string
	SingletonKey  *string
}

type PropEdge struct {
	Id         int64
	FromVideo   *string
	FromComment *int64
	FromNode    *int64
	ToVideo     *string
	ToComment   *int64
	ToNode      *int64
	EdgeType    string
	Body        *string
	SortOrder   *float64
	SiblingId   *int64
}

// ObjRef is the polymorphic graph-endpoint tagged sum (spec §9 "Polymorphic
// graph endpoints"): exactly one of Video/Comment/Node is set. Business-
// layer code passes ObjRef values; only the store maps them onto the three
// nullable columns above.
type ObjRef struct {
	Video   *string
	Comment *int64
	Node    *int64
}

func RefVideo(id string) ObjRef   { return ObjRef{Video: &id} }
func RefComment(id int64) ObjRef  { return ObjRef{Comment: &id} }
func RefNode(id int64) ObjRef     { return ObjRef{Node: &id} }

// Valid reports whether exactly one field is set, the invariant required at
// every PropEdge insert.
func (r ObjRef) Valid() bool {
	n := 0
	if r.Video != nil {
		n++
	}
	if r.Comment != nil {
		n++
	}
	if r.Node != nil {
		n++
	}
	return n == 1
}

func (r ObjRef) Kind() string {
	switch {
	case r.Video != nil:
		return "video"
	case r.Comment != nil:
		return "comment"
	case r.Node != nil:
		return "node"
	default:
		return ""
	}
}

// GraphObj is the resolved far endpoint of a graph edge, or a bare root/leaf
// entity returned by the parentless/childless queries (spec §4.G): exactly
// one of Media, Comment or Node is set, mirroring ObjRef.
type GraphObj struct {
	Media   *MediaFile
	Comment *Comment
	Node    *PropNode
}

// GraphEdgeObj pairs a PropEdge with its resolved far-endpoint object --
// the Go shape of the original implementation's EdgeAndObj<T>, returned by
// graph_get_by_parent/graph_get_by_child.
type GraphEdgeObj struct {
	Edge *PropEdge
	Obj  GraphObj
}

// Migration and Dependency mirror spec §3's migration-record entity and are
// shared with internal/migrate.
type Dependency struct {
	Module string
	MinVer *string
	MaxVer *string
}

type Migration struct {
	UUID         string
	Version      string
	Description  string
	Dependencies []Dependency
}
