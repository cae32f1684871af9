// Package hub implements the session hub of spec §4.I: it tracks which
// WebSocket sessions are subscribed to which users/media/collabs and
// broadcasts outbound commands to the right subset, with scoped guards that
// clean up subscription-list membership on every exit path. Grounded on the
// teacher's webui WebSocket client registry (per-connection outgoing
// channel, RWMutex-guarded subscription maps, best-effort broadcast send),
// generalized from a single flat client map to the spec's four subscription
// dimensions (session/user/media/collab).
package hub

import (
	"sort"
	"sync"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/model"
)

// Sender is anything a session's outbound commands can be written to; the
// WebSocket connection wrapper in internal/api implements it.
type Sender interface {
	Send(cmd string, data interface{}) error
}

// Session is one connected client's hub-visible state.
type Session struct {
	Id            string
	UserId        string
	UserName      string
	Sender        Sender
	CurrentMedia  string // "" when not viewing any media
	CurrentCollab string // "" when not in any collab
}

// Guard releases one subscription-list membership. Release is idempotent
// and safe to call from a defer on every exit path, matching the spec's
// "guaranteed release on all exit paths" requirement.
type Guard struct {
	release func()
	once    sync.Once
}

func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// Hub is the process-wide registry of spec §4.I's four subscription maps.
// Safe for concurrent use.
type Hub struct {
	mu sync.RWMutex

	sessions map[string]*Session
	byUser   map[string]map[string]bool // userId -> set of sessionId
	byMedia  map[string]map[string]bool // mediaId -> set of sessionId
	byCollab map[string]map[string]bool // collabId -> set of sessionId

	collabMedia map[string]string // collabId -> mediaId, first joiner sets it
}

func New() *Hub {
	return &Hub{
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]map[string]bool),
		byMedia:     make(map[string]map[string]bool),
		byCollab:    make(map[string]map[string]bool),
		collabMedia: make(map[string]string),
	}
}

// RegisterSession adds a new session and its user-id subscription. The
// returned guard removes both on release.
func (h *Hub) RegisterSession(sessionId, userId, userName string, sender Sender) *Guard {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[sessionId] = &Session{Id: sessionId, UserId: userId, UserName: userName, Sender: sender}
	addMember(h.byUser, userId, sessionId)

	return &Guard{release: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		s, ok := h.sessions[sessionId]
		if !ok {
			return
		}
		removeMember(h.byUser, userId, sessionId)
		if s.CurrentMedia != "" {
			removeMember(h.byMedia, s.CurrentMedia, sessionId)
		}
		if s.CurrentCollab != "" {
			removeMember(h.byCollab, s.CurrentCollab, sessionId)
		}
		delete(h.sessions, sessionId)
	}}
}

// JoinMedia subscribes sessionId to mediaId's broadcast list, updating the
// session record's CurrentMedia. The returned guard reverses both.
func (h *Hub) JoinMedia(sessionId, mediaId string) *Guard {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionId]
	if !ok {
		return &Guard{}
	}
	s.CurrentMedia = mediaId
	addMember(h.byMedia, mediaId, sessionId)

	return &Guard{release: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		removeMember(h.byMedia, mediaId, sessionId)
		if s.CurrentMedia == mediaId {
			s.CurrentMedia = ""
		}
	}}
}

// JoinCollab subscribes sessionId to collabId. The first joiner of a fresh
// collab id fixes its media association; later joiners naming a different
// media are rejected (spec §4.I). A garbage-collection sweep of
// empty-sender collab→media mappings runs first, as required before every
// join.
func (h *Hub) JoinCollab(sessionId, collabId, mediaId string) (*Guard, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sweepCollabsLocked()

	s, ok := h.sessions[sessionId]
	if !ok {
		return nil, errs.NotFoundf("session %s not registered", sessionId)
	}

	if existingMedia, exists := h.collabMedia[collabId]; exists {
		if existingMedia != mediaId {
			return nil, errs.InvalidArgumentf("collab %s is already bound to a different media", collabId)
		}
	} else {
		h.collabMedia[collabId] = mediaId
	}

	s.CurrentCollab = collabId
	addMember(h.byCollab, collabId, sessionId)

	return &Guard{release: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		removeMember(h.byCollab, collabId, sessionId)
		if s.CurrentCollab == collabId {
			s.CurrentCollab = ""
		}
	}}, nil
}

// sweepCollabsLocked drops collab→media mappings whose sender list is empty
// or absent. Caller must hold h.mu.
func (h *Hub) sweepCollabsLocked() {
	for collabId := range h.collabMedia {
		if members, ok := h.byCollab[collabId]; !ok || len(members) == 0 {
			delete(h.collabMedia, collabId)
			delete(h.byCollab, collabId)
		}
	}
}

// SessionInfo is a read-only snapshot of one session's hub-visible state,
// returned by ListSessions to serve the Organizer's inbound session-read
// query (spec §4.L).
type SessionInfo struct {
	Id            string
	UserId        string
	UserName      string
	CurrentMedia  string
	CurrentCollab string
}

// ListSessions returns a paged, id-ordered snapshot of every connected
// session, using the same paging descriptor as the store's queries.
func (h *Hub) ListSessions(page *model.Page) []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := page.Offset()
	if start > len(ids) {
		start = len(ids)
	}
	end := len(ids)
	if page != nil {
		end = start + page.Size
		if end > len(ids) {
			end = len(ids)
		}
	}

	out := make([]SessionInfo, 0, end-start)
	for _, id := range ids[start:end] {
		s := h.sessions[id]
		out = append(out, SessionInfo{
			Id: s.Id, UserId: s.UserId, UserName: s.UserName,
			CurrentMedia: s.CurrentMedia, CurrentCollab: s.CurrentCollab,
		})
	}
	return out
}

// Recipient selects the emission target of Emit, mirroring spec §4.I's
// "one session, all sessions of one user, all senders of one media, all
// senders of one collab, explicit sender" enumeration.
type Recipient struct {
	SessionId string
	UserId    string
	MediaId   string
	CollabId  string
	Sender    Sender
}

func ToSession(id string) Recipient { return Recipient{SessionId: id} }
func ToUser(id string) Recipient    { return Recipient{UserId: id} }
func ToMedia(id string) Recipient   { return Recipient{MediaId: id} }
func ToCollab(id string) Recipient  { return Recipient{CollabId: id} }
func ToSender(s Sender) Recipient   { return Recipient{Sender: s} }

// Emit sends cmd/data to every sender resolved by recipient. A send failure
// to any one recipient aborts the whole call with an error -- spec §4.I
// explicitly rules out a silent partial-success swallow for broadcasts.
func (h *Hub) Emit(cmd string, data interface{}, recipient Recipient) error {
	for _, sender := range h.resolve(recipient) {
		if err := sender.Send(cmd, data); err != nil {
			return errs.Backend("emit to recipient", err)
		}
	}
	return nil
}

func (h *Hub) resolve(r Recipient) []Sender {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r.Sender != nil {
		return []Sender{r.Sender}
	}
	if r.SessionId != "" {
		if s, ok := h.sessions[r.SessionId]; ok {
			return []Sender{s.Sender}
		}
		return nil
	}
	if r.UserId != "" {
		return h.sendersOf(h.byUser[r.UserId])
	}
	if r.MediaId != "" {
		return h.sendersOf(h.byMedia[r.MediaId])
	}
	if r.CollabId != "" {
		return h.sendersOf(h.byCollab[r.CollabId])
	}
	return nil
}

func (h *Hub) sendersOf(sessionIds map[string]bool) []Sender {
	out := make([]Sender, 0, len(sessionIds))
	for id := range sessionIds {
		if s, ok := h.sessions[id]; ok {
			out = append(out, s.Sender)
		}
	}
	return out
}

func addMember(m map[string]map[string]bool, key, member string) {
	if m[key] == nil {
		m[key] = make(map[string]bool)
	}
	m[key][member] = true
}

func removeMember(m map[string]map[string]bool, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}
