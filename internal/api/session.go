package api

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clapshot/clapshot-server/internal/hub"
)

const (
	minCmdLen       = 1
	maxCmdLen       = 64
	maxFieldLen     = 2048
	outboundBufSize = 64
)

// wireMessage is spec §6's WebSocket frame: {"cmd": <string>, "data": <object>}.
type wireMessage struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// session is one connected WebSocket client's cooperative task (spec §5):
// a read loop parsing and dispatching inbound commands sequentially, and a
// writer goroutine draining the outbound queue so concurrent emits from the
// hub never block on a slow client.
type session struct {
	id       string
	userId   string
	userName string
	conn     *websocket.Conn
	srv      *Server

	out      chan wireMessage
	sessGrd  *hub.Guard
	mediaGrd *hub.Guard
	collabGrd *hub.Guard
}

func newSession(conn *websocket.Conn, userId, userName string, srv *Server) *session {
	return &session{
		id:       uuid.NewString(),
		userId:   userId,
		userName: userName,
		conn:     conn,
		srv:      srv,
		out:      make(chan wireMessage, outboundBufSize),
	}
}

// Send implements hub.Sender by enqueueing onto the session's outbound
// channel; the writer goroutine performs the actual network write.
func (sess *session) Send(cmd string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	select {
	case sess.out <- wireMessage{Cmd: cmd, Data: raw}:
		return nil
	default:
		return fmt.Errorf("session %s outbound queue full", sess.id)
	}
}

func (sess *session) run() {
	sess.sessGrd = sess.srv.cfg.Hub.RegisterSession(sess.id, sess.userId, sess.userName, sess)
	defer sess.releaseGuards()
	defer sess.conn.Close()

	writerDone := make(chan struct{})
	go sess.writeLoop(writerDone)
	defer func() { close(sess.out); <-writerDone }()

	sess.Send("welcome", map[string]string{"session_id": sess.id, "user_id": sess.userId})

	for {
		var msg wireMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := validateWireMessage(msg); err != nil {
			sess.Send("error", map[string]string{"message": err.Error()})
			return
		}
		if msg.Cmd == "logout" {
			return
		}
		dispatch(sess, msg)
	}
}

func (sess *session) writeLoop(done chan<- struct{}) {
	defer close(done)
	for msg := range sess.out {
		if err := sess.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (sess *session) releaseGuards() {
	sess.collabGrd.Release()
	sess.mediaGrd.Release()
	sess.sessGrd.Release()
}

// validateWireMessage enforces spec §6: cmd length 1-64, every non-"drawing"
// string field at most 2048 characters.
func validateWireMessage(msg wireMessage) error {
	if len(msg.Cmd) < minCmdLen || len(msg.Cmd) > maxCmdLen {
		return fmt.Errorf("cmd must be %d-%d characters", minCmdLen, maxCmdLen)
	}
	if len(msg.Data) == 0 {
		return nil
	}
	var generic interface{}
	if err := json.Unmarshal(msg.Data, &generic); err != nil {
		return fmt.Errorf("malformed data payload")
	}
	return walkFieldLengths("", generic)
}

func walkFieldLengths(fieldName string, v interface{}) error {
	switch val := v.(type) {
	case string:
		if fieldName != "drawing" && len(val) > maxFieldLen {
			return fmt.Errorf("field %q exceeds %d characters", fieldName, maxFieldLen)
		}
	case map[string]interface{}:
		for k, sub := range val {
			if err := walkFieldLengths(k, sub); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, sub := range val {
			if err := walkFieldLengths(fieldName, sub); err != nil {
				return err
			}
		}
	}
	return nil
}
