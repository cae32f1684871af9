// Package organizer implements the Organizer RPC bridge of spec §4.L: a
// two-way protocol between the core server and an external plugin process,
// carrying startup handshake, migration negotiation, per-command
// authorisation queries, and Organizer-initiated store queries/UI
// operations. No example repo in the retrieval pack carries a gRPC-and-
// protobuf-generated client (generating one here would mean running protoc,
// which this exercise's "never invoke the toolchain" rule forbids), so the
// bridge is a hand-rolled, newline-independent JSON-value RPC over a single
// net.Conn (a Unix domain socket by default, TCP as a fallback) with
// request/response correlation by numeric id -- the same shape net/rpc
// gives you, reimplemented without its server-only-calls-server
// restriction since this protocol must work in both directions.
package organizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
)

// envelope is one RPC frame. A call sets Method+Params and expects a
// matching Result/Error back with the same ID; the side that didn't
// initiate a given ID treats it as an inbound call and must reply.
type envelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler answers one inbound RPC method name with a JSON-encodable result.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Config selects the transport (spec §4.L: "local-filesystem channel or
// TCP"); SocketPath wins when both are set.
type Config struct {
	SocketPath string // default "{data_dir}/grpc-srv-to-org.sock"
	TCPAddr    string
}

// Bridge is one connected Organizer session.
type Bridge struct {
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	logger *logging.Logger

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// Dial connects to an already-listening Organizer process. The core is the
// RPC client at handshake time; once connected, calls flow both ways over
// the same connection.
func Dial(ctx context.Context, cfg Config, logger *logging.Logger) (*Bridge, error) {
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, errs.Backend("connect to organizer", err)
	}
	return newBridge(conn, logger), nil
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	d := net.Dialer{}
	if cfg.SocketPath != "" {
		return d.DialContext(ctx, "unix", cfg.SocketPath)
	}
	return d.DialContext(ctx, "tcp", cfg.TCPAddr)
}

// Listen opens the transport cfg describes and returns the first connected
// Bridge; used when the core itself accepts an Organizer-initiated
// connection rather than dialing out.
func Listen(ctx context.Context, cfg Config, logger *logging.Logger) (*Bridge, error) {
	var l net.Listener
	var err error
	if cfg.SocketPath != "" {
		os.Remove(cfg.SocketPath)
		l, err = net.Listen("unix", cfg.SocketPath)
	} else {
		l, err = net.Listen("tcp", cfg.TCPAddr)
	}
	if err != nil {
		return nil, errs.Backend("listen for organizer", err)
	}
	defer l.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := l.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errs.Backend("accept organizer connection", r.err)
		}
		return newBridge(r.conn, logger), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newBridge(conn net.Conn, logger *logging.Logger) *Bridge {
	b := &Bridge{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		dec:      json.NewDecoder(conn),
		logger:   logger.WithComponent("organizer"),
		pending:  make(map[uint64]chan envelope),
		handlers: make(map[string]Handler),
	}
	go b.readLoop()
	return b
}

// Handle registers the handler for an inbound method name -- used to serve
// §4.G's query surface plus db_upsert/db_delete and the session-read op
// when the Organizer calls back into the core.
func (b *Bridge) Handle(method string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[method] = h
}

func (b *Bridge) Close() error { return b.conn.Close() }

func (b *Bridge) readLoop() {
	for {
		var env envelope
		if err := b.dec.Decode(&env); err != nil {
			b.failAllPending(err)
			return
		}
		if env.Method != "" {
			go b.serveInbound(env)
			continue
		}
		b.pendingMu.Lock()
		ch, ok := b.pending[env.ID]
		if ok {
			delete(b.pending, env.ID)
		}
		b.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (b *Bridge) serveInbound(req envelope) {
	b.handlersMu.RLock()
	h, ok := b.handlers[req.Method]
	b.handlersMu.RUnlock()

	resp := envelope{ID: req.ID}
	if !ok {
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	} else {
		result, err := h(context.Background(), req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else {
			raw, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				resp.Error = marshalErr.Error()
			} else {
				resp.Result = raw
			}
		}
	}
	b.send(resp)
}

func (b *Bridge) send(env envelope) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.enc.Encode(env); err != nil {
		b.logger.Errorf("organizer write failed: %v", err)
	}
}

func (b *Bridge) failAllPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		ch <- envelope{ID: id, Error: err.Error()}
		delete(b.pending, id)
	}
}

// Call issues an outbound RPC and blocks for its response or ctx's
// cancellation.
func (b *Bridge) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return errs.Backend("marshal organizer call params", err)
	}

	b.pendingMu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan envelope, 1)
	b.pending[id] = ch
	b.pendingMu.Unlock()

	b.send(envelope{ID: id, Method: method, Params: raw})

	select {
	case env := <-ch:
		if env.Error != "" {
			return errs.New(errs.BackendError, env.Error)
		}
		if result != nil && len(env.Result) > 0 {
			return json.Unmarshal(env.Result, result)
		}
		return nil
	case <-ctx.Done():
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return ctx.Err()
	}
}

// HandshakeRequest is the outbound payload of spec §4.L's startup handshake.
type HandshakeRequest struct {
	CoreVersion      string `json:"core_version"`
	DataDir          string `json:"data_dir"`
	StorageDesc      string `json:"storage_desc"`
	DatabaseEndpoint string `json:"database_endpoint"`
	ReverseEndpoint  string `json:"reverse_endpoint"`
}

type HandshakeResponse struct {
	OK       bool     `json:"ok"`
	Features []string `json:"features"`
}

// Handshake retries up to five times with a 500ms back-off, per spec §4.L.
func Handshake(ctx context.Context, b *Bridge, req HandshakeRequest) (*HandshakeResponse, error) {
	var resp HandshakeResponse
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := b.Call(ctx, "handshake", req, &resp); err == nil {
			return &resp, nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errs.Backend("organizer handshake failed after 5 attempts", lastErr)
}

// MigrationCheckResponse models the three shapes spec §4.L allows:
// "not implemented", "no pending", or a concrete migration list.
type MigrationCheckResponse struct {
	NotImplemented bool            `json:"not_implemented"`
	Pending        []MigrationSpec `json:"pending,omitempty"`
}

type MigrationSpec struct {
	UUID         string             `json:"uuid"`
	Version      string             `json:"version"`
	Description  string             `json:"description"`
	Dependencies []MigrationDepSpec `json:"dependencies"`
}

type MigrationDepSpec struct {
	Module string  `json:"module"`
	MinVer *string `json:"min_ver,omitempty"`
	MaxVer *string `json:"max_ver,omitempty"`
}

func CheckMigrations(ctx context.Context, b *Bridge, coreDBVersion string) (*MigrationCheckResponse, error) {
	var resp MigrationCheckResponse
	if err := b.Call(ctx, "check_migrations", map[string]string{"core_db_version": coreDBVersion}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func ApplyMigration(ctx context.Context, b *Bridge, uuid string) error {
	return b.Call(ctx, "apply_migration", map[string]string{"uuid": uuid}, nil)
}

func AfterMigrations(ctx context.Context, b *Bridge) error {
	return b.Call(ctx, "after_migrations", nil, nil)
}

// AuthzRequest is the per-command authorisation query of spec §4.J/§4.L.
type AuthzRequest struct {
	Command   string `json:"command"`
	UserId    string `json:"user_id"`
	MediaId   string `json:"media_id,omitempty"`
	CommentId *int64 `json:"comment_id,omitempty"`
}

// AuthzResponse's Deferred flag tells the caller to fall back to the
// dispatcher's own default decision (spec §4.J: "a domain-appropriate
// default used only when the Organizer has not been configured or
// explicitly defers").
type AuthzResponse struct {
	Allow     bool `json:"allow"`
	Deferred  bool `json:"deferred"`
	MsgOnDeny bool `json:"msg_on_deny"`
}

func Authorize(ctx context.Context, b *Bridge, req AuthzRequest) (*AuthzResponse, error) {
	var resp AuthzResponse
	if err := b.Call(ctx, "authorize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
