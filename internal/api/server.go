// Package api implements the HTTP/WS surface of spec §6: liveness probes,
// the multipart upload endpoint, static media serving, and the WebSocket
// command dispatcher of §4.J. Grounded on the teacher's noisefs-webui
// server (gorilla/mux router setup, gorilla/websocket upgrader and
// per-connection outbound channel), generalized from its ad-hoc file/
// announcement routes to the wire protocol spec §6 and §4.J describe.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/clapshot/clapshot-server/internal/hub"
	"github.com/clapshot/clapshot-server/internal/logging"
	"github.com/clapshot/clapshot-server/internal/notify"
	"github.com/clapshot/clapshot-server/internal/organizer"
	"github.com/clapshot/clapshot-server/internal/pipeline"
	"github.com/clapshot/clapshot-server/internal/store"
	"github.com/clapshot/clapshot-server/internal/upload"
)

// Config wires every component the API layer drives.
type Config struct {
	UrlBase   string
	DataDir   string
	VideosDir string

	Store      *store.Store
	Hub        *hub.Hub
	Notify     *notify.Relay
	Organizer  *organizer.Bridge // nil when no Organizer is configured
	Submit     func(pipeline.Submission)
	Logger     *logging.Logger
}

// Server holds the assembled router; callers pass it straight to
// http.Server.Handler.
type Server struct {
	cfg    Config
	router *mux.Router
	logger *logging.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.routes()
	s.registerOrganizerHandlers()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/hello", handleHello).Methods(http.MethodGet)
	s.router.HandleFunc("/api/health", handleHello).Methods(http.MethodGet)

	intake := &upload.Intake{
		UploadDir: s.cfg.DataDir + "/upload",
		Logger:    s.logger,
		OnUploaded: func(path, filename, userId string) {
			if s.cfg.Submit != nil {
				s.cfg.Submit(pipeline.Submission{SrcPath: path, OrigFilename: filename, UserId: userId})
			}
		},
	}
	s.router.Handle("/api/upload", intake).Methods(http.MethodPost)

	s.router.PathPrefix("/videos/").Handler(
		http.StripPrefix("/videos/", http.FileServer(http.Dir(s.cfg.VideosDir))))

	s.router.HandleFunc("/api/ws", s.handleWebSocket)
}

func handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// remoteUser resolves spec §6's reverse-proxy header convention: case-
// insensitive X-Remote-User-* with an HTTP_X_REMOTE_* fallback, defaulting
// to "anonymous"/"" when absent.
func remoteUser(r *http.Request) (userId, userName string) {
	userId = firstHeader(r, "X-Remote-User-Id", "Http-X-Remote-User-Id")
	if userId == "" {
		userId = "anonymous"
	}
	userName = firstHeader(r, "X-Remote-User-Name", "Http-X-Remote-User-Name")
	return userId, userName
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userId, userName := remoteUser(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	sess := newSession(conn, userId, userName, s)
	sess.run()
}

// shutdownPollInterval is a 100ms shutdown polling period. Nothing reads it:
// cmd/clapshot-server shuts the HTTP server down through http.Server.Shutdown.
const shutdownPollInterval = 100 * time.Millisecond
