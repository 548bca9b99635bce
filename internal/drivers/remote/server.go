package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

const writeTimeout = 10 * time.Second

// Server exposes a driver over websocket connections.
type Server struct {
	drv      driver.Driver
	secret   []byte
	log      *slog.Logger
	upgrader websocket.Upgrader
	sessions *xsync.MapOf[string, *session]
	closed   atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSecret requires clients to present an HS256 token signed with secret.
func WithSecret(secret []byte) ServerOption {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer returns a Server over drv.
func NewServer(drv driver.Driver, opts ...ServerOption) *Server {
	s := &Server{
		drv:      drv,
		log:      slog.Default(),
		sessions: xsync.NewMapOf[string, *session](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	return s.sessions.Size()
}

// ServeHTTP upgrades the request to a websocket session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	user := ""
	if len(s.secret) != 0 {
		var err error
		if user, err = Authenticate(r, s.secret); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errors.ToBody(err))
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	ss := &session{
		id:   uuid.NewString(),
		user: user,
		srv:  s,
		conn: conn,
		subs: xsync.NewMapOf[string, func()](),
	}
	s.sessions.Store(ss.id, ss)
	s.log.DebugContext(r.Context(), "session opened", "session", ss.id, "user", user)
	ss.serve()
	s.sessions.Delete(ss.id)
	s.log.Debug("session closed", "session", ss.id)
}

// Close disconnects every session. The driver is left open.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.sessions.Range(func(_ string, ss *session) bool {
		_ = ss.conn.Close()
		return true
	})
	return nil
}

// session is one client connection. Requests are handled in order; writes
// to the socket are serialized by mu.
type session struct {
	id   string
	user string
	srv  *Server
	conn *websocket.Conn
	subs *xsync.MapOf[string, func()]

	mu sync.Mutex
}

func (ss *session) send(m *message) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_ = ss.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ss.conn.WriteJSON(m)
}

func (ss *session) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ss.subs.Range(func(_ string, unsub func()) bool {
			unsub()
			return true
		})
		_ = ss.conn.Close()
	}()
	for {
		var req request
		if err := ss.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.srv.log.Debug("session read failed", "session", ss.id, "err", err)
			}
			return
		}
		res, err := ss.handle(ctx, &req)
		m := &message{ID: req.ID, Error: errors.ToBody(err)}
		if err == nil && res != nil {
			if m.Result, err = json.Marshal(res); err != nil {
				m.Error = errors.ToBody(err)
			}
		}
		if err := ss.send(m); err != nil {
			ss.srv.log.Debug("session write failed", "session", ss.id, "err", err)
			return
		}
	}
}

func (ss *session) handle(ctx context.Context, req *request) (any, error) {
	drv := ss.srv.drv
	switch req.Method {
	case methodGet:
		return drv.Get(ctx, req.Collection, req.Key)
	case methodFind:
		return drv.Find(ctx, req.Collection, req.Query)
	case methodFindAll:
		recs := []driver.Record{}
		for rec, err := range drv.FindAll(ctx, req.Collection, req.Query) {
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, nil
	case methodInsert:
		return drv.Insert(ctx, req.Collection, req.Record)
	case methodUpdate:
		return nil, drv.Update(ctx, req.Collection, req.Key, req.Record)
	case methodRemove:
		return nil, drv.Remove(ctx, req.Collection, req.Key)
	case methodSubscribe:
		if _, ok := ss.subs.Load(req.Collection); ok {
			return nil, nil
		}
		unsub, err := drv.Subscribe(req.Collection, func(ev driver.Event) {
			if err := ss.send(&message{Event: &ev}); err != nil {
				ss.srv.log.Debug("event push failed", "session", ss.id, "err", err)
			}
		})
		if err != nil {
			return nil, err
		}
		if _, loaded := ss.subs.LoadOrStore(req.Collection, unsub); loaded {
			unsub()
		}
		return nil, nil
	case methodUnsubscribe:
		if unsub, ok := ss.subs.LoadAndDelete(req.Collection); ok {
			unsub()
		}
		return nil, nil
	default:
		return nil, errors.Invalid("unknown method " + req.Method)
	}
}
