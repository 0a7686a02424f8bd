package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/event"
	"github.com/workroom-io/workroom/ratelimit"
	"github.com/workroom-io/workroom/registry"
	"github.com/workroom-io/workroom/syncer"
)

// clientTypes are the event types a client may publish. Presence and
// job lifecycle events are server-originated only.
var clientTypes = map[event.Type]struct{}{
	event.TypeFileChange:   {},
	event.TypeCursorUpdate: {},
	event.TypeMessage:      {},
}

// Server upgrades HTTP requests to workspace WebSocket sessions. Mount
// it at GET /ws/workspaces/{workspace_id}.
type Server struct {
	registry *registry.Registry
	syncer   *syncer.Synchronizer
	auth     Authenticator
	limiter  ratelimit.Limiter
	codec    Codec
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAuth sets the authenticator. Defaults to NoopAuthenticator.
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec. Clients override it with the
// format query parameter.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.codec = codec }
}

// WithMessageLimiter sets the per-connection inbound message limiter.
func WithMessageLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a WebSocket server over the given registry and
// synchronizer.
func NewServer(reg *registry.Registry, sync *syncer.Synchronizer, opts ...Option) *Server {
	cfg := workroom.DefaultConfig()
	s := &Server{
		registry: reg,
		syncer:   sync,
		codec:    &JSONCodec{},
		logger:   slog.Default(),
		limiter:  ratelimit.NewMemory(cfg.MessageLimit, cfg.MessageWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// ServeHTTP authenticates the request, upgrades it, and runs the
// session until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	if workspaceID == "" {
		workspaceID = r.URL.Query().Get("workspace")
	}
	if workspaceID == "" {
		http.Error(w, "workspace required", http.StatusBadRequest)
		return
	}

	// Token comes as a query parameter: browsers cannot set headers on
	// WebSocket handshakes.
	identity, err := s.auth.Authenticate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !identity.AllowsWorkspace(workspaceID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	codec := s.codec
	if format := r.URL.Query().Get("format"); format != "" {
		codec = GetCodec(format)
	}

	netConn, _, _, err := gws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	s.serve(netConn, workspaceID, identity, codec)
}

func (s *Server) serve(netConn net.Conn, workspaceID string, identity *Identity, codec Codec) {
	defer netConn.Close() //nolint:errcheck // best-effort close on the way out

	sess := &session{netConn: netConn, codec: codec}

	conn, err := s.registry.Register(workspaceID, identity.UserID, nil)
	if err != nil {
		code := ErrCodeBadRequest
		if errors.Is(err, workroom.ErrDuplicateIdentity) {
			code = ErrCodeForbidden
		}
		_ = sess.write(NewErrorFrame(code, err.Error())) //nolint:errcheck // reply to a failing socket is best effort
		return
	}
	sess.conn = conn

	ctx := context.Background()
	if err := s.syncer.Attach(ctx, conn); err != nil {
		s.logger.Warn("attach failed",
			"workspace_id", workspaceID,
			"error", err.Error(),
		)
		s.registry.Unregister(conn)
		return
	}

	s.logger.Info("websocket connected",
		"conn_id", conn.ID.String(),
		"workspace_id", workspaceID,
		"user_id", identity.UserID,
		"codec", codec.Name(),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pushLoop(sess)
	}()

	s.readLoop(ctx, sess)

	// Unregister first so the leave broadcast is not reflected back;
	// closing the outbox also ends the push loop.
	s.registry.Unregister(conn)
	s.syncer.Detach(ctx, conn)
	wg.Wait()

	s.logger.Info("websocket disconnected",
		"conn_id", conn.ID.String(),
		"workspace_id", workspaceID,
	)
}

// pushLoop drains the connection outbox onto the wire.
func (s *Server) pushLoop(sess *session) {
	for evt := range sess.conn.Events() {
		if err := sess.write(NewEventFrame(evt)); err != nil {
			return // connection gone; readLoop notices as well
		}
	}
}

// readLoop consumes client frames until the connection drops.
func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		data, op, err := wsutil.ReadClientData(sess.netConn)
		if err != nil {
			return
		}
		if op != gws.OpText && op != gws.OpBinary {
			continue
		}
		sess.conn.Touch()

		frame, decErr := sess.codec.Decode(data)
		if decErr != nil {
			_ = sess.write(NewErrorFrame(ErrCodeBadRequest, "malformed frame")) //nolint:errcheck // next read observes the dead socket
			continue
		}

		s.handleFrame(ctx, sess, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *session, frame *Frame) {
	typ := event.Type(frame.Type)
	if _, ok := clientTypes[typ]; !ok {
		_ = sess.write(NewErrorFrame(ErrCodeBadRequest, "unsupported frame type: "+frame.Type)) //nolint:errcheck // next read observes the dead socket
		return
	}
	if frame.WorkspaceID != "" && frame.WorkspaceID != sess.conn.WorkspaceID {
		_ = sess.write(NewErrorFrame(ErrCodeForbidden, "frame addressed to another workspace")) //nolint:errcheck // next read observes the dead socket
		return
	}

	decision, err := s.limiter.Admit(ctx, "conn:"+sess.conn.ID.String())
	if err != nil {
		// Limiter backend trouble is logged by the limiter itself; the
		// frame proceeds (fail-open).
		decision.Allowed = true
	}
	if !decision.Allowed {
		_ = sess.write(NewThrottledFrame(decision.RetryAfter)) //nolint:errcheck // next read observes the dead socket
		return
	}

	if err := s.syncer.Broadcast(ctx, sess.conn, &event.Event{
		Type:        typ,
		WorkspaceID: sess.conn.WorkspaceID,
		Payload:     frame.Payload,
	}); err != nil {
		s.logger.Warn("broadcast failed",
			"conn_id", sess.conn.ID.String(),
			"error", err.Error(),
		)
	}
}

// session holds one upgraded connection's wire state. The write mutex
// serializes the push loop and the read loop's error replies.
type session struct {
	netConn net.Conn
	conn    *registry.Conn
	codec   Codec

	writeMu sync.Mutex
}

func (s *session) write(frame *Frame) error {
	data, err := s.codec.Encode(frame)
	if err != nil {
		return err
	}
	op := gws.OpText
	if s.codec.Name() == CodecNameMsgpack {
		op = gws.OpBinary
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.netConn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // deadline set is advisory
	return wsutil.WriteServerMessage(s.netConn, op, data)
}
