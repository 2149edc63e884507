package websocket

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
)

// ServerConfig holds socket upgrade configuration.
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	// MaxConnections caps this node's total sockets.
	MaxConnections int
	// MaxPerUser caps sockets per authenticated user.
	MaxPerUser int
	// DisableAuth connects tokenless sockets as the dev org instead of
	// anonymously. Only honored outside production by config validation.
	DisableAuth bool
}

// DefaultServerConfig returns the defaults used when nil config is passed.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The socket endpoint sits behind the API's CORS policy; the
		// bearer token is the actual gate.
		CheckOrigin:    func(r *http.Request) bool { return true },
		MaxConnections: 10000,
		MaxPerUser:     10,
	}
}

// Server upgrades HTTP requests into hub connections. It is mounted on
// the API router rather than owning its own listener.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	resolver *auth.Resolver
	logger   *zap.Logger

	maxConnections int
	maxPerUser     int
	disableAuth    bool
}

// NewServer wires the upgrade handler. resolver may be nil only when
// authentication is disabled.
func NewServer(hub *Hub, resolver *auth.Resolver, cfg *ServerConfig, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		resolver:       resolver,
		logger:         logger,
		maxConnections: cfg.MaxConnections,
		maxPerUser:     cfg.MaxPerUser,
		disableAuth:    cfg.DisableAuth,
	}
}

// HandleSocket upgrades the request and attaches the connection to the
// hub. Tokenless requests connect anonymously and receive only global
// events; a token that is present but invalid is rejected.
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("socket authentication failed",
			zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var orgID, userID string
	if ac != nil {
		orgID, userID = ac.OrgID, ac.UserID
	}

	if s.hub.TotalConnections() >= s.maxConnections {
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	if userID != "" && s.hub.UserConnectionCount(orgID, userID) >= s.maxPerUser {
		s.logger.Warn("per-user socket limit exceeded",
			zap.String("user_id", userID), zap.String("org_id", orgID))
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection",
			zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := NewClient(orgID, userID, s.hub, conn, s.logger)
	client.Start()

	s.logger.Info("socket connected",
		zap.String("connection_id", client.id),
		zap.String("org_id", orgID),
		zap.Bool("authenticated", userID != ""),
	)
}

func (s *Server) authenticate(r *http.Request) (*auth.Context, error) {
	token := bearerToken(r)
	if token == "" {
		if s.disableAuth {
			return auth.DevContext(auth.DevOrgID), nil
		}
		return nil, nil
	}
	if s.resolver == nil {
		return nil, nil
	}
	return s.resolver.Resolve(r.Context(), token)
}

// bearerToken pulls the credential from the query string, the
// Authorization header, or the auth cookie, in that order. Browser
// WebSocket dials cannot set headers, hence the query path.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}
