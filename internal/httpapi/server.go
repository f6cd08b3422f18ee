// Package httpapi serves the admin API, the game-server websocket endpoint,
// the reverse OneBot endpoint and the Prometheus scrape endpoint on one gin
// engine.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/binding"
	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/session"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

// AdapterStore persists chat adapter configurations.
type AdapterStore interface {
	List(ctx context.Context) ([]model.Adapter, error)
	Get(ctx context.Context, id int64) (model.Adapter, error)
	Create(ctx context.Context, name string, kind model.AdapterType, enabled bool, cfg json.RawMessage) (model.Adapter, error)
	Update(ctx context.Context, id int64, name string, cfg json.RawMessage) (model.Adapter, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) (model.Adapter, error)
	Delete(ctx context.Context, id int64) error
}

// ServerStore persists game servers and their policies.
type ServerStore interface {
	List(ctx context.Context) ([]model.Server, error)
	Get(ctx context.Context, id int64) (model.Server, error)
	Create(ctx context.Context, name, token string) (model.Server, error)
	Delete(ctx context.Context, id int64) error
	SetAdapter(ctx context.Context, id int64, adapterID *int64) error
	SetToken(ctx context.Context, id int64, token string) error
	UpdateBinding(ctx context.Context, id int64, cfg policy.BindingConfig) error
	UpdateChatSync(ctx context.Context, id int64, cfg policy.ChatSyncConfig) error
	UpdateNotify(ctx context.Context, id int64, cfg policy.NotifyConfig) error
	UpdateCommand(ctx context.Context, id int64, cfg policy.CommandConfig) error
}

// TargetStore persists the chat destinations of servers.
type TargetStore interface {
	ListByServer(ctx context.Context, serverID int64) ([]model.Target, error)
	Create(ctx context.Context, serverID int64, inputs []postgres.TargetInput) ([]model.Target, error)
	Update(ctx context.Context, serverID int64, id string, in postgres.TargetInput) (model.Target, error)
	Delete(ctx context.Context, serverID int64, ids []string) (int64, error)
}

// PlayerStore lists the players seen by a server.
type PlayerStore interface {
	ListByServer(ctx context.Context, serverID int64) ([]model.Player, error)
}

// Bots controls the running chat bots.
type Bots interface {
	AddBot(ctx context.Context, id int64, kind model.AdapterType, cfg json.RawMessage) (*chatbridge.Connection, error)
	RemoveBot(id int64) error
	UpdateConfig(ctx context.Context, id int64, cfg json.RawMessage) error
	IsOnline(id int64) bool
}

// Sessions exposes the live game-server sessions.
type Sessions interface {
	Online(serverID int64) bool
	ClientInfo(serverID int64) (session.ClientInfo, bool)
	Remove(serverID int64) error
}

// Game sends operator actions to a connected server.
type Game interface {
	ExecuteCommand(ctx context.Context, serverID int64, command string) (model.RemoteResult, error)
	Broadcast(ctx context.Context, serverID int64, message string) error
}

// Bindings lists the outstanding binding challenges.
type Bindings interface {
	Pending() []binding.Challenge
}

// Deps collects the collaborators of Server. WebSocket, OneBot and Gatherer
// are optional; their routes are only mounted when set.
type Deps struct {
	Adapters AdapterStore
	Servers  ServerStore
	Targets  TargetStore
	Players  PlayerStore
	Bots     Bots
	Sessions Sessions
	Game     Game
	Bindings Bindings

	WebSocket http.Handler
	OneBot    http.Handler
	Gatherer  prometheus.Gatherer

	// AdminToken, when non-empty, must be presented as a bearer token on /api.
	AdminToken string
	// NewToken mints server tokens. Defaults to a random UUID string.
	NewToken func() string
}

// Server is the gin front of the gateway.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a Server.
//
// Precondition: every store and service field of deps must be non-nil.
func New(deps Deps, logger *zap.Logger) *Server {
	if deps.NewToken == nil {
		deps.NewToken = newToken
	}
	return &Server{deps: deps, logger: logger}
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if s.deps.WebSocket != nil {
		r.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}
	if s.deps.OneBot != nil {
		r.Any("/onebot/*path", gin.WrapH(s.deps.OneBot))
	}
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.Use(s.requireAdmin)

	adapters := api.Group("/adapters")
	adapters.GET("", s.handleAdaptersList)
	adapters.POST("", s.handleAdapterCreate)
	adapterID := adapters.Group("/:id")
	adapterID.GET("", s.handleAdapterGet)
	adapterID.PUT("", s.handleAdapterUpdate)
	adapterID.DELETE("", s.handleAdapterDelete)
	adapterID.POST("/toggle", s.handleAdapterToggle)

	servers := api.Group("/servers")
	servers.GET("", s.handleServersList)
	servers.POST("", s.handleServerCreate)
	serverID := servers.Group("/:id")
	serverID.GET("", s.handleServerGet)
	serverID.DELETE("", s.handleServerDelete)
	serverID.POST("/token", s.handleServerRotateToken)
	serverID.PUT("/adapter", s.handleServerAdapter)
	serverID.PUT("/binding", s.handleServerBinding)
	serverID.PUT("/chat-sync", s.handleServerChatSync)
	serverID.PUT("/notify", s.handleServerNotify)
	serverID.PUT("/command", s.handleServerCommand)
	serverID.GET("/players", s.handleServerPlayers)
	serverID.POST("/execute", s.handleServerExecute)
	serverID.POST("/broadcast", s.handleServerBroadcast)

	targets := serverID.Group("/targets")
	targets.GET("", s.handleTargetsList)
	targets.POST("", s.handleTargetsCreate)
	targets.PATCH("", s.handleTargetsUpdate)
	targets.DELETE("", s.handleTargetsDelete)

	api.GET("/bindings/pending", s.handlePendingBindings)

	return r
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.deps.AdminToken == "" {
		c.Next()
		return
	}
	presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.deps.AdminToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "未授权", nil)
		return
	}
	c.Next()
}

func (s *Server) handlePendingBindings(c *gin.Context) {
	respond(c, http.StatusOK, "获取待绑定列表成功", s.deps.Bindings.Pending())
}
