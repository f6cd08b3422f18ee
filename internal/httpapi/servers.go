package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/jsonrpc"
	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/session"
)

func newToken() string {
	return uuid.NewString()
}

type serverView struct {
	ID                int64                 `json:"id"`
	Name              string                `json:"name"`
	Token             string                `json:"token"`
	MinecraftVersion  *string               `json:"minecraft_version"`
	MinecraftSoftware *string               `json:"minecraft_software"`
	AdapterID         *int64                `json:"adapterId"`
	Binding           policy.BindingConfig  `json:"bindingConfig"`
	ChatSync          policy.ChatSyncConfig `json:"chatSyncConfig"`
	Command           policy.CommandConfig  `json:"commandConfig"`
	Notify            policy.NotifyConfig   `json:"notifyConfig"`
	Targets           []targetView          `json:"targets,omitempty"`
	IsOnline          bool                  `json:"isOnline"`
	SupportsPAPI      *bool                 `json:"supports_papi"`
	SupportsCommand   *bool                 `json:"supports_command"`
	PlayerCount       *int                  `json:"player_count"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

func (s *Server) serverView(srv model.Server) serverView {
	v := serverView{
		ID:                srv.ID,
		Name:              srv.Name,
		Token:             srv.Token,
		MinecraftVersion:  srv.MinecraftVersion,
		MinecraftSoftware: srv.MinecraftSoftware,
		AdapterID:         srv.AdapterID,
		Binding:           srv.Binding,
		ChatSync:          srv.ChatSync,
		Command:           srv.Command,
		Notify:            srv.Notify,
		IsOnline:          s.deps.Sessions.Online(srv.ID),
		CreatedAt:         srv.CreatedAt,
		UpdatedAt:         srv.UpdatedAt,
	}
	for _, t := range srv.Targets {
		v.Targets = append(v.Targets, toTargetView(t))
	}
	if info, ok := s.deps.Sessions.ClientInfo(srv.ID); ok {
		v.SupportsPAPI = &info.SupportsPAPI
		v.SupportsCommand = &info.SupportsCommand
		v.PlayerCount = &info.PlayerCount
	}
	return v
}

func (s *Server) handleServersList(c *gin.Context) {
	servers, err := s.deps.Servers.List(c.Request.Context())
	if err != nil {
		s.storeError(c, "获取服务器列表失败", err)
		return
	}
	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		views = append(views, s.serverView(srv))
	}
	respond(c, http.StatusOK, "获取服务器列表成功", views)
}

func (s *Server) handleServerGet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	srv, err := s.deps.Servers.Get(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, "获取服务器失败", err)
		return
	}
	respond(c, http.StatusOK, "获取服务器成功", s.serverView(srv))
}

type createServerRequest struct {
	Name  string `json:"servername" binding:"required"`
	Token string `json:"token"`
}

func (s *Server) handleServerCreate(c *gin.Context) {
	var req createServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "添加服务器失败", err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondError(c, http.StatusBadRequest, "添加服务器失败：名称不能为空", nil)
		return
	}
	token := req.Token
	if token == "" {
		token = s.deps.NewToken()
	}
	srv, err := s.deps.Servers.Create(c.Request.Context(), name, token)
	if err != nil {
		s.storeError(c, "添加服务器失败", err)
		return
	}
	respond(c, http.StatusCreated, "添加服务器成功", s.serverView(srv))
}

func (s *Server) handleServerDelete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.deps.Servers.Delete(c.Request.Context(), id); err != nil {
		s.storeError(c, "删除服务器失败", err)
		return
	}
	s.disconnect(id)
	respond(c, http.StatusOK, "删除服务器成功", gin.H{"id": id})
}

// handleServerRotateToken replaces the token of a server. The live session,
// authenticated with the old token, is closed.
func (s *Server) handleServerRotateToken(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	token := s.deps.NewToken()
	if err := s.deps.Servers.SetToken(c.Request.Context(), id, token); err != nil {
		s.storeError(c, "重置令牌失败", err)
		return
	}
	s.disconnect(id)
	respond(c, http.StatusOK, "重置令牌成功", gin.H{"id": id, "token": token})
}

func (s *Server) disconnect(serverID int64) {
	if err := s.deps.Sessions.Remove(serverID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("closing server session", zap.Int64("server_id", serverID), zap.Error(err))
	}
}

type adapterAssignment struct {
	AdapterID *int64 `json:"adapterId"`
}

func (s *Server) handleServerAdapter(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req adapterAssignment
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	ctx := c.Request.Context()
	if req.AdapterID != nil {
		if _, err := s.deps.Adapters.Get(ctx, *req.AdapterID); err != nil {
			s.storeError(c, "更新服务器对应适配器失败", err)
			return
		}
	}
	if err := s.deps.Servers.SetAdapter(ctx, id, req.AdapterID); err != nil {
		s.storeError(c, "更新服务器对应适配器失败", err)
		return
	}
	respond(c, http.StatusOK, "更新服务器对应适配器成功", nil)
}

func (s *Server) handleServerBinding(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cfg := policy.DefaultBindingConfig()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := s.deps.Servers.UpdateBinding(c.Request.Context(), id, cfg); err != nil {
		s.storeError(c, "更新服务器绑定配置失败", err)
		return
	}
	respond(c, http.StatusOK, "更新服务器绑定配置成功", cfg)
}

func (s *Server) handleServerChatSync(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cfg := policy.DefaultChatSyncConfig()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := s.deps.Servers.UpdateChatSync(c.Request.Context(), id, cfg); err != nil {
		s.storeError(c, "更新消息同步配置失败", err)
		return
	}
	respond(c, http.StatusOK, "更新消息同步配置成功", cfg)
}

func (s *Server) handleServerNotify(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cfg := policy.DefaultNotifyConfig()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := s.deps.Servers.UpdateNotify(c.Request.Context(), id, cfg); err != nil {
		s.storeError(c, "更新通知配置失败", err)
		return
	}
	respond(c, http.StatusOK, "更新通知配置成功", cfg)
}

func (s *Server) handleServerCommand(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var cfg policy.CommandConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := s.deps.Servers.UpdateCommand(c.Request.Context(), id, cfg); err != nil {
		s.storeError(c, "更新命令配置失败", err)
		return
	}
	respond(c, http.StatusOK, "更新命令配置成功", cfg)
}

type playerView struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	IP        *string   `json:"ip"`
	Bound     bool      `json:"bound"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) handleServerPlayers(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	players, err := s.deps.Players.ListByServer(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, "获取玩家列表失败", err)
		return
	}
	views := make([]playerView, 0, len(players))
	for _, p := range players {
		views = append(views, playerView{
			ID: p.ID, UUID: p.UUID, Name: p.Name, IP: p.IP, Bound: p.Bound(), UpdatedAt: p.UpdatedAt,
		})
	}
	respond(c, http.StatusOK, "获取玩家列表成功", views)
}

type executeRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleServerExecute(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	result, err := s.deps.Game.ExecuteCommand(c.Request.Context(), id, req.Command)
	if err != nil {
		s.gameError(c, "执行命令失败", id, err)
		return
	}
	respond(c, http.StatusOK, "执行命令成功", result)
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) handleServerBroadcast(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "参数错误", err)
		return
	}
	if err := s.deps.Game.Broadcast(c.Request.Context(), id, req.Message); err != nil {
		s.gameError(c, "广播消息失败", id, err)
		return
	}
	respond(c, http.StatusOK, "广播消息成功", nil)
}

func (s *Server) gameError(c *gin.Context, message string, serverID int64, err error) {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(c, http.StatusConflict, message+"：服务器不在线", err)
	case errors.Is(err, jsonrpc.ErrTimeout):
		respondError(c, http.StatusGatewayTimeout, message+"：请求超时", err)
	case errors.As(err, &rpcErr), errors.Is(err, jsonrpc.ErrConnectionClosed):
		respondError(c, http.StatusBadGateway, message, err)
	default:
		s.logger.Error(message, zap.Int64("server_id", serverID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, message, nil)
	}
}
