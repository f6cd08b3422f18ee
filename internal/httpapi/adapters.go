package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CrashVibe/FGateNexus/internal/chatbridge"
	"github.com/CrashVibe/FGateNexus/internal/model"
)

type adapterView struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Type      model.AdapterType `json:"type"`
	Enabled   bool              `json:"enabled"`
	Config    json.RawMessage   `json:"config"`
	IsOnline  bool              `json:"isOnline"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func (s *Server) adapterView(a model.Adapter) adapterView {
	return adapterView{
		ID:        a.ID,
		Name:      a.Name,
		Type:      a.Type,
		Enabled:   a.Enabled,
		Config:    a.Config,
		IsOnline:  s.deps.Bots.IsOnline(a.ID),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

type adapterRequest struct {
	Name    string            `json:"name"`
	Type    model.AdapterType `json:"type"`
	Enabled *bool             `json:"enabled"`
	Config  json.RawMessage   `json:"config" binding:"required"`
}

var errConfigObject = errors.New("config must be a JSON object")

func validAdapterConfig(raw json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return errConfigObject
	}
	return nil
}

func (s *Server) handleAdaptersList(c *gin.Context) {
	adapters, err := s.deps.Adapters.List(c.Request.Context())
	if err != nil {
		s.storeError(c, "获取适配器列表失败", err)
		return
	}
	views := make([]adapterView, 0, len(adapters))
	for _, a := range adapters {
		views = append(views, s.adapterView(a))
	}
	respond(c, http.StatusOK, "获取适配器列表成功", views)
}

func (s *Server) handleAdapterGet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := s.deps.Adapters.Get(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, "获取适配器失败", err)
		return
	}
	respond(c, http.StatusOK, "获取适配器成功", s.adapterView(a))
}

func (s *Server) handleAdapterCreate(c *gin.Context) {
	var req adapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "添加适配器失败：配置无效", err)
		return
	}
	if !req.Type.Supported() {
		respondError(c, http.StatusBadRequest, "添加适配器失败：不支持的适配器类型", fmt.Errorf("type %q", req.Type))
		return
	}
	if err := validAdapterConfig(req.Config); err != nil {
		respondError(c, http.StatusBadRequest, "添加适配器失败：配置无效", err)
		return
	}
	enabled := req.Enabled == nil || *req.Enabled

	ctx := c.Request.Context()
	a, err := s.deps.Adapters.Create(ctx, req.Name, req.Type, enabled, req.Config)
	if err != nil {
		s.storeError(c, "添加适配器失败", err)
		return
	}
	if enabled {
		if _, err := s.deps.Bots.AddBot(ctx, a.ID, a.Type, a.Config); err != nil {
			if delErr := s.deps.Adapters.Delete(ctx, a.ID); delErr != nil {
				s.logger.Error("rolling back adapter", zap.Int64("adapter_id", a.ID), zap.Error(delErr))
			}
			respondError(c, http.StatusBadRequest, "添加适配器失败：启动失败", err)
			return
		}
	}
	respond(c, http.StatusCreated, "添加适配器成功", s.adapterView(a))
}

func (s *Server) handleAdapterUpdate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req adapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "更新适配器失败：配置无效", err)
		return
	}
	if err := validAdapterConfig(req.Config); err != nil {
		respondError(c, http.StatusBadRequest, "更新适配器失败：配置无效", err)
		return
	}

	ctx := c.Request.Context()
	a, err := s.deps.Adapters.Update(ctx, id, req.Name, req.Config)
	if err != nil {
		s.storeError(c, "更新适配器失败", err)
		return
	}
	if a.Enabled {
		err := s.deps.Bots.UpdateConfig(ctx, id, a.Config)
		if err != nil && !errors.Is(err, chatbridge.ErrNotFound) {
			s.logger.Warn("applying adapter config", zap.Int64("adapter_id", id), zap.Error(err))
			respondError(c, http.StatusBadRequest, "更新适配器失败：配置未生效", err)
			return
		}
	}
	respond(c, http.StatusOK, "更新适配器成功", s.adapterView(a))
}

func (s *Server) handleAdapterDelete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.deps.Adapters.Delete(c.Request.Context(), id); err != nil {
		s.storeError(c, "删除适配器失败", err)
		return
	}
	if err := s.deps.Bots.RemoveBot(id); err != nil && !errors.Is(err, chatbridge.ErrNotFound) {
		s.logger.Warn("removing bot", zap.Int64("adapter_id", id), zap.Error(err))
	}
	respond(c, http.StatusOK, "删除适配器成功", gin.H{"id": id})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleAdapterToggle(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "开关适配器失败：配置无效", err)
		return
	}

	ctx := c.Request.Context()
	a, err := s.deps.Adapters.SetEnabled(ctx, id, *req.Enabled)
	if err != nil {
		s.storeError(c, "开关适配器失败", err)
		return
	}
	if a.Enabled {
		_, err := s.deps.Bots.AddBot(ctx, a.ID, a.Type, a.Config)
		if err != nil && !errors.Is(err, chatbridge.ErrConflict) {
			if _, rollbackErr := s.deps.Adapters.SetEnabled(ctx, id, false); rollbackErr != nil {
				s.logger.Error("rolling back adapter toggle", zap.Int64("adapter_id", id), zap.Error(rollbackErr))
			}
			respondError(c, http.StatusBadRequest, "开关适配器失败：启动失败", err)
			return
		}
	} else if err := s.deps.Bots.RemoveBot(id); err != nil && !errors.Is(err, chatbridge.ErrNotFound) {
		s.logger.Warn("removing bot", zap.Int64("adapter_id", id), zap.Error(err))
	}
	respond(c, http.StatusOK, "开关适配器成功", s.adapterView(a))
}
