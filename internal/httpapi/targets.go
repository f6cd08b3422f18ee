package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

type targetView struct {
	ID        string              `json:"id"`
	ServerID  int64               `json:"serverId"`
	TargetID  string              `json:"targetId"`
	Type      model.TargetType    `json:"type"`
	Enabled   bool                `json:"enabled"`
	Config    policy.TargetConfig `json:"config"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func toTargetView(t model.Target) targetView {
	return targetView{
		ID:        t.ID,
		ServerID:  t.ServerID,
		TargetID:  t.TargetID,
		Type:      t.Type,
		Enabled:   t.Enabled,
		Config:    t.Config,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func toTargetViews(ts []model.Target) []targetView {
	views := make([]targetView, 0, len(ts))
	for _, t := range ts {
		views = append(views, toTargetView(t))
	}
	return views
}

type targetInput struct {
	TargetID string               `json:"targetId" binding:"required"`
	Type     model.TargetType     `json:"type" binding:"required"`
	Enabled  *bool                `json:"enabled"`
	Config   *policy.TargetConfig `json:"config"`
}

var errTargetType = errors.New("type must be group or private")

// toInput applies defaults: enabled and the default target policy.
func (in targetInput) toInput() (postgres.TargetInput, error) {
	if !in.Type.Valid() {
		return postgres.TargetInput{}, errTargetType
	}
	out := postgres.TargetInput{
		TargetID: in.TargetID,
		Type:     in.Type,
		Enabled:  in.Enabled == nil || *in.Enabled,
		Config:   policy.DefaultTargetConfig(),
	}
	if in.Config != nil {
		out.Config = *in.Config
	}
	return out, nil
}

func (s *Server) handleTargetsList(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	targets, err := s.deps.Targets.ListByServer(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, "获取目标列表失败", err)
		return
	}
	respond(c, http.StatusOK, "获取目标列表成功", toTargetViews(targets))
}

func (s *Server) handleTargetsCreate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req []targetInput
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		respondError(c, http.StatusBadRequest, "请求体格式不正确", err)
		return
	}
	inputs := make([]postgres.TargetInput, 0, len(req))
	for _, r := range req {
		in, err := r.toInput()
		if err != nil {
			respondError(c, http.StatusBadRequest, "请求体格式不正确", err)
			return
		}
		inputs = append(inputs, in)
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Servers.Get(ctx, id); err != nil {
		s.storeError(c, "服务器不存在", err)
		return
	}
	created, err := s.deps.Targets.Create(ctx, id, inputs)
	if err != nil {
		s.storeError(c, "批量创建目标失败", err)
		return
	}
	respond(c, http.StatusCreated, "批量创建目标成功", toTargetViews(created))
}

type targetUpdate struct {
	ID   string      `json:"id" binding:"required"`
	Data targetInput `json:"data"`
}

type targetsUpdateRequest struct {
	Items []targetUpdate `json:"items" binding:"required"`
}

// handleTargetsUpdate applies each item independently. Items that do not
// match a target of the server are skipped; none matching is a 404.
func (s *Server) handleTargetsUpdate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req targetsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "请求体格式不正确", err)
		return
	}

	ctx := c.Request.Context()
	updated := make([]model.Target, 0, len(req.Items))
	for _, item := range req.Items {
		in, err := item.Data.toInput()
		if err != nil {
			respondError(c, http.StatusBadRequest, "请求体格式不正确", err)
			return
		}
		t, err := s.deps.Targets.Update(ctx, id, item.ID, in)
		if errors.Is(err, postgres.ErrTargetNotFound) {
			continue
		}
		if err != nil {
			s.storeError(c, "批量更新失败", err)
			return
		}
		updated = append(updated, t)
	}
	if len(updated) == 0 {
		respondError(c, http.StatusNotFound, "未匹配到任何目标", postgres.ErrTargetNotFound)
		return
	}
	respond(c, http.StatusOK, "批量更新成功", toTargetViews(updated))
}

type targetsDeleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (s *Server) handleTargetsDelete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req targetsDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		respondError(c, http.StatusBadRequest, "请求体格式不正确", err)
		return
	}
	n, err := s.deps.Targets.Delete(c.Request.Context(), id, req.IDs)
	if err != nil {
		s.storeError(c, "批量删除目标失败", err)
		return
	}
	if n == 0 {
		respondError(c, http.StatusNotFound, "未匹配到任何目标", postgres.ErrTargetNotFound)
		return
	}
	respond(c, http.StatusOK, "批量删除目标成功", gin.H{"deleted": n})
}
