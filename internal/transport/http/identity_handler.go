package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/verify"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type listIdentitiesQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=active inactive archived"`
	Tag    string `form:"tag" binding:"omitempty,max=100"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

type updateIdentityRequest struct {
	Status *domain.IdentityStatus `json:"status" binding:"omitempty,oneof=active inactive archived"`
	Notes  *string                `json:"notes" binding:"omitempty,max=1000"`
	Tags   []string               `json:"tags" binding:"omitempty,max=20,dive,min=1,max=100"`
}

type verifyRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds" binding:"omitempty,min=1,max=600"`
}

type verifyAddressRequest struct {
	Address        string `json:"address" binding:"required,max=254"`
	TimeoutSeconds int    `json:"timeoutSeconds" binding:"omitempty,min=1,max=600"`
}

type verifyResponse struct {
	Address string                      `json:"address"`
	Found   bool                        `json:"found"`
	Code    string                      `json:"code,omitempty"`
	Request *domain.VerificationRequest `json:"request,omitempty"`
}

// createIdentity 生成单个身份
// POST /v1/identities
func (h *Handler) createIdentity(c *gin.Context) {
	var req service.CreateIdentityInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	identity, err := h.identities.CreateIdentity(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Created(c, identity)
}

// listIdentities 按状态和标签列出身份
// GET /v1/identities?status=&tag=&limit=&offset=
func (h *Handler) listIdentities(c *gin.Context) {
	var q listIdentitiesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultPageSize
	}

	items, err := h.identities.ListIdentities(c.Request.Context(), domain.IdentityFilter{
		Status: domain.IdentityStatus(q.Status),
		Tag:    q.Tag,
		Limit:  min(q.Limit, maxPageSize),
		Offset: q.Offset,
	})
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Success(c, ListResponse{Items: items, Count: len(items)})
}

// getIdentity GET /v1/identities/:id
func (h *Handler) getIdentity(c *gin.Context) {
	identity, err := h.identities.GetIdentity(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Success(c, identity)
}

// updateIdentity 修改状态、备注或标签
// PATCH /v1/identities/:id
func (h *Handler) updateIdentity(c *gin.Context) {
	var req updateIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	identity, err := h.identities.UpdateIdentity(c.Request.Context(), c.Param("id"), domain.IdentityUpdate{
		Status: req.Status,
		Notes:  req.Notes,
		Tags:   req.Tags,
	})
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Success(c, identity)
}

// deleteIdentity DELETE /v1/identities/:id
func (h *Handler) deleteIdentity(c *gin.Context) {
	if err := h.identities.DeleteIdentity(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	NoContent(c)
}

// verifyIdentity 为身份轮询验证码，阻塞直到拿到验证码或超时
// POST /v1/identities/:id/verify
func (h *Handler) verifyIdentity(c *gin.Context) {
	var req verifyRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.identities.VerifyIdentity(c.Request.Context(), c.Param("id"), seconds(req.TimeoutSeconds))
	address := ""
	if res != nil && res.Request != nil {
		address = res.Request.Address
	}
	h.writeVerifyResult(c, address, res, err)
}

// verifyAddress 为任意地址轮询验证码
// POST /v1/verify
func (h *Handler) verifyAddress(c *gin.Context) {
	var req verifyAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	address := domain.NormalizeAddress(req.Address)
	res, err := h.identities.VerifyAddress(c.Request.Context(), address, seconds(req.TimeoutSeconds))
	h.writeVerifyResult(c, address, res, err)
}

func (h *Handler) writeVerifyResult(c *gin.Context, address string, res *verify.Result, err error) {
	resp := verifyResponse{Address: address}
	if res != nil {
		resp.Found = res.Found()
		resp.Code = res.Code
		resp.Request = res.Request
	}
	if err != nil {
		// 失败时仍返回尝试记录，便于排查
		var data any
		if resp.Request != nil {
			data = resp
		}
		respondError(c, h.log, err, data)
		return
	}
	Success(c, resp)
}

// bindOptionalJSON 请求体为空时保留零值
func bindOptionalJSON(c *gin.Context, obj any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
