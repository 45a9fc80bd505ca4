package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
)

// createTag 创建标签
// POST /v1/tags
func (h *Handler) createTag(c *gin.Context) {
	var req service.CreateTagInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	tag, err := h.tags.CreateTag(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Created(c, tag)
}

// listTags GET /v1/tags
func (h *Handler) listTags(c *gin.Context) {
	tags, err := h.tags.ListTags(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Success(c, ListResponse{Items: tags, Count: len(tags)})
}

// getTag 按名称获取标签
// GET /v1/tags/:name
func (h *Handler) getTag(c *gin.Context) {
	tag, err := h.tags.GetTag(c.Request.Context(), c.Param("name"))
	if err != nil {
		// 这里的标签不存在是资源本身缺失，而不是引用错误
		if errors.Is(err, domain.ErrTagNotFound) {
			NotFound(c, MsgTagNotFound)
			return
		}
		respondError(c, h.log, err, nil)
		return
	}
	Success(c, tag)
}
