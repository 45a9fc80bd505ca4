package httptransport

import (
	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/service"
)

// startBatch 提交批量任务，立即返回初始快照
// POST /v1/batches
//
// 进度通过 GET /v1/batches/:id/stream 订阅，或轮询 GET /v1/batches/:id。
func (h *Handler) startBatch(c *gin.Context) {
	var req service.StartBatchInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	job, err := h.batches.StartBatch(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Accepted(c, job)
}

// listBatches GET /v1/batches
func (h *Handler) listBatches(c *gin.Context) {
	jobs := h.batches.ListJobs()
	Success(c, ListResponse{Items: jobs, Count: len(jobs)})
}

// getBatch GET /v1/batches/:id
func (h *Handler) getBatch(c *gin.Context) {
	job, err := h.batches.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Success(c, job)
}

// cancelBatch 取消任务，已派发的单元在下一个等待点结束
// POST /v1/batches/:id/cancel
func (h *Handler) cancelBatch(c *gin.Context) {
	id := c.Param("id")
	if err := h.batches.CancelJob(id); err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	job, err := h.batches.GetJob(id)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	Accepted(c, job)
}
