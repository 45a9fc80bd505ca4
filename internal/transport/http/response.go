package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int    `json:"code"`           // 业务状态码
	Msg  string `json:"msg"`            // 提示信息
	Data any    `json:"data,omitempty"` // 数据载荷
}

// ListResponse 列表载荷
type ListResponse struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

// Success 成功响应（200）
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code: http.StatusOK,
		Msg:  "成功",
		Data: data,
	})
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{
		Code: http.StatusCreated,
		Msg:  "创建成功",
		Data: data,
	})
}

// Accepted 已受理的异步任务（202）
func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, Response{
		Code: http.StatusAccepted,
		Msg:  "任务已提交",
		Data: data,
	})
}

// NoContent 删除成功（204），不返回响应体
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	ErrorWithData(c, httpCode, msg, nil)
}

// ErrorWithData 错误响应并附带数据（例如验证请求快照）
func ErrorWithData(c *gin.Context, httpCode int, msg string, data any) {
	c.JSON(httpCode, Response{
		Code: httpCode,
		Msg:  msg,
		Data: data,
	})
}
