package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultBodyLimit API 请求体上限。最大的请求是 1000 个单元的批量任务，远小于此值。
const DefaultBodyLimit = 64 * 1024

// BodySizeLimit 拒绝声明长度超限的请求，未声明长度的请求体在读取时截断
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	tooLarge := gin.H{
		"code": http.StatusRequestEntityTooLarge,
		"msg":  fmt.Sprintf("request body exceeds %d bytes", maxBytes),
	}
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, tooLarge)
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
