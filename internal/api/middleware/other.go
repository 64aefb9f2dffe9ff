package middleware

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jobs/opsmonitor/internal/domain/errs"
	"go.uber.org/zap"
)

// ErrBadRequest marks errors caused by invalid client input.
var ErrBadRequest = errors.New("bad request")

// BadRequest marks err so the error middleware answers 400.
func BadRequest(err error) error {
	return errors.Mark(err, ErrBadRequest)
}

// ErrorResponse 统一错误响应格式
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorHandlingMiddleware 统一错误处理中间件
// 捕获 panic, 并把 context 上最后一个错误转换为状态码和 ErrorResponse
func ErrorHandlingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method))

				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Code:    "INTERNAL_ERROR",
					Message: "An internal error occurred",
				})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		// 处理错误
		err := c.Errors.Last().Err
		status, resp := classify(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request error",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method))
		} else {
			logger.Debug("request rejected",
				zap.Error(err),
				zap.Int("status", status),
				zap.String("path", c.Request.URL.Path))
		}
		c.JSON(status, resp)
	}
}

// classify 根据错误类型返回适当的响应
func classify(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: err.Error()}
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "Job execution not found"}
	case errors.Is(err, errs.ErrAlreadyFinalized):
		return http.StatusConflict, ErrorResponse{Code: "ALREADY_FINALIZED", Message: "Job execution already finished"}
	case errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Code: "INVALID_TRANSITION", Message: "Job execution is not running"}
	case errors.Is(err, errs.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Code: "SERVICE_UNAVAILABLE", Message: "A required dependency is unavailable"}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "An error occurred while processing your request",
	}
}

// Cors allows any origin.
func Cors() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowHeaders = append(config.AllowHeaders, "Authorization")
	return cors.New(config)
}
