package control

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const requestIDKey = "request_id"

// ApiResponse конверт всех ответов API
type ApiResponse struct {
	RequestID string      `json:"request_id"`
	Code      int         `json:"code"` // 0 - успех, иначе HTTP статус ошибки
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, ApiResponse{
		RequestID: c.GetString(requestIDKey),
		Message:   "ok",
		Data:      data,
	})
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, ApiResponse{
		RequestID: c.GetString(requestIDKey),
		Code:      status,
		Message:   err.Error(),
	})
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ApiResponse{
		RequestID: c.GetString(requestIDKey),
		Code:      http.StatusUnauthorized,
		Message:   "неверный токен",
	})
}
