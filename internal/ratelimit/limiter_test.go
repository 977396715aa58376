package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestTicketMiddlewareAllowsUnderLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, err := New(nil, "5-M", "5-M", "5-M")
	require.NoError(t, err)

	r := gin.New()
	r.Use(l.TicketMiddleware())
	r.POST("/rooms/:id/start", func(c *gin.Context) { c.Status(http.StatusOK) })

	req, _ := http.NewRequest(http.MethodPost, "/rooms/r1/start", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
}

func TestTicketMiddlewareRejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, err := New(nil, "1-M", "1-M", "1-M")
	require.NoError(t, err)

	r := gin.New()
	r.Use(l.TicketMiddleware())
	r.POST("/rooms/:id/start", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, "/rooms/r1/start", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if i == 0 {
			require.Equal(t, http.StatusOK, resp.Code)
		} else {
			require.Equal(t, http.StatusTooManyRequests, resp.Code)
		}
	}
}

func TestAllowWebSocketRespectsLimit(t *testing.T) {
	l, err := New(nil, "5-M", "5-M", "1-M")
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, l.AllowWebSocket(ctx, "127.0.0.1"))
	require.False(t, l.AllowWebSocket(ctx, "127.0.0.1"))
}
