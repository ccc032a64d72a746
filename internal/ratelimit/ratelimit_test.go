package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("ip"))

	// 600/min refills one token every 100ms.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("ip"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.Allow("a")
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
}

func TestLimiterCleanup(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: 10 * time.Millisecond})
	defer limiter.Stop()

	limiter.Allow("idle")
	assert.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.clients) == 0
	}, time.Second, 10*time.Millisecond)

	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware(func(c *gin.Context) string { return c.GetHeader("X-Caller") }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(caller string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Caller", caller)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("usr_1"))
	assert.Equal(t, http.StatusTooManyRequests, call("usr_1"))
	assert.Equal(t, http.StatusOK, call("usr_2"))
}
