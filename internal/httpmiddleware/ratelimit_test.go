package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(perMinute int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(perMinute))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doRequest(r *gin.Engine, ip string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":12345"
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitEnforcesPerIPBudget(t *testing.T) {
	r := newLimitedRouter(3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, "10.0.0.1"))

	// Another client is unaffected.
	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.2"))
}

func TestRateLimitWindowRollsOver(t *testing.T) {
	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	r := newLimitedRouter(2)

	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1"))
	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, "10.0.0.1"))

	// A minute later the stale window is evicted and the budget resets.
	timeNow = func() time.Time { return base.Add(61 * time.Second) }
	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1"))
}
