package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/subscription"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(p *Processor) *gin.Engine {
	r := gin.New()
	h := NewHandler(p)
	h.RegisterRoutes(r)
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func post(r http.Handler, path string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReceive(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f.processor)
	payload := checkoutEvent(t, "evt_http", "admin@northfarm.com")

	w := post(r, "/webhooks/stripe", payload, sign(payload, testSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied", w.Header().Get("X-Webhook-Outcome"))
	assert.Empty(t, w.Body.String())

	w = post(r, "/webhooks/stripe", payload, sign(payload, "whsec_wrong"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	w = post(r, "/webhooks/stripe", bytes.Repeat([]byte("x"), MaxBodyBytes+1), "t=1,v1=x")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestReceive_NotConfigured(t *testing.T) {
	f := newFixture(t)
	p := NewProcessor("", f.events, NewMemoryUnitOfWork(f.tenants, f.subs, f.events),
		subscription.NewMachine(f.tenants, f.subs, plans.Default()), f.gateway)

	w := post(newRouter(p), "/webhooks/stripe", []byte(`{}`), "t=1,v1=x")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminEventRoutes(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f.processor)

	_, err := f.ingest(t, checkoutEvent(t, "evt_ok", "admin@northfarm.com"))
	require.NoError(t, err)
	_, err = f.ingest(t, checkoutEvent(t, "evt_bad", "nobody@example.com"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-events?outcome=failed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Events     []Event `json:"events"`
		Pagination struct {
			TotalItems int `json:"total_items"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	assert.Equal(t, "evt_bad", list.Events[0].ID)
	assert.Equal(t, 1, list.Pagination.TotalItems)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-events?outcome=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-events/evt_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(r, "/v1/admin/webhook-events/evt_ok/replay", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post(r, "/v1/admin/webhook-events/evt_bad/replay", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"failed"`)

	ev, err := f.events.Get(context.Background(), "evt_bad")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Attempts)
}
