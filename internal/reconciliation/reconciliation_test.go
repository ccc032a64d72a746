package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

type stubSubs struct {
	subs []*subscription.Subscription
	err  error
}

func (s *stubSubs) ListNonTerminal(context.Context) ([]*subscription.Subscription, error) {
	return s.subs, s.err
}

type stubUsers []*tenant.User

func (s stubUsers) ListWithAccess(context.Context) ([]*tenant.User, error) { return s, nil }

type stubEvents int

func (s stubEvents) CountFailed(context.Context) (int, error) { return int(s), nil }

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func sub(id, tenantID, customer, plan string, status subscription.Status, age time.Duration) *subscription.Subscription {
	return &subscription.Subscription{
		ID: id, TenantID: tenantID, CustomerID: customer, PlanID: plan, Status: status, CreatedAt: t0.Add(-age),
	}
}

func TestRunAll(t *testing.T) {
	subs := &stubSubs{subs: []*subscription.Subscription{
		sub("gsub_a1", "ten_a", "cus_a", "basic", subscription.StatusActive, 48*time.Hour),
		sub("gsub_a2", "ten_a", "cus_a", "pro", subscription.StatusActive, time.Hour),
		sub("gsub_b", "ten_b", "cus_b", "basic", subscription.StatusPastDue, time.Hour),
		sub("gsub_c", "", "cus_c", "standard", subscription.StatusActive, time.Hour),
	}}
	users := stubUsers{
		{ID: "usr_a", TenantID: "ten_a", Access: "basic"},         // stale: newest is pro
		{ID: "usr_b", OwnedTenantID: "ten_b", Access: "basic"},    // past_due still grants
		{ID: "usr_c", CustomerID: "cus_c", Access: "standard"},    // customer scoped, consistent
		{ID: "usr_d", TenantID: "ten_gone", Access: "enterprise"}, // nothing live
	}

	r := NewRunner(subs, users, stubEvents(3), subscription.AccessPolicy{GrantPastDue: true})
	report, err := r.RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, report.DuplicateSubscriptions, 1)
	assert.Equal(t, TenantConflict{TenantID: "ten_a", SubscriptionIDs: []string{"gsub_a1", "gsub_a2"}}, report.DuplicateSubscriptions[0])

	require.Len(t, report.AccessMismatches, 2)
	assert.Equal(t, AccessMismatch{UserID: "usr_a", TenantID: "ten_a", Access: "basic", Expected: "pro", SubscriptionID: "gsub_a2"}, report.AccessMismatches[0])
	assert.Equal(t, AccessMismatch{UserID: "usr_d", TenantID: "ten_gone", Access: "enterprise", Expected: tenant.AccessNone}, report.AccessMismatches[1])

	assert.Equal(t, 3, report.FailedEvents)
	assert.Equal(t, 4, report.CheckedSubscriptions)
	assert.False(t, report.Clean())
}

func TestRunAll_PastDueWithoutGrace(t *testing.T) {
	subs := &stubSubs{subs: []*subscription.Subscription{
		sub("gsub_b", "ten_b", "cus_b", "basic", subscription.StatusPastDue, time.Hour),
	}}
	users := stubUsers{{ID: "usr_b", TenantID: "ten_b", Access: "basic"}}

	report, err := NewRunner(subs, users, nil, subscription.AccessPolicy{}).RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.AccessMismatches, 1)
	assert.Equal(t, tenant.AccessNone, report.AccessMismatches[0].Expected)
}

func TestRunAll_Clean(t *testing.T) {
	subs := &stubSubs{subs: []*subscription.Subscription{
		sub("gsub_a", "ten_a", "cus_a", "basic", subscription.StatusActive, time.Hour),
	}}
	users := stubUsers{{ID: "usr_a", TenantID: "ten_a", Access: "basic"}}

	report, err := NewRunner(subs, users, stubEvents(0), subscription.AccessPolicy{GrantPastDue: true}).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Empty(t, report.DuplicateSubscriptions)
	assert.Empty(t, report.AccessMismatches)
}

func TestRunAll_PropagatesErrors(t *testing.T) {
	r := NewRunner(&stubSubs{err: errors.New("db down")}, stubUsers{}, nil, subscription.AccessPolicy{})
	_, err := r.RunAll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestTimer_StoresLastReport(t *testing.T) {
	r := NewRunner(&stubSubs{}, stubUsers{}, stubEvents(1), subscription.AccessPolicy{})
	timer := NewTimer(r, slog.New(slog.NewTextHandler(io.Discard, nil))).WithInterval(5 * time.Millisecond)
	assert.Nil(t, timer.Last())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return timer.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, timer.Last().FailedEvents)
	assert.True(t, timer.Running())

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestHandler_Run(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewRunner(&stubSubs{}, stubUsers{}, stubEvents(0), subscription.AccessPolicy{})).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"clean":true`)
}
