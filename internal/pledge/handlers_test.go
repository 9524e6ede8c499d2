package pledge_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolbuy/pledge-engine/internal/auth"
	"github.com/poolbuy/pledge-engine/internal/pledge"
	"github.com/poolbuy/pledge-engine/internal/store"
)

var jwtSecret = []byte("handler-test-secret")

// newRouter mounts the handlers the way cmd/server does. With withAuth the
// pledge routes require a bearer token.
func newRouter(env *testEnv, withAuth bool) chi.Router {
	h := pledge.NewHandler(env.engine)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		if withAuth {
			r.Use(auth.Middleware(jwtSecret))
		}
		h.Routes(r)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) pledge.ErrorResponse {
	t.Helper()
	var resp pledge.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandler_SubmitPledge(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env.store, "pool-1")
	router := newRouter(env, false)

	w := doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/pledges", map[string]any{
		"units":     "10",
		"buyer_ref": "buyer-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp pledge.PledgeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "authorized", string(resp.Status))
	assert.True(t, resp.Cost.Total.Equal(d(5562)))
	assert.Equal(t, "5,562.00 USD", resp.DisplayTotal)
}

func TestHandler_SubmitPledge_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad json", "/api/v1/pools/pool-1/pledges", "not an object", http.StatusBadRequest, ""},
		{"missing buyer", "/api/v1/pools/pool-1/pledges", map[string]any{"units": "10"}, http.StatusBadRequest, "invalid_request"},
		{"unknown pool", "/api/v1/pools/nope/pledges", map[string]any{"units": "10", "buyer_ref": "b"}, http.StatusNotFound, "pool_not_found"},
		{"below minimum", "/api/v1/pools/pool-1/pledges", map[string]any{"units": "5", "buyer_ref": "b"}, http.StatusUnprocessableEntity, "below_minimum_units"},
		{"unknown surcharge", "/api/v1/pools/pool-1/pledges", map[string]any{"units": "10", "buyer_ref": "b", "selected_surcharges": []string{"gold"}}, http.StatusUnprocessableEntity, "unknown_surcharge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			seedPool(t, env.store, "pool-1")
			w := doJSON(t, newRouter(env, false), http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestHandler_SubmitPledge_Locked(t *testing.T) {
	env := newTestEnv(t)
	pool := seedPool(t, env.store, "pool-1")
	*env.clock = pool.Deadline.Add(time.Second)

	w := doJSON(t, newRouter(env, false), http.MethodPost, "/api/v1/pools/pool-1/pledges",
		map[string]any{"units": "10", "buyer_ref": "buyer-1"})

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "pool_locked", resp.Code)
	assert.Equal(t, "checking_lock", resp.Stage)
	assert.Equal(t, "pool-1", resp.PoolID)
	assert.Zero(t, env.auth.Calls())
}

func TestHandler_SubmitPledge_Declined(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env.store, "pool-1")
	env.auth.Decline("buyer-1")

	w := doJSON(t, newRouter(env, false), http.MethodPost, "/api/v1/pools/pool-1/pledges",
		map[string]any{"units": "10", "buyer_ref": "buyer-1"})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "authorization_failed", decodeError(t, w).Code)
}

func TestHandler_SubmitPledge_IdempotencyHeader(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env.store, "pool-1")
	router := newRouter(env, false)
	body := map[string]any{"units": "10", "buyer_ref": "buyer-1"}

	w1 := doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/pledges", body, "Idempotency-Key", "click-1")
	w2 := doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/pledges", body, "Idempotency-Key", "click-1")
	w3 := doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/pledges", body, "Idempotency-Key", "click-2")
	require.Equal(t, http.StatusCreated, w1.Code)
	require.Equal(t, http.StatusCreated, w2.Code)
	require.Equal(t, http.StatusCreated, w3.Code)

	var r1, r2, r3 pledge.PledgeResponse
	json.Unmarshal(w1.Body.Bytes(), &r1)
	json.Unmarshal(w2.Body.Bytes(), &r2)
	json.Unmarshal(w3.Body.Bytes(), &r3)
	assert.Equal(t, r1.ID, r2.ID)
	assert.NotEqual(t, r1.ID, r3.ID)
}

func TestHandler_AuthenticatedBuyer(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env.store, "pool-1")
	router := newRouter(env, true)

	tok, err := auth.IssueToken(jwtSecret, "buyer-jwt", time.Hour)
	require.NoError(t, err)
	bearer := "Bearer " + tok

	// Body buyer_ref is ignored in favour of the token subject.
	w := doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/pledges",
		map[string]any{"units": "10", "buyer_ref": "someone-else"}, "Authorization", bearer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp pledge.PledgeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "buyer-jwt", resp.BuyerRef)

	w = doJSON(t, router, http.MethodGet, "/api/v1/buyers/buyer-jwt/pledges", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []pledge.PledgeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	assert.Len(t, mine, 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/buyers/someone-else/pledges", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools/pool-1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_Quote(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env.store, "pool-1")
	router := newRouter(env, false)

	w := doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/quote", map[string]any{
		"units":               "12",
		"selected_surcharges": []string{"rush", "qc"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var q pledge.QuoteView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.True(t, q.Cost.Total.Equal(d(7008.12)), "total = %s", q.Cost.Total)
	assert.True(t, q.AuthorizationAmount.Equal(d(7008.12)))
	assert.Equal(t, []string{"qc", "rush"}, q.SelectedSurcharges)
	assert.Zero(t, env.auth.Calls())

	w = doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-1/quote", map[string]any{"units": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandler_PoolLifecycle(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(env, false)

	body := map[string]any{
		"id":         "pool-new",
		"unit_label": "unit",
		"unit_price": "27",
		"min_units":  "5",
		"moq_target": "500",
		"currency":   "USD",
		"deadline":   now.Add(36 * time.Hour),
	}
	body["optional_surcharges"] = map[string]any{
		"rush": map[string]any{"kind": "per_unit", "amount": "2"},
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/pools", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/api/v1/pools", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools/pool-new", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view pledge.PoolView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "pool-new", view.ID)
	assert.Equal(t, "1d 12h", view.Lock.Remaining)
	assert.Equal(t, "27.00 USD", view.DisplayUnitPrice)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools/pool-new/lock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var lv pledge.LockView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lv))
	assert.Equal(t, int64(36*3600), lv.RemainingSeconds)

	w = doJSON(t, router, http.MethodPost, "/api/v1/pools/pool-new/pledges",
		map[string]any{"units": "5", "buyer_ref": "b1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools/pool-new/pledges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []pledge.PledgeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	assert.Len(t, recs, 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools?state=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []pledge.PoolView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 1)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools?state=locked_pending_outcome", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestHandler_ListPledges_UnknownPool(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, newRouter(env, false), http.MethodGet, "/api/v1/pools/missing/pledges", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_PersistenceFailureFlagsReconciliation(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnvWithStore(t, ms, func(s store.Store) store.Store { return failingRecords{s} })
	seedPool(t, ms, "pool-1")

	w := doJSON(t, newRouter(env, false), http.MethodPost, "/api/v1/pools/pool-1/pledges",
		map[string]any{"units": "10", "buyer_ref": "buyer-1"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "persistence_failed", resp.Code)
	assert.Equal(t, "recording", resp.Stage)
	assert.True(t, resp.NeedsReconciliation)
	assert.Equal(t, "10", resp.Units)
}
