package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"will-go/internal/testutil"
	"will-go/internal/will"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testServer struct {
	*Server
	env  *testutil.Env
	auth *Authenticator
}

func newTestServer(t *testing.T, feeBps uint16) *testServer {
	t.Helper()
	env := testutil.NewInitializedEnv(t, feeBps)
	auth := NewAuthenticator(testSecret, time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testServer{
		Server: NewServer(":0", env.Registry, env.Engine, env.Ledger, auth, logger),
		env:    env,
		auth:   auth,
	}
}

// do sends a request as caller; an empty caller sends no token.
func (s *testServer) do(t *testing.T, method, path string, caller will.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if caller != "" {
		token, err := s.auth.IssueToken(caller)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t, 0)

	rec := srv.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, 0)
	other := NewAuthenticator([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	foreign, err := other.IssueToken(testutil.Owner)
	require.NoError(t, err)

	expiring := NewAuthenticator(testSecret, time.Hour)
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiring.IssueToken(testutil.Owner)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + foreign},
		{"expired", "Bearer " + expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	t.Run("valid token", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/v1/whoami", testutil.Viewer, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, testutil.Viewer, decode[map[string]will.Address](t, rec)["caller"])
	})
}

func TestWillLifecycle(t *testing.T) {
	srv := newTestServer(t, 250)

	rec := srv.do(t, http.MethodPost, "/v1/wills", testutil.Owner, createWillRequest{
		DocumentPointer: "sha256:doc",
		Executor:        testutil.Executor,
		EmergencyDelay:  "30d",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(0), decode[map[string]uint64](t, rec)["id"])

	t.Run("read access", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/wills/0", testutil.Executor, nil).Code)
		assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodGet, "/v1/wills/0", testutil.Stranger, nil).Code)
		assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/wills/7", testutil.Owner, nil).Code)
		assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/v1/wills/abc", testutil.Owner, nil).Code)
	})

	t.Run("viewers", func(t *testing.T) {
		path := "/v1/wills/0/viewers/" + string(testutil.Viewer)
		assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodPut, path, testutil.Stranger, nil).Code)
		assert.Equal(t, http.StatusNoContent, srv.do(t, http.MethodPut, path, testutil.Owner, nil).Code)

		rec := srv.do(t, http.MethodGet, path, testutil.Stranger, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[map[string]bool](t, rec)["authorized"])

		rec = srv.do(t, http.MethodGet, "/v1/wills/0", testutil.Viewer, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []will.Address{testutil.Viewer}, decode[willResponse](t, rec).AuthorizedViewers)
	})

	t.Run("updates", func(t *testing.T) {
		rec := srv.do(t, http.MethodPut, "/v1/wills/0/emergency-delay", testutil.Owner, map[string]string{"emergency_delay": "60d"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, (60 * 24 * time.Hour).String(), decode[willResponse](t, rec).EmergencyDelay)

		rec = srv.do(t, http.MethodPut, "/v1/wills/0/emergency-delay", testutil.Owner, map[string]string{"emergency_delay": "10d"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid input", decode[errorResponse](t, rec).Kind)

		rec = srv.do(t, http.MethodPut, "/v1/wills/0/executor", testutil.Executor, map[string]will.Address{"executor": testutil.Stranger})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = srv.do(t, http.MethodPut, "/v1/wills/0/document", testutil.Owner, map[string]string{"pointer": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
	})

	t.Run("execution", func(t *testing.T) {
		instruction := will.Instruction{Native: []will.NativeDistribution{
			{Beneficiary: testutil.Beneficiary, Amount: will.NewAmount(1000)},
		}}

		rec := srv.do(t, http.MethodPost, "/v1/wills/0/execute", testutil.Executor, instruction)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.True(t, decode[errorResponse](t, rec).Retryable)

		srv.env.Fund(t, will.NativeAsset, "1025")

		rec = srv.do(t, http.MethodPost, "/v1/wills/0/emergency-execute", testutil.Stranger, instruction)
		assert.Equal(t, http.StatusTooEarly, rec.Code)

		rec = srv.do(t, http.MethodPost, "/v1/wills/0/execute", testutil.Stranger, instruction)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = srv.do(t, http.MethodGet, "/v1/wills/0/can-execute", testutil.Stranger, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, canExecuteResponse{Execute: true}, decode[canExecuteResponse](t, rec))

		rec = srv.do(t, http.MethodPost, "/v1/wills/0/execute", testutil.Executor, instruction)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		receipt := decode[will.Receipt](t, rec)
		assert.Equal(t, "25", receipt.NativeFee.String())
		assert.Equal(t, 1, receipt.NativeCount)

		rec = srv.do(t, http.MethodPost, "/v1/wills/0/execute", testutil.Executor, instruction)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = srv.do(t, http.MethodGet, "/v1/wills/0/status", testutil.Stranger, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		status := decode[will.ExecutionStatus](t, rec)
		assert.True(t, status.Executed)
		assert.Equal(t, testutil.Executor, status.Executor)

		rec = srv.do(t, http.MethodGet, "/v1/wills/0/attempts", testutil.Owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		attempts := decode[[]map[string]any](t, rec)
		require.Len(t, attempts, 2)
		assert.Equal(t, will.AttemptFailed, attempts[0]["outcome"])
		assert.Equal(t, will.AttemptSucceeded, attempts[1]["outcome"])
		assert.NotEmpty(t, attempts[1]["finished_at"])

		rec = srv.do(t, http.MethodGet, "/v1/ledger/balances/"+string(testutil.Beneficiary), testutil.Stranger, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1000", decode[map[string]any](t, rec)["balance"])
	})

	t.Run("events", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/v1/events?will_id=0&kind=WillExecuted", testutil.Stranger, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		events := decode[[]will.Event](t, rec)
		require.Len(t, events, 1)
		assert.Equal(t, testutil.Executor.String(), events[0].Data["executor"])

		rec = srv.do(t, http.MethodGet, "/v1/events?limit=-1", testutil.Stranger, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEmergencyExecuteAfterDelay(t *testing.T) {
	srv := newTestServer(t, 0)
	id := srv.env.CreateWill(t)
	require.Equal(t, uint64(0), id)

	srv.env.Clock.Advance(will.MinEmergencyDelay)

	rec := srv.do(t, http.MethodPost, "/v1/wills/0/emergency-execute", testutil.Stranger, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[will.Receipt](t, rec)
	assert.True(t, receipt.Emergency)
	assert.Equal(t, testutil.Stranger, receipt.Caller)
}

func TestEngineAdministration(t *testing.T) {
	srv := newTestServer(t, 100)

	rec := srv.do(t, http.MethodGet, "/v1/engine", testutil.Stranger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decode[map[string]any](t, rec)
	assert.Equal(t, string(testutil.EngineAddr), settings["address"])
	assert.Equal(t, float64(100), settings["fee_bps"])

	rec = srv.do(t, http.MethodPut, "/v1/engine/fee-rate", testutil.Stranger, map[string]int{"fee_bps": 200})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPut, "/v1/engine/fee-rate", testutil.EngineOwner, map[string]int{"fee_bps": 501})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPut, "/v1/engine/fee-rate", testutil.EngineOwner, map[string]int{"fee_bps": 200})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(200), decode[map[string]any](t, rec)["fee_bps"])

	rec = srv.do(t, http.MethodPost, "/v1/engine/withdraw", testutil.EngineOwner, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	srv.env.Fund(t, will.NativeAsset, "500")
	rec = srv.do(t, http.MethodPost, "/v1/engine/withdraw", testutil.EngineOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "500", decode[map[string]string](t, rec)["amount"])

	srv.env.Fund(t, testutil.Token, "40")
	rec = srv.do(t, http.MethodPost, "/v1/engine/recover", testutil.EngineOwner, map[string]string{
		"token_contract": string(testutil.Token),
		"amount":         "40",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodPost, "/v1/engine/transfer-ownership", testutil.EngineOwner, map[string]will.Address{"new_owner": testutil.Owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(testutil.Owner), decode[map[string]any](t, rec)["owner"])
}

func TestMalformedBodyAddresses(t *testing.T) {
	srv := newTestServer(t, 100)
	ctx := context.Background()

	rec := srv.do(t, http.MethodPost, "/v1/wills", testutil.Owner, map[string]string{
		"document_pointer": "sha256:doc",
		"executor":         "bob",
		"emergency_delay":  "30d",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid input", decode[errorResponse](t, rec).Kind)
	n, err := srv.env.Registry.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no will is created for a malformed executor")

	rec = srv.do(t, http.MethodPut, "/v1/engine/fee-recipient", testutil.EngineOwner, map[string]string{"fee_recipient": "not an address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	settings, err := srv.env.Engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.FeeRecipient, settings.FeeRecipient)

	rec = srv.do(t, http.MethodPost, "/v1/engine/transfer-ownership", testutil.EngineOwner, map[string]string{"new_owner": "0x1234"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPut, "/v1/engine/fee-recipient", testutil.EngineOwner, map[string]string{"fee_recipient": "0x5000000000000000000000000000000000000005"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settings, err = srv.env.Engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.Beneficiary, settings.FeeRecipient)
}

func TestNFTOwner(t *testing.T) {
	srv := newTestServer(t, 0)
	path := "/v1/ledger/nfts/" + string(testutil.Collection) + "/7"

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, path, testutil.Stranger, nil).Code)

	require.NoError(t, srv.env.Ledger.MintNFT(t.Context(), testutil.Collection, "7", testutil.Owner))
	rec := srv.do(t, http.MethodGet, path, testutil.Stranger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testutil.Owner, decode[map[string]will.Address](t, rec)["owner"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.env.CreateWill(t)
	srv.do(t, http.MethodGet, "/healthz", "", nil)
	srv.do(t, http.MethodPost, "/v1/wills/0/execute", testutil.Executor, nil)

	rec := srv.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"will_http_requests_total",
		"will_http_request_duration_seconds",
		"will_execution_attempts_total",
		"will_execution_duration_seconds",
	} {
		assert.True(t, strings.Contains(body, name), "metrics output missing %s", name)
	}
}
