package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/signer"
)

// fakeRemote is a scriptable spend-authority service.
type fakeRemote struct {
	t  *testing.T
	mu sync.Mutex

	opens, proxies, closes int
	lastOpen               models.OpenSessionRequest
	lastProxy              models.ProxyRequest
	lastProxyAuth          string

	open  func(n int, req models.OpenSessionRequest) (int, string)
	proxy func(n int, req models.ProxyRequest) (int, string)
	close func(n int, id string) (int, string)
}

func newFakeRemote(t *testing.T) (*fakeRemote, *httptest.Server) {
	t.Helper()
	f := &fakeRemote{t: t}
	f.open = func(_ int, req models.OpenSessionRequest) (int, string) {
		return http.StatusCreated, `{"sessionId":"sess-` + req.Principal + `","token":"tok-` + req.Principal + `"}`
	}
	f.proxy = func(n int, _ models.ProxyRequest) (int, string) {
		return http.StatusOK, `{"result":{"amountPaid":0.5,"offeringId":"off-1","seller":"seller-1","delivered":true,"quality":0.9},"totalSpent":0.5,"remaining":9.5,"requestCount":1}`
	}
	f.close = func(_ int, id string) (int, string) {
		return http.StatusOK, `{"sessionId":"` + id + `","totalSpent":0.5,"requestCount":1}`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req models.OpenSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode open: %v", err)
		}
		f.mu.Lock()
		f.opens++
		n := f.opens
		f.lastOpen = req
		f.mu.Unlock()
		status, body := f.open(n, req)
		writeRaw(w, status, body)
	})
	mux.HandleFunc("POST /proxy", func(w http.ResponseWriter, r *http.Request) {
		var req models.ProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode proxy: %v", err)
		}
		f.mu.Lock()
		f.proxies++
		n := f.proxies
		f.lastProxy = req
		f.lastProxyAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		status, body := f.proxy(n, req)
		writeRaw(w, status, body)
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.closes++
		n := f.closes
		f.mu.Unlock()
		status, body := f.close(n, r.PathValue("id"))
		writeRaw(w, status, body)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRemote) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.proxies, f.closes
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newCoordinator(srv *httptest.Server, opts ...CoordinatorOption) *Coordinator {
	client := NewClient(srv.URL, WithRetries(0), WithRetryWait(time.Millisecond))
	return NewCoordinator(client, opts...)
}

func limits(total, perReq string) Limits {
	return Limits{MaxTotal: decimal.RequireFromString(total), MaxPerRequest: decimal.RequireFromString(perReq)}
}

func openSession(t *testing.T, c *Coordinator, principal string) *Session {
	t.Helper()
	s, dec, err := c.Open(context.Background(), principal, limits("10", "2"))
	require.NoError(t, err)
	require.True(t, dec.Accepted())
	require.NotNil(t, s)
	return s
}

func TestSessionLifecycleReconciles(t *testing.T) {
	f, srv := newFakeRemote(t)
	c := newCoordinator(srv)
	ctx := context.Background()

	s := openSession(t, c, "agent-1")
	assert.Equal(t, "sess-agent-1", s.ID())
	assert.Equal(t, StatusActive, s.Status())

	res, err := s.Call(ctx, Request{ServiceType: "compute"})
	require.NoError(t, err)
	assert.True(t, res.Transaction.Accepted())
	assert.Equal(t, models.OriginRemote, res.Transaction.Origin)
	assert.Equal(t, "seller-1", res.Transaction.To)
	assert.Equal(t, "0.5", res.Transaction.Amount.String())
	assert.Equal(t, "0.5", s.TotalSpent().String())
	assert.Equal(t, "Bearer tok-agent-1", f.lastProxyAuth)

	first, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.5", first.TotalSpent.String())
	assert.Equal(t, StatusClosed, s.Status())

	second, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, _, closes := f.counts()
	assert.Equal(t, 1, closes, "second close must not reach the remote side")

	_, err = s.Call(ctx, Request{ServiceType: "compute"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCallMalformedResponses(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing totalSpent", `{"result":{"amountPaid":0.5},"requestCount":1}`, "totalSpent"},
		{"missing amountPaid", `{"result":{"delivered":true},"totalSpent":0.5,"requestCount":1}`, "amountPaid"},
		{"result not an object", `{"result":"ok","totalSpent":0.5,"requestCount":1}`, "result"},
		{"missing result", `{"totalSpent":0.5,"requestCount":1}`, "result"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeRemote(t)
			f.proxy = func(int, models.ProxyRequest) (int, string) { return http.StatusOK, tt.body }
			c := newCoordinator(srv)
			s := openSession(t, c, "agent-1")

			_, err := s.Call(context.Background(), Request{ServiceType: "compute"})
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
			assert.Contains(t, err.Error(), "malformed_response")
			assert.True(t, s.TotalSpent().IsZero(), "malformed response must not move counters")
		})
	}
}

func TestCallStatusTaxonomy(t *testing.T) {
	t.Run("policy denied carries contact", func(t *testing.T) {
		f, srv := newFakeRemote(t)
		f.proxy = func(int, models.ProxyRequest) (int, string) {
			return http.StatusForbidden, `{"error":{"code":"policy_denied","message":"account suspended","contact":"ops@example.com"}}`
		}
		s := openSession(t, newCoordinator(srv), "agent-1")

		_, err := s.Call(context.Background(), Request{ServiceType: "compute"})
		var pd *PolicyDenied
		require.ErrorAs(t, err, &pd)
		assert.Equal(t, "ops@example.com", pd.Contact)
		assert.Equal(t, "account suspended", pd.Message)
	})

	t.Run("plain 403 is an api error", func(t *testing.T) {
		f, srv := newFakeRemote(t)
		f.proxy = func(int, models.ProxyRequest) (int, string) {
			return http.StatusForbidden, `{"error":{"code":"forbidden","message":"nope"}}`
		}
		s := openSession(t, newCoordinator(srv), "agent-1")

		_, err := s.Call(context.Background(), Request{ServiceType: "compute"})
		var pd *PolicyDenied
		assert.False(t, errors.As(err, &pd))
		var ae *APIError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, http.StatusForbidden, ae.Status)
	})

	t.Run("budget exceeded is a rejected transaction", func(t *testing.T) {
		f, srv := newFakeRemote(t)
		f.proxy = func(int, models.ProxyRequest) (int, string) {
			return http.StatusUnprocessableEntity, `{"error":{"code":"budget_exceeded","message":"session cap reached"}}`
		}
		s := openSession(t, newCoordinator(srv), "agent-1")

		res, err := s.Call(context.Background(), Request{ServiceType: "compute"})
		require.NoError(t, err)
		assert.False(t, res.Transaction.Accepted())
		assert.Equal(t, models.OriginRemote, res.Transaction.Origin)
		assert.Contains(t, res.Transaction.RejectionReason, "budget_exceeded")
	})

	t.Run("5xx is a transport error", func(t *testing.T) {
		f, srv := newFakeRemote(t)
		f.proxy = func(int, models.ProxyRequest) (int, string) {
			return http.StatusInternalServerError, `{"error":{"code":"internal_error","message":"boom"}}`
		}
		s := openSession(t, newCoordinator(srv), "agent-1")

		_, err := s.Call(context.Background(), Request{ServiceType: "compute"})
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Temporary())
		assert.Equal(t, http.StatusInternalServerError, te.Status)
		assert.True(t, s.TotalSpent().IsZero())
		assert.Equal(t, StatusActive, s.Status())
	})
}

func TestLocalPrecheckSkipsNetwork(t *testing.T) {
	f, srv := newFakeRemote(t)
	s := openSession(t, newCoordinator(srv), "agent-1")

	res, err := s.Call(context.Background(), Request{ServiceType: "compute", MaxPrice: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.False(t, res.Transaction.Accepted())
	assert.Equal(t, models.OriginLocal, res.Transaction.Origin)
	assert.Equal(t, models.ReasonMaxPerTx, res.Transaction.RejectionReason)

	_, proxies, _ := f.counts()
	assert.Zero(t, proxies)
}

func TestExhaustedSessionRejectsLocally(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.proxy = func(int, models.ProxyRequest) (int, string) {
		return http.StatusOK, `{"result":{"amountPaid":2},"totalSpent":10,"requestCount":5}`
	}
	s := openSession(t, newCoordinator(srv), "agent-1")
	ctx := context.Background()

	_, err := s.Call(ctx, Request{ServiceType: "compute"})
	require.NoError(t, err)
	assert.Equal(t, "10", s.TotalSpent().String())

	res, err := s.Call(ctx, Request{ServiceType: "compute"})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonTotalLimit, res.Transaction.RejectionReason)

	_, proxies, _ := f.counts()
	assert.Equal(t, 1, proxies)
}

func TestStaleResponseIgnored(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.proxy = func(n int, _ models.ProxyRequest) (int, string) {
		if n == 1 {
			return http.StatusOK, `{"result":{"amountPaid":0.5},"totalSpent":1.0,"requestCount":2}`
		}
		return http.StatusOK, `{"result":{"amountPaid":0.5},"totalSpent":0.5,"requestCount":1}`
	}
	s := openSession(t, newCoordinator(srv), "agent-1")
	ctx := context.Background()

	_, err := s.Call(ctx, Request{ServiceType: "compute"})
	require.NoError(t, err)
	_, err = s.Call(ctx, Request{ServiceType: "compute"})
	require.NoError(t, err)

	assert.Equal(t, "1", s.TotalSpent().String())
	assert.Equal(t, int64(2), s.RequestCount())
}

func TestTimedOutCallLeavesCounters(t *testing.T) {
	release := make(chan struct{})
	f, srv := newFakeRemote(t)
	f.proxy = func(int, models.ProxyRequest) (int, string) {
		<-release
		return http.StatusOK, `{"result":{"amountPaid":0.5},"totalSpent":0.5,"requestCount":1}`
	}
	t.Cleanup(func() { close(release) })
	s := openSession(t, newCoordinator(srv), "agent-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, Request{ServiceType: "compute"})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.TotalSpent().IsZero())
	assert.Zero(t, s.RequestCount())
}

func TestConcurrentCallsOnOneSession(t *testing.T) {
	var mu sync.Mutex
	spent := decimal.Zero
	count := int64(0)

	f, srv := newFakeRemote(t)
	f.proxy = func(int, models.ProxyRequest) (int, string) {
		mu.Lock()
		defer mu.Unlock()
		spent = spent.Add(decimal.RequireFromString("0.1"))
		count++
		body, _ := json.Marshal(map[string]any{
			"result":       map[string]any{"amountPaid": "0.1"},
			"totalSpent":   spent.String(),
			"requestCount": count,
		})
		return http.StatusOK, string(body)
	}
	s := openSession(t, newCoordinator(srv), "agent-1")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Call(context.Background(), Request{ServiceType: "compute"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, "2", s.TotalSpent().String())
	assert.Equal(t, int64(20), s.RequestCount())
}

func TestCoordinatorSessionLookup(t *testing.T) {
	_, srv := newFakeRemote(t)
	c := newCoordinator(srv)
	ctx := context.Background()

	_, err := c.Call(ctx, "agent-1", Request{ServiceType: "compute"})
	assert.ErrorIs(t, err, ErrNoSessions)

	openSession(t, c, "agent-1")
	_, err = c.Call(ctx, "agent-2", Request{ServiceType: "compute"})
	assert.ErrorIs(t, err, ErrNoSessionForPrincipal)

	_, _, err = c.Open(ctx, "agent-1", limits("10", "2"))
	assert.ErrorIs(t, err, ErrSessionExists)

	res, err := c.Call(ctx, "agent-1", Request{ServiceType: "compute"})
	require.NoError(t, err)
	assert.True(t, res.Transaction.Accepted())
}

func TestOpenRejectedAndInvalid(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.open = func(int, models.OpenSessionRequest) (int, string) {
		return http.StatusUnprocessableEntity, `{"error":{"code":"budget_exceeded","message":"balance exhausted"}}`
	}
	c := newCoordinator(srv)

	s, dec, err := c.Open(context.Background(), "agent-1", limits("10", "2"))
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.False(t, dec.Accepted())
	assert.Contains(t, dec.Reason, "budget_exceeded")
	assert.Empty(t, c.Sessions())

	_, _, err = c.Open(context.Background(), "agent-1", limits("1", "2"))
	assert.ErrorIs(t, err, models.ErrInvalidPolicy)
}

func TestOpenPolicyDenied(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.open = func(int, models.OpenSessionRequest) (int, string) {
		return http.StatusForbidden, `{"error":{"code":"policy_denied","message":"blocked","contact":"risk@example.com"}}`
	}

	_, _, err := newCoordinator(srv).Open(context.Background(), "agent-1", limits("10", "2"))
	var pd *PolicyDenied
	require.ErrorAs(t, err, &pd)
	assert.Equal(t, "risk@example.com", pd.Contact)
}

func TestOpenIsNotRetried(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.open = func(n int, req models.OpenSessionRequest) (int, string) {
		if n == 1 {
			return http.StatusServiceUnavailable, `{"error":{"code":"internal_error","message":"warming up"}}`
		}
		return http.StatusCreated, `{"sessionId":"sess-2","token":"tok-2"}`
	}
	client := NewClient(srv.URL, WithRetries(3), WithRetryWait(time.Millisecond))
	c := NewCoordinator(client)

	_, _, err := c.Open(context.Background(), "agent-1", limits("10", "2"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
	assert.Empty(t, c.Sessions())

	opens, _, _ := f.counts()
	assert.Equal(t, 1, opens)
}

func TestCloseRetriesTransportFailures(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.close = func(n int, id string) (int, string) {
		if n < 3 {
			return http.StatusServiceUnavailable, `{"error":{"code":"internal_error","message":"warming up"}}`
		}
		return http.StatusOK, `{"sessionId":"` + id + `","totalSpent":0,"requestCount":0}`
	}
	client := NewClient(srv.URL, WithRetries(3), WithRetryWait(time.Millisecond))
	c := NewCoordinator(client)
	openSession(t, c, "agent-1")

	_, err := c.Close(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, c.Sessions())

	opens, _, closes := f.counts()
	assert.Equal(t, []int{1, 3}, []int{opens, closes})
}

func TestOpenDoesNotRetryClientErrors(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.open = func(int, models.OpenSessionRequest) (int, string) {
		return http.StatusBadRequest, `{"error":{"code":"invalid_request","message":"bad"}}`
	}
	client := NewClient(srv.URL, WithRetries(3), WithRetryWait(time.Millisecond))

	_, _, err := NewCoordinator(client).Open(context.Background(), "agent-1", limits("10", "2"))
	var ae *APIError
	require.ErrorAs(t, err, &ae)

	opens, _, _ := f.counts()
	assert.Equal(t, 1, opens)
}

func TestCloseAllReportsFailures(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.close = func(_ int, id string) (int, string) {
		switch id {
		case "sess-b":
			return http.StatusBadGateway, `{"error":{"code":"internal_error","message":"upstream down"}}`
		case "sess-c":
			return http.StatusNotFound, `{"error":{"code":"not_found","message":"unknown session"}}`
		}
		return http.StatusOK, `{"sessionId":"` + id + `","totalSpent":0,"requestCount":0}`
	}
	c := newCoordinator(srv, WithConcurrency(2))
	for _, p := range []string{"a", "b", "c", "d"} {
		openSession(t, c, p)
	}

	report := c.CloseAll(context.Background())

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "b", report.Failed[0].Principal)
	assert.True(t, report.Failed[0].StillActive)
	assert.Len(t, report.Closed, 3)
	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "upstream down")

	remaining := c.Sessions()
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].Principal())

	for _, o := range report.Closed {
		if o.Principal == "c" {
			assert.True(t, o.Result.AlreadyClosed)
		}
	}
}

func TestCloseTransportFailureKeepsSessionActive(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.close = func(n int, id string) (int, string) {
		if n == 1 {
			return http.StatusInternalServerError, `{}`
		}
		return http.StatusOK, `{"sessionId":"` + id + `","totalSpent":0.25,"requestCount":1}`
	}
	c := newCoordinator(srv)
	s := openSession(t, c, "agent-1")
	ctx := context.Background()

	_, err := c.Close(ctx, "agent-1")
	require.Error(t, err)
	assert.Equal(t, StatusActive, s.Status())
	assert.Len(t, c.Sessions(), 1)

	res, err := c.Close(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "0.25", res.TotalSpent.String())
	assert.Empty(t, c.Sessions())
}

func TestCloseMalformedMarksClosed(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.close = func(int, string) (int, string) { return http.StatusOK, `{"sessionId":"x"}` }
	s := openSession(t, newCoordinator(srv), "agent-1")

	_, err := s.Close(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "totalSpent", pe.Field)
	assert.Equal(t, StatusClosed, s.Status())
}

func TestWithSessionClosesOnPanic(t *testing.T) {
	f, srv := newFakeRemote(t)
	c := newCoordinator(srv)

	assert.Panics(t, func() {
		_ = c.WithSession(context.Background(), "agent-1", limits("10", "2"), func(ctx context.Context, s *Session) error {
			panic("agent crashed")
		})
	})

	_, _, closes := f.counts()
	assert.Equal(t, 1, closes)
	assert.Empty(t, c.Sessions())
}

func TestWithSessionJoinsErrors(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.close = func(int, string) (int, string) { return http.StatusInternalServerError, `{}` }
	c := newCoordinator(srv)

	fnErr := errors.New("work failed")
	err := c.WithSession(context.Background(), "agent-1", limits("10", "2"), func(ctx context.Context, s *Session) error {
		return fnErr
	})
	require.ErrorIs(t, err, fnErr)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestSpendOnce(t *testing.T) {
	f, srv := newFakeRemote(t)
	c := newCoordinator(srv)

	call, final, err := c.SpendOnce(context.Background(), "agent-1", limits("10", "2"), Request{ServiceType: "compute"})
	require.NoError(t, err)
	assert.True(t, call.Transaction.Accepted())
	assert.Equal(t, "0.5", final.TotalSpent.String())

	opens, proxies, closes := f.counts()
	assert.Equal(t, []int{1, 1, 1}, []int{opens, proxies, closes})
	assert.Empty(t, c.Sessions())
}

func TestSpendOnceRejectedOpen(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.open = func(int, models.OpenSessionRequest) (int, string) {
		return http.StatusUnprocessableEntity, `{"error":{"code":"budget_exceeded","message":"no balance"}}`
	}

	_, _, err := newCoordinator(srv).SpendOnce(context.Background(), "agent-1", limits("10", "2"), Request{ServiceType: "compute"})
	var sr *SessionRejected
	require.ErrorAs(t, err, &sr)
	assert.True(t, strings.HasPrefix(sr.Reason, "budget_exceeded"))
}

func TestSignedSessions(t *testing.T) {
	id, err := signer.NewIdentity("key-1")
	require.NoError(t, err)
	verifier := signer.NewVerifier(nil)
	require.NoError(t, verifier.Register("key-1", "agent-1", id.PublicKey()))

	f, srv := newFakeRemote(t)
	c := newCoordinator(srv, WithIdentity("agent-1", id))
	ctx := context.Background()

	s := openSession(t, c, "agent-1")
	require.NotNil(t, f.lastOpen.Authorization)
	grant, err := signer.ParseDelegation(*f.lastOpen.Authorization)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", grant.Delegate)
	assert.Equal(t, "10", grant.Policy.MaxLifetime.String())
	require.NoError(t, verifier.VerifyDelegation(ctx, *f.lastOpen.Authorization, grant))

	_, err = s.Call(ctx, Request{ServiceType: "compute", MaxPrice: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.NotNil(t, f.lastProxy.Authorization)
	spend, err := signer.ParseSpend(*f.lastProxy.Authorization)
	require.NoError(t, err)
	assert.Equal(t, "compute", spend.To)
	assert.Equal(t, "1", spend.Amount.String())
	assert.Greater(t, spend.Nonce, grant.Nonce)
	require.NoError(t, verifier.VerifySpend(ctx, *f.lastProxy.Authorization, spend))
}
