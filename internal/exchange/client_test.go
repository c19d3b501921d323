package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		RecvWindow:        30 * time.Second,
		DefaultRetryAfter: 5 * time.Millisecond,
		RequestTimeout:    time.Second,
		RequestsPerSecond: 10000,
		Burst:             10000,
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"1.5","locked":"0.5"}]}`))
	}))
	defer server.Close()

	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL(server.URL)

	balances, err := client.GetBalances(context.Background(), Credential{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitConsumesAttemptBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	opts := fastOptions()
	opts.MaxAttempts = 2
	client := NewBinanceClient(testLogger(), opts)
	client.SetBaseURL(server.URL)

	_, err := client.GetBalances(context.Background(), Credential{APIKey: "k", APISecret: "s"})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClockDriftResyncsExactlyOnce(t *testing.T) {
	var accountCalls, timeCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			atomic.AddInt32(&timeCalls, 1)
			w.Write([]byte(`{"serverTime":1700000000000}`))
		case "/api/v3/account":
			atomic.AddInt32(&accountCalls, 1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL(server.URL)

	_, err := client.GetBalances(context.Background(), Credential{APIKey: "k", APISecret: "s"})
	require.ErrorIs(t, err, ErrClockDrift)

	// One resync for the whole call, never one per attempt.
	assert.Equal(t, int32(1), atomic.LoadInt32(&timeCalls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&accountCalls))
}

func TestInvalidCredentialsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))
	defer server.Close()

	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL(server.URL)

	_, err := client.GetBalances(context.Background(), Credential{APIKey: "bad", APISecret: "bad"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIPNotWhitelistedIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
	}))
	defer server.Close()

	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL(server.URL)

	_, err := client.GetBalances(context.Background(), Credential{APIKey: "k", APISecret: "s"})
	require.ErrorIs(t, err, ErrIPNotWhitelisted)
	assert.True(t, IsTerminal(err))
}

func TestSignedRequestCarriesAPIKeyHeader(t *testing.T) {
	var gotKey, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"balances":[]}`))
	}))
	defer server.Close()

	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL(server.URL)

	_, err := client.GetBalances(context.Background(), Credential{APIKey: "the-key", APISecret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, "the-key", gotKey)
	assert.Contains(t, gotQuery, "signature=")
	assert.Contains(t, gotQuery, "timestamp=")
}

func TestBybitRetCodeClassification(t *testing.T) {
	client := NewBybitClient(testLogger(), fastOptions())

	cases := []struct {
		name string
		body string
		want error
	}{
		{"clock drift", `{"retCode":10002,"retMsg":"invalid request timestamp"}`, ErrClockDrift},
		{"invalid key", `{"retCode":10003,"retMsg":"API key is invalid"}`, ErrInvalidCredentials},
		{"bad signature", `{"retCode":10004,"retMsg":"error sign"}`, ErrInvalidCredentials},
		{"rate limited", `{"retCode":10006,"retMsg":"too many visits"}`, ErrRateLimited},
		{"ip rate limited", `{"retCode":10018,"retMsg":"exceeded IP rate limit"}`, ErrRateLimited},
		{"ip mismatch", `{"retCode":10010,"retMsg":"unmatched IP"}`, ErrIPNotWhitelisted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := client.classify(http.StatusOK, http.Header{}, []byte(tc.body))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("success", func(t *testing.T) {
		assert.NoError(t, client.classify(http.StatusOK, http.Header{}, []byte(`{"retCode":0,"retMsg":"OK"}`)))
	})

	t.Run("unknown code is protocol error", func(t *testing.T) {
		err := client.classify(http.StatusOK, http.Header{}, []byte(`{"retCode":12345,"retMsg":"boom"}`))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, 12345, perr.Code)
	})
}

func TestSyncClockAppliesServerOffset(t *testing.T) {
	serverTime := time.Now().Add(90 * time.Second).UnixMilli()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":` + strconv.FormatInt(serverTime, 10) + `}`))
	}))
	defer server.Close()

	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL(server.URL)
	require.NoError(t, client.SyncClock(context.Background()))

	// Signed timestamps now track the server clock, 90s ahead of us.
	drift := client.timestamp() - time.Now().UnixMilli()
	assert.InDelta(t, 90_000, drift, 2_000)
}

func TestSyncClockFallsBackToLocalTime(t *testing.T) {
	client := NewBinanceClient(testLogger(), fastOptions())
	client.SetBaseURL("http://127.0.0.1:1")

	require.NoError(t, client.SyncClock(context.Background()))
	drift := client.timestamp() - time.Now().UnixMilli()
	assert.InDelta(t, 0, drift, 2_000)
}
