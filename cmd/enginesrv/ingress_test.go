package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIngressLimiterMiddleware(t *testing.T) {
	limiter := newIngressLimiter(1, 2)
	handler := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ts := httptest.NewServer(handler)
	defer ts.Close()
	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		assert.Equal(t, http.StatusOK, resp.StatusCode, "within burst")
		assert.NoError(t, resp.Body.Close())
	}

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("request 3 failed: %v", err)
	}
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "exceeded burst")
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	assert.NoError(t, resp.Body.Close())

	time.Sleep(1100 * time.Millisecond)

	resp, err = client.Get(ts.URL)
	if err != nil {
		t.Fatalf("request 4 failed: %v", err)
	}
	assert.Equal(t, http.StatusOK, resp.StatusCode, "refilled token")
	assert.NoError(t, resp.Body.Close())
}

func TestIngressLimiterDistinctIPs(t *testing.T) {
	limiter := newIngressLimiter(1, 1)

	a := limiter.visitor("10.0.0.1:1111")
	b := limiter.visitor("10.0.0.2:2222")

	assert.True(t, a.Allow())
	assert.False(t, a.Allow())
	assert.True(t, b.Allow(), "distinct IP gets its own bucket")
}
