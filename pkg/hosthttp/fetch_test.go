package hosthttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

func TestFetchMethodBlocked(t *testing.T) {
	p := &policy.Policy{AllowedDomains: []string{"*"}, AllowedMethods: []string{"GET"}}
	_, err := Fetch(context.Background(), Request{Method: "DELETE", URL: "https://example.com"}, Deps{Policy: p})
	require.NotNil(t, err)
	assert.Equal(t, "method_blocked", string(err.Code))
}

func TestFetchDomainBlocked(t *testing.T) {
	p := &policy.Policy{AllowedDomains: []string{"api.example.com"}}
	_, err := Fetch(context.Background(), Request{Method: "GET", URL: "https://evil.example.org"}, Deps{Policy: p})
	require.NotNil(t, err)
	assert.Equal(t, "domain_blocked", string(err.Code))
}

func TestFetchBodyAndMultipartRejected(t *testing.T) {
	p := &policy.Policy{AllowedDomains: []string{"*"}}
	_, err := Fetch(context.Background(), Request{
		Method: "POST", URL: "https://example.com",
		Body:      "x",
		Multipart: []MultipartField{{Name: "a", Value: "b"}},
	}, Deps{Policy: p})
	require.NotNil(t, err)
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	p := &policy.Policy{AllowedDomains: []string{"*"}, AllowedMethods: []string{"GET"}}
	resp, err := Fetch(context.Background(), Request{Method: "GET", URL: srv.URL}, Deps{
		Policy: p,
		Ref:    componentref.Ref{Type: componentref.TypeCatalyst, Namespace: "local", Name: "t", Version: "latest"},
	})
	require.Nil(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello", resp.Body)
}

func TestFetchResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	p := &policy.Policy{AllowedDomains: []string{"*"}, AllowedMethods: []string{"GET"}, MaxResponseSize: 4}
	_, err := Fetch(context.Background(), Request{Method: "GET", URL: srv.URL}, Deps{Policy: p})
	require.NotNil(t, err)
	assert.Equal(t, "response_too_large", string(err.Code))
}

func TestToValidUTF8ReplacesIllFormedBytes(t *testing.T) {
	out := toValidUTF8([]byte{'a', 0xff, 'b'})
	assert.Contains(t, out, "�")
}
