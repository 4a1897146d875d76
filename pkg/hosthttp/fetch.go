// Package hosthttp implements the http/fetch and http/stream host functions:
// a component-callable HTTP client with SSRF protection, size caps, and no
// automatic redirects.
package hosthttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
	"github.com/cyfrworks/cyfr-sub001/pkg/ratelimiter"
	"github.com/cyfrworks/cyfr-sub001/pkg/telemetry"
)

// defaultTimeout is used when the policy sets no timeout.
const defaultTimeout = 30 * time.Second

// MultipartField is one part of a multipart/form-data body.
type MultipartField struct {
	Name        string `json:"name"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Value       string `json:"value"` // plain or base64 per Base64 flag
	Base64      bool   `json:"base64,omitempty"`
}

// Request is the decoded form of http/fetch.request's input JSON.
type Request struct {
	Method           string            `json:"method"`
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	BodyBase64       bool              `json:"body_base64,omitempty"`
	Multipart        []MultipartField  `json:"multipart,omitempty"`
	ResponseEncoding string            `json:"response_encoding,omitempty"` // "" or "base64"
}

// Response is the encoded form of http/fetch.request's success output JSON.
type Response struct {
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
}

// Deps bundles the per-execution collaborators HostHttp needs.
type Deps struct {
	Client     *http.Client
	Policy     *policy.Policy
	Limiter    ratelimiter.Limiter
	Telemetry  *telemetry.Emitter
	UserID     string
	Ref        componentref.Ref
	ExecutionID string
}

func newClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetch executes one request/response round trip: method and domain checks,
// body construction and sizing, rate limiting, SSRF validation, the request
// itself, then response sizing and encoding. It never returns a Go error to
// signal an engine-domain failure —
// those are reported as (Response{}, *enginerr.Error), which the caller (the
// Runtime's host-function dispatcher) encodes into the {error:{type,
// message}} envelope. A non-nil plain error indicates a programmer/transport
// bug that also gets encoded the same way by enginerr.ToJSON.
func Fetch(ctx context.Context, req Request, deps Deps) (Response, *enginerr.Error) {
	if req.Body != "" && len(req.Multipart) > 0 {
		return Response{}, enginerr.New(enginerr.CodeOversizeInput, "request must not set both body and multipart")
	}

	if !policy.AllowsMethod(deps.Policy, req.Method) {
		return Response{}, enginerr.New(enginerr.CodeMethodBlocked, "method "+req.Method+" is not allowed")
	}

	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Response{}, enginerr.New(enginerr.CodeMalformedRef, "invalid request url")
	}
	host := parsed.Hostname()
	if !policy.AllowsDomain(deps.Policy, host) {
		return Response{}, enginerr.New(enginerr.CodeDomainBlocked, "domain "+host+" is not allowed")
	}

	bodyBytes, contentType, buildErr := buildBody(req)
	if buildErr != nil {
		return Response{}, buildErr
	}
	if deps.Policy != nil && deps.Policy.MaxRequestSize > 0 && int64(len(bodyBytes)) > deps.Policy.MaxRequestSize {
		return Response{}, enginerr.New(enginerr.CodeRequestTooLarge, "request body exceeds max_request_size")
	}

	if deps.Limiter != nil {
		result, rlErr := deps.Limiter.Check(ctx, deps.UserID, deps.Ref, deps.Policy)
		if rlErr != nil {
			return Response{}, enginerr.Wrap(enginerr.CodeUnexpected, "rate limiter check failed", rlErr)
		}
		if !result.Allowed {
			e := enginerr.New(enginerr.CodeRateLimited, "rate limit exceeded")
			e.Message = "rate limit exceeded, retry_after_ms=" + strconv.FormatInt(result.RetryAfter.Milliseconds(), 10)
			return Response{}, e
		}
	}

	if hostErr := validateHost(ctx, host); hostErr != nil {
		return Response{}, hostErr
	}

	timeoutMS, perr := policy.TimeoutMS(deps.Policy)
	if perr != nil {
		return Response{}, enginerr.Wrap(enginerr.CodeMalformedRef, "malformed policy timeout", perr)
	}
	timeout := defaultTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(req.Method), parsed.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return Response{}, enginerr.Wrap(enginerr.CodeUnexpected, "failed to build request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	client := deps.Client
	if client == nil {
		client = newClient()
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		if reqCtx.Err() != nil {
			return Response{}, enginerr.New(enginerr.CodeTimeout, "request timed out")
		}
		return Response{}, enginerr.Wrap(enginerr.CodeHTTPError, "request failed", err)
	}
	defer httpResp.Body.Close()

	maxResponse := int64(0)
	if deps.Policy != nil {
		maxResponse = deps.Policy.MaxResponseSize
	}
	var limited io.Reader = httpResp.Body
	if maxResponse > 0 {
		limited = io.LimitReader(httpResp.Body, maxResponse+1)
	}
	raw, err := io.ReadAll(limited)
	if err != nil {
		return Response{}, enginerr.Wrap(enginerr.CodeHTTPError, "failed to read response body", err)
	}
	if maxResponse > 0 && int64(len(raw)) > maxResponse {
		return Response{}, enginerr.New(enginerr.CodeResponseTooLarge, "response body exceeds max_response_size")
	}

	resp := Response{Status: httpResp.StatusCode, Headers: flattenHeaders(httpResp.Header)}
	if req.ResponseEncoding == "base64" {
		resp.Body = base64.StdEncoding.EncodeToString(raw)
		resp.BodyEncoding = "base64"
	} else {
		resp.Body = toValidUTF8(raw)
	}

	if deps.Telemetry != nil {
		deps.Telemetry.Emit(ctx, telemetry.Event{
			Type:        telemetry.EventHTTPRequest,
			ExecutionID: deps.ExecutionID,
			UserID:      deps.UserID,
			Ref:         deps.Ref.String(),
			Fields: map[string]string{
				"method":      req.Method,
				"host":        host,
				"status":      strconv.Itoa(httpResp.StatusCode),
				"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
			},
		})
	}

	return resp, nil
}

func buildBody(req Request) ([]byte, string, *enginerr.Error) {
	if len(req.Multipart) > 0 {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range req.Multipart {
			value := []byte(f.Value)
			if f.Base64 {
				decoded, err := base64.StdEncoding.DecodeString(f.Value)
				if err != nil {
					return nil, "", enginerr.Wrap(enginerr.CodeDecodeError, "invalid base64 multipart field "+f.Name, err)
				}
				value = decoded
			}
			var part io.Writer
			var err error
			if f.Filename != "" {
				part, err = w.CreateFormFile(f.Name, f.Filename)
			} else {
				part, err = w.CreateFormField(f.Name)
			}
			if err != nil {
				return nil, "", enginerr.Wrap(enginerr.CodeUnexpected, "failed to build multipart field "+f.Name, err)
			}
			if _, err := part.Write(value); err != nil {
				return nil, "", enginerr.Wrap(enginerr.CodeUnexpected, "failed to write multipart field "+f.Name, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", enginerr.Wrap(enginerr.CodeUnexpected, "failed to close multipart writer", err)
		}
		return buf.Bytes(), w.FormDataContentType(), nil
	}

	if req.Body == "" {
		return nil, "", nil
	}
	if req.BodyBase64 {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, "", enginerr.Wrap(enginerr.CodeDecodeError, "invalid base64 request body", err)
		}
		return decoded, "", nil
	}
	return []byte(req.Body), "", nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// toValidUTF8 substitutes U+FFFD for invalid byte sequences, using
// golang.org/x/text/runes' ill-formed-rune replacement instead of a
// hand-rolled byte scanner.
func toValidUTF8(raw []byte) string {
	t := transform.NewReader(bytes.NewReader(raw), runes.ReplaceIllFormed())
	out, err := io.ReadAll(t)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return string(out)
}

