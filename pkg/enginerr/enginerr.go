// Package enginerr defines the error-kind taxonomy used across the execution
// engine. Every package-boundary error is wrapped in an *Error carrying a Kind
// from this taxonomy so the Executor can classify a failure without string
// matching and so user-visible messages stay short and stack-trace free.
package enginerr

import "fmt"

// Kind is a coarse error category, not a specific error code.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindSecurity   Kind = "security"
	KindResource   Kind = "resource"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Code is a specific, stable error code within a Kind. Codes are what callers
// match on; Kind is what callers bucket on for HTTP-status-style mapping.
type Code string

const (
	// Validation
	CodeUnknownType     Code = "unknown_type"
	CodeMalformedRef     Code = "malformed_ref"
	CodeOversizeInput    Code = "oversize_input"
	CodeSchemaInvalid    Code = "schema_invalid"

	// Policy
	CodePolicyMissing      Code = "policy_missing"
	CodeNoAllowedDomains   Code = "no_allowed_domains"
	CodeDomainBlocked      Code = "domain_blocked"
	CodeMethodBlocked      Code = "method_blocked"
	CodeToolDenied         Code = "tool_denied"
	CodeStoragePathDenied  Code = "storage_path_denied"
	CodeRateLimited        Code = "rate_limited"
	CodeResponseTooLarge   Code = "response_too_large"
	CodeRequestTooLarge    Code = "request_too_large"

	// Security
	CodePrivateIPBlocked Code = "private_ip_blocked"
	CodeSignatureInvalid Code = "signature_invalid"
	CodeDigestMismatch   Code = "digest_mismatch"
	CodeAccessDenied     Code = "access_denied"

	// Resource
	CodeTimeout         Code = "timeout"
	CodeMemoryExceeded  Code = "memory_exceeded"
	CodeFuelExhausted   Code = "fuel_exhausted"
	CodeStreamLimit     Code = "stream_limit"
	CodeDepthExceeded   Code = "depth_exceeded"

	// External
	CodeDNSError     Code = "dns_error"
	CodeHTTPError    Code = "http_error"
	CodeNotFound     Code = "not_found"
	CodeStorageError Code = "storage_error"

	// Internal
	CodeDecodeError Code = "decode_error"
	CodeEncodeError Code = "encode_error"
	CodeUnexpected  Code = "unexpected"
)

var kindByCode = map[Code]Kind{
	CodeUnknownType:    KindValidation,
	CodeMalformedRef:   KindValidation,
	CodeOversizeInput:  KindValidation,
	CodeSchemaInvalid:  KindValidation,

	CodePolicyMissing:     KindPolicy,
	CodeNoAllowedDomains:  KindPolicy,
	CodeDomainBlocked:     KindPolicy,
	CodeMethodBlocked:     KindPolicy,
	CodeToolDenied:        KindPolicy,
	CodeStoragePathDenied: KindPolicy,
	CodeRateLimited:       KindPolicy,
	CodeResponseTooLarge:  KindPolicy,
	CodeRequestTooLarge:   KindPolicy,

	CodePrivateIPBlocked: KindSecurity,
	CodeSignatureInvalid: KindSecurity,
	CodeDigestMismatch:   KindSecurity,
	CodeAccessDenied:     KindSecurity,

	CodeTimeout:        KindResource,
	CodeMemoryExceeded: KindResource,
	CodeFuelExhausted:  KindResource,
	CodeStreamLimit:    KindResource,
	CodeDepthExceeded:  KindResource,

	CodeDNSError:     KindExternal,
	CodeHTTPError:    KindExternal,
	CodeNotFound:     KindExternal,
	CodeStorageError: KindExternal,

	CodeDecodeError: KindInternal,
	CodeEncodeError: KindInternal,
	CodeUnexpected:  KindInternal,
}

// Error is the engine's structured error type. Message is a short, single-line,
// user-visible description naming the rule violated; it never contains a stack
// trace.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for the given code, inferring Kind from the taxonomy.
func New(code Code, message string) *Error {
	return &Error{Code: code, Kind: kindByCode[code], Message: message}
}

// Wrap builds an *Error for the given code, attaching a causing error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Kind: kindByCode[code], Message: message, Cause: cause}
}

// Is reports whether err is an *Error with the given code, for errors.Is-style
// matching via a small helper (errors.As is also usable directly).
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Code == code
}

// JSON is the wire shape host functions emit for every error: a component
// always sees {error:{type, message}} and never a raw trap out of the
// sandbox.
type JSON struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToJSON converts any error into the host-function error envelope. Non-*Error
// values are classified as internal/unexpected.
func ToJSON(err error) JSON {
	var j JSON
	if e, ok := err.(*Error); ok {
		j.Error.Type = string(e.Code)
		j.Error.Message = e.Message
		return j
	}
	j.Error.Type = string(CodeUnexpected)
	j.Error.Message = err.Error()
	return j
}
