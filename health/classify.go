package health

import (
	"encoding/json"
	"strings"
)

// ErrorKind buckets an upstream failure by its textual form. Classification
// drives the health transitions and the dispatcher's retry decisions.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "TIMEOUT"
	KindNetwork          ErrorKind = "NETWORK"
	KindRateLimit        ErrorKind = "RATE_LIMIT"
	KindAuth             ErrorKind = "AUTH"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindAccountLocked    ErrorKind = "ACCOUNT_LOCKED"
	KindAccountSuspended ErrorKind = "ACCOUNT_SUSPENDED"
	KindUnknown          ErrorKind = "UNKNOWN"
)

// Kinds lists every ErrorKind; used to preset label values in metrics and
// reports.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindTimeout,
		KindNetwork,
		KindRateLimit,
		KindAuth,
		KindNotFound,
		KindAccountLocked,
		KindAccountSuspended,
		KindUnknown,
	}
}

type upstreamError struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Classify maps an upstream error message to its kind. It is a pure function
// of the message: same input, same kind. Rules are ordered; the first match
// wins.
func Classify(message string) ErrorKind {
	if lockedByErrorCode(message) {
		return KindAccountLocked
	}

	m := strings.ToLower(message)

	// The upstream reports suspended sessions as a bare 401 status line.
	if containsAny(m, "status 401", "status: 401", "status code: 401") {
		return KindAccountSuspended
	}
	if containsAny(m, "timeout", "timed out") {
		return KindTimeout
	}
	if containsAny(m, "network", "fetch failed", "connection", "socket") {
		return KindNetwork
	}
	if containsAny(m, "rate limit", "too many requests", "429") {
		return KindRateLimit
	}
	if containsAny(m, "auth", "login", "credentials", "unauthorized", "401") {
		return KindAuth
	}
	if containsAny(m, "not found", "404") {
		return KindNotFound
	}
	if containsAny(m, "account is temporarily locked", "account locked", "to unlock your account") {
		return KindAccountLocked
	}
	return KindUnknown
}

// lockedByErrorCode reports whether the message is an upstream JSON error
// document carrying code 326, the "account locked" signal.
func lockedByErrorCode(message string) bool {
	s := strings.TrimSpace(message)
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var ue upstreamError
	if err := json.Unmarshal([]byte(s), &ue); err != nil {
		return false
	}
	for _, e := range ue.Errors {
		if e.Code == 326 {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
