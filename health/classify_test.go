package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		message  string
		expected ErrorKind
	}{
		{
			"json code 326",
			`{"errors":[{"code":326,"message":"This account is temporarily locked"}]}`,
			KindAccountLocked,
		},
		{
			"json other code falls through",
			`{"errors":[{"code":64}]}`,
			KindUnknown,
		},
		{
			"json rate limit code classified by message",
			`{"errors":[{"code":88,"message":"Rate limit exceeded"}]}`,
			KindRateLimit,
		},
		{
			"bare 401 status line",
			"Response status: 401",
			KindAccountSuspended,
		},
		{
			"status 401 without colon",
			"request failed with status 401",
			KindAccountSuspended,
		},
		{
			"status code 401",
			"status code: 401",
			KindAccountSuspended,
		},
		{
			"timed out",
			"operation getProfile timed out after 30s",
			KindTimeout,
		},
		{
			"io timeout",
			"dial tcp 10.0.0.1:443: i/o timeout",
			KindTimeout,
		},
		{
			"client timeout",
			"Client.Timeout exceeded while awaiting headers",
			KindTimeout,
		},
		{
			"fetch failed",
			"TypeError: fetch failed",
			KindNetwork,
		},
		{
			"connection refused",
			"dial tcp 10.0.0.1:443: connect: connection refused",
			KindNetwork,
		},
		{
			"socket hang up",
			"socket hang up",
			KindNetwork,
		},
		{
			"rate limit text",
			"Rate limit exceeded",
			KindRateLimit,
		},
		{
			"too many requests",
			"429 Too Many Requests",
			KindRateLimit,
		},
		{
			"unauthorized",
			"request rejected: Unauthorized",
			KindAuth,
		},
		{
			"login failed",
			"login failed: incorrect password",
			KindAuth,
		},
		{
			"bare 401",
			"upstream replied 401",
			KindAuth,
		},
		{
			"not found",
			"user somebody not found",
			KindNotFound,
		},
		{
			"404",
			"upstream replied 404",
			KindNotFound,
		},
		{
			"account temporarily locked",
			"Your account is temporarily locked",
			KindAccountLocked,
		},
		{
			"unlock your account",
			"Visit the help center to unlock your account",
			KindAccountLocked,
		},
		{
			// rule order: the login keyword wins over the lock phrasing
			"login beats lock phrasing",
			"Please login to unlock your account",
			KindAuth,
		},
		{
			"empty",
			"",
			KindUnknown,
		},
		{
			"unclassified",
			"something exploded",
			KindUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.message))
			// pure: same message, same kind
			assert.Equal(t, Classify(tc.message), Classify(tc.message))
		})
	}
}
