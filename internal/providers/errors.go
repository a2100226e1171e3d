package providers

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var (
	statusCodePattern = regexp.MustCompile(`(?i)status(?: code)?:?\s*(\d{3})\b`)
	retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after:?\s*([0-9.]+)`)
)

// extractErrorMetadata recovers the HTTP status and Retry-After hint from the
// text of an SDK error. Either value is zero/empty when not found.
func extractErrorMetadata(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	errStr := err.Error()

	var retryAfter string
	if m := retryAfterPattern.FindStringSubmatch(errStr); m != nil {
		retryAfter = m[1]
	}

	if m := statusCodePattern.FindStringSubmatch(errStr); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && code >= 400 && code < 600 {
			return code, retryAfter
		}
	}

	// Common patterns without an explicit "status": "429 Too Many Requests", "HTTP 503".
	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "429"):
		return http.StatusTooManyRequests, retryAfter
	case strings.Contains(lower, "401"):
		return http.StatusUnauthorized, retryAfter
	case strings.Contains(lower, "403"):
		return http.StatusForbidden, retryAfter
	case strings.Contains(lower, "502"):
		return http.StatusBadGateway, retryAfter
	case strings.Contains(lower, "503"):
		return http.StatusServiceUnavailable, retryAfter
	case strings.Contains(lower, "504"):
		return http.StatusGatewayTimeout, retryAfter
	case strings.Contains(lower, "500"):
		return http.StatusInternalServerError, retryAfter
	}
	return 0, retryAfter
}
