package resilience

import (
	"context"
	stderrors "errors"
	"net"
	"regexp"
	"strings"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// messagePattern maps substrings of opaque provider errors to a type.
// Patterns are checked in order, so more specific ones come first.
type messagePattern struct {
	errorType errors.ErrorType
	needles   []string
}

var messagePatterns = []messagePattern{
	{errors.ErrorTypeQuotaExceeded, []string{"insufficient_quota", "quota", "billing hard limit", "credit balance"}},
	{errors.ErrorTypeRateLimit, []string{"rate limit", "rate_limit", "too many requests"}},
	{errors.ErrorTypeNetwork, []string{"timeout", "timed out", "connection refused", "connection reset", "econnreset", "econnrefused", "no such host", "network", "fetch failed", "eof"}},
	{errors.ErrorTypeAuthentication, []string{"invalid api key", "invalid_api_key", "unauthorized", "authentication", "permission denied", "forbidden"}},
	{errors.ErrorTypeParsing, []string{"json", "unmarshal", "parse", "unexpected token", "malformed"}},
	{errors.ErrorTypeCache, []string{"redis", "cache"}},
	{errors.ErrorTypeProvider, []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout", "overloaded"}},
	{errors.ErrorTypeValidation, []string{"invalid", "validation"}},
}

// statusCodePattern finds an HTTP status only where the message says it is
// one: at the very start, or after "status", "status code", "code" or "HTTP".
var statusCodePattern = regexp.MustCompile(`(?:^|\bstatus(?:[ _]?code)?[:= ]*|\bcode[:= ]+|\bhttp(?:/\d(?:\.\d)?)?[: ]*)([45]\d\d)\b`)

func statusCodeType(code string) errors.ErrorType {
	switch code {
	case "400", "422":
		return errors.ErrorTypeValidation
	case "401", "403":
		return errors.ErrorTypeAuthentication
	case "408":
		return errors.ErrorTypeNetwork
	case "429":
		return errors.ErrorTypeRateLimit
	}
	if code[0] == '5' {
		return errors.ErrorTypeProvider
	}
	return errors.ErrorTypeUnknown
}

// Classify maps an error to the AI error taxonomy. Errors that carry their
// own classification win; message heuristics are the last resort for
// opaque third-party errors.
func Classify(err error) errors.ErrorType {
	if err == nil {
		return errors.ErrorTypeUnknown
	}

	var classified errors.Classified
	if stderrors.As(err, &classified) {
		return classified.ErrorType()
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrorTypeNetwork
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.ErrorTypeNetwork
	}

	message := strings.ToLower(err.Error())
	for _, pattern := range messagePatterns {
		for _, needle := range pattern.needles {
			if strings.Contains(message, needle) {
				return pattern.errorType
			}
		}
	}

	if match := statusCodePattern.FindStringSubmatch(message); match != nil {
		return statusCodeType(match[1])
	}

	return errors.ErrorTypeUnknown
}
