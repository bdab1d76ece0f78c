package inference

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

var serviceMarkers = []struct {
	marker string
	code   clierr.ServiceCode
}{
	{"grant_expired", clierr.ServiceGrantExpired},
	{"grant_not_found", clierr.ServiceGrantNotFound},
	{"insufficient_tokens", clierr.ServiceInsufficientTokens},
	{"insufficient_balance", clierr.ServiceInsufficientTokens},
	{"invalid_signature", clierr.ServiceInvalidSignature},
	{"rate_limit", clierr.ServiceRateLimited},
	{"too_many_requests", clierr.ServiceRateLimited},
}

// ClassifyServiceError maps a non-2xx completion response to a transport
// error. Services may report the code field, the message field, or both.
func ClassifyServiceError(statusCode int, body []byte) error {
	code, message := serviceErrorFields(body)
	service := matchServiceCode(code + " " + message)
	if service == clierr.ServiceUnknown && statusCode == http.StatusTooManyRequests {
		service = clierr.ServiceRateLimited
	}
	text := message
	if text == "" {
		text = code
	}
	if text == "" {
		text = http.StatusText(statusCode)
	}
	return clierr.Transport(statusCode, service, fmt.Sprintf("inference service returned %d: %s", statusCode, text))
}

func matchServiceCode(raw string) clierr.ServiceCode {
	norm := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(raw))
	for _, m := range serviceMarkers {
		if strings.Contains(norm, m.marker) {
			return m.code
		}
	}
	return clierr.ServiceUnknown
}

// serviceErrorFields accepts {"code","message"}, {"error": "..."} and
// {"error": {"code","message","type"}} bodies, or plain text.
func serviceErrorFields(body []byte) (code, message string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", trimmed
	}
	code = stringField(payload, "code")
	message = stringField(payload, "message")
	switch v := payload["error"].(type) {
	case string:
		if message == "" {
			message = v
		} else if code == "" {
			code = v
		}
	case map[string]any:
		if code == "" {
			code = stringField(v, "code")
		}
		if code == "" {
			code = stringField(v, "type")
		}
		if message == "" {
			message = stringField(v, "message")
		}
	}
	return code, message
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
