// Package errfmt classifies processing errors into a closed taxonomy and
// renders localized user-facing strings for them.
package errfmt

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Kind is one of the closed set of gateway error kinds.
type Kind string

const (
	Timeout        Kind = "timeout"
	RateLimit      Kind = "rate_limit"
	AccessDenied   Kind = "access_denied"
	InvalidMessage Kind = "invalid_message"
	AgentError     Kind = "agent_error"
	NetworkError   Kind = "network_error"
	InternalError  Kind = "internal_error"
)

type template struct {
	text  string
	level slog.Level
	retry bool
}

var messages = map[string]map[Kind]template{
	"zh": {
		Timeout:        {"处理时间过长，请稍后重试", slog.LevelWarn, true},
		RateLimit:      {"请求太频繁，请稍后再试", slog.LevelWarn, true},
		AccessDenied:   {"抱歉，您没有使用权限", slog.LevelWarn, false},
		InvalidMessage: {"消息格式不正确，请重新发送", slog.LevelInfo, false},
		AgentError:     {"AI 处理时遇到问题，请重试", slog.LevelError, true},
		NetworkError:   {"网络连接出现问题，请稍后重试", slog.LevelError, true},
		InternalError:  {"系统出现问题，工程师正在处理中", slog.LevelError, false},
	},
	"en": {
		Timeout:        {"Request timed out, please try again later", slog.LevelWarn, true},
		RateLimit:      {"Too many requests, please slow down", slog.LevelWarn, true},
		AccessDenied:   {"Sorry, you don't have permission", slog.LevelWarn, false},
		InvalidMessage: {"Invalid message format, please try again", slog.LevelInfo, false},
		AgentError:     {"AI encountered an issue, please retry", slog.LevelError, true},
		NetworkError:   {"Network error, please try again later", slog.LevelError, true},
		InternalError:  {"System error, we're working on it", slog.LevelError, false},
	},
}

// Classify maps an error to its Kind. Well-known error types are checked
// first; the remaining kinds are matched by substring against the error
// text, in a fixed order, falling through to InternalError. Transports
// raise heterogeneous error families, so the substring pass stays as the
// catch-all behind the typed checks.
func Classify(err error) Kind {
	if err == nil {
		return InternalError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkError
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusTooManyRequests:
			return RateLimit
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return Timeout
		case http.StatusUnauthorized, http.StatusForbidden:
			return AccessDenied
		}
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"):
		return Timeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "too many"):
		return RateLimit
	case strings.Contains(s, "access denied"), strings.Contains(s, "permission"):
		return AccessDenied
	case strings.Contains(s, "invalid"), strings.Contains(s, "format"):
		return InvalidMessage
	case strings.Contains(s, "agent"):
		return AgentError
	case strings.Contains(s, "network"), strings.Contains(s, "connection"):
		return NetworkError
	}
	return InternalError
}

// Message renders the localized user string for a kind: "⚠️ {text}" plus a
// retry hint for retryable kinds. Unknown languages fall back to English.
func Message(kind Kind, lang string) string {
	msgs, ok := messages[lang]
	if !ok {
		msgs = messages["en"]
	}
	t, ok := msgs[kind]
	if !ok {
		t = msgs[InternalError]
	}

	out := "⚠️ " + t.text
	if t.retry {
		if lang == "zh" {
			out += " 🔄"
		} else {
			out += " (retry)"
		}
	}
	return out
}

// Format classifies err, logs it at the kind's severity, and returns the
// localized user-facing string.
func Format(err error, lang string) string {
	kind := Classify(err)
	if t, ok := messages["en"][kind]; ok {
		slog.Log(context.Background(), t.level, "message processing failed", "kind", string(kind), "error", err)
	}
	return Message(kind, lang)
}
