package metrics

import (
	"errors"
	"fmt"
	"strings"

	"fundingflow/logger"
)

// LimitKind classifies an upstream rejection.
type LimitKind int

const (
	LimitNone LimitKind = iota
	LimitRate
	LimitIPBan
)

// StatusError carries the HTTP status of a failed exchange request so limit
// detection does not depend on message wording alone.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// DetectLimit inspects an exchange error. HTTP 429 is a rate limit and 418
// an IP ban; otherwise the message wording of each exchange decides.
func DetectLimit(exchange string, err error) LimitKind {
	if err == nil {
		return LimitNone
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 429:
			return LimitRate
		case 418:
			return LimitIPBan
		}
	}

	msg := strings.ToLower(err.Error())
	var rateLimit, ipBan bool
	switch strings.ToLower(exchange) {
	case "okx":
		rateLimit = strings.Contains(msg, "too many requests") || strings.Contains(msg, "frequency limit")
		ipBan = strings.Contains(msg, "ip") && (strings.Contains(msg, "blocked") || strings.Contains(msg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
		ipBan = strings.Contains(msg, "ip") && strings.Contains(msg, "limit") && strings.Contains(msg, "triggered")
	case "bybit":
		ipBan = strings.Contains(msg, "ip rate limit") || (strings.Contains(msg, "ip") && strings.Contains(msg, "ban"))
		rateLimit = strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many visits") || strings.Contains(msg, "too many requests")
	default:
		rateLimit = strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
		ipBan = strings.Contains(msg, "ip") && strings.Contains(msg, "ban")
	}
	switch {
	case ipBan:
		return LimitIPBan
	case rateLimit:
		return LimitRate
	}
	return LimitNone
}

// ReportLimit emits a rate_limit_exceeded or ip_ban metric when err signals
// one. It returns the detected kind.
func ReportLimit(log *logger.Log, exchange, symbol, stage string, err error) LimitKind {
	kind := DetectLimit(exchange, err)
	if kind == LimitNone {
		return kind
	}
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"stage":    stage,
	}
	component := strings.ToLower(exchange) + "_reader"
	if kind == LimitIPBan {
		EmitMetric(log, component, "ip_ban", int64(1), "counter", fields)
		log.WithComponent(component).WithFields(fields).Error("ip banned")
		return kind
	}
	EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
	return kind
}
