package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/engine"
	"github.com/polisai/polis-intercept/pkg/policy"
)

// Component ids under which policies are resolved.
const (
	sourceComponent  = "http-listener"
	backendComponent = "http-backend"
)

const maxBodyBytes = 1 << 20

// Response parameter keys produced by httpResponses.
const (
	paramStatus  = "status"
	paramHeaders = "headers"
	paramBody    = "body"
)

// httpSource turns each inbound HTTP request into an event and runs it through the
// source policy of sourceComponent. The protected flow calls an echo backend through
// the operation policy of backendComponent.
type httpSource struct {
	manager           *engine.PolicyManager
	logger            *slog.Logger
	transactionHeader string
	echoStatus        int
	echoDelay         time.Duration
}

func (s *httpSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ev := domain.Event{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		TransactionID: r.Header.Get(s.transactionHeader),
		Message: domain.Message{
			Payload:    string(body),
			Attributes: requestAttributes(r),
		},
	}

	sourcePolicy, err := s.manager.SourcePolicy(ctx, sourceComponent, ev, domain.FlowFunc(s.flow))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve source policy", "error", err, "correlation_id", ev.CorrelationID)
		writeJSONError(w, http.StatusInternalServerError, "POLICY_RESOLUTION_FAILED", "policy resolution failed")
		return
	}

	done := make(chan struct{})
	sourcePolicy.Process(ctx, ev, httpResponses{defaultStatus: s.echoStatus}, func(result domain.SourceResult) {
		defer close(done)
		if success, ok := result.Success(); ok {
			writeParameters(w, success.ResponseParameters())
			return
		}
		failure, _ := result.Failure()
		s.logger.WarnContext(ctx, "request failed",
			"correlation_id", ev.CorrelationID,
			"kind", failure.Failure.Kind,
			"component", failure.Failure.Component,
			"error", failure.Failure.Err,
		)
		writeParameters(w, failure.ResponseParameters())
	})
	// The response writer must not outlive the handler, so wait for completion even
	// when the client has gone away; the flow itself observes ctx.
	<-done
}

// flow is the protected logic of the source.
func (s *httpSource) flow(ctx context.Context, ev domain.Event) (domain.Event, error) {
	params := map[string]any{
		"method": ev.Message.Attributes["method"],
		"path":   ev.Message.Attributes["path"],
	}
	op, err := s.manager.OperationPolicy(ctx, backendComponent, ev, params)
	if err != nil {
		return ev, err
	}
	return op.Process(ctx, ev, domain.OperationFunc(s.backend), domain.StaticParameters(params))
}

// backend echoes the request payload after the configured delay.
func (s *httpSource) backend(ctx context.Context, params map[string]any, ev domain.Event, cb domain.OperationCallback) {
	if s.echoDelay > 0 {
		timer := time.NewTimer(s.echoDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			cb.Error(ctx.Err())
			return
		}
	}
	attrs := map[string]any{
		policy.AttributeStatus: s.echoStatus,
		"content-type":         "text/plain; charset=utf-8",
	}
	for k, v := range params {
		attrs["echo-"+k] = v
	}
	cb.Complete(ev.WithMessage(domain.Message{Payload: ev.Message.Payload, Attributes: attrs}))
}

func requestAttributes(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	return map[string]any{
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       r.URL.RawQuery,
		"host":        r.Host,
		"remote_addr": r.RemoteAddr,
		"headers":     headers,
	}
}

// httpResponses builds response parameters from the final event of a source execution.
type httpResponses struct {
	defaultStatus int
}

var _ domain.ResponseParametersProcessor = httpResponses{}

func (p httpResponses) SuccessParameters(ev domain.Event) map[string]any {
	status := statusAttribute(ev, p.defaultStatus)
	return map[string]any{
		paramStatus:  status,
		paramHeaders: responseHeaders(ev),
		paramBody:    ev.Message.Payload,
	}
}

func (p httpResponses) FailureParameters(ev domain.Event) map[string]any {
	status, code := statusForError(ev.Err)
	if v, ok := ev.Message.Attribute(policy.AttributeStatus); ok {
		if s := toStatus(v); s >= 400 {
			status = s
		}
	}
	message := http.StatusText(status)
	if ev.Err != nil {
		message = ev.Err.Error()
	}
	body, _ := json.Marshal(map[string]string{"code": code, "message": message})

	headers := responseHeaders(ev)
	headers["Content-Type"] = "application/json"
	return map[string]any{
		paramStatus:  status,
		paramHeaders: headers,
		paramBody:    string(body),
	}
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED"
	case errors.Is(err, domain.ErrThrottled):
		return http.StatusTooManyRequests, "THROTTLED"
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "CIRCUIT_OPEN"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func statusAttribute(ev domain.Event, fallback int) int {
	if v, ok := ev.Message.Attribute(policy.AttributeStatus); ok {
		if s := toStatus(v); s > 0 {
			return s
		}
	}
	if fallback == 0 {
		return http.StatusOK
	}
	return fallback
}

func toStatus(v any) int {
	switch s := v.(type) {
	case int:
		return s
	case int64:
		return int(s)
	case float64:
		return int(s)
	case string:
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func responseHeaders(ev domain.Event) map[string]string {
	headers := map[string]string{}
	if v, ok := ev.Message.Attribute("content-type"); ok {
		headers["Content-Type"] = toString(v)
	}
	if v, ok := ev.Message.Attribute(policy.AttributeCode); ok {
		headers["X-Intercept-Code"] = toString(v)
	}
	if v, ok := ev.Message.Attribute(policy.AttributeRetryAfter); ok {
		if d, err := time.ParseDuration(toString(v)); err == nil {
			headers["Retry-After"] = strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
		}
	}
	return headers
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func writeParameters(w http.ResponseWriter, params map[string]any) {
	status, _ := params[paramStatus].(int)
	if status == 0 {
		status = http.StatusOK
	}
	if headers, ok := params[paramHeaders].(map[string]string); ok {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(status)
	if body, ok := params[paramBody]; ok && body != nil {
		_, _ = io.WriteString(w, toBody(body))
	}
}

func toBody(v any) string {
	switch b := v.(type) {
	case string:
		return b
	case []byte:
		return string(b)
	default:
		return toString(b)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
