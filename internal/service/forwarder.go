// Package service implements the request forwarding core.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"unicode/utf8"

	"relay-gateway/internal/config"
	"relay-gateway/internal/metrics"
	"relay-gateway/internal/model"
)

// Invariant violations in an otherwise successful upstream reply.
var (
	ErrInvalidStatus = errors.New("upstream status code out of range")
	ErrBodyNotText   = errors.New("upstream body is not valid UTF-8")
)

const (
	contentTypeJSON  = "application/json"
	gatewayErrorBody = "Bad Gateway"
)

// Upstream replays outbound requests against the upstream host.
type Upstream interface {
	// Call issues the request without a body.
	Call(ctx context.Context, r *model.OutboundRequest) (*model.UpstreamReply, error)
	// Send issues the request with body attached, even when body is empty.
	Send(ctx context.Context, r *model.OutboundRequest, body []byte) (*model.UpstreamReply, error)
}

// Forwarder replays inbound requests against the single configured upstream.
// It holds no per-request state and is safe for concurrent use.
type Forwarder struct {
	upstream    Upstream
	baseURL     string
	allowBinary bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewForwarder creates a Forwarder. The metrics parameter is optional.
func NewForwarder(u Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	if _, err := url.Parse(cfg.Upstream.BaseURL); err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &Forwarder{
		upstream:    u,
		baseURL:     cfg.Upstream.BaseURL,
		allowBinary: cfg.Upstream.AllowBinaryBody,
		logger:      logger.With("component", "forwarder"),
		metrics:     m,
	}, nil
}

// Forward sends in to the upstream and returns the response for the caller.
// It never fails: transport errors and malformed upstream replies become a
// 502 Bad Gateway response.
//
// Cancellation of ctx is ignored; the upstream call is bounded by the client's
// read and write timeouts instead.
func (f *Forwarder) Forward(ctx context.Context, in *model.InboundRequest) *model.OutboundResponse {
	out := f.buildRequest(in)
	ctx = context.WithoutCancel(ctx)

	var (
		reply *model.UpstreamReply
		err   error
	)
	if in.Method == http.MethodGet && len(in.Body) == 0 {
		reply, err = f.upstream.Call(ctx, out)
	} else {
		reply, err = f.upstream.Send(ctx, out, in.Body)
	}

	var resp *model.OutboundResponse
	if err == nil {
		resp, err = f.buildResponse(reply)
	}

	if err != nil {
		resp = gatewayError()
		outcome, reason := classify(err)
		f.record(outcome)
		f.logger.Warn("forward",
			"status", resp.StatusCode,
			"method", in.Method,
			"uri", out.URL,
			"reason", reason,
			"err", err,
		)
		return resp
	}

	f.record(metrics.OutcomeSuccess)
	f.logger.Info("forward",
		"status", resp.StatusCode,
		"method", in.Method,
		"uri", out.URL,
	)
	return resp
}

// buildRequest derives the outbound request. The path is appended to the base
// URL verbatim; headers and query are only set when the caller sent any.
func (f *Forwarder) buildRequest(in *model.InboundRequest) *model.OutboundRequest {
	out := &model.OutboundRequest{
		Method: in.Method,
		URL:    f.baseURL + in.Path,
	}
	if len(in.Header) > 0 {
		out.Header = forwardableHeaders(in.Header)
	}
	if len(in.Query) > 0 {
		out.Query = maps.Clone(in.Query)
	}
	return out
}

// forwardableHeaders copies every header except Host, which the client derives
// from the upstream URL.
func forwardableHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		if strings.EqualFold(name, "Host") {
			continue
		}
		dst[name] = slices.Clone(values)
	}
	return dst
}

func (f *Forwarder) buildResponse(reply *model.UpstreamReply) (*model.OutboundResponse, error) {
	if reply.StatusCode < 100 || reply.StatusCode > 999 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, reply.StatusCode)
	}
	if !f.allowBinary && !utf8.Valid(reply.Body) {
		return nil, ErrBodyNotText
	}

	return &model.OutboundResponse{
		StatusCode: reply.StatusCode,
		Header:     http.Header{"Content-Type": {contentTypeJSON}},
		Body:       reply.Body,
	}, nil
}

func gatewayError() *model.OutboundResponse {
	return &model.OutboundResponse{
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{"Content-Type": {contentTypeJSON}},
		Body:       []byte(gatewayErrorBody),
	}
}

func (f *Forwarder) record(outcome string) {
	if f.metrics != nil {
		f.metrics.ForwardOutcomes.WithLabelValues(outcome).Inc()
	}
}

// classify maps a forward failure to its outcome label and a short reason
// for the log line. Every outcome answers the caller with the same 502.
func classify(err error) (outcome, reason string) {
	if errors.Is(err, ErrInvalidStatus) {
		return metrics.OutcomeInvalidStatus, "upstream status out of range"
	}
	if errors.Is(err, ErrBodyNotText) {
		return metrics.OutcomeInvalidBody, "upstream body is not text"
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeTransportFailure, "upstream request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return metrics.OutcomeTransportFailure, "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return metrics.OutcomeTransportFailure, "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return metrics.OutcomeTransportFailure, "upstream connection failed"
	}

	return metrics.OutcomeTransportFailure, "upstream request failed"
}
