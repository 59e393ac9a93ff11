// Package client provides the shared HTTP client for the upstream host.
package client

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/metrics"
	"relay-gateway/internal/model"
)

// UpstreamClient sends requests to the upstream. A single instance is built at
// startup and shared by every request; it is safe for concurrent use.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and the
// configured read/write timeouts. The metrics parameter is optional; pass nil
// to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	readTimeout := cfg.Upstream.ReadTimeout()
	writeTimeout := cfg.Upstream.WriteTimeout()

	dialer := &net.Dialer{
		Timeout:   writeTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: writeTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return newDeadlineConn(conn, readTimeout, writeTimeout), nil
		},
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// CloseIdleConnections drops pooled upstream connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Call issues r without a request body.
func (c *UpstreamClient) Call(ctx context.Context, r *model.OutboundRequest) (*model.UpstreamReply, error) {
	return c.do(ctx, r, nil)
}

// Send issues r with body attached, even when body is empty.
func (c *UpstreamClient) Send(ctx context.Context, r *model.OutboundRequest, body []byte) (*model.UpstreamReply, error) {
	return c.do(ctx, r, bytes.NewReader(body))
}

// do executes the request and reads the whole response body. A failure while
// reading the body is reported like any other transport error.
func (c *UpstreamClient) do(ctx context.Context, r *model.OutboundRequest, body io.Reader) (*model.UpstreamReply, error) {
	target, err := withQuery(r.URL, r.Query)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	// Every connection that carries this request, redirects included, is
	// held until the body has been read.
	var held []*deadlineConn
	defer func() {
		for _, dc := range held {
			dc.release()
		}
	}()
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if dc := asDeadlineConn(info.Conn); dc != nil {
				dc.acquire()
				held = append(held, dc)
			}
		},
	})

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if r.Header != nil {
		req.Header = r.Header
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	method := metrics.NormalizeMethod(req.Method)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, start, 0)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp)
	c.observe(method, start, resp.StatusCode)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.UpstreamReply{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (c *UpstreamClient) observe(method string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}

// withQuery attaches query parameters to rawURL through url.Values so names
// and values are encoded consistently. rawURL is returned untouched when there
// are no parameters.
func withQuery(rawURL string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for name, value := range query {
		q.Set(name, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readBody reads the response body, decoding gzip when the transport did not
// already do so. That happens when the caller's Accept-Encoding header was
// forwarded, which turns off the transport's transparent decompression.
// Replies without a body (HEAD, 204, 304) may still announce gzip and are
// returned empty.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if !resp.Uncompressed && strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		br := bufio.NewReader(resp.Body)
		if _, err := br.Peek(1); errors.Is(err, io.EOF) {
			return []byte{}, nil
		}
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return io.ReadAll(r)
}
