package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"relay-gateway/internal/middleware"
	"relay-gateway/internal/model"
	"relay-gateway/internal/service"
)

// ForwardHandler hands every non-internal request to the forwarder.
type ForwardHandler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
}

// NewForwardHandler creates a ForwardHandler.
func NewForwardHandler(f *service.Forwarder, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		forwarder: f,
		logger:    logger.With("component", "forward_handler"),
	}
}

// Handle reads the whole inbound request, forwards it and writes the single
// response the forwarder produces.
func (h *ForwardHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports an oversized body as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Error("reading request body", "err", err, "path", req.URL.Path)
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	in := &model.InboundRequest{
		Method: req.Method,
		Path:   req.URL.EscapedPath(),
		Header: req.Header,
		Query:  singleValued(req.URL.Query()),
		Body:   body,
	}

	resp := h.forwarder.Forward(req.Context(), in)
	c.Set(middleware.ForwardedKey, true)

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed write can only be logged.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// singleValued keeps one value per query parameter. When a name repeats, the
// last occurrence wins.
func singleValued(values url.Values) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for name, vals := range values {
		if len(vals) > 0 {
			out[name] = vals[len(vals)-1]
		}
	}
	return out
}
