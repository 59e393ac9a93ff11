// Package model defines shared types for the gateway.
package model

import (
	"net/http"
)

// InboundRequest is a caller's request as received by the gateway.
type InboundRequest struct {
	Method string
	// Path is the request path only, without host or query.
	Path   string
	Header http.Header
	// Query holds one value per parameter name.
	Query map[string]string
	Body  []byte
}

// OutboundRequest is the request replayed against the upstream. The query is
// attached by the upstream client, never concatenated into URL.
type OutboundRequest struct {
	Method string
	URL    string
	Header http.Header
	Query  map[string]string
}

// UpstreamReply is a fully read upstream response.
type UpstreamReply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OutboundResponse is what the gateway answers the caller with.
type OutboundResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
