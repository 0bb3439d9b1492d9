package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/bjpl/backendsim/pkg/model"
)

// MockRequest is a matched request with extracted path parameters and
// parsed query string, handed to a mock handler.
type MockRequest struct {
	*model.Request
	Params map[string]string
	Query  url.Values
}

// DecodeJSON unmarshals the request body into v. The declared content
// type must be JSON (or absent, for lenient callers).
func (r *MockRequest) DecodeJSON(v any) error {
	ct := r.Headers["Content-Type"]
	if ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("gateway: unsupported content type %q", ct)
	}
	if len(r.Body) == 0 {
		return fmt.Errorf("gateway: empty request body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("gateway: decode body: %w", err)
	}
	return nil
}

// HandlerFunc serves one mocked request. Returning an error yields a
// 500-equivalent response carrying the message; handlers signal expected
// failures (404, 401, ...) by building the response themselves.
type HandlerFunc func(ctx context.Context, req *MockRequest) (*model.Response, error)

// pattern is a compiled path pattern: literal segments must match
// exactly, ":name" segments capture into params.
type pattern struct {
	raw      string
	segments []string
}

func compilePattern(raw string) pattern {
	return pattern{
		raw:      raw,
		segments: splitPath(raw),
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// match extracts named captures; ok is false when the path does not fit.
func (p pattern) match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	if len(parts) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range p.segments {
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

type route struct {
	method  string
	pattern pattern
	handler HandlerFunc
}

// Router matches requests against an ordered list of compiled patterns;
// the first route whose method and pattern fit wins.
type Router struct {
	routes []route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers a handler for a method and path pattern.
func (r *Router) Handle(method, rawPattern string, fn HandlerFunc) {
	r.routes = append(r.routes, route{
		method:  strings.ToUpper(method),
		pattern: compilePattern(rawPattern),
		handler: fn,
	})
}

// Match finds the handler for a method and path and extracts parameters.
func (r *Router) Match(method, path string) (HandlerFunc, map[string]string, bool) {
	method = strings.ToUpper(method)
	for _, rt := range r.routes {
		if rt.method != method {
			continue
		}
		if params, ok := rt.pattern.match(path); ok {
			return rt.handler, params, true
		}
	}
	return nil, nil, false
}
