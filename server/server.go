// Package server contains shared plumbing for the HTTP adapters: a
// route table bound onto chi routers and the JSON envelopes used for
// scalar payloads.
package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// Route pairs an HTTP method with a path relative to a node's mount
// point.
type Route struct {
	Method string
	Path   string
}

// Get returns a GET route for the given path.
func Get(path string) Route {
	return Route{Method: http.MethodGet, Path: path}
}

// Post returns a POST route for the given path.
func Post(path string) Route {
	return Route{Method: http.MethodPost, Path: path}
}

// RouteTable maps routes to handlers for a single instrument node.
// Adapters populate one and Bind attaches it to a router.
type RouteTable map[Route]http.HandlerFunc

// Bind attaches every route in the table to r.
func (rt RouteTable) Bind(r chi.Router) {
	for route, handler := range rt {
		r.Method(route.Method, route.Path, handler)
	}
}

// Endpoints lists the routes in the table as method-qualified paths,
// sorted for stable output.
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for route := range rt {
		routes = append(routes, route.Method+" "+route.Path)
	}
	sort.Strings(routes)
	return routes
}

// FloatT is a JSON envelope for a single float64.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a JSON envelope for a single int.
type IntT struct {
	Int int `json:"int"`
}

// StrT is a JSON envelope for a single string.
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a JSON envelope for a single bool.
type BoolT struct {
	Bool bool `json:"bool"`
}

// EncodeAndRespond writes v to w as JSON with status 200.
func EncodeAndRespond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
