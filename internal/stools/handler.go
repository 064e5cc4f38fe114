package stools

import (
	"net/http"
)

// Middleware decorates a handler.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// AdaptHandler wraps h so that the first middleware runs outermost.
func AdaptHandler(h http.HandlerFunc, middlewares ...Middleware) http.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
