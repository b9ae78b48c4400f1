// Package middleware contains HTTP middleware shared by the server and by
// applications that embed the limiter in their own routers.
package middleware

import (
	"context"
	"net/http"
)

// Middleware wraps an http.Handler with additional behavior. It has the same
// shape as chi's middleware, so values can be passed straight to Router.Use.
type Middleware func(http.Handler) http.Handler

type contextKey int

const (
	requestIDKey contextKey = iota
	clientIPKey
)

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithClientIP returns a copy of ctx carrying ip.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// GetClientIP retrieves the client IP from context.
func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// Chain wraps h so that middlewares run in the order given.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
