// Package registry publishes which methods a bridge endpoint serves.
//
// A server announces each registered method under its endpoint name; tooling and
// clients discover what an endpoint can answer before calling it:
//
//	Key: /webview-rpc/{endpoint}/{method}
//
// Entries carry a TTL so a process that dies without deregistering disappears.
package registry

import (
	"context"
	"time"
)

const keyPrefix = "/webview-rpc/"

type Registry interface {
	Register(ctx context.Context, endpoint, method string, ttl time.Duration) error
	Deregister(ctx context.Context, endpoint, method string) error
	// Discover returns the method names served by endpoint, sorted.
	Discover(ctx context.Context, endpoint string) ([]string, error)
	// Watch emits the full method list of endpoint after every change until ctx ends.
	Watch(ctx context.Context, endpoint string) <-chan []string
}

func endpointPrefix(endpoint string) string {
	return keyPrefix + endpoint + "/"
}

func methodKey(endpoint, method string) string {
	return endpointPrefix(endpoint) + method
}
