// Package registry tracks which addresses serve a named procbridge service.
//
// A server registers its advertised address on Start and removes it on Stop;
// a discovery client asks the registry for instances before each request.
package registry

import "context"

// ServiceInstance is one reachable server.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing; <= 0 counts as 1
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
