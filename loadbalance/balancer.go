// Package loadbalance picks which instance a discovery client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  the same api name always lands on the same instance
package loadbalance

import (
	"errors"
	"fmt"

	"procbridge/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance per request. Pick is called concurrently and
// must be goroutine-safe. key is the api name; strategies may ignore it.
type Balancer interface {
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer for a config name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
