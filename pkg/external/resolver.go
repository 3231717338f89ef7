package external

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/consul/api"
)

// Resolver turns a service name into a base URL.
type Resolver interface {
	Resolve(ctx context.Context, serviceName string) (string, error)
}

// StaticResolver addresses services by name, http://{serviceName} unless overridden.
type StaticResolver struct {
	Scheme    string
	Overrides map[string]string
}

// Resolve returns the override for serviceName or scheme://serviceName.
func (r StaticResolver) Resolve(_ context.Context, serviceName string) (string, error) {
	if serviceName == "" {
		return "", fmt.Errorf("service name is required")
	}
	if base, ok := r.Overrides[serviceName]; ok {
		return strings.TrimRight(base, "/"), nil
	}
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + serviceName, nil
}

// ConsulConfig configures the Consul resolver.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	Tag        string `mapstructure:"tag"`
}

// ConsulResolver picks a healthy instance from the Consul catalog, round robin.
type ConsulResolver struct {
	client *api.Client
	tag    string
	scheme string

	mu   sync.Mutex
	next map[string]*uint64
}

// NewConsulResolver creates a resolver backed by a Consul agent.
func NewConsulResolver(cfg ConsulConfig) (*ConsulResolver, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	apiCfg.Token = cfg.Token

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulResolver{client: client, tag: cfg.Tag, scheme: "http", next: make(map[string]*uint64)}, nil
}

// Resolve returns the base URL of a passing instance of serviceName.
func (r *ConsulResolver) Resolve(ctx context.Context, serviceName string) (string, error) {
	entries, _, err := r.client.Health().Service(serviceName, r.tag, true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("consul discover %q: %w", serviceName, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no healthy instances of %s", serviceName)
	}

	e := entries[int(atomic.AddUint64(r.counter(serviceName), 1)-1)%len(entries)]
	host := e.Service.Address
	if host == "" {
		host = e.Node.Address
	}
	return r.scheme + "://" + net.JoinHostPort(host, strconv.Itoa(e.Service.Port)), nil
}

func (r *ConsulResolver) counter(serviceName string) *uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.next[serviceName]
	if !ok {
		c = new(uint64)
		r.next[serviceName] = c
	}
	return c
}
