package source

import (
	"fmt"
	"sort"
	"sync"
)

// Factory 按配置构造一个来源的 Adapter。
type Factory func(baseURL string, maxResults int) Adapter

// Registry 按来源名称保存 Adapter 的构造函数。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 注册来源的构造函数，名称重复时返回错误。
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("register source with empty name")
	}
	if f == nil {
		return fmt.Errorf("register source %q with nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("source %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Build 按名称构造 Adapter。未注册的名称返回 ErrUnknownSource。
func (r *Registry) Build(name, baseURL string, maxResults int) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	a := f(baseURL, maxResults)
	if a == nil || a.Name() != name {
		return nil, fmt.Errorf("factory for %q built a mismatched adapter", name)
	}
	return a, nil
}

// Names 返回已注册的来源名称（按字典序）。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
