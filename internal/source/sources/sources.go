// Package sources 汇总所有内置来源，供入口按配置名称构造 Adapter。
package sources

import (
	"pricesync/internal/source"
	"pricesync/internal/source/amazon"
	"pricesync/internal/source/flipkart"
)

// NewRegistry 返回注册了全部内置来源的注册表。
func NewRegistry() (*source.Registry, error) {
	reg := source.NewRegistry()
	builtins := map[string]source.Factory{
		amazon.Name: func(baseURL string, maxResults int) source.Adapter {
			return amazon.New(baseURL, maxResults)
		},
		flipkart.Name: func(baseURL string, maxResults int) source.Adapter {
			return flipkart.New(baseURL, maxResults)
		},
	}
	for name, f := range builtins {
		if err := reg.Register(name, f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
