package opcache

import (
	"github.com/go-kit/log"
)

type options struct {
	logger  log.Logger
	metrics *Metrics
}

// Option 配置 FastTier、TieredCache 与 Warmer 的公共依赖。
type Option func(*options)

// WithLogger 设置 Logger，默认不输出。
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics 设置指标集合，默认创建不注册的指标。
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = nopIfNil(o.logger)
	o.metrics = metricsOrDefault(o.metrics)
	return o
}
