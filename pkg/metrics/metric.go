// Package metrics emits the buffered channel's statsd telemetry.
// Everything is a no-op until Init has connected a client and the
// FBCHANNEL_METRICS_ENABLED env var is set, so library code can emit
// unconditionally without paying for an unused client.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Buffered channel metric keys
const (
	KEY_SPILL_SWITCH_COUNT = "fbchannel_spill_switch_count"
	KEY_SPILL_BYTES_MOVED  = "fbchannel_spill_bytes_moved"
	KEY_SPILL_BYTES_READ   = "fbchannel_spill_bytes_read"
	KEY_ERROR_COUNT        = "fbchannel_error_count"
	KEY_BYTES_BUFFERED     = "fbchannel_bytes_buffered"
	KEY_FEED_COUNT         = "fbchannel_feed_count"
	KEY_DRAIN_LATENCY      = "fbchannel_drain_latency"
)

const defaultAgentAddress = "localhost:8125"

var (
	mu           sync.Mutex
	client       *statsd.Client
	samplingRate = 1.0

	// When false, every emitter is a no-op. Controlled by the
	// FBCHANNEL_METRICS_ENABLED env var ("true"/"1" to enable).
	metricsEnabled = loadMetricsEnabled()
)

func loadMetricsEnabled() bool {
	v := os.Getenv("FBCHANNEL_METRICS_ENABLED")
	return strings.EqualFold(v, "true") || v == "1"
}

// Init connects the statsd client. Reads APP_NAME, APP_ENV and
// APP_METRIC_SAMPLING_RATE through viper. A connection failure leaves
// metrics disabled rather than taking the process down: the channel
// keeps working without telemetry.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		log.Debug().Msg("metrics already initialized")
		return
	}
	if !metricsEnabled {
		log.Info().Msg("channel metrics disabled")
		return
	}

	if rate := viper.GetFloat64("APP_METRIC_SAMPLING_RATE"); rate > 0 {
		samplingRate = rate
	}
	appName := viper.GetString("APP_NAME")
	env := viper.GetString("APP_ENV")
	if appName == "" {
		log.Warn().Msg("APP_NAME is not set")
	}
	if env == "" {
		log.Warn().Msg("APP_ENV is not set")
	}

	c, err := statsd.New(
		defaultAgentAddress,
		statsd.WithTags([]string{
			TagAsString(TagEnv, env),
			TagAsString(TagService, appName),
		}),
	)
	if err != nil {
		log.Error().Err(err).Msg("statsd client initialization failed, metrics stay disabled")
		metricsEnabled = false
		return
	}
	client = c
	log.Info().Str("agent", defaultAgentAddress).Float64("sampling_rate", samplingRate).
		Msg("metrics client initialized")
}

func emitter() *statsd.Client {
	if !metricsEnabled {
		return nil
	}
	mu.Lock()
	c := client
	mu.Unlock()
	return c
}

// Timing sends timing information. No-op when metrics are disabled.
func Timing(name string, value time.Duration, tags []string) {
	c := emitter()
	if c == nil {
		return
	}
	if err := c.Timing(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd timing failed")
	}
}

// Count increases a counter by value. No-op when metrics are disabled.
func Count(name string, value int64, tags []string) {
	c := emitter()
	if c == nil {
		return
	}
	if err := c.Count(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd count failed")
	}
}

// Incr increases a counter by 1. No-op when metrics are disabled.
func Incr(name string, tags []string) {
	Count(name, 1, tags)
}

// Gauge sets a gauge value. No-op when metrics are disabled.
func Gauge(name string, value float64, tags []string) {
	c := emitter()
	if c == nil {
		return
	}
	if err := c.Gauge(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd gauge failed")
	}
}

// Enabled returns whether channel metrics are enabled. Call sites
// should check this before building tags they would otherwise
// allocate per call.
func Enabled() bool {
	return metricsEnabled
}
