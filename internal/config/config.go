// Package config loads the webhook relay's runtime configuration from
// the environment, with defaults matching the operator contract, and
// optionally watches a config file for live-reload of a handful of
// operational knobs.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the full set of environment-driven settings. The three
// knobs Watcher can hot-reload (rate limit, TTL, push-host allowlist)
// are backed by atomics so a concurrent reload never races with the
// request goroutines that read them through RateLimitPerMinute,
// SubscriptionTTL, and HostAllowed; everything else is set once at
// Load and never mutated afterward.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	PublicBaseURL string
	CORSOrigins   []string
	BindAddr      string

	DBPath      string
	QueueDBPath string

	MaxPayloadBytes      int64
	ChunkDataBytes       int
	ChunkDelayMS         int
	WebhookReadTimeoutMS int
	QueueMaxBytes        int64
	QueueWorkers         int

	subscriptionTTLDays atomic.Int64
	rateLimitPerMinute  atomic.Int64
	allowedPushHosts    atomic.Pointer[[]string]
}

// RateLimitPerMinute returns the current per-subscription rate limit.
func (c *Config) RateLimitPerMinute() int {
	return int(c.rateLimitPerMinute.Load())
}

// SetRateLimitPerMinute updates the rate limit; safe for concurrent use
// with RateLimitPerMinute.
func (c *Config) SetRateLimitPerMinute(v int) {
	c.rateLimitPerMinute.Store(int64(v))
}

// SubscriptionTTLDays returns the current subscription TTL in days.
func (c *Config) SubscriptionTTLDays() int {
	return int(c.subscriptionTTLDays.Load())
}

// SetSubscriptionTTLDays updates the subscription TTL; safe for
// concurrent use with SubscriptionTTLDays and SubscriptionTTL.
func (c *Config) SetSubscriptionTTLDays(v int) {
	c.subscriptionTTLDays.Store(int64(v))
}

// AllowedPushHosts returns the current push-host allowlist patterns.
func (c *Config) AllowedPushHosts() []string {
	p := c.allowedPushHosts.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetAllowedPushHosts updates the push-host allowlist; safe for
// concurrent use with AllowedPushHosts and HostAllowed.
func (c *Config) SetAllowedPushHosts(hosts []string) {
	c.allowedPushHosts.Store(&hosts)
}

// SubscriptionTTL returns the configured TTL as a duration.
func (c *Config) SubscriptionTTL() time.Duration {
	return time.Duration(c.SubscriptionTTLDays()) * 24 * time.Hour
}

// WebhookReadTimeout returns the configured idle-read timeout as a duration.
func (c *Config) WebhookReadTimeout() time.Duration {
	return time.Duration(c.WebhookReadTimeoutMS) * time.Millisecond
}

// ChunkDelay returns the configured inter-chunk delivery pause.
func (c *Config) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

// defaultAllowedPushHosts are the five major vendor push services.
var defaultAllowedPushHosts = []string{
	"fcm.googleapis.com",
	"updates.push.services.mozilla.com",
	"*.notify.windows.com",
	"*.push.apple.com",
	"*.pushsvc.com",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:3000")
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("ALLOWED_PUSH_HOSTS", strings.Join(defaultAllowedPushHosts, ","))
	v.SetDefault("DB_PATH", "data/subscriptions.db")
	v.SetDefault("QUEUE_DB_PATH", "data/queue.db")
	v.SetDefault("MAX_PAYLOAD_BYTES", 102400)
	v.SetDefault("CHUNK_DATA_BYTES", 2400)
	v.SetDefault("CHUNK_DELAY_MS", 50)
	v.SetDefault("SUBSCRIPTION_TTL_DAYS", 30)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("WEBHOOK_READ_TIMEOUT_MS", 3000)
	v.SetDefault("QUEUE_MAX_BYTES", 1<<30)
	v.SetDefault("QUEUE_WORKERS", 8)
	v.SetDefault("BIND_ADDR", ":3000")
}

// Load reads configuration from the environment (and, if configPath is
// non-empty, from a YAML file that overlays it). VAPID_PUBLIC_KEY and
// VAPID_PRIVATE_KEY are required.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		VAPIDPublicKey:       v.GetString("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:      v.GetString("VAPID_PRIVATE_KEY"),
		PublicBaseURL:        strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		CORSOrigins:          splitCSV(v.GetString("CORS_ORIGINS")),
		DBPath:               v.GetString("DB_PATH"),
		QueueDBPath:          v.GetString("QUEUE_DB_PATH"),
		MaxPayloadBytes:      v.GetInt64("MAX_PAYLOAD_BYTES"),
		ChunkDataBytes:       v.GetInt("CHUNK_DATA_BYTES"),
		ChunkDelayMS:         v.GetInt("CHUNK_DELAY_MS"),
		WebhookReadTimeoutMS: v.GetInt("WEBHOOK_READ_TIMEOUT_MS"),
		QueueMaxBytes:        v.GetInt64("QUEUE_MAX_BYTES"),
		QueueWorkers:         v.GetInt("QUEUE_WORKERS"),
		BindAddr:             v.GetString("BIND_ADDR"),
	}
	cfg.SetSubscriptionTTLDays(v.GetInt("SUBSCRIPTION_TTL_DAYS"))
	cfg.SetRateLimitPerMinute(v.GetInt("RATE_LIMIT_PER_MINUTE"))

	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("config: VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required")
	}
	hosts := splitCSV(v.GetString("ALLOWED_PUSH_HOSTS"))
	if len(hosts) == 0 {
		hosts = defaultAllowedPushHosts
	}
	cfg.SetAllowedPushHosts(hosts)

	return cfg, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HostAllowed reports whether host matches one of the configured
// allowlist patterns (glob-style, e.g. "*.push.apple.com").
func (c *Config) HostAllowed(host string) bool {
	for _, pattern := range c.AllowedPushHosts() {
		if glob.Glob(pattern, host) {
			return true
		}
	}
	return false
}

// Watcher reloads a small subset of operational knobs from a config
// file at runtime without restarting the process: rate limit, TTL, and
// the push-host allowlist. Everything else (ports, paths, VAPID keys)
// requires a restart, matching the teacher's split between boot-time
// wiring and hot-reloadable tuning. The reloadable knobs themselves
// live on Config as atomics, so no locking is needed here beyond
// Watcher's own single reload goroutine serializing writes to its
// private viper instance.
type Watcher struct {
	cfg    *Config
	v      *viper.Viper
	fsw    *fsnotify.Watcher
	logger *logrus.Logger
}

// NewWatcher wraps cfg with an fsnotify-driven file watcher. If path is
// empty, the watcher is a no-op wrapper around the static config.
func NewWatcher(cfg *Config, path string, logger *logrus.Logger) (*Watcher, error) {
	w := &Watcher{cfg: cfg, logger: logger}
	if path == "" {
		return w, nil
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: watcher reading %s: %w", path, err)
	}
	w.v = v

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	w.fsw = fsw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.v.ReadInConfig(); err != nil {
				if w.logger != nil {
					w.logger.WithError(err).Warn("config: reload failed, keeping previous values")
				}
				continue
			}
			w.applyReloadable()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.WithError(err).Warn("config: watcher error")
			}
		}
	}
}

func (w *Watcher) applyReloadable() {
	w.cfg.SetRateLimitPerMinute(w.v.GetInt("RATE_LIMIT_PER_MINUTE"))
	w.cfg.SetSubscriptionTTLDays(w.v.GetInt("SUBSCRIPTION_TTL_DAYS"))
	if hosts := splitCSV(w.v.GetString("ALLOWED_PUSH_HOSTS")); len(hosts) > 0 {
		w.cfg.SetAllowedPushHosts(hosts)
	}
	if w.logger != nil {
		w.logger.Info("config: reloaded rate limit / ttl / allowlist")
	}
}

// Current returns the live (possibly reloaded) configuration. The
// returned *Config is always the same instance Watcher was built with;
// its hot-reloadable fields are read through their atomic accessors.
func (w *Watcher) Current() *Config {
	return w.cfg
}

// Close stops the file watcher, if any.
func (w *Watcher) Close() error {
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
