// Package config carga la configuración del servicio desde YAML con
// overrides por variables de entorno.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/nrtmkeys/internal/cache"
	"github.com/dropDatabas3/nrtmkeys/internal/notify"
	"github.com/dropDatabas3/nrtmkeys/internal/nrtm"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/security/secretbox"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Storage struct {
		Driver       string `yaml:"driver"` // memory | postgres | sqlite | raft
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		AutoMigrate  bool   `yaml:"auto_migrate"`
	} `yaml:"storage"`

	Cluster struct {
		NodeID       string            `yaml:"node_id"`
		RaftAddr     string            `yaml:"raft_addr"`
		RaftDir      string            `yaml:"raft_dir"`
		Nodes        map[string]string `yaml:"nodes"` // nodeID -> raftAddr
		ApplyTimeout time.Duration     `yaml:"apply_timeout"`
	} `yaml:"cluster"`

	Keys struct {
		Validity       time.Duration `yaml:"validity"`
		RotationWindow time.Duration `yaml:"rotation_window"`
		// MasterKey sella el material privado en reposo (base64/hex, 32 bytes).
		MasterKey     string `yaml:"master_key"`
		MaxTxAttempts uint   `yaml:"max_tx_attempts"`
	} `yaml:"keys"`

	NRTM struct {
		Sources    []string      `yaml:"sources"`
		BaseURL    string        `yaml:"base_url"`
		PublishDir string        `yaml:"publish_dir"` // vacío = sólo cache
		MaxAge     time.Duration `yaml:"max_age"`

		// Content: "placeholder" (refs sintéticas, sólo dev) | "manifest"
		// (lee <content_dir>/<source>/content.json).
		Content    string `yaml:"content"`
		ContentDir string `yaml:"content_dir"`
	} `yaml:"nrtm"`

	Jobs struct {
		TickInterval         time.Duration `yaml:"tick_interval"`
		NotificationInterval time.Duration `yaml:"notification_interval"`
	} `yaml:"jobs"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Admin struct {
		APIKey        string `yaml:"api_key"`
		RatePerMinute int    `yaml:"rate_per_minute"`
	} `yaml:"admin"`

	SMTP struct {
		Host               string   `yaml:"host"`
		Port               int      `yaml:"port"`
		From               string   `yaml:"from"`
		Username           string   `yaml:"username"`
		Password           string   `yaml:"password"`
		To                 []string `yaml:"to"`
		TLSMode            string   `yaml:"tls_mode"`
		InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	} `yaml:"smtp"`
}

// Load lee path (si no es vacío), aplica defaults y overrides por env, y
// valida. Sin archivo la configuración sale sólo de defaults + env.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Keys.Validity == 0 {
		c.Keys.Validity = rotation.DefaultValidity
	}
	if c.Keys.RotationWindow == 0 {
		c.Keys.RotationWindow = rotation.DefaultRotationWindow
	}
	if c.Keys.MaxTxAttempts == 0 {
		c.Keys.MaxTxAttempts = rotation.DefaultMaxAttempts
	}
	if len(c.NRTM.Sources) == 0 {
		c.NRTM.Sources = []string{"TEST", "TEST-NONAUTH"}
	}
	if c.NRTM.MaxAge == 0 {
		c.NRTM.MaxAge = time.Minute
	}
	if c.NRTM.Content == "" {
		c.NRTM.Content = ContentPlaceholder
	}
	if c.Jobs.TickInterval == 0 {
		c.Jobs.TickInterval = time.Hour
	}
	if c.Jobs.NotificationInterval == 0 {
		c.Jobs.NotificationInterval = time.Minute
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "nrtmkeys"
	}
	if c.Admin.RatePerMinute == 0 {
		c.Admin.RatePerMinute = 30
	}
	if c.SMTP.TLSMode == "" {
		c.SMTP.TLSMode = "auto"
	}
	if c.Cluster.Nodes == nil {
		c.Cluster.Nodes = map[string]string{}
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return i, true, nil
}

func getEnvBool(key string) (bool, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, true, nil
}

func getEnvDur(key string) (time.Duration, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, true, nil
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

// parse env of form "k1=v1<sep>k2=v2" into map
func parseKVList(s, sep string) map[string]string {
	out := map[string]string{}
	for _, it := range strings.Split(strings.TrimSpace(s), sep) {
		k, v, ok := strings.Cut(strings.TrimSpace(it), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// applyEnvOverrides pisa el YAML con variables de entorno. Un valor mal
// formado es error; no se ignora en silencio.
func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"APP_ENV":            &c.App.Env,
		"LOG_LEVEL":          &c.App.LogLevel,
		"SERVER_ADDR":        &c.Server.Addr,
		"STORAGE_DRIVER":     &c.Storage.Driver,
		"STORAGE_DSN":        &c.Storage.DSN,
		"NODE_ID":            &c.Cluster.NodeID,
		"RAFT_ADDR":          &c.Cluster.RaftAddr,
		"RAFT_DIR":           &c.Cluster.RaftDir,
		"SIGNING_MASTER_KEY": &c.Keys.MasterKey,
		"NRTM_BASE_URL":      &c.NRTM.BaseURL,
		"NRTM_PUBLISH_DIR":   &c.NRTM.PublishDir,
		"NRTM_CONTENT":       &c.NRTM.Content,
		"NRTM_CONTENT_DIR":   &c.NRTM.ContentDir,
		"CACHE_KIND":         &c.Cache.Kind,
		"REDIS_ADDR":         &c.Cache.Redis.Addr,
		"REDIS_PASSWORD":     &c.Cache.Redis.Password,
		"REDIS_PREFIX":       &c.Cache.Redis.Prefix,
		"ADMIN_API_KEY":      &c.Admin.APIKey,
		"SMTP_HOST":          &c.SMTP.Host,
		"SMTP_FROM":          &c.SMTP.From,
		"SMTP_USERNAME":      &c.SMTP.Username,
		"SMTP_PASSWORD":      &c.SMTP.Password,
		"SMTP_TLS_MODE":      &c.SMTP.TLSMode,
	}
	for k, dst := range str {
		if v, ok := getEnvStr(k); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	c.App.Env = strings.ToLower(c.App.Env)

	durs := map[string]*time.Duration{
		"SERVER_SHUTDOWN_TIMEOUT":    &c.Server.ShutdownTimeout,
		"RAFT_APPLY_TIMEOUT":         &c.Cluster.ApplyTimeout,
		"KEYS_VALIDITY":              &c.Keys.Validity,
		"KEYS_ROTATION_WINDOW":       &c.Keys.RotationWindow,
		"NRTM_MAX_AGE":               &c.NRTM.MaxAge,
		"JOBS_TICK_INTERVAL":         &c.Jobs.TickInterval,
		"JOBS_NOTIFICATION_INTERVAL": &c.Jobs.NotificationInterval,
	}
	ints := map[string]*int{
		"STORAGE_MAX_OPEN_CONNS": &c.Storage.MaxOpenConns,
		"STORAGE_MAX_IDLE_CONNS": &c.Storage.MaxIdleConns,
		"REDIS_DB":               &c.Cache.Redis.DB,
		"ADMIN_RATE_PER_MINUTE":  &c.Admin.RatePerMinute,
		"SMTP_PORT":              &c.SMTP.Port,
	}
	bools := map[string]*bool{
		"STORAGE_AUTO_MIGRATE":      &c.Storage.AutoMigrate,
		"SMTP_INSECURE_SKIP_VERIFY": &c.SMTP.InsecureSkipVerify,
	}

	var errs []error
	for k, dst := range durs {
		v, ok, err := getEnvDur(k)
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = v
		}
	}
	for k, dst := range ints {
		v, ok, err := getEnvInt(k)
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = v
		}
	}
	for k, dst := range bools {
		v, ok, err := getEnvBool(k)
		if err != nil {
			errs = append(errs, err)
		} else if ok {
			*dst = v
		}
	}
	if v, ok, err := getEnvInt("KEYS_MAX_TX_ATTEMPTS"); err != nil {
		errs = append(errs, err)
	} else if ok && v > 0 {
		c.Keys.MaxTxAttempts = uint(v)
	}

	if v, ok := getEnvCSV("NRTM_SOURCES"); ok {
		c.NRTM.Sources = v
	}
	if v, ok := getEnvCSV("SMTP_TO"); ok {
		c.SMTP.To = v
	}
	// CLUSTER_NODES="n1=127.0.0.1:8201;n2=127.0.0.1:8202"
	if v, ok := getEnvStr("CLUSTER_NODES"); ok {
		for k, addr := range parseKVList(v, ";") {
			c.Cluster.Nodes[k] = addr
		}
	}
	return errors.Join(errs...)
}

const (
	ContentPlaceholder = "placeholder"
	ContentManifest    = "manifest"
)

var knownDrivers = map[string]bool{"memory": true, "postgres": true, "sqlite": true, "raft": true}

// Validate chequea los valores críticos. Junta todos los problemas.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf("config: "+format, args...)) }

	if !knownDrivers[c.Storage.Driver] {
		add("unknown storage driver %q", c.Storage.Driver)
	}
	if (c.Storage.Driver == "postgres" || c.Storage.Driver == "sqlite") && c.Storage.DSN == "" {
		add("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "raft" && c.Cluster.NodeID == "" {
		add("cluster.node_id is required for driver raft")
	}
	if c.Storage.Driver != "memory" {
		if c.Keys.MasterKey == "" {
			add("keys.master_key (SIGNING_MASTER_KEY) is required for driver %s", c.Storage.Driver)
		} else if _, err := secretbox.DecodeMasterKey(c.Keys.MasterKey); err != nil {
			add("keys.master_key: %v", err)
		}
	}
	if err := c.Policy().Validate(); err != nil {
		add("%v", err)
	}
	if len(c.NRTM.Sources) == 0 {
		add("at least one nrtm source is required")
	}
	seen := map[string]bool{}
	for _, s := range c.NRTM.Sources {
		if seen[s] {
			add("duplicate nrtm source %q", s)
		}
		seen[s] = true
	}
	switch c.NRTM.Content {
	case ContentPlaceholder:
		if c.App.Env == "prod" {
			add("nrtm.content placeholder publishes synthetic snapshot/delta refs; use manifest in prod")
		}
	case ContentManifest:
		if c.NRTM.ContentDir == "" {
			add("nrtm.content_dir is required for nrtm.content manifest")
		}
	default:
		add("unknown nrtm.content %q", c.NRTM.Content)
	}
	if c.Jobs.TickInterval <= 0 || c.Jobs.NotificationInterval <= 0 {
		add("job intervals must be positive")
	}
	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			add("cache.redis.addr is required for cache kind redis")
		}
	default:
		add("unknown cache kind %q", c.Cache.Kind)
	}
	if c.SMTP.Host != "" && (c.SMTP.From == "" || len(c.SMTP.To) == 0) {
		add("smtp.from and smtp.to are required when smtp.host is set")
	}
	if c.App.Env == "prod" && c.Admin.APIKey == "" {
		add("admin.api_key is required in prod")
	}
	return errors.Join(errs...)
}

// ---- Vistas para cada componente ----

func (c *Config) Policy() rotation.Policy {
	return rotation.Policy{Validity: c.Keys.Validity, RotationWindow: c.Keys.RotationWindow}
}

func (c *Config) RotationOptions() rotation.Options {
	return rotation.Options{MaxAttempts: c.Keys.MaxTxAttempts}
}

// Sealer construye el secretbox a partir de la master key. nil sin key.
func (c *Config) Sealer() (keypair.Sealer, error) {
	if c.Keys.MasterKey == "" {
		return nil, nil
	}
	box, err := secretbox.NewFromString(c.Keys.MasterKey)
	if err != nil {
		return nil, err
	}
	return box, nil
}

func (c *Config) StoreConfig(sealer keypair.Sealer) store.AdapterConfig {
	return store.AdapterConfig{
		Name:         c.Storage.Driver,
		DSN:          c.Storage.DSN,
		MaxOpenConns: c.Storage.MaxOpenConns,
		MaxIdleConns: c.Storage.MaxIdleConns,
		AutoMigrate:  c.Storage.AutoMigrate,
		Sealer:       sealer,
		Raft: store.RaftOptions{
			NodeID:       c.Cluster.NodeID,
			RaftAddr:     c.Cluster.RaftAddr,
			RaftDir:      c.Cluster.RaftDir,
			Peers:        c.Cluster.Nodes,
			ApplyTimeout: c.Cluster.ApplyTimeout,
		},
	}
}

func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Driver:   c.Cache.Kind,
		Addr:     c.Cache.Redis.Addr,
		Password: c.Cache.Redis.Password,
		DB:       c.Cache.Redis.DB,
		Prefix:   c.Cache.Redis.Prefix,
	}
}

// ContentSource arma la fuente de snapshot/deltas configurada.
func (c *Config) ContentSource() nrtm.ContentSource {
	if c.NRTM.Content == ContentManifest {
		return &nrtm.ManifestSource{Dir: c.NRTM.ContentDir}
	}
	return nrtm.NewPlaceholderSource(c.NRTM.BaseURL, c.NRTM.Sources...)
}

// SMTPEnabled indica si hay que armar el notifier por mail.
func (c *Config) SMTPEnabled() bool { return c.SMTP.Host != "" }

func (c *Config) SMTPConfig() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:               c.SMTP.Host,
		Port:               c.SMTP.Port,
		From:               c.SMTP.From,
		Username:           c.SMTP.Username,
		Password:           c.SMTP.Password,
		To:                 c.SMTP.To,
		TLSMode:            c.SMTP.TLSMode,
		InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
	}
}

func (c *Config) LoggerConfig(service, version string) logger.Config {
	env := "dev"
	if c.App.Env == "prod" || c.App.Env == "staging" {
		env = "prod"
	}
	return logger.Config{Env: env, Level: c.App.LogLevel, ServiceName: service, Version: version}
}
