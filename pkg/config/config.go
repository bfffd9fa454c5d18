package config

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/easzlab/ipfloater/pkg/nat"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// minIDLen is the shortest endpoint id the namespace must leave room for.
const minIDLen = 6

// DefaultStateFile is where the endpoint registry is kept unless configured.
const DefaultStateFile = "/var/lib/ipfloater/state.yaml"

// Config represents the top-level configuration structure.
type Config struct {
	Global      GlobalConfig      `yaml:"global"       mapstructure:"global"`
	Pool        PoolConfig        `yaml:"pool"         mapstructure:"pool"`
	ARP         ARPConfig         `yaml:"arp"          mapstructure:"arp"`
	HealthCheck HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`
}

// GlobalConfig holds daemon-wide settings.
type GlobalConfig struct {
	LogLevel       string   `yaml:"log_level"        mapstructure:"log_level"`
	Namespace      string   `yaml:"namespace"        mapstructure:"namespace"`
	Backend        string   `yaml:"backend"          mapstructure:"backend"`
	Listen         string   `yaml:"listen"           mapstructure:"listen"`
	StateFile      string   `yaml:"state_file"       mapstructure:"state_file"`
	RestoreOnStart bool     `yaml:"restore_on_start" mapstructure:"restore_on_start"`
	CleanupOnExit  bool     `yaml:"cleanup_on_exit"  mapstructure:"cleanup_on_exit"`
	Protocols      []string `yaml:"protocols"        mapstructure:"protocols"`
}

// PoolConfig lists the public addresses handed out and the port range used
// when a request does not name a port.
type PoolConfig struct {
	PublicIPs []string `yaml:"public_ips" mapstructure:"public_ips"`
	PortMin   int      `yaml:"port_min"   mapstructure:"port_min"`
	PortMax   int      `yaml:"port_max"   mapstructure:"port_max"`
}

// IPs returns the parsed public addresses. Invalid entries are skipped;
// Validate rejects them beforehand.
func (p PoolConfig) IPs() []net.IP {
	ips := make([]net.IP, 0, len(p.PublicIPs))
	for _, s := range p.PublicIPs {
		if ip := net.ParseIP(s).To4(); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// ARPConfig configures the MAC address lookup cache.
type ARPConfig struct {
	CacheTTL  string `yaml:"cache_ttl"  mapstructure:"cache_ttl"`
	CacheSize int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// GetCacheTTL parses the cache TTL. Defaults to 30s if not set or invalid.
func (a ARPConfig) GetCacheTTL() time.Duration {
	return parseDurationOr(a.CacheTTL, 30*time.Second)
}

// GetCacheSize returns the cache size. Defaults to 256.
func (a ARPConfig) GetCacheSize() int {
	if a.CacheSize <= 0 {
		return 256
	}
	return a.CacheSize
}

// HealthCheckConfig defines the probes of private destinations.
type HealthCheckConfig struct {
	Enabled   *bool  `yaml:"enabled"    mapstructure:"enabled"`
	Interval  string `yaml:"interval"   mapstructure:"interval"`
	Timeout   string `yaml:"timeout"    mapstructure:"timeout"`
	FailCount int    `yaml:"fail_count" mapstructure:"fail_count"`
	RiseCount int    `yaml:"rise_count" mapstructure:"rise_count"`
}

// IsEnabled returns whether health checks run. Defaults to true if not set.
func (h HealthCheckConfig) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// GetInterval defaults to 5s if not set or invalid.
func (h HealthCheckConfig) GetInterval() time.Duration {
	return parseDurationOr(h.Interval, 5*time.Second)
}

// GetTimeout defaults to 3s if not set or invalid.
func (h HealthCheckConfig) GetTimeout() time.Duration {
	return parseDurationOr(h.Timeout, 3*time.Second)
}

// GetFailCount defaults to 3.
func (h HealthCheckConfig) GetFailCount() int {
	if h.FailCount <= 0 {
		return 3
	}
	return h.FailCount
}

// GetRiseCount defaults to 2.
func (h HealthCheckConfig) GetRiseCount() int {
	if h.RiseCount <= 0 {
		return 2
	}
	return h.RiseCount
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}

// validBackends is the set of supported NAT backends.
var validBackends = map[string]bool{
	nat.BackendIPTables: true,
	nat.BackendNFTables: true,
	nat.BackendMemory:   true,
}

// validProtocols is the set of protocols rules can match on.
var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("global.namespace", nat.DefaultNamespace)
	viperInstance.SetDefault("global.backend", nat.BackendIPTables)
	viperInstance.SetDefault("global.listen", "127.0.0.1:7000")
	viperInstance.SetDefault("global.state_file", DefaultStateFile)
	viperInstance.SetDefault("global.restore_on_start", true)
	viperInstance.SetDefault("global.cleanup_on_exit", false)
	viperInstance.SetDefault("global.protocols", []string{"tcp"})
	viperInstance.SetDefault("pool.port_min", 1024)
	viperInstance.SetDefault("pool.port_max", 65535)
	viperInstance.SetDefault("arp.cache_ttl", "30s")
	viperInstance.SetDefault("arp.cache_size", 256)

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness and fills in defaults
// the zero value cannot express.
func Validate(cfg *Config) error {
	if err := validateGlobal(&cfg.Global); err != nil {
		return err
	}
	if err := validatePool(cfg.Pool); err != nil {
		return err
	}

	if cfg.ARP.CacheTTL != "" {
		if _, err := time.ParseDuration(cfg.ARP.CacheTTL); err != nil {
			return fmt.Errorf("invalid arp.cache_ttl %q: %w", cfg.ARP.CacheTTL, err)
		}
	}
	if cfg.ARP.CacheSize < 0 {
		return fmt.Errorf("arp.cache_size must not be negative")
	}

	if cfg.HealthCheck.IsEnabled() {
		if cfg.HealthCheck.Interval != "" {
			if _, err := time.ParseDuration(cfg.HealthCheck.Interval); err != nil {
				return fmt.Errorf("invalid health_check.interval %q: %w", cfg.HealthCheck.Interval, err)
			}
		}
		if cfg.HealthCheck.Timeout != "" {
			if _, err := time.ParseDuration(cfg.HealthCheck.Timeout); err != nil {
				return fmt.Errorf("invalid health_check.timeout %q: %w", cfg.HealthCheck.Timeout, err)
			}
		}
	}

	return nil
}

func validateGlobal(global *GlobalConfig) error {
	if global.LogLevel != "" {
		if _, err := zapcore.ParseLevel(global.LogLevel); err != nil {
			return fmt.Errorf("invalid global.log_level %q: %w", global.LogLevel, err)
		}
	}

	if global.Namespace == "" {
		global.Namespace = nat.DefaultNamespace
	}
	if !namespacePattern.MatchString(global.Namespace) {
		return fmt.Errorf("global.namespace %q may only contain letters, digits and underscores", global.Namespace)
	}
	if room := (nat.Naming{Namespace: global.Namespace}).MaxIDLen(); room < minIDLen {
		return fmt.Errorf("global.namespace %q is too long: endpoint ids need at least %d characters, %d left",
			global.Namespace, minIDLen, room)
	}

	if global.Backend == "" {
		global.Backend = nat.BackendIPTables
	}
	if !validBackends[global.Backend] {
		return fmt.Errorf("unsupported global.backend %q (supported: iptables, nftables, memory)", global.Backend)
	}
	// Kernel chains outlive the process: without the registry a restart
	// could neither restore nor clean them up.
	if global.StateFile == "" && global.Backend != nat.BackendMemory {
		return fmt.Errorf("global.state_file is required with the %s backend", global.Backend)
	}

	host, port, err := net.SplitHostPort(global.Listen)
	if err != nil {
		return fmt.Errorf("invalid global.listen %q: %w", global.Listen, err)
	}
	if host != "" && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid global.listen IP %q", host)
	}
	if port == "" {
		return fmt.Errorf("global.listen needs a port")
	}

	if len(global.Protocols) == 0 {
		global.Protocols = []string{"tcp"}
	}
	seen := make(map[string]bool)
	for _, protocol := range global.Protocols {
		if !validProtocols[protocol] {
			return fmt.Errorf("unsupported protocol %q in global.protocols (supported: tcp, udp)", protocol)
		}
		if seen[protocol] {
			return fmt.Errorf("duplicate protocol %q in global.protocols", protocol)
		}
		seen[protocol] = true
	}
	return nil
}

func validatePool(pool PoolConfig) error {
	seen := make(map[string]bool)
	for i, s := range pool.PublicIPs {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("pool.public_ips[%d]: %q is not an IPv4 address", i, s)
		}
		key := ip.To4().String()
		if seen[key] {
			return fmt.Errorf("pool.public_ips[%d]: duplicate address %q", i, s)
		}
		seen[key] = true
	}
	if pool.PortMin < 1 || pool.PortMin > 65535 {
		return fmt.Errorf("pool.port_min %d out of range [1, 65535]", pool.PortMin)
	}
	if pool.PortMax < 1 || pool.PortMax > 65535 {
		return fmt.Errorf("pool.port_max %d out of range [1, 65535]", pool.PortMax)
	}
	if pool.PortMin > pool.PortMax {
		return fmt.Errorf("pool.port_min %d is greater than pool.port_max %d", pool.PortMin, pool.PortMax)
	}
	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
