package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath es la ruta usada cuando OUTDIAL_CONFIG no está definida.
const DefaultPath = "/etc/outdial/outdial.yaml"

// Drivers de base de datos soportados. DriverMemory no persiste nada.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config estructura principal de configuración
type Config struct {
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	AMI      AMIConfig      `yaml:"ami"`
	Engine   EngineConfig   `yaml:"engine"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
	Tenants  []TenantConfig `yaml:"tenants"`
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
}

type AuthConfig struct {
	Secret    string           `yaml:"secret"`
	TokenTTL  Duration         `yaml:"token_ttl"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is an API user. An empty TenantID makes the operator an admin.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	TenantID     string `yaml:"tenant_id"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // mysql, postgres, sqlite, memory
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	Path         string `yaml:"path"` // sqlite file
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type AMIConfig struct {
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	CommandTimeout    Duration `yaml:"command_timeout"`
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	ChannelTemplate   string   `yaml:"channel_template"` // fmt template: trunk, number
	DefaultExtension  string   `yaml:"default_extension"`
	DefaultPriority   int      `yaml:"default_priority"`
	RingTimeout       Duration `yaml:"ring_timeout"`
	// AssignChannelID makes Originate carry a generated ChannelId so the
	// session is known from the acknowledgment instead of DialBegin.
	AssignChannelID bool `yaml:"assign_channel_id"`
}

type EngineConfig struct {
	FastHangupThreshold    Duration `yaml:"fast_hangup_threshold"`
	LeadCompletedThreshold Duration `yaml:"lead_completed_threshold"`
	ReaperInterval         Duration `yaml:"reaper_interval"`
	StaleAfter             Duration `yaml:"stale_after"`
}

type ThrottleConfig struct {
	CallsPerSecond float64  `yaml:"calls_per_second"`
	Burst          int      `yaml:"burst"`
	MaxInFlight    int      `yaml:"max_in_flight"` // per tenant unless the tenant sets max_concurrent
	InFlightTTL    Duration `yaml:"in_flight_ttl"`
	UseRedis       bool     `yaml:"use_redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TenantConfig describe un tenant servido por esta instancia.
type TenantConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	SwitchHost    string `yaml:"switch_host"`
	SwitchPort    int    `yaml:"switch_port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Trunk         string `yaml:"trunk"`
	DialContext   string `yaml:"dial_context"`
	Extension     string `yaml:"extension"`
	Priority      int    `yaml:"priority"`
	CallerID      string `yaml:"caller_id"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Duration decodes YAML strings such as "5s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load carga la configuración desde archivo YAML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error leyendo archivo de configuración: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies env overrides and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parseando YAML: %w", err)
	}

	// Permitir sobrescribir con variables de entorno
	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("OUTDIAL_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("OUTDIAL_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("OUTDIAL_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("OUTDIAL_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("OUTDIAL_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("OUTDIAL_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("OUTDIAL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OUTDIAL_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("OUTDIAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OUTDIAL_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = Duration(24 * time.Hour)
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMySQL
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.AMI.ConnectTimeout == 0 {
		c.AMI.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.AMI.CommandTimeout == 0 {
		c.AMI.CommandTimeout = Duration(10 * time.Second)
	}
	if c.AMI.ReconnectInterval == 0 {
		c.AMI.ReconnectInterval = Duration(5 * time.Second)
	}
	if c.AMI.ChannelTemplate == "" {
		c.AMI.ChannelTemplate = "SIP/%s/%s"
	}
	if c.AMI.DefaultExtension == "" {
		c.AMI.DefaultExtension = "s"
	}
	if c.AMI.DefaultPriority == 0 {
		c.AMI.DefaultPriority = 1
	}
	if c.AMI.RingTimeout == 0 {
		c.AMI.RingTimeout = Duration(30 * time.Second)
	}
	if c.Engine.FastHangupThreshold == 0 {
		c.Engine.FastHangupThreshold = Duration(5 * time.Second)
	}
	if c.Engine.LeadCompletedThreshold == 0 {
		c.Engine.LeadCompletedThreshold = Duration(30 * time.Second)
	}
	if c.Engine.ReaperInterval == 0 {
		c.Engine.ReaperInterval = Duration(5 * time.Minute)
	}
	if c.Engine.StaleAfter == 0 {
		c.Engine.StaleAfter = Duration(time.Hour)
	}
	if c.Throttle.Burst == 0 {
		c.Throttle.Burst = 1
	}
	if c.Throttle.InFlightTTL == 0 {
		c.Throttle.InFlightTTL = Duration(2 * time.Minute)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "outdial"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "outdial"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Tenants {
		if c.Tenants[i].SwitchPort == 0 {
			c.Tenants[i].SwitchPort = 5038
		}
	}
}

// Validate returns every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			errs = append(errs, fmt.Errorf("database: host and database are required for %s", c.Database.Driver))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database: path is required for sqlite"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}

	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth: secret is required"))
	}
	if c.Engine.FastHangupThreshold.Std() < 0 || c.Engine.LeadCompletedThreshold.Std() < 0 {
		errs = append(errs, errors.New("engine: thresholds must not be negative"))
	}
	if c.Throttle.CallsPerSecond < 0 || c.Throttle.MaxInFlight < 0 {
		errs = append(errs, errors.New("throttle: limits must not be negative"))
	}
	if c.Throttle.UseRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("throttle: use_redis requires redis.addr"))
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, errors.New("tenants: id is required"))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("tenants: duplicate id %q", t.ID))
		}
		seen[t.ID] = true
	}

	return errors.Join(errs...)
}

// Address devuelve la dirección completa del servidor API
func (a APIConfig) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// DSN devuelve el Data Source Name según el driver configurado
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case DriverPostgres:
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
			d.Username, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(d.portOr(5432))), d.Database)
	case DriverSQLite:
		return fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_time_format=sqlite", d.Path)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC&clientFoundRows=true",
			d.Username, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(d.portOr(3306))), d.Database)
	}
}

func (d DatabaseConfig) portOr(def int) int {
	if d.Port == 0 {
		return def
	}
	return d.Port
}
