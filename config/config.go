package config

import (
	"fmt"
	"os"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del market maker.
type Config struct {
	Kalshi  KalshiConfig  `yaml:"kalshi"`
	Quoting QuotingConfig `yaml:"quoting"`
	Stream  StreamConfig  `yaml:"stream"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Matches []MatchConfig `yaml:"matches"`
}

// KalshiConfig contiene endpoints y credenciales del exchange.
type KalshiConfig struct {
	RESTBase       string `yaml:"rest_base"`
	WSURL          string `yaml:"ws_url"`
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"` // PEM, PKCS#1 o PKCS#8
}

// QuotingConfig controla los timers del quote engine y del coordinador.
type QuotingConfig struct {
	CheckIntervalSeconds    int `yaml:"check_interval_seconds"`
	StickyResetSecs         int `yaml:"sticky_reset_secs"`
	OverbidCancelDelaySecs  int `yaml:"overbid_cancel_delay_secs"`
	FailureWarnThreshold    int `yaml:"failure_warn_threshold"`
	InventorySyncSeconds    int `yaml:"inventory_sync_seconds"` // <0 desactiva
	RebalanceFeeBufferCents int `yaml:"rebalance_fee_buffer_cents"`
}

// StreamConfig controla la reconexión del websocket.
type StreamConfig struct {
	BackoffInitialSeconds int `yaml:"backoff_initial_seconds"`
	BackoffMaxSeconds     int `yaml:"backoff_max_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
}

// StorageConfig controla dónde se persiste el journal.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MatchConfig describe un par de contratos a cotizar.
type MatchConfig struct {
	ID           string    `yaml:"id"` // default: ticker_a
	Name         string    `yaml:"name"`
	TickerA      string    `yaml:"ticker_a"`
	TickerB      string    `yaml:"ticker_b"`
	TheoA        float64   `yaml:"theo_a"`
	TheoB        float64   `yaml:"theo_b"`
	Edge         float64   `yaml:"edge"`
	Contracts    int       `yaml:"contracts"`
	MaxInventory int       `yaml:"max_inventory"`
	EventTime    time.Time `yaml:"event_time"` // RFC3339; vacío = se busca en el exchange
	Autostart    bool      `yaml:"autostart"`
}

// Match convierte la entrada de config en un domain.Match inactivo.
// La validación la hace el coordinador al registrarlo.
func (m MatchConfig) Match() domain.Match {
	return domain.Match{
		ID:      m.ID,
		Name:    m.Name,
		TickerA: m.TickerA,
		TickerB: m.TickerB,
		Settings: domain.MatchSettings{
			TheoA:        m.TheoA,
			TheoB:        m.TheoB,
			Edge:         m.Edge,
			Contracts:    m.Contracts,
			MaxInventory: m.MaxInventory,
			EventTime:    m.EventTime,
		},
	}
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Matches))
	for i, m := range c.Matches {
		if m.TickerA == "" || m.TickerB == "" {
			return fmt.Errorf("matches[%d]: ticker_a and ticker_b are required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("matches[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// CheckInterval devuelve el periodo del tick del coordinador.
func (c *Config) CheckInterval() time.Duration {
	return seconds(c.Quoting.CheckIntervalSeconds)
}

// InventorySync devuelve el periodo de sincronización de posiciones.
// Negativo desactiva la sincronización.
func (c *Config) InventorySync() time.Duration {
	return seconds(c.Quoting.InventorySyncSeconds)
}

// StickyReset devuelve cada cuánto se re-evalúa el precio en el top.
func (c *Config) StickyReset() time.Duration {
	return seconds(c.Quoting.StickyResetSecs)
}

// OverbidDelay devuelve cuánto se tolera un competidor sobre el ceiling.
func (c *Config) OverbidDelay() time.Duration {
	return seconds(c.Quoting.OverbidCancelDelaySecs)
}

// ReadTimeout devuelve el timeout de lectura del stream.
func (c *Config) ReadTimeout() time.Duration {
	return seconds(c.Stream.ReadTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KALSHI_KEY_ID"); v != "" {
		cfg.Kalshi.KeyID = v
	}
	if v := os.Getenv("KALSHI_PRIVATE_KEY_PATH"); v != "" {
		cfg.Kalshi.PrivateKeyPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Kalshi.RESTBase == "" {
		cfg.Kalshi.RESTBase = "https://api.elections.kalshi.com/trade-api/v2"
	}
	if cfg.Kalshi.WSURL == "" {
		cfg.Kalshi.WSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	}
	if cfg.Quoting.CheckIntervalSeconds <= 0 {
		cfg.Quoting.CheckIntervalSeconds = 2
	}
	if cfg.Quoting.StickyResetSecs <= 0 {
		cfg.Quoting.StickyResetSecs = 10
	}
	if cfg.Quoting.OverbidCancelDelaySecs <= 0 {
		cfg.Quoting.OverbidCancelDelaySecs = 10
	}
	if cfg.Quoting.FailureWarnThreshold <= 0 {
		cfg.Quoting.FailureWarnThreshold = 3
	}
	if cfg.Quoting.InventorySyncSeconds == 0 {
		cfg.Quoting.InventorySyncSeconds = 30
	}
	if cfg.Quoting.RebalanceFeeBufferCents < 0 {
		cfg.Quoting.RebalanceFeeBufferCents = 0
	}
	if cfg.Stream.BackoffInitialSeconds <= 0 {
		cfg.Stream.BackoffInitialSeconds = 1
	}
	if cfg.Stream.BackoffMaxSeconds <= 0 {
		cfg.Stream.BackoffMaxSeconds = 60
	}
	if cfg.Stream.ReadTimeoutSeconds <= 0 {
		cfg.Stream.ReadTimeoutSeconds = 60
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "kalshimm.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	for i := range cfg.Matches {
		if cfg.Matches[i].ID == "" {
			cfg.Matches[i].ID = cfg.Matches[i].TickerA
		}
	}
}
