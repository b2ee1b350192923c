package config

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange Exchange `mapstructure:"exchange"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	UI       Server   `mapstructure:"ui"`
	Database Database `mapstructure:"database"`
	Notify   Notify   `mapstructure:"notify"`
}

// Exchange holds the configuration for the Binance API.
type Exchange struct {
	ApiKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Testnet        bool          `mapstructure:"testnet"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Server holds the configuration for an HTTP server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Notify holds the configuration for operator notifications.
type Notify struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Keep       int           `mapstructure:"keep"`
}

// Trading holds the configuration for the trading logic.
type Trading struct {
	StakeCurrency   string          `mapstructure:"stake_currency"`
	StakeAmount     decimal.Decimal `mapstructure:"stake_amount"`
	MaxOpenTrades   int             `mapstructure:"max_open_trades"`
	FeeRate         decimal.Decimal `mapstructure:"fee_rate"`
	DryRun          bool            `mapstructure:"dry_run"`
	ProcessInterval time.Duration   `mapstructure:"process_interval"`
	QuoteMaxAge     time.Duration   `mapstructure:"quote_max_age"`
	InitialState    string          `mapstructure:"initial_state"`
	StoppedPolicy   string          `mapstructure:"stopped_policy"`

	// MinimalROI maps minutes (or a Go duration) since entry to the minimum profit ratio.
	MinimalROI map[string]float64 `mapstructure:"minimal_roi"`
	// Stoploss is optional; nil disables it.
	Stoploss *decimal.Decimal `mapstructure:"stoploss"`

	BidStrategy   BidStrategy  `mapstructure:"bid_strategy"`
	PairWhitelist []string     `mapstructure:"pair_whitelist"`
	PairBlacklist []string     `mapstructure:"pair_blacklist"`
	Experimental  Experimental `mapstructure:"experimental"`
}

// BidStrategy controls the entry price.
type BidStrategy struct {
	AskLastBalance decimal.Decimal `mapstructure:"ask_last_balance"`
}

// Experimental holds optional exit behaviors.
type Experimental struct {
	UseSellSignal  bool `mapstructure:"use_sell_signal"`
	SellProfitOnly bool `mapstructure:"sell_profit_only"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	return
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes money and ratio fields straight into decimal.Decimal. Quoted strings
// keep every digit; YAML numbers use their shortest float representation.
func decimalHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%v is not a finite number", v)
		}
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rate_limit", 20)      // requests per second
	v.SetDefault("exchange.rate_limit_burst", 5) // burst size
	v.SetDefault("exchange.timeout", 10*time.Second)

	v.SetDefault("trading.stake_currency", "BTC")
	v.SetDefault("trading.max_open_trades", 3)
	v.SetDefault("trading.fee_rate", 0.001)
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.process_interval", 5*time.Second)
	v.SetDefault("trading.quote_max_age", 2*time.Minute)
	v.SetDefault("trading.initial_state", "running")
	v.SetDefault("trading.stopped_policy", StoppedPolicySuspend)
	v.SetDefault("trading.bid_strategy.ask_last_balance", 0.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ui.port", 8081)
	v.SetDefault("database.dsn", "tradesv1.sqlite")
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.keep", 100)
}
