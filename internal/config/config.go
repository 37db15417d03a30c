package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/minasoft/ipms-mock/internal/idgen"
)

type Config struct {
	ServerDomain string
	ServerPort   int
	ClientHost   string
	ClientPort   int

	ResponseDelay    time.Duration
	OutboundTimeout  time.Duration
	OutboundAwaitAck bool
	Persistent       bool
	IdleTimeout      time.Duration

	DataFile       string
	JournalEnabled bool
	DBPath         string
	WebPort        int
	FixturesPath   string

	SendingApplication string
	SendingFacility    string
	AssigningAuthority string
	HL7Version         string

	MedicalRecordTemplate idgen.Template
	PublicIndexTemplate   idgen.Template
	HubTemplate           idgen.Template
	AccountTemplate       idgen.Template

	LogLevel string
}

// ListenAddr is the inbound MLLP listener address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ServerDomain, strconv.Itoa(c.ServerPort))
}

// Destination is the downstream address follow-ups are delivered to.
func (c *Config) Destination() string {
	return net.JoinHostPort(c.ClientHost, strconv.Itoa(c.ClientPort))
}

// Load reads the environment, plus a .env file when present, and installs the
// JSON logger at the configured level.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerDomain:       getEnv("SERVER_DOMAIN", "0.0.0.0"),
		ServerPort:         getEnvAsInt("SERVER_PORT", 2575),
		ClientHost:         getEnv("CLIENT_HOST", "host.docker.internal"),
		ClientPort:         getEnvAsInt("CLIENT_PORT", 2576),
		ResponseDelay:      getEnvAsDuration("RESPONSE_DELAY", 10*time.Second),
		OutboundTimeout:    getEnvAsDuration("OUTBOUND_TIMEOUT", 10*time.Second),
		OutboundAwaitAck:   getEnvAsBool("OUTBOUND_AWAIT_ACK", true),
		Persistent:         getEnvAsBool("MLLP_PERSISTENT", true),
		IdleTimeout:        getEnvAsDuration("MLLP_IDLE_TIMEOUT", 0),
		DataFile:           getEnv("DATA_FILE", "data.json"),
		JournalEnabled:     getEnvAsBool("JOURNAL_ENABLED", true),
		DBPath:             getEnv("DB_PATH", "./data"),
		WebPort:            getEnvAsInt("WEB_PORT", 5678),
		FixturesPath:       getEnv("FIXTURES_PATH", ""),
		SendingApplication: getEnv("SENDING_APPLICATION", "ADM"),
		SendingFacility:    getEnv("SENDING_FACILITY", "LAB"),
		AssigningAuthority: getEnv("ASSIGNING_AUTHORITY", "GGC"),
		HL7Version:         getEnv("HL7_VERSION", "2.4"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	var err error
	templates := []struct {
		key  string
		dst  *idgen.Template
		dflt idgen.Template
	}{
		{"ID_TEMPLATE_MRN", &cfg.MedicalRecordTemplate, idgen.MedicalRecordTemplate},
		{"ID_TEMPLATE_PI", &cfg.PublicIndexTemplate, idgen.PublicIndexTemplate},
		{"ID_TEMPLATE_HUB", &cfg.HubTemplate, idgen.HubTemplate},
		{"ID_TEMPLATE_ACCOUNT", &cfg.AccountTemplate, idgen.AccountTemplate},
	}
	for _, t := range templates {
		if *t.dst, err = getEnvAsTemplate(t.key, t.dflt); err != nil {
			return nil, err
		}
	}

	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("SERVER_PORT %d out of range", cfg.ServerPort)
	}
	if cfg.ClientPort < 1 || cfg.ClientPort > 65535 {
		return nil, fmt.Errorf("CLIENT_PORT %d out of range", cfg.ClientPort)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("Configuration loaded",
		"listen", cfg.ListenAddr(),
		"destination", cfg.Destination(),
		"responseDelay", cfg.ResponseDelay.String(),
		"dataFile", cfg.DataFile,
		"journal", cfg.JournalEnabled,
	)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("250ms", "1m") and bare integers,
// which are read as seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getEnvAsTemplate(key string, defaultValue idgen.Template) (idgen.Template, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	t, err := idgen.ParseTemplate(value)
	if err != nil {
		return idgen.Template{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
}
