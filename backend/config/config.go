// Package config reads server settings from command line flags. Flag
// defaults come from HUDDLE_* environment variables, optionally loaded from
// a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const envPrefix = "HUDDLE_"

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr  string
	WSListenAddr   string
	LogLevel       zerolog.Level
	LogFormat      string
	JWTSecret      string
	JWTIssuer      string
	RedisURL       string
	HistoryLimit   int
	TXBuffer       int
	AllowedOrigins []string
}

// Load parses args (without the program name).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: .env: %w", ErrInvalid, err)
	}

	flags := pflag.NewFlagSet("huddle", pflag.ContinueOnError)
	var (
		apiListenAddr  = flags.StringP("api-listen-addr", "a", env("API_LISTEN_ADDR", ":8080"), "api listen address")
		wsListenAddr   = flags.StringP("ws-listen-addr", "w", env("WS_LISTEN_ADDR", ":8888"), "websocket signaling listen address")
		logLevel       = flags.StringP("log-level", "l", env("LOG_LEVEL", "debug"), "log level")
		logFormat      = flags.String("log-format", env("LOG_FORMAT", "json"), "log format: json or console")
		jwtSecret      = flags.String("jwt-secret", env("JWT_SECRET", ""), "HS256 secret for identity tokens; empty trusts bind requests as is")
		jwtIssuer      = flags.String("jwt-issuer", env("JWT_ISSUER", ""), "expected token issuer")
		redisURL       = flags.String("redis-url", env("REDIS_URL", ""), "redis url for message history; empty keeps history in memory")
		historyLimit   = flags.Int("history-limit", envInt("HISTORY_LIMIT", 100), "messages kept per room")
		txBuffer       = flags.Int("tx-buffer", envInt("TX_BUFFER", 64), "outbound events buffered per connection")
		allowedOrigins = flags.StringSlice("allowed-origins", envList("ALLOWED_ORIGINS", []string{"*"}), "accepted websocket and CORS origins")
	)
	if err := flags.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if *logFormat != "json" && *logFormat != "console" {
		return nil, fmt.Errorf("%w: log format %q", ErrInvalid, *logFormat)
	}
	if *historyLimit <= 0 {
		return nil, fmt.Errorf("%w: history limit must be positive", ErrInvalid)
	}
	if *txBuffer <= 0 {
		return nil, fmt.Errorf("%w: tx buffer must be positive", ErrInvalid)
	}

	return &Config{
		APIListenAddr:  *apiListenAddr,
		WSListenAddr:   *wsListenAddr,
		LogLevel:       lvl,
		LogFormat:      *logFormat,
		JWTSecret:      *jwtSecret,
		JWTIssuer:      *jwtIssuer,
		RedisURL:       *redisURL,
		HistoryLimit:   *historyLimit,
		TXBuffer:       *txBuffer,
		AllowedOrigins: *allowedOrigins,
	}, nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

// envInt falls back to def on unparsable values; the flag still validates
// whatever ends up being used.
func envInt(key string, def int) int {
	n, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return def
	}
	return n
}

func envList(key string, def []string) []string {
	v := env(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
