package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	RedisAddr             string
	RedisPassword         string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// 实时链路相关参数。
	SendLimitPerMinute int
	ReadLimitPerMinute int
	MemberCacheTTL     time.Duration
	TypingTTL          time.Duration
	PresenceDebounce   time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chathub port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:             getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:         getenv("REDIS_PASSWORD", ""),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		SendLimitPerMinute:    getint("SEND_LIMIT_PER_MINUTE", 120),
		ReadLimitPerMinute:    getint("READ_LIMIT_PER_MINUTE", 300),
		MemberCacheTTL:        time.Duration(getint("MEMBER_CACHE_TTL_SECONDS", 60)) * time.Second,
		TypingTTL:             time.Duration(getint("TYPING_TTL_MS", 2500)) * time.Millisecond,
		PresenceDebounce:      time.Duration(getint("PRESENCE_DEBOUNCE_MS", 5000)) * time.Millisecond,
	}
}

// Validate 在启动时做基本配置校验，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}
