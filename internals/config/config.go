package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Room      RoomConfig      `yaml:"room"`
	Signaling SignalingConfig `yaml:"signaling"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Client    ClientConfig    `yaml:"client"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	InstanceID      string        `yaml:"instance_id"`
}

type RoomConfig struct {
	Capacity      int `yaml:"capacity"`
	MaxRooms      int `yaml:"max_rooms"`
	MaxNameLength int `yaml:"max_name_length"`
}

type SignalingConfig struct {
	ReadLimit       int64         `yaml:"read_limit"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	HubPingInterval time.Duration `yaml:"hub_ping_interval"`
	SendBuffer      int           `yaml:"send_buffer"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	// Offers, answers and candidates draw from their own bucket. Zero
	// leaves relays unlimited.
	RelayRateLimitPerSec float64 `yaml:"relay_rate_limit_per_sec"`
	RelayRateLimitBurst  int     `yaml:"relay_rate_limit_burst"`
}

type WebRTCConfig struct {
	ICEServers []ICEServer `yaml:"ice_servers"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// MemberTTL is how long members of an instance survive after its last
	// heartbeat.
	MemberTTL time.Duration `yaml:"member_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig tunes the peer side: session timing, reconnection and the
// speaking detector.
type ClientConfig struct {
	ServerURL            string        `yaml:"server_url"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	JoinTimeout          time.Duration `yaml:"join_timeout"`
	NegotiationTimeout   time.Duration `yaml:"negotiation_timeout"`
	ReconnectTimeout     time.Duration `yaml:"reconnect_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DisconnectGrace      time.Duration `yaml:"disconnect_grace"`
	ShareRequestTimeout  time.Duration `yaml:"share_request_timeout"`
	SpeakingThreshold    float64       `yaml:"speaking_threshold"`
	TrailingSilence      time.Duration `yaml:"trailing_silence"`
}

var DefaultICEServers = []ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

func LoadConfig() (*Config, error) {
	iceServers, err := parseICEServersFromValues(
		os.Getenv(envICEServersJSON),
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
	if err != nil {
		return nil, err
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("MESH_HOST", "0.0.0.0"),
			Port:            getEnvInt("MESH_PORT", 8080),
			ReadTimeout:     getEnvDuration("MESH_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("MESH_WRITE_TIMEOUT", 30*time.Second),
			AllowedOrigins:  splitCommaSeparated(getEnv("MESH_ALLOWED_ORIGINS", "*")),
			ShutdownTimeout: getEnvDuration("MESH_SHUTDOWN_TIMEOUT", 10*time.Second),
			InstanceID:      getEnv("INSTANCE_ID", ""),
		},
		Room: RoomConfig{
			Capacity:      getEnvInt("MESH_ROOM_CAPACITY", 2),
			MaxRooms:      getEnvInt("MESH_MAX_ROOMS", 1000),
			MaxNameLength: getEnvInt("MESH_MAX_ROOM_NAME_LENGTH", 128),
		},
		Signaling: SignalingConfig{
			ReadLimit:       int64(getEnvInt("MESH_WS_READ_LIMIT", 524288)),
			WriteTimeout:    getEnvDuration("MESH_WS_WRITE_TIMEOUT", 10*time.Second),
			PongTimeout:     getEnvDuration("MESH_WS_PONG_TIMEOUT", 60*time.Second),
			PingInterval:    getEnvDuration("MESH_WS_PING_INTERVAL", 54*time.Second),
			HubPingInterval: getEnvDuration("MESH_WS_HUB_PING_INTERVAL", 30*time.Second),
			SendBuffer:      getEnvInt("MESH_WS_SEND_BUFFER", 256),
			RateLimitPerSec: getEnvFloat("MESH_RATE_LIMIT_PER_SEC", 50),
			RateLimitBurst:  getEnvInt("MESH_RATE_LIMIT_BURST", 100),

			RelayRateLimitPerSec: getEnvFloat("MESH_RELAY_RATE_LIMIT_PER_SEC", 500),
			RelayRateLimitBurst:  getEnvInt("MESH_RELAY_RATE_LIMIT_BURST", 1000),
		},
		WebRTC: WebRTCConfig{
			ICEServers: iceServers,
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),

			MemberTTL: getEnvDuration("REDIS_MEMBER_TTL", 15*time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Client: DefaultClientConfig(),
	}

	cfg.Client.ServerURL = getEnv("MESH_SERVER_URL", cfg.Client.ServerURL)
	cfg.Client.SyncInterval = getEnvDuration("MESH_SYNC_INTERVAL", cfg.Client.SyncInterval)
	cfg.Client.JoinTimeout = getEnvDuration("MESH_JOIN_TIMEOUT", cfg.Client.JoinTimeout)
	cfg.Client.NegotiationTimeout = getEnvDuration("MESH_NEGOTIATION_TIMEOUT", cfg.Client.NegotiationTimeout)
	cfg.Client.ReconnectTimeout = getEnvDuration("MESH_RECONNECT_TIMEOUT", cfg.Client.ReconnectTimeout)
	cfg.Client.MaxReconnectAttempts = getEnvInt("MESH_MAX_RECONNECT_ATTEMPTS", cfg.Client.MaxReconnectAttempts)
	cfg.Client.DisconnectGrace = getEnvDuration("MESH_DISCONNECT_GRACE", cfg.Client.DisconnectGrace)
	cfg.Client.ShareRequestTimeout = getEnvDuration("MESH_SHARE_REQUEST_TIMEOUT", cfg.Client.ShareRequestTimeout)
	cfg.Client.SpeakingThreshold = getEnvFloat("MESH_SPEAKING_THRESHOLD", cfg.Client.SpeakingThreshold)
	cfg.Client.TrailingSilence = getEnvDuration("MESH_TRAILING_SILENCE", cfg.Client.TrailingSilence)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:            "ws://localhost:8080/ws",
		SyncInterval:         5 * time.Second,
		JoinTimeout:          10 * time.Second,
		NegotiationTimeout:   30 * time.Second,
		ReconnectTimeout:     10 * time.Second,
		MaxReconnectAttempts: 5,
		DisconnectGrace:      5 * time.Second,
		ShareRequestTimeout:  30 * time.Second,
		SpeakingThreshold:    0.02,
		TrailingSilence:      800 * time.Millisecond,
	}
}

func (c *Config) Validate() error {
	if c.Room.Capacity < 1 {
		return fmt.Errorf("room capacity must be at least 1, got %d", c.Room.Capacity)
	}
	if c.Room.MaxNameLength < 1 {
		return errors.New("max room name length must be positive")
	}
	if c.Signaling.SendBuffer < 1 {
		return errors.New("send buffer must be positive")
	}
	if c.Client.SyncInterval <= 0 {
		return errors.New("sync interval must be positive")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must not be negative")
	}
	return nil
}

// Addr is the listen address of the hub.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("750ms") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
