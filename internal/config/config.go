package config

import (
	"time"

	"github.com/weiawesome/market-chat/internal/docstore"
	"github.com/weiawesome/market-chat/internal/idgen"
	pkgconfig "github.com/weiawesome/market-chat/pkg/config"
	"github.com/weiawesome/market-chat/pkg/database"
	"github.com/weiawesome/market-chat/pkg/jwt"
	"github.com/weiawesome/market-chat/pkg/log"
	"github.com/weiawesome/market-chat/pkg/pubsub"
	"github.com/weiawesome/market-chat/pkg/tracing"
)

type Config struct {
	Server     ServerConfig
	WebSocket  WebSocketConfig
	Auth       jwt.Config
	Store      StoreConfig
	PubSub     pubsub.Config `mapstructure:"pubsub"`
	Redis      RedisConfig
	Cache      CacheConfig
	Chat       ChatConfig
	IDGen      idgen.Config `mapstructure:"idgen"`
	Reconciler ReconcilerConfig
	Tracing    tracing.Config
	Log        log.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_timeout"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
}

// StoreConfig selects the document store driver: memory, gorm or mongo.
type StoreConfig struct {
	Driver   string
	Database database.Config
	Mongo    docstore.MongoConfig
}

// RedisConfig is optional. When Address is empty the profile cache and the
// activity set fall back to process memory.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type CacheConfig struct {
	ProfileTTL time.Duration `mapstructure:"profile_ttl"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

type ChatConfig struct {
	MaxMessageLength int           `mapstructure:"max_message_length"`
	SeenDebounce     time.Duration `mapstructure:"seen_debounce"`
	SeenThrottle     time.Duration `mapstructure:"seen_throttle"`
}

type ReconcilerConfig struct {
	Enabled  bool
	Interval time.Duration
	TopN     int64 `mapstructure:"top_n"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	pkgconfig.SetDefaults(v, map[string]any{
		"server.host":                 "0.0.0.0",
		"server.port":                 8090,
		"websocket.read_buffer_size":  1024,
		"websocket.write_buffer_size": 1024,
		"websocket.ping_interval":     "30s",
		"websocket.pong_timeout":      "60s",
		"websocket.write_wait":        "10s",
		"websocket.max_message_size":  8192,
		"websocket.send_buffer_size":  256,
		"auth.jwt_secret":             "",
		"auth.jwt_public_key_path":    "",
		"auth.issuer":                 "",
		"store.driver":                "memory",
		"store.database.driver":       "sqlite",
		"store.database.file_path":    "market-chat.db",
		"store.database.host":         "localhost",
		"store.database.port":         5432,
		"store.database.user":         "postgres",
		"store.database.password":     "",
		"store.database.dbname":       "market_chat",
		"store.database.sslmode":      "disable",
		"store.database.log_level":    "warn",
		"store.mongo.uri":             "mongodb://localhost:27017",
		"store.mongo.database":        "market_chat",
		"store.mongo.connect_timeout": "10s",
		"pubsub.driver":               "memory",
		"pubsub.redis.address":        "localhost:6379",
		"pubsub.redis.password":       "",
		"pubsub.redis.db":             0,
		"pubsub.kafka.brokers":        "localhost:9092",
		"pubsub.kafka.group_id":       "market-chat",
		"pubsub.kafka.partitions":     4,
		"pubsub.kafka.broadcast":      true,
		"redis.address":               "",
		"redis.password":              "",
		"redis.db":                    0,
		"cache.profile_ttl":           "10m",
		"cache.key_prefix":            "chat:profile",
		"chat.max_message_length":     2000,
		"chat.seen_debounce":          "1s",
		"chat.seen_throttle":          "2s",
		"idgen.type":                  "ulid",
		"reconciler.enabled":          true,
		"reconciler.interval":         "60s",
		"reconciler.top_n":            100,
		"tracing.enabled":             false,
		"tracing.endpoint":            "localhost:4318",
		"tracing.insecure":            true,
		"tracing.sample_ratio":        1.0,
		"tracing.environment":         "development",
		"log.level":                   "info",
		"log.pretty":                  false,
		"log.service_name":            "market-chat",
	})

	// Short names used by the deployment manifests.
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("store.mongo.uri", "MONGO_URI")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
