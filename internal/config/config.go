package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the service reads at startup.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Model    ModelConfig
	Storage  StorageConfig
	Auth     AuthConfig
	MQTT     MQTTConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MaxUploadBytes  int64
}

type DatabaseConfig struct {
	DSN           string
	LedgerTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// ModelConfig selects the real classifier backend. Backend is one of "onnx", "grpc" or "none".
type ModelConfig struct {
	Backend        string
	Path           string
	MetadataPath   string
	LibraryPath    string
	InferenceAddr  string
	DialTimeout    time.Duration
	PredictTimeout time.Duration
}

type StorageConfig struct {
	UploadDir     string
	PublicBaseURL string
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
}

type LogConfig struct {
	Level string
}

var bindings = map[string]string{
	"http.addr":              "HTTP_ADDR",
	"http.shutdowntimeout":   "HTTP_SHUTDOWN_TIMEOUT",
	"http.allowedorigins":    "CORS_ORIGINS",
	"http.maxuploadbytes":    "MAX_UPLOAD_BYTES",
	"database.dsn":           "DATABASE_DSN",
	"database.ledgertimeout": "LEDGER_TIMEOUT",
	"redis.addr":             "REDIS_ADDR",
	"redis.password":         "REDIS_PASSWORD",
	"redis.db":               "REDIS_DB",
	"redis.ttl":              "RESULTS_CACHE_TTL",
	"model.backend":          "MODEL_BACKEND",
	"model.path":             "MODEL_PATH",
	"model.metadatapath":     "MODEL_METADATA_PATH",
	"model.librarypath":      "ONNXRUNTIME_LIB",
	"model.inferenceaddr":    "INFERENCE_ADDR",
	"model.dialtimeout":      "INFERENCE_DIAL_TIMEOUT",
	"model.predicttimeout":   "INFERENCE_PREDICT_TIMEOUT",
	"storage.uploaddir":      "UPLOAD_DIR",
	"storage.publicbaseurl":  "PUBLIC_BASE_URL",
	"auth.jwtsecret":         "JWT_SECRET",
	"auth.jwtaudience":       "JWT_AUDIENCE",
	"mqtt.broker":            "MQTT_BROKER",
	"mqtt.clientid":          "MQTT_CLIENT_ID",
	"mqtt.username":          "MQTT_USERNAME",
	"mqtt.password":          "MQTT_PASSWORD",
	"mqtt.topicprefix":       "MQTT_TOPIC_PREFIX",
	"mqtt.qos":               "MQTT_QOS",
	"log.level":              "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdowntimeout", 15*time.Second)
	v.SetDefault("http.allowedorigins", []string{"http://localhost:3000"})
	v.SetDefault("http.maxuploadbytes", int64(10<<20))
	v.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=neuroscan port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("database.ledgertimeout", 3*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("model.backend", "onnx")
	v.SetDefault("model.path", "models/model.onnx")
	v.SetDefault("model.metadatapath", "models/model_metadata.json")
	v.SetDefault("model.inferenceaddr", "inference:50051")
	v.SetDefault("model.dialtimeout", 5*time.Second)
	v.SetDefault("model.predicttimeout", 10*time.Second)
	v.SetDefault("storage.uploaddir", "uploads")
	v.SetDefault("storage.publicbaseurl", "http://127.0.0.1:8080")
	v.SetDefault("mqtt.clientid", "neuroscan-api")
	v.SetDefault("mqtt.topicprefix", "neuroscan/diagnoses")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional file and the environment.
// The environment wins over the file. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Model.Backend = strings.ToLower(strings.TrimSpace(cfg.Model.Backend))
	cfg.Storage.PublicBaseURL = strings.TrimRight(cfg.Storage.PublicBaseURL, "/")
	return &cfg, nil
}
