package config

import "time"

// Chat definition chat_service YAML structure
type Chat struct {
	Port    string        `mapstructure:"port"`
	Storage StorageConfig `mapstructure:"storage"`

	MongoSQL DatabaseConfig `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitConfig   `mapstructure:"rabbitmq"`
	MinIO    MinIOConfig    `mapstructure:"minio"`

	Limits  LimitConfig   `mapstructure:"limits"`
	Typing  TypingConfig  `mapstructure:"typing"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

// StorageConfig choose store driver: mongo | memory
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"` // 單機; 空字串時使用 sentinel (.env)
	RedisDB int    `mapstructure:"redis_db"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// KafkaConfig lifecycle event log
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	RetryInterval int      `mapstructure:"retry_interval"`
	RetryCount    int      `mapstructure:"retry_count"`
}

// RabbitConfig offline notification queue
type RabbitConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Queue         string `mapstructure:"queue"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// MinIOConfig attachment object storage
type MinIOConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	BucketName    string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
	RetryInterval int           `mapstructure:"retry_interval"`
	RetryCount    int           `mapstructure:"retry_count"`
}

// LimitConfig message body & send rate limits
type LimitConfig struct {
	MaxBodyLength int           `mapstructure:"max_body_length"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	BurstCap      int           `mapstructure:"burst_cap"`
	Window        time.Duration `mapstructure:"window"`
}

// TypingConfig typing presence expiry
type TypingConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// GatewayConfig websocket transport setting
type GatewayConfig struct {
	Fanout       string        `mapstructure:"fanout"` // local | redis
	SendBuffer   int           `mapstructure:"send_buffer"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	FrameRPS     float64       `mapstructure:"frame_rps"`
	FrameBurst   int           `mapstructure:"frame_burst"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
}

// DebugConfig pprof & debug log
type DebugConfig struct {
	Pprof     bool `mapstructure:"pprof"`
	DebugLog  bool `mapstructure:"debug_log"`
	PprofPort int  `mapstructure:"pprof_port"`
}

// Defaults fill zero values so a partial YAML still boots
func (c *Chat) Defaults() {
	if c.Port == "" {
		c.Port = "8082"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "mongo"
	}
	if c.Limits.MaxBodyLength <= 0 {
		c.Limits.MaxBodyLength = 4000
	}
	if c.Limits.Cooldown <= 0 {
		c.Limits.Cooldown = 500 * time.Millisecond
	}
	if c.Limits.BurstCap <= 0 {
		c.Limits.BurstCap = 10
	}
	if c.Limits.Window <= 0 {
		c.Limits.Window = time.Minute
	}
	if c.Typing.TTL <= 0 {
		c.Typing.TTL = 5 * time.Second
	}
	if c.Typing.SweepInterval <= 0 {
		c.Typing.SweepInterval = time.Second
	}
	if c.Gateway.Fanout == "" {
		c.Gateway.Fanout = "local"
	}
	if c.Gateway.SendBuffer <= 0 {
		c.Gateway.SendBuffer = 256
	}
	if c.Gateway.PongWait <= 0 {
		c.Gateway.PongWait = 60 * time.Second
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = (c.Gateway.PongWait * 9) / 10
	}
	if c.Gateway.WriteWait <= 0 {
		c.Gateway.WriteWait = 10 * time.Second
	}
	if c.Gateway.FrameRPS <= 0 {
		c.Gateway.FrameRPS = 20
	}
	if c.Gateway.FrameBurst <= 0 {
		c.Gateway.FrameBurst = 40
	}
	if c.MinIO.PresignExpiry <= 0 {
		c.MinIO.PresignExpiry = 15 * time.Minute
	}
	if c.Debug.PprofPort == 0 {
		c.Debug.PprofPort = 6060
	}
}
