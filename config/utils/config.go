// Package config provides utilities to load environment variables & set config structs, it includes app, engine policy, redis cache, db and logger environment variables.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, logger and the scheduling engine
type (
	AppConfig struct {
		App    *App    `mapstructure:"app"`
		Redis  *Redis  `mapstructure:"redis"`
		Logger *Logger `mapstructure:"logger"`
		DB     *DB     `mapstructure:"db"`
		Engine *Engine `mapstructure:"engine"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}

	// Engine contains the scheduling policy knobs. These are policy
	// parameters, not contracts; deployments tune them per network.
	Engine struct {
		ProfileTTL           time.Duration `mapstructure:"profileTTL"`
		TickInterval         time.Duration `mapstructure:"tickInterval"`
		AckTimeout           time.Duration `mapstructure:"ackTimeout"`
		TaskTimeout          time.Duration `mapstructure:"taskTimeout"`
		MaxQueueWait         time.Duration `mapstructure:"maxQueueWait"`
		ResultTTL            time.Duration `mapstructure:"resultTTL"`
		MaxRetries           int           `mapstructure:"maxRetries"`
		DefaultMaxConcurrent int           `mapstructure:"defaultMaxConcurrent"`
		EventBuffer          int           `mapstructure:"eventBuffer"`
		Fitness              Fitness       `mapstructure:"fitness"`
		Scoring              Scoring       `mapstructure:"scoring"`
	}

	// Fitness holds the weights of the composite peer ranking score
	Fitness struct {
		CPUWeight          float64 `mapstructure:"cpuWeight"`
		GPUWeight          float64 `mapstructure:"gpuWeight"`
		MemoryWeight       float64 `mapstructure:"memoryWeight"`
		DriveWeight        float64 `mapstructure:"driveWeight"`
		UtilizationPenalty float64 `mapstructure:"utilizationPenalty"`
		ReputationWeight   float64 `mapstructure:"reputationWeight"`
		ScoreScale         float64 `mapstructure:"scoreScale"` // raw scores are divided by this before weighting
	}

	// Scoring holds the contribution point policy
	Scoring struct {
		CreditDivisor  float64       `mapstructure:"creditDivisor"`
		SpeedBonus     float64       `mapstructure:"speedBonus"`
		FailurePenalty float64       `mapstructure:"failurePenalty"`
		StrikeLimit    int           `mapstructure:"strikeLimit"`
		WriteRetries   int           `mapstructure:"writeRetries"`
		WriteBackoff   time.Duration `mapstructure:"writeBackoff"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// addEngineDefaults sets fallback values for any engine knob the config
// file leaves out. The timeout defaults mirror the network's reference
// deployment: 30s presence TTL, 1h task timeout, 3 retries.
func addEngineDefaults() {
	viper.SetDefault("engine.profileTTL", "30s")
	viper.SetDefault("engine.tickInterval", "5s")
	viper.SetDefault("engine.ackTimeout", "10s")
	viper.SetDefault("engine.taskTimeout", "1h")
	viper.SetDefault("engine.maxQueueWait", "5m")
	viper.SetDefault("engine.resultTTL", "24h")
	viper.SetDefault("engine.maxRetries", 3)
	viper.SetDefault("engine.defaultMaxConcurrent", 10)
	viper.SetDefault("engine.eventBuffer", 64)
	viper.SetDefault("engine.fitness.cpuWeight", 0.4)
	viper.SetDefault("engine.fitness.gpuWeight", 0.2)
	viper.SetDefault("engine.fitness.memoryWeight", 0.25)
	viper.SetDefault("engine.fitness.driveWeight", 0.15)
	viper.SetDefault("engine.fitness.utilizationPenalty", 0.5)
	viper.SetDefault("engine.fitness.reputationWeight", 0.05)
	viper.SetDefault("engine.fitness.scoreScale", 100)
	viper.SetDefault("engine.scoring.creditDivisor", 10)
	viper.SetDefault("engine.scoring.speedBonus", 1.5)
	viper.SetDefault("engine.scoring.failurePenalty", 5)
	viper.SetDefault("engine.scoring.strikeLimit", 3)
	viper.SetDefault("engine.scoring.writeRetries", 5)
	viper.SetDefault("engine.scoring.writeBackoff", "200ms")
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	addEngineDefaults()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}
