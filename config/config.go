package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mailcadence/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
	QuotaURL     string `json:"quota_url"`
}

type SchedulerConfig struct {
	BatchSize        int           `json:"batch_size"`
	MaxStepRetries   int           `json:"max_step_retries"`
	MaxBounceRetries int           `json:"max_bounce_retries"`
	SendDelay        time.Duration `json:"send_delay"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	ProviderTimeout  time.Duration `json:"provider_timeout"`
}

type Config struct {
	Environment   string      `json:"environment"`
	ServerPort    string      `json:"server_port"`
	TrackingURL   string      `json:"tracking_url"` // public base URL for pixel/click endpoints
	InternalToken string      `json:"-"`            // shared secret for scheduler trigger + webhooks
	EncryptionKey string      `json:"-"`
	JWTSecret     string      `json:"-"`
	SentryDSN     string      `json:"-"`
	Google        OAuthConfig `json:"google"`
	Microsoft     OAuthConfig `json:"microsoft"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis     RedisConfig     `json:"redis"`
	Scheduler SchedulerConfig `json:"scheduler"`

	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	InboxPollInterval time.Duration `json:"inbox_poll_interval"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		ServerPort:    getEnv("SERVER_PORT", "5000"),
		TrackingURL:   getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		InternalToken: getEnv("INTERNAL_API_TOKEN", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
			QuotaURL:     getEnv("GOOGLE_QUOTA_URL", ""),
		},
		Microsoft: OAuthConfig{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("MICROSOFT_REDIRECT_URI", ""),
			QuotaURL:     getEnv("MICROSOFT_QUOTA_URL", ""),
		},

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailcadence"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Scheduler: SchedulerConfig{
			BatchSize:        getEnvAsInt("SCHEDULER_BATCH_SIZE", 100),
			MaxStepRetries:   getEnvAsInt("SCHEDULER_MAX_STEP_RETRIES", 3),
			MaxBounceRetries: getEnvAsInt("SCHEDULER_MAX_BOUNCE_RETRIES", 2),
			SendDelay:        getEnvAsDuration("SCHEDULER_SEND_DELAY", 2*time.Second),
			RetryBackoff:     getEnvAsDuration("SCHEDULER_RETRY_BACKOFF", 30*time.Minute),
			ProviderTimeout:  getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),

		InboxPollInterval: getEnvAsDuration("INBOX_POLL_INTERVAL", 5*time.Minute),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.InternalToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.Google.ClientID == "" || AppConfig.Google.ClientSecret == "" {
			return fmt.Errorf("Google OAuth credentials are required in production")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("OAuth Providers: Google(%t), Microsoft(%t)",
		AppConfig.Google.ClientID != "",
		AppConfig.Microsoft.ClientID != "")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Sender{},
		&models.SenderQuota{},
		&models.BounceRule{},
		&models.Template{},
		&models.Campaign{},
		&models.SequenceStep{},
		&models.Prospect{},
		&models.Enrollment{},
		&models.SentEmail{},
	)
}
