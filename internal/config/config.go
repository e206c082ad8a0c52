package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const EnvPrefix = "BACKUP"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Drive     DriveConfig     `mapstructure:"drive"`
	S3        S3Config        `mapstructure:"s3"`
	SFTP      SFTPConfig      `mapstructure:"sftp"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Seed      SeedConfig      `mapstructure:"seed"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	AdminUsername string        `mapstructure:"admin_username"`
	// AdminPassword is either plain text or a bcrypt hash.
	AdminPassword string `mapstructure:"admin_password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type BackupConfig struct {
	Dir            string        `mapstructure:"dir"`
	DumpTimeout    time.Duration `mapstructure:"dump_timeout"`
	DataOnly       bool          `mapstructure:"data_only"`
	MinFreePercent float64       `mapstructure:"min_free_percent"`
	GPGPublicKey   string        `mapstructure:"gpg_public_key"`
}

type DockerConfig struct {
	Host string `mapstructure:"host"`
}

type SchedulerConfig struct {
	Timezone          string        `mapstructure:"timezone"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

type RetentionConfig struct {
	Cron           string        `mapstructure:"cron"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DryRun         bool          `mapstructure:"dry_run"`
	KeepUnuploaded bool          `mapstructure:"keep_unuploaded"`
}

type UploadConfig struct {
	Target      string        `mapstructure:"target"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

type DriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	TokenFile    string `mapstructure:"token_file"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
}

type SFTPConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	RemoteDir      string `mapstructure:"remote_dir"`
}

type NotifyConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	WebhookTimeout    time.Duration `mapstructure:"webhook_timeout"`
	WebhookMaxRetries int           `mapstructure:"webhook_max_retries"`
	TelegramToken     string        `mapstructure:"telegram_token"`
	TelegramChatID    int64         `mapstructure:"telegram_chat_id"`
}

// SeedConfig describes a profile created on first start when the store is
// empty. It is populated from the flat environment variables older
// deployments use.
type SeedConfig struct {
	Name          string `mapstructure:"name"`
	DBUser        string `mapstructure:"db_user"`
	DBPassword    string `mapstructure:"db_password"`
	ContainerName string `mapstructure:"container_name"`
	DBName        string `mapstructure:"db_name"`
	FolderDrive   string `mapstructure:"folder_drive"`
	CronSchedule  string `mapstructure:"cron_schedule"`
}

func (s SeedConfig) Enabled() bool {
	return s.DBUser != "" && s.ContainerName != "" && s.DBName != ""
}

var defaults = map[string]interface{}{
	"server.addr":                 ":8080",
	"server.port":                 "",
	"server.read_timeout":         "30s",
	"server.shutdown_timeout":     "10s",
	"server.cors_origins":         []string{"*"},
	"auth.jwt_secret":             "",
	"auth.token_ttl":              "24h",
	"auth.admin_username":         "admin",
	"auth.admin_password":         "",
	"log.level":                   "info",
	"log.file":                    "",
	"log.max_size_mb":             100,
	"log.max_backups":             3,
	"log.max_age_days":            28,
	"database.driver":             "sqlite",
	"database.dsn":                "data/backup.db",
	"backup.dir":                  "backups",
	"backup.dump_timeout":         "1h",
	"backup.data_only":            false,
	"backup.min_free_percent":     5.0,
	"backup.gpg_public_key":       "",
	"docker.host":                 "",
	"scheduler.timezone":          "Local",
	"scheduler.reconcile_interval": "1m",
	"scheduler.stop_timeout":      "30s",
	"retention.cron":              "0 4 * * *",
	"retention.timeout":           "1h",
	"retention.dry_run":           false,
	"retention.keep_unuploaded":   false,
	"upload.target":               "drive",
	"upload.timeout":              "30m",
	"upload.concurrency":          3,
	"drive.client_id":             "",
	"drive.client_secret":         "",
	"drive.redirect_url":          "http://localhost:8080/api/drive/callback",
	"drive.token_file":            "data/token.json",
	"s3.bucket":                   "",
	"s3.region":                   "us-east-1",
	"s3.endpoint":                 "",
	"s3.access_key_id":            "",
	"s3.secret_access_key":        "",
	"s3.prefix":                   "",
	"sftp.host":                   "",
	"sftp.port":                   22,
	"sftp.user":                   "",
	"sftp.password":               "",
	"sftp.private_key_file":       "",
	"sftp.known_hosts_file":       "",
	"sftp.remote_dir":             "/backups",
	"notify.webhook_url":          "",
	"notify.webhook_secret":       "",
	"notify.webhook_timeout":      "10s",
	"notify.webhook_max_retries":  3,
	"notify.telegram_token":       "",
	"notify.telegram_chat_id":     0,
	"seed.name":                   "default",
	"seed.db_user":                "",
	"seed.db_password":            "",
	"seed.container_name":         "",
	"seed.db_name":                "",
	"seed.folder_drive":           "backups",
	"seed.cron_schedule":          "",
}

// legacyEnv maps config keys to the flat variable names used before the
// structured layout existed.
var legacyEnv = map[string]string{
	"server.port":          "WEBAPP_PORT",
	"auth.jwt_secret":      "JWT_SECRET",
	"auth.admin_username":  "ADMIN_USERNAME",
	"auth.admin_password":  "ADMIN_PASSWORD",
	"drive.client_id":      "GOOGLE_CLIENT_ID",
	"drive.client_secret":  "GOOGLE_CLIENT_SECRET",
	"s3.bucket":            "BUCKET_NAME",
	"s3.region":            "REGION",
	"s3.endpoint":          "ENDPOINT",
	"s3.access_key_id":     "ACCESS_KEY_ID",
	"s3.secret_access_key": "SECRET_ACCESS_KEY",
	"backup.dir":           "LOCAL_BACKUP_PATH",
	"log.level":            "LOG_LEVEL",
	"retention.dry_run":    "GC_DRY_RUN",
	"notify.webhook_url":   "WEBHOOK_URL",
	"seed.db_user":         "DB_USER",
	"seed.db_password":     "DB_PASSWORD",
	"seed.container_name":  "CONTAINER_NAME",
	"seed.db_name":         "DB_NAME",
	"seed.folder_drive":    "FOLDER_DRIVE",
	"seed.cron_schedule":   "CRON_SCHEDULE",
}

// Load reads .env, an optional YAML file and the environment, in increasing
// order of precedence. An empty path searches the default locations and
// tolerates a missing file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/backup-scheduler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Server.Port != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(cfg.Server.Port, ":")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem found instead of stopping at the first.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required")
	}
	if c.Auth.AdminPassword == "" {
		problems = append(problems, "auth.admin_password is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Backup.Dir == "" {
		problems = append(problems, "backup.dir is required")
	}
	if c.Backup.DumpTimeout <= 0 {
		problems = append(problems, "backup.dump_timeout must be positive")
	}
	if c.Backup.MinFreePercent < 0 || c.Backup.MinFreePercent >= 100 {
		problems = append(problems, "backup.min_free_percent must be within [0, 100)")
	}
	if _, err := cron.ParseStandard(c.Retention.Cron); err != nil {
		problems = append(problems, fmt.Sprintf("retention.cron %q is invalid: %v", c.Retention.Cron, err))
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("scheduler.timezone %q is invalid: %v", c.Scheduler.Timezone, err))
	}
	if c.Upload.Concurrency <= 0 {
		problems = append(problems, "upload.concurrency must be a positive integer")
	}
	switch c.Upload.Target {
	case "drive":
	case "s3":
		if c.S3.Bucket == "" {
			problems = append(problems, "s3.bucket is required when upload.target is s3")
		}
	case "sftp":
		if c.SFTP.Host == "" || c.SFTP.User == "" {
			problems = append(problems, "sftp.host and sftp.user are required when upload.target is sftp")
		}
	default:
		problems = append(problems, fmt.Sprintf("upload.target %q is not supported (drive, s3, sftp)", c.Upload.Target))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || strings.EqualFold(c.Scheduler.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}
