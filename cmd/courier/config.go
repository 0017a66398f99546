package main

import (
	"time"

	"github.com/tinytelemetry/courier/internal/model"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultTCPPort             = 4300
	defaultAPIPort             = 3300
	defaultMuxBufferSize       = DefaultMuxBuffer
	defaultBatchSize           = model.DefaultBatchSize
	defaultBatchInterval       = model.DefaultBatchInterval
	defaultMaxQueueSize        = model.DefaultMaxQueueSize
	defaultSpillMaxAge         = model.DefaultRetentionAge
	defaultBackoffJitter       = 0.25
	defaultSendTimeout         = 15 * time.Second
	defaultQueryTimeout        = 30 * time.Second
	defaultArchiveRetention    = model.DefaultRetentionAge
	defaultInsertBatchSize     = 100
	defaultInsertFlushInterval = time.Second
	defaultInsertFlushQueue    = 16
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Endpoint    string            `mapstructure:"endpoint"`
	Headers     map[string]string `mapstructure:"headers"`
	SendTimeout time.Duration     `mapstructure:"send-timeout"`

	BatchSize       int           `mapstructure:"batch-size"`
	BatchInterval   time.Duration `mapstructure:"batch-interval"`
	MaxQueueSize    int           `mapstructure:"max-queue-size"`
	SpillPath       string        `mapstructure:"spill-path"`
	SpillMaxAge     time.Duration `mapstructure:"spill-max-age"`
	BackoffSchedule string        `mapstructure:"backoff-schedule"`
	BackoffJitter   float64       `mapstructure:"backoff-jitter"`

	Host          string `mapstructure:"host"`
	TCPEnabled    bool   `mapstructure:"tcp-enabled"`
	TCPPort       int    `mapstructure:"tcp-port"`
	TCPAddr       string `mapstructure:"tcp-addr"`
	MuxBufferSize int    `mapstructure:"mux-buffer-size"`
	APIEnabled    bool   `mapstructure:"api-enabled"`
	APIPort       int    `mapstructure:"api-port"`
	APIAddr       string `mapstructure:"api-addr"`

	ArchiveEnabled      bool          `mapstructure:"archive-enabled"`
	ArchivePath         string        `mapstructure:"archive-path"`
	ArchiveRetention    time.Duration `mapstructure:"archive-retention"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	LogLevel   string `mapstructure:"log-level"`
	LogFile    string `mapstructure:"log-file"`
	ConfigPath string `mapstructure:"-"` // not from config file
}
