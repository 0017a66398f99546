package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/courier/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Courier - Telemetry Delivery Agent\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultSpillPath := filepath.Join(home, ".local", "share", "courier", "queue.json")
	defaultArchivePath := filepath.Join(home, ".local", "share", "courier", "archive.duckdb")
	defaultBackupDir := filepath.Join(home, ".local", "share", "courier", "backups")

	v := viper.New()
	v.SetEnvPrefix("COURIER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("send-timeout", defaultSendTimeout)
	v.SetDefault("batch-size", defaultBatchSize)
	v.SetDefault("batch-interval", defaultBatchInterval)
	v.SetDefault("max-queue-size", defaultMaxQueueSize)
	v.SetDefault("spill-path", defaultSpillPath)
	v.SetDefault("spill-max-age", defaultSpillMaxAge)
	v.SetDefault("backoff-jitter", defaultBackoffJitter)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("archive-enabled", false)
	v.SetDefault("archive-path", defaultArchivePath)
	v.SetDefault("archive-retention", defaultArchiveRetention)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", defaultBackupDir)
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("log-level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "courier", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if strings.TrimSpace(cfg.Endpoint) == "" {
		return cfg, fmt.Errorf("endpoint is required")
	}
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return cfg, fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if cfg.BackupBucketURL != "" && (cfg.BackupS3AccessKey == "" || cfg.BackupS3SecretKey == "") {
			return cfg, fmt.Errorf("backup-s3-access-key and backup-s3-secret-key are required for remote backups")
		}
	}

	// Expand ~ in filesystem paths
	cfg.SpillPath = expandHome(cfg.SpillPath, home)
	cfg.ArchivePath = expandHome(cfg.ArchivePath, home)
	cfg.BackupLocalDir = expandHome(cfg.BackupLocalDir, home)
	cfg.LogFile = expandHome(cfg.LogFile, home)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
