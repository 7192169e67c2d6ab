package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/airframesio/stumble-exporter/cmd/compressors"
	"github.com/airframesio/stumble-exporter/cmd/records"
	"github.com/airframesio/stumble-exporter/cmd/uploader"
)

// Static errors for configuration validation
var (
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrDatabaseDriverInvalid   = errors.New("database driver must be one of: postgres, pgx")
	ErrEndpointRequired        = errors.New("upload endpoint is required")
	ErrEndpointInvalid         = errors.New("upload endpoint must be an http or https URL")
	ErrUploadTimeoutInvalid    = errors.New("upload timeout must be >= 0")
	ErrExportDirRequired       = errors.New("private export directory is required")
	ErrPrefixInvalid           = errors.New("export prefix must be 1-64 characters of letters, numbers, '-' and '_'")
	ErrCompressionInvalid      = errors.New("compression must be one of: gzip, zstd, lz4, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip), or 0 for the default")
	ErrUploadRequiresGzip      = errors.New("uploads require gzip compression; use --dry-run or the export command for other formats")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateInvalid     = errors.New("path template contains an unknown placeholder")
	ErrCollectorListenRequired = errors.New("collector listen address is required")
)

const (
	regionAuto           = "auto"
	defaultEndpoint      = "https://wigle.net/cgi-bin/file_upload"
	defaultUploadTimeout = 10 * time.Minute
)

type Config struct {
	Debug            bool
	LogFormat        string
	DryRun           bool
	User             UserConfig
	Endpoint         string
	UploadTimeout    time.Duration
	Database         DatabaseConfig
	Export           ExportConfig
	Compression      string
	CompressionLevel int // 0 selects the compressor default
	S3               S3Config
	Collector        CollectorConfig
}

// UserConfig holds the observer credentials. Emptiness is reported by the
// pipeline as BAD_USERNAME or BAD_PASSWORD, not as a configuration error.
type UserConfig struct {
	Name     string
	Password string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type ExportConfig struct {
	SharedDir  string
	PrivateDir string
	Prefix     string
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

type CollectorConfig struct {
	Listen   string
	Dir      string
	Accounts map[string]string // observer -> password; empty accepts everyone
}

var (
	validPrefix      = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	validRegion      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	templateVariable = regexp.MustCompile(`\{[^}]*\}`)
)

// loadConfig reads every setting from viper
func loadConfig() *Config {
	return &Config{
		Debug:         viper.GetBool("debug"),
		LogFormat:     viper.GetString("log_format"),
		DryRun:        viper.GetBool("dry_run"),
		User:          UserConfig{Name: viper.GetString("user.name"), Password: viper.GetString("user.password")},
		Endpoint:      viper.GetString("endpoint"),
		UploadTimeout: viper.GetDuration("upload_timeout"),
		Database: DatabaseConfig{
			Driver:   viper.GetString("db.driver"),
			Host:     viper.GetString("db.host"),
			Port:     viper.GetInt("db.port"),
			User:     viper.GetString("db.user"),
			Password: viper.GetString("db.password"),
			Name:     viper.GetString("db.name"),
			SSLMode:  viper.GetString("db.sslmode"),
		},
		Export: ExportConfig{
			SharedDir:  viper.GetString("export.shared_dir"),
			PrivateDir: viper.GetString("export.private_dir"),
			Prefix:     viper.GetString("export.prefix"),
		},
		Compression:      viper.GetString("compression"),
		CompressionLevel: viper.GetInt("compression_level"),
		S3: S3Config{
			Endpoint:     viper.GetString("s3.endpoint"),
			Bucket:       viper.GetString("s3.bucket"),
			AccessKey:    viper.GetString("s3.access_key"),
			SecretKey:    viper.GetString("s3.secret_key"),
			Region:       viper.GetString("s3.region"),
			PathTemplate: viper.GetString("s3.path_template"),
		},
		Collector: CollectorConfig{
			Listen:   viper.GetString("collector.listen"),
			Dir:      viper.GetString("collector.dir"),
			Accounts: viper.GetStringMapString("collector.accounts"),
		},
	}
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidPathTemplate accepts only the placeholders PathTemplate knows
func isValidPathTemplate(template string) bool {
	for _, v := range templateVariable.FindAllString(template, -1) {
		switch v {
		case "{observer}", "{YYYY}", "{MM}", "{DD}", "{HH}":
		default:
			return false
		}
	}
	return true
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	if level == 0 {
		return true
	}
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	default:
		return false
	}
}

func isValidCompression(compression string) bool {
	for _, name := range compressors.Names() {
		if name == compression {
			return true
		}
	}
	return false
}

// Validate checks the settings shared by the upload and export commands
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Export.PrivateDir == "" {
		return ErrExportDirRequired
	}
	if !validPrefix.MatchString(c.Export.Prefix) {
		return fmt.Errorf("%w: '%s'", ErrPrefixInvalid, c.Export.Prefix)
	}

	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}

	if c.DryRun {
		return nil
	}

	if c.Compression != "gzip" {
		return fmt.Errorf("%w: got %s", ErrUploadRequiresGzip, c.Compression)
	}
	if c.Endpoint == "" {
		return ErrEndpointRequired
	}
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: '%s'", ErrEndpointInvalid, c.Endpoint)
	}
	if c.UploadTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrUploadTimeoutInvalid, c.UploadTimeout)
	}

	if c.S3.Bucket != "" {
		if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
		if !isValidPathTemplate(c.S3.PathTemplate) {
			return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.S3.PathTemplate)
		}
	}

	return nil
}

// ValidateCollector checks the settings the collector command needs
func (c *Config) ValidateCollector() error {
	if c.Collector.Listen == "" {
		return ErrCollectorListenRequired
	}
	if c.Collector.Dir == "" {
		return ErrExportDirRequired
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch strings.ToLower(c.Database.Driver) {
	case records.DriverPQ, records.DriverPGX:
	default:
		return fmt.Errorf("%w: '%s'", ErrDatabaseDriverInvalid, c.Database.Driver)
	}
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	return nil
}

// ConnConfig converts the database settings for records.Open
func (c *Config) ConnConfig() records.ConnConfig {
	return records.ConnConfig{
		Driver:   strings.ToLower(c.Database.Driver),
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Name:     c.Database.Name,
		SSLMode:  c.Database.SSLMode,
	}
}

// MirrorConfig converts the S3 settings for uploader.NewS3Mirror
func (c *Config) MirrorConfig() uploader.S3Config {
	region := c.S3.Region
	if region == "" || region == regionAuto {
		region = "us-east-1"
	}
	return uploader.S3Config{
		Endpoint:     c.S3.Endpoint,
		Bucket:       c.S3.Bucket,
		AccessKey:    c.S3.AccessKey,
		SecretKey:    c.S3.SecretKey,
		Region:       region,
		PathTemplate: c.S3.PathTemplate,
	}
}
