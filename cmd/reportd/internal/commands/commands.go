package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatplane/reportd/internal/logger"
	"github.com/threatplane/reportd/internal/queue"
	"github.com/threatplane/reportd/internal/queue/postgres"
	"github.com/threatplane/reportd/internal/storage"
)

type Globals struct {
	Debug   bool
	Version string
}

type PostgresFlags struct {
	ConnString      string `help:"PostgreSQL connection string" env:"REPORTD_POSTGRES_CONNECTION_STRING"`
	MaxConns        int32  `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32  `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32  `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32  `help:"maximum connection idle time in seconds" default:"1800"`
	AutoMigrate     bool   `help:"run database migrations on startup" default:"false" env:"REPORTD_POSTGRES_AUTO_MIGRATE"`
}

func (p *PostgresFlags) config() *postgres.Config {
	return &postgres.Config{
		ConnString:      p.ConnString,
		MaxConns:        p.MaxConns,
		MinConns:        p.MinConns,
		MaxConnLifetime: time.Duration(p.MaxConnLifetime) * time.Second,
		MaxConnIdleTime: time.Duration(p.MaxConnIdleTime) * time.Second,
		AutoMigrate:     p.AutoMigrate,
	}
}

type QueueFlags struct {
	Type     string        `help:"queue backend (memory or postgres)" default:"memory" env:"REPORTD_QUEUE_TYPE" enum:"memory,postgres"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (q *QueueFlags) Build(ctx context.Context) (queue.Queue, error) {
	switch q.Type {
	case "postgres":
		if q.Postgres.ConnString == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return postgres.New(ctx, q.Postgres.config())
	default:
		return queue.NewMemoryQueue(), nil
	}
}

type StorageFlags struct {
	Type string `help:"storage backend (fs or s3)" default:"fs" env:"REPORTD_STORAGE_TYPE" enum:"fs,s3"`

	FSRoot     string `help:"filesystem storage root directory" default:"./reports" env:"REPORTD_FS_ROOT"`
	FSBaseURL  string `help:"base URL for signed download links" default:"http://localhost:8080" env:"REPORTD_FS_BASE_URL"`
	FSSecret   string `help:"HMAC secret for signing download links" env:"REPORTD_FS_SIGNING_SECRET"`
	FSCompress bool   `help:"compress artifacts at rest" default:"false" env:"REPORTD_FS_COMPRESS"`

	S3Bucket          string `help:"S3 bucket name" env:"REPORTD_S3_BUCKET"`
	S3Region          string `help:"S3 region" default:"us-east-1" env:"AWS_REGION"`
	S3Endpoint        string `help:"custom S3 endpoint, e.g. a MinIO URL" env:"REPORTD_S3_ENDPOINT"`
	S3AccessKeyID     string `help:"static S3 access key" env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `help:"static S3 secret key" env:"AWS_SECRET_ACCESS_KEY"`
}

func (s *StorageFlags) Build(ctx context.Context) (storage.Provider, error) {
	switch s.Type {
	case "s3":
		return storage.NewS3Provider(ctx, storage.S3Config{
			Bucket:          s.S3Bucket,
			Region:          s.S3Region,
			Endpoint:        s.S3Endpoint,
			AccessKeyID:     s.S3AccessKeyID,
			SecretAccessKey: s.S3SecretAccessKey,
		})
	default:
		return storage.NewFSProvider(storage.FSConfig{
			Root:          s.FSRoot,
			SigningSecret: []byte(s.FSSecret),
			BaseURL:       s.FSBaseURL,
			Compress:      s.FSCompress,
		})
	}
}

// setupLogging wires the global zerolog logger for every command.
func setupLogging(globals *Globals) {
	log.Logger = logger.Setup(globals.Debug)
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
