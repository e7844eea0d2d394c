package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const probeTimeout = 5 * time.Second

// Resources holds the server's external connections: the buffer store pool,
// the fanout/presence Redis client, and the snapshot archive object store.
// One place owns their lifecycle.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	bucket string
	region string
}

// NewResources dials every external dependency and verifies it answers before
// returning. A partial failure tears down whatever was already connected.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pool, err := newBufferPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res := &Resources{
		Postgres: pool,
		Redis: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		bucket: cfg.ObjectBucket,
		region: cfg.ObjectRegion,
	}

	res.Object, err = minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("create object client: %w", err)
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func newBufferPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

// HealthCheck probes every dependency within one shared timeout.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres healthcheck failed: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis healthcheck failed: %w", err)
	}
	// No ping on S3-compatible stores; a bucket stat exercises auth and reachability.
	if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
		return fmt.Errorf("object storage healthcheck failed: %w", err)
	}
	return nil
}

// EnsureBucket creates the snapshot archive bucket when it does not exist yet.
func (r *Resources) EnsureBucket(ctx context.Context) error {
	exists, err := r.Object.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := r.Object.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Close disposes every active connection. Safe on a partially built value.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
