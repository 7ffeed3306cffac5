// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive stores finished execution records in S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/AleutianAI/stagehand/services/stagehand/dag"
)

// ErrInvalidConfig is returned for incomplete object store settings.
var ErrInvalidConfig = errors.New("invalid archive config")

// Config locates the bucket that receives execution records.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Prefix is prepended to every object key. Defaults to "executions".
	Prefix string `yaml:"prefix"`
}

// Validate reports missing or malformed settings.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("%w: endpoint must not include a scheme: %q", ErrInvalidConfig, c.Endpoint)
	case strings.TrimSpace(c.Bucket) == "":
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("%w: access key and secret key are required", ErrInvalidConfig)
	}
	return nil
}

// objectPutter is the slice of *minio.Client the sink uses.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioSink writes each finished execution record as one JSON object.
//
// Objects are keyed {prefix}/{graph}/{yyyy}/{mm}/{dd}/{execution}.json by the
// record's start date, so a bucket listing by graph and day is cheap.
//
// Thread Safety: Safe for concurrent use.
type MinioSink struct {
	client objectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewMinioSink connects to the object store and makes sure the bucket
// exists.
//
// Inputs:
//
//	ctx - Bounds the bucket check.
//	cfg - Connection settings. Must pass Validate.
//	logger - If nil, uses slog.Default().
func NewMinioSink(ctx context.Context, cfg Config, logger *slog.Logger) (*MinioSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure archive bucket %s: %w", cfg.Bucket, err)
	}
	return newSink(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newSink(client objectPutter, bucket, prefix string, logger *slog.Logger) *MinioSink {
	if prefix == "" {
		prefix = "executions"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioSink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "archive"), slog.String("bucket", bucket)),
	}
}

// ObjectKey returns the key rec is stored under.
func (s *MinioSink) ObjectKey(rec *dag.ExecutionRecord) string {
	day := rec.StartedAt
	if day.IsZero() {
		day = rec.EndedAt
	}
	return path.Join(s.prefix, rec.GraphID, day.UTC().Format("2006/01/02"), rec.ID+".json")
}

// Archive implements dag.Archiver.
func (s *MinioSink) Archive(ctx context.Context, rec *dag.ExecutionRecord) error {
	if rec == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", rec.ID, err)
	}
	key := s.ObjectKey(rec)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"graph-id": rec.GraphID,
			"status":   string(rec.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.logger.Debug("execution archived",
		slog.String("execution_id", rec.ID),
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Nop discards records. It is used when no archive is configured.
type Nop struct{}

// Archive implements dag.Archiver.
func (Nop) Archive(context.Context, *dag.ExecutionRecord) error { return nil }

var (
	_ dag.Archiver = (*MinioSink)(nil)
	_ dag.Archiver = Nop{}
)

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
