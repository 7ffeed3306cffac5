// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagehand/services/stagehand/dag"
)

type putCall struct {
	bucket, key string
	body        []byte
	opts        minio.PutObjectOptions
}

type fakePutter struct {
	calls []putCall
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.calls = append(f.calls, putCall{bucket: bucket, key: object, body: body, opts: opts})
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(body))}, nil
}

func record() *dag.ExecutionRecord {
	return &dag.ExecutionRecord{
		ID:        "0192f3a0-run",
		GraphID:   "review",
		Status:    dag.ExecutionCompleted,
		StartedAt: time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC),
		Output:    "done",
	}
}

func TestMinioSink_ArchiveWritesJSONObject(t *testing.T) {
	fake := &fakePutter{}
	s := newSink(fake, "runs", "", nil)

	require.NoError(t, s.Archive(context.Background(), record()))
	require.Len(t, fake.calls, 1)

	call := fake.calls[0]
	assert.Equal(t, "runs", call.bucket)
	assert.Equal(t, "executions/review/2026/03/14/0192f3a0-run.json", call.key)
	assert.Equal(t, "application/json", call.opts.ContentType)
	assert.Equal(t, "completed", call.opts.UserMetadata["status"])

	var got map[string]any
	require.NoError(t, json.Unmarshal(call.body, &got))
	assert.Equal(t, "review", got["graph_id"])
	assert.Equal(t, "done", got["output"])
}

func TestMinioSink_ObjectKeyPrefix(t *testing.T) {
	s := newSink(&fakePutter{}, "runs", "/tenant-a/archive/", nil)
	rec := record()
	rec.StartedAt = time.Time{}
	rec.EndedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "tenant-a/archive/review/2026/01/02/0192f3a0-run.json", s.ObjectKey(rec))
}

func TestMinioSink_PutFailure(t *testing.T) {
	s := newSink(&fakePutter{err: errors.New("connection refused")}, "runs", "", nil)
	err := s.Archive(context.Background(), record())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, s.Archive(context.Background(), nil))
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "runs"}
	require.NoError(t, valid.Validate())

	tests := map[string]func(*Config){
		"no endpoint":   func(c *Config) { c.Endpoint = "" },
		"scheme":        func(c *Config) { c.Endpoint = "http://localhost:9000" },
		"no bucket":     func(c *Config) { c.Bucket = " " },
		"no secret key": func(c *Config) { c.SecretKey = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Archive(context.Background(), record()))
}

// TestMinioSink_Live needs a reachable MinIO or S3 endpoint.
func TestMinioSink_Live(t *testing.T) {
	endpoint := os.Getenv("STAGEHAND_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("STAGEHAND_TEST_MINIO_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewMinioSink(ctx, Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("STAGEHAND_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("STAGEHAND_TEST_MINIO_SECRET_KEY"),
		Bucket:    "stagehand-test",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, record()))
}
