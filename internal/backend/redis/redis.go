// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis provides a Redis backend so queue state and execution logs
// can be shared by several engine processes. Job writes run as a Lua
// script that compares the stored version first, so two processes never
// both claim the same job.
//
// Keys:
//
//	<prefix>queue:<name>    hash of job id -> job JSON
//	<prefix>logs:<exec id>  list of log entry JSON in append order
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/queue"
)

// DefaultPrefix namespaces every key the backend writes.
const DefaultPrefix = "flowengine:"

var (
	_ queue.Store       = (*Backend)(nil)
	_ execution.LogSink = (*Backend)(nil)
)

// Config contains Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix defaults to DefaultPrefix.
	Prefix string

	// LogTTL expires an execution's log list after its last append.
	// Zero keeps logs forever.
	LogTTL time.Duration
}

// Backend is a Redis storage backend.
type Backend struct {
	client *goredis.Client
	prefix string
	logTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	b := NewWithClient(client, cfg.Prefix)
	b.logTTL = cfg.LogTTL

	if err := b.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return b, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) queueKey(name string) string { return b.prefix + "queue:" + name }
func (b *Backend) logsKey(id string) string    { return b.prefix + "logs:" + id }

// Ping implements queue.Store.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// compareAndSave sets a job field only if the stored copy carries the
// expected version. Expected version 0 means the field must not exist.
var compareAndSave = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
local expected = tonumber(ARGV[2])
if current then
	if expected == 0 then
		return 0
	end
	local stored = cjson.decode(current)['version'] or 0
	if tonumber(stored) ~= expected then
		return 0
	end
elseif expected ~= 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// CompareAndSave implements queue.Store.
func (b *Backend) CompareAndSave(ctx context.Context, job *queue.Job, expected int64) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	n, err := compareAndSave.Run(ctx, b.client, []string{b.queueKey(job.Queue)}, job.ID, expected, data).Int()
	if err != nil {
		return false, fmt.Errorf("failed to save job: %w", err)
	}
	return n == 1, nil
}

// Delete implements queue.Store.
func (b *Backend) Delete(ctx context.Context, queueName, id string) error {
	if err := b.client.HDel(ctx, b.queueKey(queueName), id).Err(); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Load implements queue.Store.
func (b *Backend) Load(ctx context.Context, queueName string) ([]*queue.Job, error) {
	all, err := b.client.HGetAll(ctx, b.queueKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(all))
	for id, raw := range all {
		var job queue.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Append implements execution.LogSink.
func (b *Backend) Append(ctx context.Context, executionID string, entries ...execution.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		values = append(values, data)
	}

	key := b.logsKey(executionID)
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if b.logTTL > 0 {
			pipe.Expire(ctx, key, b.logTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append logs: %w", err)
	}
	return nil
}

// List implements execution.LogSink.
func (b *Backend) List(ctx context.Context, executionID string) ([]execution.LogEntry, error) {
	raws, err := b.client.LRange(ctx, b.logsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	entries := make([]execution.LogEntry, 0, len(raws))
	for _, raw := range raws {
		var entry execution.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
