package tracer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/pkg/models"
)

// Sink persists completed sessions. Write errors are logged by the tracer
// and never reach the turn.
type Sink interface {
	Name() string
	Write(ctx context.Context, s *models.TraceSession) error
}

// ── File sink ───────────────────────────────────────────────

// FileSink writes one JSON document per session:
//
//	{dir}/trace_20240301T101500.123Z_1a2b3c4d.json
//
// Files are created exclusively and never rewritten.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink under dir, creating it on first write.
func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = "traces"
	}
	return &FileSink{dir: dir}
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(_ context.Context, s *models.TraceSession) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	fpath := filepath.Join(f.dir, fmt.Sprintf("trace_%s_%s.json", ts.UTC().Format("20060102T150405.000Z"), suffix))

	file, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		file.Close()
		return fmt.Errorf("encode trace %s: %w", s.SessionID, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}

	log.Debug().Str("path", fpath).Str("session_id", s.SessionID).Msg("Trace session written")
	return nil
}

// ── Redis sink ──────────────────────────────────────────────

// RedisSink pushes sessions onto a capped Redis list, newest first.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisSink connects to redisURL (redis://host:port/db) and verifies the
// connection.
func NewRedisSink(ctx context.Context, redisURL, key string, maxLen int) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisSinkWithClient(client, key, maxLen), nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client *redis.Client, key string, maxLen int) *RedisSink {
	if key == "" {
		key = "shopdesk:traces"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisSink{client: client, key: key, maxLen: int64(maxLen)}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Write(ctx context.Context, s *models.TraceSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode trace %s: %w", s.SessionID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push trace %s: %w", s.SessionID, err)
	}
	return nil
}

// Recent reads up to n sessions back from the list, newest first.
func (r *RedisSink) Recent(ctx context.Context, n int) ([]*models.TraceSession, error) {
	if n <= 0 {
		n = int(r.maxLen)
	}
	raw, err := r.client.LRange(ctx, r.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read traces: %w", err)
	}
	out := make([]*models.TraceSession, 0, len(raw))
	for _, item := range raw {
		var s models.TraceSession
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable trace in redis")
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

func (r *RedisSink) Close() error { return r.client.Close() }
