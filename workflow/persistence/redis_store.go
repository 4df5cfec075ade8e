package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRunStore keeps run documents in redis with sorted-set indexes by
// start time, one global and one per workflow. Suitable for distributed
// deployments where several nodes share the audit trail.
type RedisRunStore struct {
	client    *redis.Client
	keyPrefix string
	config    Config
}

// NewRedisRunStore creates a redis-backed run store and verifies the
// connection before returning.
func NewRedisRunStore(config Config) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "stateflow:"
	}

	return &RedisRunStore{
		client:    client,
		keyPrefix: keyPrefix + "run:",
		config:    config,
	}, nil
}

func (s *RedisRunStore) runKey(runID string) string {
	return s.keyPrefix + "data:" + runID
}

func (s *RedisRunStore) allRunsKey() string {
	return s.keyPrefix + "all"
}

func (s *RedisRunStore) workflowKey(name string) string {
	return s.keyPrefix + "workflow:" + name
}

func indexScore(rec *RunRecord) float64 {
	ts := rec.StartTime
	if ts.IsZero() {
		ts = rec.SavedAt
	}
	return float64(ts.UnixNano())
}

// SaveRun persists a record, replacing any earlier save of the same run.
func (s *RedisRunStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return ErrInvalidInput
	}

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	score := indexScore(rec)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.runKey(rec.RunID), data, 0)
	pipe.ZAdd(ctx, s.allRunsKey(), redis.Z{Score: score, Member: rec.RunID})
	if rec.Workflow != "" {
		pipe.ZAdd(ctx, s.workflowKey(rec.Workflow), redis.Z{Score: score, Member: rec.RunID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun retrieves one run by its ID.
func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns retrieves runs matching the filter, newest first. The sorted
// sets already order by start time, so a reverse range walks newest to
// oldest; records whose document has vanished are skipped.
func (s *RedisRunStore) ListRuns(ctx context.Context, filter Filter) ([]*RunRecord, error) {
	indexKey := s.allRunsKey()
	if filter.Workflow != "" {
		indexKey = s.workflowKey(filter.Workflow)
	}

	runIDs, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*RunRecord, 0, len(runIDs))
	for _, runID := range runIDs {
		rec, err := s.GetRun(ctx, runID)
		if err != nil {
			continue
		}
		if filter.matches(rec) {
			result = append(result, rec)
		}
	}

	return filter.page(result), nil
}

// DeleteRun removes one run and its index entries.
func (s *RedisRunStore) DeleteRun(ctx context.Context, runID string) error {
	rec, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.allRunsKey(), runID)
	if rec.Workflow != "" {
		pipe.ZRem(ctx, s.workflowKey(rec.Workflow), runID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes runs whose index score lies beyond the retention
// horizon. The score is the run's start time, which for retention
// measured in hours or days is as good as its end time.
func (s *RedisRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	runIDs, err := s.client.ZRangeByScore(ctx, s.allRunsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, runID := range runIDs {
		if err := s.DeleteRun(ctx, runID); err == nil {
			count++
		}
	}
	return count, nil
}

// Ping checks the redis connection.
func (s *RedisRunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *RedisRunStore) Close() error {
	return s.client.Close()
}

// Ensure RedisRunStore implements RunStore
var _ RunStore = (*RedisRunStore)(nil)
