package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisIndexKey   = "appjobs:index"
	redisMaxRetries = 10
)

// RedisStore keeps each job as a JSON document. The dedup claim and the
// document are written by one script, so only one intake per key wins.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore connects to redisURL. A zero ttl keeps records forever.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{redis: client, ttl: ttl}, nil
}

func jobKey(id string) string      { return fmt.Sprintf("appjobs:job:%s", id) }
func dedupKey(k Key) string        { return fmt.Sprintf("appjobs:key:%s", k.String()) }
func taskIndexKey(t string) string { return fmt.Sprintf("appjobs:task:%s", t) }

// taskScore sorts a task's jobs by round, then creation time.
func taskScore(j Job) float64 {
	return float64(j.Key.Round)*1e10 + float64(j.CreatedAt.Unix())
}

// createScript writes the dedup claim, the document and both indexes in one
// step, so a reader that sees the claim always finds the document.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
return 1
`)

func (s *RedisStore) Create(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	keys := []string{dedupKey(job.Key), jobKey(job.ID), redisIndexKey, taskIndexKey(job.Key.Task)}
	created, err := createScript.Run(ctx, s.redis, keys,
		job.ID, data, s.ttl.Milliseconds(), job.CreatedAt.UnixNano(), taskScore(job)).Int()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if created == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Job, error) {
	id, err := s.redis.Get(ctx, dedupKey(key)).Result()
	if err == redis.Nil {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return s.GetByID(ctx, id)
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (s *RedisStore) LatestForTask(ctx context.Context, task string) (Job, error) {
	ids, err := s.redis.ZRevRange(ctx, taskIndexKey(task), 0, 0).Result()
	if err != nil {
		return Job{}, err
	}
	if len(ids) == 0 {
		return Job{}, ErrNotFound
	}
	return s.GetByID(ctx, ids[0])
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(j *Job) error) (Job, error) {
	key := jobKey(id)
	var updated Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var current Job
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Job{}, err
	}
	return Job{}, fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]Job, int, error) {
	filter = filter.normalized()

	if filter.Status == "" {
		total, err := s.redis.ZCard(ctx, redisIndexKey).Result()
		if err != nil {
			return nil, 0, err
		}
		ids, err := s.redis.ZRevRange(ctx, redisIndexKey, int64(filter.Offset), int64(filter.Offset+filter.Limit-1)).Result()
		if err != nil {
			return nil, 0, err
		}
		jobs, err := s.loadMany(ctx, ids)
		return jobs, int(total), err
	}

	// Status is not indexed; filter the full index.
	ids, err := s.redis.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	matched := make([]Job, 0, len(all))
	for _, j := range all {
		if j.Status == filter.Status {
			matched = append(matched, j)
		}
	}
	total := len(matched)
	if filter.Offset >= total {
		return []Job{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]Job, error) {
	out := make([]Job, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between the index read and the fetch
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	ids, err := s.redis.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return Stats{}, err
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, j := range all {
		st.add(j.Status)
	}
	return st, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id), dedupKey(job.Key))
		pipe.ZRem(ctx, redisIndexKey, id)
		pipe.ZRem(ctx, taskIndexKey(job.Key.Task), id)
		return nil
	})
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
