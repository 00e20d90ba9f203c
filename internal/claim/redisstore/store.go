// Package redisstore keeps claimed-job records in Redis hashes with a TTL,
// indexed per queue by a sorted set ordered on claim time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldData       = "data"
	fieldQueue      = "queueName"
	fieldStatus     = "status"
	fieldWorker     = "assignedWorkerId"
	fieldAssignedAt = "assignedAt"
)

// transitionScript moves a record between statuses only if it is in the
// expected one. The key's TTL is untouched.
// Returns -1 when the record is gone, 0 when the precondition fails.
var transitionScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= ARGV[1] then
	return 0
end
if ARGV[3] ~= '' and redis.call('HGET', KEYS[1], 'assignedWorkerId') ~= ARGV[3] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'assignedWorkerId', ARGV[4], 'assignedAt', ARGV[5])
return 1
`)

var releaseKeyScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store implements the claim store on Redis
type Store struct {
	client goredis.Cmdable
	prefix string
}

// New creates a store whose keys start with prefix
func New(client goredis.Cmdable, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) recordKey(jobID string) string {
	return s.prefix + "claimed-job:" + jobID
}

func (s *Store) indexKey(queueName string) string {
	return s.prefix + "claims:" + queueName
}

func (s *Store) idempotencyKey(key string) string {
	return s.prefix + "idem:" + key
}

func (s *Store) Put(ctx context.Context, rec *domain.ClaimedJob, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal claimed job: %w", err)
	}

	assignedAt := ""
	if rec.AssignedAt != nil {
		assignedAt = rec.AssignedAt.Format(time.RFC3339Nano)
	}

	key := s.recordKey(rec.JobID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldData, data,
			fieldQueue, rec.QueueName,
			fieldStatus, rec.Status,
			fieldWorker, rec.AssignedWorkerID,
			fieldAssignedAt, assignedAt,
		)
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, s.indexKey(rec.QueueName), goredis.Z{
			Score:  float64(rec.ClaimedAt.UnixMilli()),
			Member: rec.JobID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store claimed job %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.ClaimedJob, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed job %s: %w", jobID, err)
	}
	return decode(jobID, fields)
}

func decode(jobID string, fields map[string]string) (*domain.ClaimedJob, error) {
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}

	var rec domain.ClaimedJob
	if err := json.Unmarshal([]byte(fields[fieldData]), &rec); err != nil {
		return nil, fmt.Errorf("corrupt claimed job %s: %w", jobID, err)
	}

	// Mutable fields live outside the JSON blob so the scripts can flip them
	rec.Status = fields[fieldStatus]
	rec.AssignedWorkerID = fields[fieldWorker]
	rec.AssignedAt = nil
	if v := fields[fieldAssignedAt]; v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("corrupt assignedAt on %s: %w", jobID, err)
		}
		rec.AssignedAt = &at
	}
	return &rec, nil
}

func (s *Store) ListReady(ctx context.Context, queueName string) ([]domain.ClaimedJob, error) {
	index := s.indexKey(queueName)
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim index %s: %w", queueName, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed jobs: %w", err)
	}

	var (
		ready []domain.ClaimedJob
		stale []any
	)
	for i, cmd := range cmds {
		rec, err := decode(ids[i], cmd.Val())
		if errors.Is(err, domain.ErrJobNotFound) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == domain.ClaimStatusReady {
			ready = append(ready, *rec)
		}
	}

	// Expired hashes leave their index entry behind
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, index, stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune claim index %s: %w", queueName, err)
		}
	}
	return ready, nil
}

func (s *Store) transition(ctx context.Context, jobID, from, to, expectWorker, worker, at string) error {
	res, err := transitionScript.Run(ctx, s.client, []string{s.recordKey(jobID)}, from, to, expectWorker, worker, at).Int()
	if err != nil {
		return fmt.Errorf("failed to update claimed job %s: %w", jobID, err)
	}
	switch res {
	case -1:
		return domain.ErrJobNotFound
	case 0:
		return domain.ErrJobAlreadyClaimed
	}
	return nil
}

func (s *Store) Assign(ctx context.Context, jobID, workerID string, at time.Time) (*domain.ClaimedJob, error) {
	err := s.transition(ctx, jobID, domain.ClaimStatusReady, domain.ClaimStatusAssigned, "", workerID, at.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, jobID)
}

func (s *Store) Unassign(ctx context.Context, jobID, workerID string) error {
	return s.transition(ctx, jobID, domain.ClaimStatusAssigned, domain.ClaimStatusReady, workerID, "", "")
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	key := s.recordKey(jobID)
	queueName, err := s.client.HGet(ctx, key, fieldQueue).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read claimed job %s: %w", jobID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, s.indexKey(queueName), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete claimed job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) ReserveKey(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	k := s.idempotencyKey(key)
	ok, err := s.client.SetNX(ctx, k, jobID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return true, nil
	}

	holder, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, goredis.Nil) {
		// Expired between the two calls
		return s.ReserveKey(ctx, key, jobID, ttl)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if holder != jobID {
		return false, nil
	}
	if err := s.client.Expire(ctx, k, ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to extend idempotency key: %w", err)
	}
	return true, nil
}

func (s *Store) ReleaseKey(ctx context.Context, key, jobID string) error {
	if err := releaseKeyScript.Run(ctx, s.client, []string{s.idempotencyKey(key)}, jobID).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
