package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// RedisStore implements Store on Redis. Tick idempotency uses SETNX so the
// first write wins even under concurrent appends of the same tick.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) AppendTick(ctx context.Context, artifacts *api.TickArtifacts) error {
	data, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	key := "tick:" + api.TickID(artifacts.BatchID, artifacts.Tick)

	// SETNX: atomic first-write-wins. Losing the race to a duplicate
	// append is not an error.
	if err := r.client.SetNX(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisStore) SaveBatch(ctx context.Context, record *api.BatchRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, "batch:"+record.BatchID, data, 0)
	pipe.RPush(ctx, "batches", record.BatchID)
	if record.Validated {
		pipe.SAdd(ctx, "batches:validated", record.BatchID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis batch save failed: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error) {
	data, err := r.client.Get(ctx, "batch:"+batchID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	var record api.BatchRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &record, nil
}

func (r *RedisStore) ListBatches(ctx context.Context) ([]string, error) {
	ids, err := r.client.LRange(ctx, "batches", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE failed: %w", err)
	}
	// SaveBatch re-pushes on every state transition; keep first occurrence.
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *RedisStore) QueryValidated(ctx context.Context, minCount int) ([]api.TrainingPair, error) {
	ids, err := r.client.SMembers(ctx, "batches:validated").Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}

	var pairs []api.TrainingPair
	for _, id := range ids {
		record, err := r.LoadBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if record == nil || !record.Validated {
			continue
		}
		cp := record.CheckpointFeatures()
		if cp == nil {
			continue
		}
		pairs = append(pairs, api.TrainingPair{BatchID: id, Features: *cp, Capacity: record.GroundTruth})
	}
	sortPairs(pairs)
	return pairs, nil
}

func (r *RedisStore) LoadPredictorState(ctx context.Context) (*api.PredictorState, error) {
	data, err := r.client.Get(ctx, "predictor:state").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	var state api.PredictorState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal predictor state: %w", err)
	}
	return &state, nil
}

func (r *RedisStore) SavePredictorState(ctx context.Context, state *api.PredictorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal predictor state: %w", err)
	}
	if err := r.client.Set(ctx, "predictor:state", data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// PostgresStore implements Store on Postgres via pgxpool. Tick idempotency
// uses a primary key with ON CONFLICT DO NOTHING.
//
// Schema:
//
//	CREATE TABLE ticks (
//	  tick_id VARCHAR(255) PRIMARY KEY,
//	  batch_id VARCHAR(64) NOT NULL,
//	  tick INT NOT NULL,
//	  artifacts JSONB NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW()
//	);
//	CREATE TABLE batches (
//	  batch_id VARCHAR(64) PRIMARY KEY,
//	  validated BOOLEAN NOT NULL DEFAULT FALSE,
//	  record JSONB NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW(),
//	  updated_at TIMESTAMP DEFAULT NOW()
//	);
//	CREATE TABLE predictor_state (
//	  id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
//	  state JSONB NOT NULL,
//	  updated_at TIMESTAMP DEFAULT NOW()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) AppendTick(ctx context.Context, artifacts *api.TickArtifacts) error {
	data, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO ticks (tick_id, batch_id, tick, artifacts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tick_id) DO NOTHING`,
		api.TickID(artifacts.BatchID, artifacts.Tick), artifacts.BatchID, artifacts.Tick, data)
	if err != nil {
		return fmt.Errorf("postgres tick insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveBatch(ctx context.Context, record *api.BatchRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO batches (batch_id, validated, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO UPDATE
		SET validated = EXCLUDED.validated, record = EXCLUDED.record, updated_at = NOW()`,
		record.BatchID, record.Validated, data)
	if err != nil {
		return fmt.Errorf("postgres batch upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM batches WHERE batch_id = $1`, batchID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres batch query failed: %w", err)
	}
	var record api.BatchRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &record, nil
}

func (p *PostgresStore) ListBatches(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT batch_id FROM batches ORDER BY created_at, batch_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres batch list failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) QueryValidated(ctx context.Context, minCount int) ([]api.TrainingPair, error) {
	rows, err := p.pool.Query(ctx, `SELECT record FROM batches WHERE validated ORDER BY batch_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres validated query failed: %w", err)
	}
	defer rows.Close()

	var pairs []api.TrainingPair
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record api.BatchRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
		}
		cp := record.CheckpointFeatures()
		if cp == nil {
			continue
		}
		pairs = append(pairs, api.TrainingPair{BatchID: record.BatchID, Features: *cp, Capacity: record.GroundTruth})
	}
	return pairs, rows.Err()
}

func (p *PostgresStore) LoadPredictorState(ctx context.Context) (*api.PredictorState, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM predictor_state WHERE id = 1`).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres state query failed: %w", err)
	}
	var state api.PredictorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal predictor state: %w", err)
	}
	return &state, nil
}

func (p *PostgresStore) SavePredictorState(ctx context.Context, state *api.PredictorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal predictor state: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO predictor_state (id, state) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		data)
	if err != nil {
		return fmt.Errorf("postgres state upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func sortPairs(pairs []api.TrainingPair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].BatchID < pairs[j].BatchID })
}
