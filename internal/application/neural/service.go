package neural

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/events"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/metrics"
	infraNeural "github.com/claude-flow/maml-ppo/internal/infrastructure/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/store"
)

// MetaService orchestrates meta-learning runs against one checkpoint and
// metrics database.
type MetaService struct {
	mu sync.RWMutex

	db          *store.DB
	checkpoints *store.CheckpointStore
	events      *events.EventBus
	logger      *slog.Logger

	// Statistics
	totalRuns int64
	startTime time.Time
}

// NewMetaService opens the database at dsn (a SQLite path or a postgres://
// URL). A nil logger uses slog.Default().
func NewMetaService(ctx context.Context, dsn string, logger *slog.Logger) (*MetaService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &MetaService{
		db:          db,
		checkpoints: store.NewCheckpointStore(db),
		events:      events.New(),
		logger:      logger,
		startTime:   time.Now(),
	}, nil
}

// Close closes the event bus and the database.
func (s *MetaService) Close() error {
	s.events.Close()
	return s.db.Close()
}

// Events returns the service's event bus.
func (s *MetaService) Events() *events.EventBus {
	return s.events
}

// Train runs MetaLearn. Metrics go to the database and to the extra sinks;
// checkpoints are saved every cfg.SaveInterval updates.
func (s *MetaService) Train(ctx context.Context, cfg domainNeural.MetaPPOConfig, sinks ...metrics.Sink) (*TrainResult, error) {
	runID := uuid.NewString()
	all := append([]metrics.Sink{store.NewMetricsStore(s.db, runID)}, sinks...)

	s.mu.Lock()
	s.totalRuns++
	s.mu.Unlock()

	return MetaLearn(ctx, TrainOptions{
		Config:      cfg,
		Sinks:       all,
		Checkpoints: s.checkpoints,
		Events:      s.events,
		Logger:      s.logger,
		RunID:       runID,
	})
}

// Checkpoints lists the checkpoints of a run, or of every run when runID is
// empty.
func (s *MetaService) Checkpoints(ctx context.Context, runID string) ([]store.Checkpoint, error) {
	return s.checkpoints.List(ctx, runID)
}

// Checkpoint loads a checkpoint by ID or LatestCheckpoint.
func (s *MetaService) Checkpoint(ctx context.Context, ref string) (*store.Checkpoint, error) {
	return resolveCheckpoint(ctx, s.checkpoints, ref)
}

// Metrics returns the stored diagnostics of a run.
func (s *MetaService) Metrics(ctx context.Context, runID string) ([]store.MetricRow, error) {
	return store.NewMetricsStore(s.db, runID).Rows(ctx, runID)
}

// LoadModel rebuilds the model of a checkpoint together with the
// configuration it was trained with.
func (s *MetaService) LoadModel(ctx context.Context, ref string) (*infraNeural.Model, domainNeural.MetaPPOConfig, error) {
	c, err := s.Checkpoint(ctx, ref)
	if err != nil {
		return nil, domainNeural.MetaPPOConfig{}, err
	}
	return modelFromCheckpoint(c)
}

// Evaluate measures the adaptation of a checkpoint on numTasks fresh tasks.
func (s *MetaService) Evaluate(ctx context.Context, ref string, numTasks int) (*EvalResult, error) {
	model, cfg, err := s.LoadModel(ctx, ref)
	if err != nil {
		return nil, err
	}
	env, err := envs.Make(cfg.Env, cfg.NumEnvs, cfg.EnvMaxSteps, cfg.Seed+1)
	if err != nil {
		return nil, err
	}
	defer env.Close()
	return Evaluate(ctx, model, env, cfg, numTasks)
}

// ServiceStats summarizes service activity.
type ServiceStats struct {
	TotalRuns     int64         `json:"totalRuns"`
	Uptime        time.Duration `json:"uptime"`
	Dialect       store.Dialect `json:"dialect"`
	SchemaVersion int64         `json:"schemaVersion"`
	Checkpoints   int           `json:"checkpoints"`
}

// Stats returns service statistics.
func (s *MetaService) Stats(ctx context.Context) (ServiceStats, error) {
	list, err := s.checkpoints.List(ctx, "")
	if err != nil {
		return ServiceStats{}, err
	}
	version, err := s.db.SchemaVersion(ctx)
	if err != nil {
		return ServiceStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServiceStats{
		TotalRuns:     s.totalRuns,
		Uptime:        time.Since(s.startTime),
		Dialect:       s.db.Dialect(),
		SchemaVersion: version,
		Checkpoints:   len(list),
	}, nil
}

// SaveFile writes a model and its configuration to a SQLite file at path.
func SaveFile(ctx context.Context, path string, model *infraNeural.Model, cfg domainNeural.MetaPPOConfig) (*store.Checkpoint, error) {
	db, err := store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	payload, err := model.MarshalState()
	if err != nil {
		return nil, err
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	c := &store.Checkpoint{RunID: "file", Config: config, Payload: payload}
	if err := store.NewCheckpointStore(db).Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile restores the most recent model written to the SQLite file at path.
func LoadFile(ctx context.Context, path string) (*infraNeural.Model, domainNeural.MetaPPOConfig, error) {
	db, err := store.Open(ctx, path)
	if err != nil {
		return nil, domainNeural.MetaPPOConfig{}, err
	}
	defer db.Close()

	c, err := resolveCheckpoint(ctx, store.NewCheckpointStore(db), LatestCheckpoint)
	if err != nil {
		return nil, domainNeural.MetaPPOConfig{}, err
	}
	return modelFromCheckpoint(c)
}

func modelFromCheckpoint(c *store.Checkpoint) (*infraNeural.Model, domainNeural.MetaPPOConfig, error) {
	cfg := domainNeural.DefaultMetaPPOConfig()
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return nil, cfg, fmt.Errorf("failed to decode checkpoint config: %w", err)
	}
	env, err := envs.Make(cfg.Env, 1, cfg.EnvMaxSteps, cfg.Seed)
	if err != nil {
		return nil, cfg, err
	}
	defer env.Close()

	model, err := infraNeural.NewModel(nil, env.ObservationSpace(), env.ActionSpace(), modelConfig(cfg, nil))
	if err != nil {
		return nil, cfg, err
	}
	if err := model.UnmarshalState(c.Payload); err != nil {
		return nil, cfg, fmt.Errorf("failed to restore checkpoint %s: %w", c.ID, err)
	}
	return model, cfg, nil
}
