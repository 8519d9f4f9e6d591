package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/event-projection-service/internal/config"
	"github.com/PratikDhanave/event-projection-service/internal/decoder"
	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
	"github.com/PratikDhanave/event-projection-service/internal/handlers"
	"github.com/PratikDhanave/event-projection-service/internal/httpserver"
	"github.com/PratikDhanave/event-projection-service/internal/models"
	"github.com/PratikDhanave/event-projection-service/internal/projection"
	"github.com/PratikDhanave/event-projection-service/internal/store"
)

const (
	sensorProjection = "sensorreadings"
	badgeProjection  = "badgeins"
)

// App owns every long-lived component: the event log connection, the
// strategy's backing store, one supervised loop per projection and the
// HTTP router serving them.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	open     eventlog.Opener
	producer eventlog.Producer
	memLog   *eventlog.MemoryLog
	kafka    *eventlog.KafkaClient

	pg     *store.PostgresStore
	sqlite *store.SQLiteStore
	bolt   *store.BoltDB

	checkpointer projection.Checkpointer
	supervisors  []*projection.Supervisor
	projections  []handlers.Projection
	router       http.Handler
}

// New connects to the event log and the configured store and builds both
// projections. Nothing is consumed until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	if err := a.connectLog(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.connectStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	sensors, err := build(ctx, a, sensorProjection, cfg.SensorReadingsTopic,
		models.DecodeSensorReading, projection.ByRecordKey[models.SensorReading])
	if err != nil {
		a.Close()
		return nil, err
	}
	badges, err := build(ctx, a, badgeProjection, cfg.DoorBadgeInTopic,
		models.DecodeDoorBadgeIn, models.DoorBadgeInKey)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := httpserver.Deps{
		Sensors:     sensors,
		Badges:      badges,
		Projections: a.projections,
	}
	switch {
	case a.pg != nil:
		deps.DB = a.pg
	case a.sqlite != nil:
		deps.DB = a.sqlite
	}
	a.router = httpserver.NewRouter(cfg, deps)

	logger.Info("projections configured",
		"strategy", string(cfg.Strategy),
		"start_policy", cfg.StartPolicy.String(),
		"in_process_log", a.memLog != nil,
	)
	return a, nil
}

func (a *App) connectLog(ctx context.Context) error {
	if len(a.cfg.KafkaBrokers) == 0 {
		a.memLog = eventlog.NewMemoryLog()
		a.memLog.CreateTopic(a.cfg.SensorReadingsTopic, 1)
		a.memLog.CreateTopic(a.cfg.DoorBadgeInTopic, 1)
		a.open = a.memLog.Opener()
		a.producer = a.memLog
		a.logger.Warn("no KAFKA_BOOTSTRAP_SERVERS configured, using in-process event log")
		return nil
	}

	kcfg := eventlog.KafkaConfig{
		Brokers:  a.cfg.KafkaBrokers,
		ClientID: a.cfg.KafkaClientID,
		GroupID:  a.cfg.KafkaGroupID,
		Username: a.cfg.KafkaUsername,
		Password: a.cfg.KafkaPassword,
		TLS:      a.cfg.KafkaTLS,
		Logger:   a.logger,
	}
	a.open = eventlog.KafkaOpener(kcfg)

	// Changelog writes and group offsets share one admin connection.
	if a.cfg.Strategy == config.StrategyEmbedded {
		kc, err := eventlog.NewKafkaClient(ctx, kcfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		a.kafka = kc
		a.producer = kc
	}
	return nil
}

func (a *App) connectStore(ctx context.Context) error {
	group := a.cfg.KafkaGroupID

	switch a.cfg.Strategy {
	case config.StrategyPostgres:
		pg, err := store.NewPostgresStore(ctx, a.cfg.DBURL)
		if err != nil {
			return err
		}
		a.pg = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		a.checkpointer = pg.Checkpoints(group)

	case config.StrategySQLite:
		if err := os.MkdirAll(filepath.Dir(a.cfg.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
		sq, err := store.OpenSQLite(a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.sqlite = sq
		a.checkpointer = sq.Checkpoints(group)

	case config.StrategyEmbedded:
		if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		b, err := store.OpenBolt(filepath.Join(a.cfg.StateDir, "state.db"))
		if err != nil {
			return err
		}
		a.bolt = b
		if a.kafka != nil {
			a.checkpointer = a.kafka
		} else {
			a.checkpointer = a.memLog.Checkpoints(group)
		}
	}
	return nil
}

// build wires one projection: store, loop factory, supervisor and facade.
func build[T any](ctx context.Context, a *App, name, topic string, decode decoder.Func[T], key projection.KeyFunc[T]) (*projection.Facade[T], error) {
	st, count, err := newStore[T](ctx, a, name)
	if err != nil {
		return nil, fmt.Errorf("%s store: %w", name, err)
	}

	loopCfg := projection.Config[T]{
		Name:         name,
		Topic:        topic,
		Open:         a.open,
		Decode:       decode,
		Key:          key,
		Store:        st,
		Checkpointer: a.checkpointer,
		Policy:       a.cfg.StartPolicy,
		PollTimeout:  a.cfg.PollTimeout,
		Logger:       a.logger,
	}
	// Surface config errors now rather than on the first attempt.
	if _, err := projection.NewLoop(loopCfg); err != nil {
		return nil, fmt.Errorf("%s loop: %w", name, err)
	}

	sup := projection.NewSupervisor(projection.SupervisorConfig{
		Name:        name,
		MaxAttempts: a.cfg.SupervisorMaxAttempts,
		Logger:      a.logger,
	}, func() (projection.Runner, error) {
		l, err := projection.NewLoop(loopCfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	})

	a.supervisors = append(a.supervisors, sup)
	a.projections = append(a.projections, handlers.Projection{
		Name:   name,
		Topic:  topic,
		Status: sup,
		Count:  count,
	})
	return projection.NewFacade[T](name, st, sup, a.cfg.LookupGate), nil
}

type counter func(context.Context) (int, error)

func newStore[T any](ctx context.Context, a *App, name string) (projection.Store[T], counter, error) {
	switch a.cfg.Strategy {
	case config.StrategyPostgres:
		t := store.NewPostgresTable[T](a.pg, name)
		return t, t.Count, nil

	case config.StrategySQLite:
		t := store.NewSQLiteTable[T](a.sqlite, name)
		return t, t.Count, nil

	case config.StrategyEmbedded:
		topic := store.ChangelogTopic(a.cfg.ServiceName, name)
		if a.kafka != nil {
			if err := a.kafka.EnsureCompactedTopic(ctx, topic, 1); err != nil {
				return nil, nil, err
			}
		}
		changelog := store.NewChangelog(topic, a.producer, a.open, a.logger)
		s, err := store.NewBoltStore[T](a.bolt, name, changelog, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Count, nil

	default:
		m := store.NewMemoryStore[T]()
		return m, m.Count, nil
	}
}

// Handler returns the HTTP router.
func (a *App) Handler() http.Handler {
	return a.router
}

// EventLog returns the in-process log, or nil when connected to Kafka.
func (a *App) EventLog() *eventlog.MemoryLog {
	return a.memLog
}

// Status returns the status of every projection, in registration order.
func (a *App) Status() []projection.Status {
	out := make([]projection.Status, 0, len(a.supervisors))
	for _, s := range a.supervisors {
		out = append(out, s)
	}
	return out
}

// Run supervises every projection until ctx is canceled. A projection whose
// supervisor gives up is logged and left stopped; the others keep running
// and its facade keeps serving what it already projected.
func (a *App) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, sup := range a.supervisors {
		g.Go(func() error {
			if err := sup.Run(ctx); err != nil {
				a.logger.Error("projection supervision ended", "error", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	for _, sup := range a.supervisors {
		sup.Stop()
	}
	return g.Wait()
}

// Close releases the store and event log connections.
func (a *App) Close() {
	var errs []error
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	if a.bolt != nil {
		errs = append(errs, a.bolt.Close())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("close stores", "error", err)
	}
}
