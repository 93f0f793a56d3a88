// Conveyor master — планирование сборок: timed и triggerable schedulers,
// отмена устаревших build requests.
//
// Конфигурация соединений — из окружения (DB_URL, RABBITMQ_URL,
// MASTER_PORT, CONVEYOR_CONFIG), schedulers и canceller — из файла
// конфигурации, который перечитывается при изменении.
//
// Из нескольких запущенных master schedulers и canceller работают
// только у лидера (advisory lock Postgres). Остальные отвечают
// на /healthz, /metrics и API и ждут лидерства.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/buildsets"
	"github.com/shaiso/Conveyor/internal/canceller"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const leaderPollInterval = 5 * time.Second

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-master")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, logger); err != nil {
		logger.Error("conveyor-master failed", "error", err)
		os.Exit(1)
	}
	logger.Info("conveyor-master stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	env := config.LoadEnv()

	// Конфигурация master
	cfgManager := config.NewManager(env.ConfigPath, logger)
	file, err := cfgManager.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	updates := cfgManager.Subscribe(1)

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, env.DBURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	if err := repo.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to database")

	// Подключаемся к RabbitMQ
	amqpURL := env.RabbitMQURL
	if amqpURL == "" {
		amqpURL = mq.DefaultURL()
	}
	conn, err := mq.DialWithRetry(ctx, amqpURL, logger, 10)
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}
	defer conn.Close()
	if err := mq.SetupTopology(ctx, conn); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}
	logger.Info("connected to rabbitmq")

	publisher := mq.NewPublisher(conn, logger)
	controller := mq.NewController(mq.ControllerConfig{Publisher: publisher, Logger: logger})

	buildsetRepo := repo.NewBuildsetRepo(pool)
	completer := buildsets.NewCompleter(buildsets.CompleterConfig{
		Store:     buildsetRepo,
		Publisher: publisher,
		Conn:      conn,
		Logger:    logger,
	})

	// Schedulers
	schedulers := scheduler.NewManager(scheduler.ManagerConfig{
		Deps: scheduler.Deps{
			Store: repo.NewStateRepo(pool),
			Starter: buildsets.New(buildsets.Config{
				Store:     buildsetRepo,
				Publisher: publisher,
				Logger:    logger,
			}),
			Logger: logger,
		},
		Conn: conn,
	})
	if err := schedulers.Apply(ctx, file.Schedulers); err != nil {
		return fmt.Errorf("apply schedulers: %w", err)
	}

	// Canceller: без секции canceller в конфигурации фильтров нет
	// и отслеживать нечего
	buildRequests := repo.NewBuildRequestRepo(pool)
	canc := canceller.New(canceller.Config{
		Name:       cancellerName(file),
		Source:     buildRequests,
		Controller: controller,
		Conn:       conn,
		Logger:     logger,
	})

	m := &master{
		config:     cfgManager,
		schedulers: schedulers,
		canceller:  canc,
		completer:  completer,
		logger:     logger,
	}

	// HTTP: /healthz, /metrics, API
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !conn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("rabbitmq disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		if m.isLeader() {
			w.Write([]byte("ok leader"))
			return
		}
		w.Write([]byte("ok standby"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	api.NewHandler(api.Config{
		Schedulers:    schedulers,
		Canceller:     canc,
		BuildRequests: buildRequests,
		Logger:        logger,
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.MasterPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := cfgManager.Watch(ctx); err != nil {
			logger.Error("config watch stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		m.applyUpdates(ctx, updates)
	}()

	// Ждём лидерства, затем держим lock до завершения
	lock := m.acquireLeadership(ctx, pool)
	if lock != nil {
		m.holdLeadership(ctx, cancel, lock)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	if m.isLeader() {
		schedulers.Stop()
		canc.Stop()
		completer.Stop()
	}
	if lock != nil {
		lock.Release(shutdownCtx)
	}
	wg.Wait()
	return nil
}

func cancellerName(f *config.File) string {
	if f.Canceller != nil && f.Canceller.Name != "" {
		return f.Canceller.Name
	}
	return "canceller"
}

// master связывает конфигурацию с schedulers и canceller.
type master struct {
	config     *config.Manager
	schedulers *scheduler.Manager
	canceller  *canceller.Canceller
	completer  *buildsets.Completer
	logger     *slog.Logger

	// mu сериализует применение конфигурации и смену лидерства
	mu     sync.Mutex
	leader bool
}

func (m *master) isLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// acquireLeadership опрашивает advisory lock до успеха или отмены ctx.
// После получения lock запускает schedulers и canceller.
func (m *master) acquireLeadership(ctx context.Context, pool *pgxpool.Pool) *repo.LeaderLock {
	tk := time.NewTicker(leaderPollInterval)
	defer tk.Stop()

	for {
		lock, err := repo.TryLeaderLock(ctx, pool, repo.MasterLockKey)
		switch {
		case err != nil && ctx.Err() == nil:
			m.logger.Warn("leader lock error", "error", err)
		case lock != nil:
			if err := m.lead(ctx); err != nil {
				m.logger.Error("failed to start as leader", "error", err)
			}
			return lock
		}

		select {
		case <-tk.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// lead запускает completer, canceller и schedulers с текущей конфигурацией.
func (m *master) lead(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leader = true
	m.logger.Info("became leader")

	if err := m.completer.Start(ctx); err != nil {
		return err
	}
	if err := m.canceller.Start(ctx); err != nil {
		return err
	}
	if err := m.reconfigureCanceller(ctx, m.config.Get()); err != nil {
		m.logger.Error("canceller reconfiguration failed", "error", err)
	}
	return m.schedulers.Start(ctx)
}

// holdLeadership следит за соединением с lock. Потеря соединения
// означает потерю lock: master завершается, чтобы не работать
// одновременно с новым лидером.
func (m *master) holdLeadership(ctx context.Context, cancel context.CancelFunc, lock *repo.LeaderLock) {
	go func() {
		tk := time.NewTicker(leaderPollInterval)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				if err := lock.Ping(ctx); err != nil && ctx.Err() == nil {
					m.logger.Error("leader lock lost", "error", err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// applyUpdates применяет новые конфигурации до отмены ctx.
func (m *master) applyUpdates(ctx context.Context, updates <-chan *config.File) {
	for {
		select {
		case f := <-updates:
			m.apply(ctx, f)
		case <-ctx.Done():
			return
		}
	}
}

func (m *master) apply(ctx context.Context, f *config.File) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.schedulers.Apply(ctx, f.Schedulers); err != nil {
		m.logger.Error("schedulers reconfiguration failed", "error", err)
	}
	if !m.leader {
		return
	}
	if err := m.reconfigureCanceller(ctx, f); err != nil {
		m.logger.Error("canceller reconfiguration failed", "error", err)
	}
}

func (m *master) reconfigureCanceller(ctx context.Context, f *config.File) error {
	if f.Canceller == nil {
		return m.canceller.Reconfigure(ctx, nil, canceller.DefaultBranchKey)
	}
	filters, err := f.Canceller.FilterTuples()
	if err != nil {
		return err
	}
	branchKey, err := f.Canceller.BranchKeyFunc()
	if err != nil {
		return err
	}
	return m.canceller.Reconfigure(ctx, filters, branchKey)
}
