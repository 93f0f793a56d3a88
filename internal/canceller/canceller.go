package canceller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// CancelReason — причина отмены, передаваемая в команде.
const CancelReason = "Build request has been obsoleted by a newer commit"

const defaultQueueSize = 256

// maxDeliveryAttempts — после стольких неудачных доставок событие
// отбрасывается; пропущенные build requests canceller дочитает
// из БД при следующей реконфигурации.
const maxDeliveryAttempts = 5

// PendingBuildRequest — незавершённый build request с данными для индекса.
type PendingBuildRequest struct {
	ID           domain.BuildRequestID
	BuilderName  string
	SourceStamps []domain.SourceStamp
}

// BuildRequestSource — чтение build requests из БД.
type BuildRequestSource interface {
	// ListIncomplete возвращает все незавершённые build requests.
	ListIncomplete(ctx context.Context) ([]PendingBuildRequest, error)

	// Resolve возвращает builder и source stamps build request.
	Resolve(ctx context.Context, id domain.BuildRequestID) (PendingBuildRequest, error)
}

// Controller отменяет build requests (см. mq.Controller).
type Controller interface {
	CancelBuildRequest(ctx context.Context, id domain.BuildRequestID, reason string) error
}

// Canceller отменяет build requests, устаревшие из-за новых коммитов.
//
// Все события (новый build request, завершение, коммит, реконфигурация)
// проходят через одну очередь и применяются к Index одной горутиной,
// поэтому инварианты индекса выполняются между событиями.
//
// Пока идёт реконфигурация, уведомления о завершении откладываются
// и применяются по порядку после засева индекса незавершёнными
// build requests из БД.
type Canceller struct {
	name       string
	source     BuildRequestSource
	controller Controller
	conn       *mq.Connection
	logger     *slog.Logger

	events   chan event
	loopDone chan struct{}

	// Состояние dispatch loop (только из горутины run)
	index         *Index
	reconfiguring bool
	deferred      []domain.BuildRequestID
	completed     completedSet

	// Очередь команд отмены (порядок сохраняется)
	cancelMu    sync.Mutex
	cancelQueue []domain.BuildRequestID
	cancelWake  chan struct{}

	// Сериализует вызовы Reconfigure
	reconfigMu sync.Mutex

	consumers  []*mq.Consumer
	started    atomic.Bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Canceller.
type Config struct {
	// Name — имя экземпляра (метки метрик, имена очередей).
	Name string

	// Source — чтение build requests из БД.
	Source BuildRequestSource

	// Controller — отправка команд отмены.
	Controller Controller

	// Conn — соединение с RabbitMQ. Если nil, события подаются
	// только через методы Notify*.
	Conn *mq.Connection

	// QueueSize — размер очереди событий (default: 256).
	QueueSize int

	// Logger
	Logger *slog.Logger
}

// Stats — снимок состояния canceller.
type Stats struct {
	Tracked       int
	Reconfiguring bool
	Deferred      int
	Builders      int
}

// New создаёт Canceller. Фильтры устанавливаются через Reconfigure.
func New(cfg Config) *Canceller {
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Canceller{
		name:       name,
		source:     cfg.Source,
		controller: cfg.Controller,
		conn:       cfg.Conn,
		logger:     telemetry.WithComponent(logger, "canceller").With("canceller", name),
		events:     make(chan event, queueSize),
		loopDone:   make(chan struct{}),
		cancelWake: make(chan struct{}, 1),
	}
	c.index = NewIndex(nil, DefaultBranchKey, c.enqueueCancel)
	return c
}

// Name возвращает имя экземпляра.
func (c *Canceller) Name() string {
	return c.name
}

// Start запускает dispatch loop, отправку отмен и consumers.
func (c *Canceller) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return fmt.Errorf("canceller %s already started", c.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting canceller")

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.cancelLoop(ctx)
	}()

	if c.conn != nil {
		if err := c.startConsumers(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("canceller started")
	return nil
}

// Stop останавливает canceller и ждёт завершения горутин.
func (c *Canceller) Stop() {
	c.logger.Info("stopping canceller...")

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	for _, consumer := range c.consumers {
		consumer.Stop()
	}

	c.wg.Wait()
	telemetry.CancellerTracked.DeleteLabelValues(c.name)

	c.logger.Info("canceller stopped")
}

// Reconfigure устанавливает новые фильтры и засевает индекс
// незавершёнными build requests.
//
// Уже отслеживаемые build requests продолжают отслеживаться по старым
// правилам. Ошибка конфигурации фильтров возвращается до любых изменений.
func (c *Canceller) Reconfigure(ctx context.Context, filters []FilterTuple, branchKey BranchKeyFunc) error {
	fs, err := NewFilterSet(filters)
	if err != nil {
		return err
	}
	if branchKey == nil {
		branchKey = DefaultBranchKey
	}

	c.reconfigMu.Lock()
	defer c.reconfigMu.Unlock()

	// После входа в режим реконфигурации seed должен быть отправлен
	// в любом случае, иначе завершения останутся отложенными.
	detached := context.WithoutCancel(ctx)

	if err := c.call(detached, event{kind: eventReconfigure, filters: fs, branchKey: branchKey}); err != nil {
		return err
	}

	pending, listErr := c.source.ListIncomplete(ctx)
	if listErr != nil {
		c.logger.Error("failed to list incomplete build requests", "error", listErr)
		pending = nil
	}

	if err := c.call(detached, event{kind: eventSeed, seed: pending}); err != nil {
		return err
	}

	if listErr != nil {
		return fmt.Errorf("list incomplete build requests: %w", listErr)
	}

	c.logger.Info("canceller reconfigured",
		"filters", len(filters),
		"builders", fs.Builders(),
		"incomplete", len(pending),
	)
	return nil
}

// NotifyNewBuildRequest подаёт событие о новом build request.
//
// Если BuilderName или SourceStamps не заданы, они читаются
// из BuildRequestSource в порядке очереди событий.
func (c *Canceller) NotifyNewBuildRequest(ctx context.Context, req PendingBuildRequest) error {
	resolved := req.BuilderName != "" && len(req.SourceStamps) > 0
	return c.post(ctx, event{kind: eventNew, request: req, resolved: resolved})
}

// NotifyCompleteBuildRequest подаёт событие о завершении build request.
func (c *Canceller) NotifyCompleteBuildRequest(ctx context.Context, id domain.BuildRequestID) error {
	return c.post(ctx, event{kind: eventComplete, request: PendingBuildRequest{ID: id}})
}

// NotifyChange подаёт событие о новом коммите.
func (c *Canceller) NotifyChange(ctx context.Context, change domain.Change) error {
	return c.post(ctx, event{kind: eventChange, change: change})
}

// Sync ждёт, пока будут применены все ранее поданные события.
func (c *Canceller) Sync(ctx context.Context) error {
	return c.call(ctx, event{kind: eventSync})
}

// Stats возвращает снимок состояния после применения поданных событий.
func (c *Canceller) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := c.call(ctx, event{kind: eventStats, stats: reply}); err != nil {
		return Stats{}, err
	}
	return <-reply, nil
}

// ===== Dispatch loop =====

type eventKind int

const (
	eventNew eventKind = iota
	eventComplete
	eventChange
	eventReconfigure
	eventSeed
	eventSync
	eventStats
)

type event struct {
	kind eventKind

	request  PendingBuildRequest
	resolved bool

	change domain.Change

	filters   *FilterSet
	branchKey BranchKeyFunc

	seed []PendingBuildRequest

	stats chan<- Stats
	done  chan error
}

// post ставит событие в очередь.
func (c *Canceller) post(ctx context.Context, ev event) error {
	if !c.started.Load() {
		return ErrCancellerStopped
	}
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrCancellerStopped
	}
}

// call ставит событие в очередь и ждёт его применения.
func (c *Canceller) call(ctx context.Context, ev event) error {
	ev.done = make(chan error, 1)
	if err := c.post(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrCancellerStopped
	}
}

func (c *Canceller) run(ctx context.Context) {
	defer close(c.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			err := c.apply(ctx, ev)
			if ev.done != nil {
				ev.done <- err
			}
			telemetry.CancellerTracked.WithLabelValues(c.name).Set(float64(c.index.Len()))
		}
	}
}

func (c *Canceller) apply(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventNew:
		req := ev.request
		if c.completedEarly(req.ID) {
			return nil
		}
		if !ev.resolved {
			resolved, err := c.source.Resolve(ctx, req.ID)
			if err != nil {
				c.logger.Error("failed to resolve build request", "brid", req.ID, "error", err)
				return err
			}
			req = resolved
		}
		return c.track(req)

	case eventComplete:
		if c.reconfiguring {
			c.deferred = append(c.deferred, ev.request.ID)
			return nil
		}
		return c.complete(ev.request.ID)

	case eventChange:
		ids, err := c.index.OnChange(ev.change)
		if len(ids) > 0 {
			c.logger.Info("build requests obsoleted by new change",
				"change_id", ev.change.ChangeID,
				"branch", ev.change.Branch,
				"brids", ids,
			)
		}
		if err != nil {
			c.indexError("change", err)
		}
		return err

	case eventReconfigure:
		c.reconfiguring = true
		c.index.Reconfigure(ev.filters, ev.branchKey)
		return nil

	case eventSeed:
		var errs []error
		for _, req := range ev.seed {
			if c.index.IsTracked(req.ID) || c.completedEarly(req.ID) {
				continue
			}
			if err := c.track(req); err != nil {
				errs = append(errs, err)
			}
		}

		c.reconfiguring = false
		deferred := c.deferred
		c.deferred = nil
		for _, id := range deferred {
			if err := c.complete(id); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case eventSync:
		return nil

	case eventStats:
		ev.stats <- Stats{
			Tracked:       c.index.Len(),
			Reconfiguring: c.reconfiguring,
			Deferred:      len(c.deferred),
			Builders:      c.index.filters.Builders(),
		}
		return nil
	}

	return fmt.Errorf("unknown event kind %d", ev.kind)
}

// completedEarly сообщает, что build request уже завершился
// до того, как его увидел индекс.
func (c *Canceller) completedEarly(id domain.BuildRequestID) bool {
	if !c.completed.take(id) {
		return false
	}
	c.logger.Debug("build request completed before its new notification", "brid", id)
	return true
}

func (c *Canceller) track(req PendingBuildRequest) error {
	tracked, err := c.index.OnNewBuildRequest(req.ID, req.BuilderName, req.SourceStamps)
	if err != nil {
		if errors.Is(err, ErrAlreadyTracked) {
			c.logger.Warn("duplicate new build request notification", "brid", req.ID)
			return nil
		}
		c.indexError("new", err)
		return err
	}
	if tracked {
		c.logger.Debug("tracking build request",
			"brid", req.ID,
			"builder", req.BuilderName,
			"keys", len(c.index.Keys(req.ID)),
		)
	}
	return nil
}

func (c *Canceller) complete(id domain.BuildRequestID) error {
	if !c.index.IsTracked(id) {
		c.completed.add(id)
		return nil
	}
	if err := c.index.OnCompleteBuildRequest(id); err != nil {
		c.indexError("complete", err)
		return err
	}
	return nil
}

// completedCap ограничивает память о завершениях неотслеживаемых
// build requests.
const completedCap = 4096

// completedSet помнит последние completedCap завершений build requests,
// которых не было в индексе. Большинство из них так и не придёт
// (билдер не отслеживается), поэтому старые вытесняются первыми.
type completedSet struct {
	ids   map[domain.BuildRequestID]struct{}
	order []domain.BuildRequestID
}

func (s *completedSet) add(id domain.BuildRequestID) {
	if s.ids == nil {
		s.ids = make(map[domain.BuildRequestID]struct{})
	}
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) == completedCap {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// take сообщает, было ли завершение id, и забывает его.
func (s *completedSet) take(id domain.BuildRequestID) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *Canceller) indexError(op string, err error) {
	telemetry.CancellerIndexErrors.WithLabelValues(c.name).Inc()
	c.logger.Error("branch activity index error", "op", op, "error", err)
}

// ===== Cancellation =====

// enqueueCancel вызывается Index из dispatch loop.
func (c *Canceller) enqueueCancel(id domain.BuildRequestID) {
	c.cancelMu.Lock()
	c.cancelQueue = append(c.cancelQueue, id)
	c.cancelMu.Unlock()

	select {
	case c.cancelWake <- struct{}{}:
	default:
	}
}

func (c *Canceller) popCancel() (domain.BuildRequestID, bool) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if len(c.cancelQueue) == 0 {
		return 0, false
	}
	id := c.cancelQueue[0]
	c.cancelQueue = c.cancelQueue[1:]
	return id, true
}

func (c *Canceller) cancelLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.cancelMu.Lock()
			dropped := len(c.cancelQueue)
			c.cancelMu.Unlock()
			if dropped > 0 {
				c.logger.Warn("canceller stopped with pending cancellations", "pending", dropped)
			}
			return
		case <-c.cancelWake:
		}

		for {
			id, ok := c.popCancel()
			if !ok {
				break
			}
			c.issueCancel(ctx, id)
		}
	}
}

func (c *Canceller) issueCancel(ctx context.Context, id domain.BuildRequestID) {
	logger := telemetry.WithBuildRequestID(c.logger, int64(id))
	logger.Info("cancelling obsolete build request")

	if err := c.controller.CancelBuildRequest(ctx, id, CancelReason); err != nil {
		logger.Error("failed to cancel build request", "error", err)
		return
	}
	telemetry.CancellerCancelled.WithLabelValues(c.name).Inc()
}
