package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// CancelReason — причина отмены downstream build requests при прерывании шага.
const CancelReason = "The trigger step that started this build request was interrupted"

const cancelTimeout = 30 * time.Second

// Target — triggerable scheduler (см. scheduler.Triggerable).
type Target interface {
	Trigger(ctx context.Context, req domain.TriggerRequest) (*domain.Triggered, error)
}

// Resolver находит triggerable scheduler по имени.
type Resolver interface {
	Resolve(name string) (Target, error)
}

// ResolverFunc — функция как Resolver.
type ResolverFunc func(name string) (Target, error)

// Resolve вызывает f(name).
func (f ResolverFunc) Resolve(name string) (Target, error) { return f(name) }

// Schedulers возвращает Resolver поверх schedulers master.
func Schedulers(m *scheduler.Manager) Resolver {
	return ResolverFunc(func(name string) (Target, error) {
		t, err := m.Resolve(name)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

// BuildLookup возвращает builds, выполнившие build request.
type BuildLookup interface {
	BuildsForRequest(ctx context.Context, id domain.BuildRequestID) ([]domain.Build, error)
}

// Link — ссылка на downstream build request или build.
type Link struct {
	Label string
	URL   string

	// Replaces — URL ссылки на build request, которую заменяет
	// ссылка на конкретный build.
	Replaces string
}

// LinkReporter публикует ссылки в выводе build.
// Вызывается из нескольких горутин одновременно.
type LinkReporter interface {
	AddLink(ctx context.Context, link Link)
}

// Canceller отменяет build requests (см. mq.Controller).
type Canceller interface {
	CancelBuildRequest(ctx context.Context, id domain.BuildRequestID, reason string) error
}

// Outcome — итог trigger step.
type Outcome struct {
	Result domain.Result

	// Status — строка состояния шага ("triggered a, b", "interrupted").
	Status string

	// Buildsets — созданные buildsets по имени scheduler.
	Buildsets map[string]domain.BuildsetID
}

// Step — trigger step: запускает buildsets в triggerable schedulers
// и, если нужно, ждёт их завершения.
type Step struct {
	cfg             Config
	updateByDefault bool
	baseURL         string
	logger          *slog.Logger
}

// New проверяет конфигурацию и создаёт Step.
func New(cfg Config) (*Step, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := cfg.BaseURL
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return &Step{
		cfg: cloneConfig(cfg),
		// без явного режима stamps build обновляются до got_revision
		updateByDefault: !isSet(cfg.AlwaysUseLatest) && cfg.SourceStamp == nil && len(cfg.SourceStamps) == 0,
		baseURL:         base,
		logger:          telemetry.WithStep(logger, "trigger"),
	}, nil
}

// run — состояние одного запущенного scheduler.
type run struct {
	name      string
	important bool
	triggered *domain.Triggered
	finished  bool
	result    domain.Result
}

// Execute выполняет шаг в контексте build.
//
// Ошибка возвращается только вместе с итогом EXCEPTION, когда шаг
// не смог начаться (неизвестный scheduler, ошибка рендеринга).
// Итоги downstream buildsets и прерывание — это данные в Outcome.
// Отмена ctx во время ожидания прерывает шаг (итог CANCELLED).
func (s *Step) Execute(ctx context.Context, build Build) (Outcome, error) {
	logger := s.logger.With("build_id", build.ID)

	names, unimportant, err := s.schedulerNames(build)
	if err != nil {
		return s.exception(logger, "cannot render scheduler names", err)
	}

	// 1. Все schedulers должны существовать до первого запуска
	targets := make([]Target, len(names))
	for i, name := range names {
		t, err := s.cfg.Resolver.Resolve(name)
		if err != nil {
			return s.exception(logger, "unknown scheduler "+name, fmt.Errorf("%w %q: %v", ErrUnknownScheduler, name, err))
		}
		targets[i] = t
	}

	stamps, err := s.sourceStamps(build)
	if err != nil {
		return s.exception(logger, "cannot resolve source stamps", err)
	}
	properties, err := s.properties(build)
	if err != nil {
		return s.exception(logger, "cannot render properties", err)
	}

	// 2. Запускаем все schedulers параллельно
	runs := make([]*run, len(names))
	var g errgroup.Group
	for i, name := range names {
		r := &run{name: name, important: !unimportant[name]}
		runs[i] = r

		g.Go(func() error {
			parent := build.ID
			triggered, err := targets[i].Trigger(ctx, domain.TriggerRequest{
				WaitedFor:     s.cfg.WaitForFinish,
				SourceStamps:  slices.Clone(stamps),
				Properties:    maps.Clone(properties),
				ParentBuildID: &parent,
			})
			if err != nil {
				s.logFailure(logger, r, "failed to trigger scheduler", err)
				return nil
			}
			r.triggered = triggered
			s.addRequestLinks(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	outcome := Outcome{
		Result:    domain.ResultSuccess,
		Status:    "triggered " + strings.Join(names, ", "),
		Buildsets: make(map[string]domain.BuildsetID),
	}
	for _, r := range runs {
		if r.triggered != nil {
			outcome.Buildsets[r.name] = r.triggered.BuildsetID
		}
	}

	// 3. Без ожидания шаг завершается сразу
	if !s.cfg.WaitForFinish {
		return s.done(logger, outcome), nil
	}

	// Прерывание во время запуска: ждать уже нечего
	if ctx.Err() != nil {
		return s.interrupted(ctx, logger, build, runs, outcome), nil
	}

	// 4. Ждём все buildsets одновременно
	var wg errgroup.Group
	for _, r := range runs {
		if r.triggered == nil {
			continue
		}
		wg.Go(func() error {
			select {
			case res := <-r.triggered.Done:
				r.finished = true
				if res.Err != nil {
					s.logFailure(logger, r, "failed while waiting for buildset", res.Err)
					r.result = domain.ResultException
				} else {
					r.result = res.Result
				}
				s.addBuildLinks(ctx, logger, r)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if err := wg.Wait(); err != nil {
		return s.interrupted(ctx, logger, build, runs, outcome), nil
	}

	// 5. Итог — худший среди важных schedulers
	for _, r := range runs {
		if r.triggered == nil {
			continue
		}
		if !r.important {
			logger.Debug("ignoring unimportant scheduler result", "scheduler", r.name, "results", r.result)
			continue
		}
		outcome.Result = domain.WorstOf(outcome.Result, r.result)
	}

	return s.done(logger, outcome), nil
}

func (s *Step) done(logger *slog.Logger, outcome Outcome) Outcome {
	telemetry.TriggerResults.WithLabelValues(outcome.Result.String()).Inc()
	logger.Info("trigger step finished", "results", outcome.Result, "status", outcome.Status)
	return outcome
}

func (s *Step) interrupted(ctx context.Context, logger *slog.Logger, build Build, runs []*run, outcome Outcome) Outcome {
	s.cancelPending(ctx, logger, build, runs)
	outcome.Result = domain.ResultCancelled
	outcome.Status = "interrupted"
	return s.done(logger, outcome)
}

func (s *Step) exception(logger *slog.Logger, status string, err error) (Outcome, error) {
	logger.Error("trigger step failed", "error", err)
	return s.done(logger, Outcome{Result: domain.ResultException, Status: status}), err
}

// logFailure логирует ошибку downstream scheduler.
// Ошибки неважных schedulers пишутся с уровнем WARN.
func (s *Step) logFailure(logger *slog.Logger, r *run, msg string, err error) {
	level := slog.LevelError
	if !r.important {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, msg, "scheduler", r.name, "error", err)
}

// sortedRequests возвращает build requests в порядке id.
func sortedRequests(t *domain.Triggered) []domain.BuildRequestID {
	ids := slices.Collect(maps.Values(t.BuildRequestIDs))
	slices.Sort(ids)
	return ids
}

func (s *Step) requestURL(id domain.BuildRequestID) string {
	return fmt.Sprintf("%s#/buildrequests/%d", s.baseURL, id)
}

// addRequestLinks публикует ссылки на build requests сразу после запуска.
func (s *Step) addRequestLinks(ctx context.Context, r *run) {
	if s.cfg.Links == nil {
		return
	}
	for _, id := range sortedRequests(r.triggered) {
		s.cfg.Links.AddLink(ctx, Link{
			Label: fmt.Sprintf("%s #%d", r.name, id),
			URL:   s.requestURL(id),
		})
	}
}

// addBuildLinks публикует ссылки на builds завершённого buildset.
// Имя builder берётся из build: для виртуальных builders оно отличается
// от builder в build request.
func (s *Step) addBuildLinks(ctx context.Context, logger *slog.Logger, r *run) {
	if s.cfg.Links == nil || s.cfg.Builds == nil {
		return
	}
	for _, id := range sortedRequests(r.triggered) {
		builds, err := s.cfg.Builds.BuildsForRequest(ctx, id)
		if err != nil {
			logger.Warn("failed to look up builds", "brid", id, "error", err)
			continue
		}
		for _, b := range builds {
			word := "running"
			if b.Finished() {
				word = b.Results.String()
			}
			s.cfg.Links.AddLink(ctx, Link{
				Label:    fmt.Sprintf("%s: %s #%d", word, b.BuilderName, b.Number),
				URL:      fmt.Sprintf("%s#/builders/%d/builds/%d", s.baseURL, b.BuilderID, b.Number),
				Replaces: s.requestURL(id),
			})
		}
	}
}

// cancelPending отменяет незавершённые downstream build requests в фоне.
// Прерывание шага не ждёт результата отмены.
func (s *Step) cancelPending(ctx context.Context, logger *slog.Logger, build Build, runs []*run) {
	if s.cfg.Canceller == nil {
		return
	}
	if !build.connected() {
		logger.Info("agent connection lost, not cancelling downstream build requests")
		return
	}

	var pending []domain.BuildRequestID
	for _, r := range runs {
		if r.triggered != nil && !r.finished {
			pending = append(pending, sortedRequests(r.triggered)...)
		}
	}
	if len(pending) == 0 {
		return
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	go func() {
		defer cancel()
		for _, id := range pending {
			if err := s.cfg.Canceller.CancelBuildRequest(cancelCtx, id, CancelReason); err != nil {
				logger.Warn("failed to cancel downstream build request", "brid", id, "error", err)
			}
		}
	}()
}
