package domain

import "time"

// BuildsetID — идентификатор buildset (buildsets.id).
type BuildsetID int64

// BuilderID — идентификатор builder (builders.id).
type BuilderID int64

// BuildRequest — запрос на build для одного builder.
//
// Создаётся вместе с buildset (по одному на builder),
// завершается, когда build закончен или запрос отменён.
type BuildRequest struct {
	ID          BuildRequestID `json:"id"`
	BuildsetID  BuildsetID     `json:"buildset_id"`
	BuilderID   BuilderID      `json:"builder_id"`
	BuilderName string         `json:"builder_name"`
	Complete    bool           `json:"complete"`
	Results     *Result        `json:"results,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Build — конкретный build, выполняющий build request.
//
// BuilderName — имя реального builder, на котором прошёл build
// (для виртуальных builders отличается от имени в build request).
type Build struct {
	ID          int64          `json:"id"`
	Number      int            `json:"number"`
	BuilderID   BuilderID      `json:"builder_id"`
	BuilderName string         `json:"builder_name"`
	RequestID   BuildRequestID `json:"buildrequest_id"`
	Results     *Result        `json:"results,omitempty"`
}

// Finished возвращает true, если у build есть итог.
func (b Build) Finished() bool {
	return b.Results != nil
}

// BuildsetOutcome — итог buildset, которого ждёт trigger step.
//
// Err != nil означает, что ожидание прервано ошибкой,
// Result в этом случае не определён.
type BuildsetOutcome struct {
	Result Result
	Err    error
}

// Triggered — buildset, созданный по запросу trigger step.
//
// BuildRequestIDs: builder id → build request id.
// Done получает ровно одно значение, когда buildset завершён.
type Triggered struct {
	BuildsetID      BuildsetID
	BuildRequestIDs map[BuilderID]BuildRequestID
	Done            <-chan BuildsetOutcome
}

// BuildsetRequest — параметры создания buildset.
type BuildsetRequest struct {
	// Scheduler — имя scheduler, создающего buildset.
	Scheduler string

	// Reason — текстовая причина запуска ("The Periodic scheduler named ...").
	Reason string

	// Builders — имена builders, по одному build request на каждый.
	Builders []string

	// SourceStamps — состояние кода (по одному на codebase).
	SourceStamps []SourceStamp

	// Properties — свойства buildset: имя → (значение, источник).
	Properties map[string]PropertyValue

	// WaitedFor — будет ли кто-то ждать завершения buildset.
	WaitedFor bool

	// ParentBuildID — build, породивший buildset (для trigger step).
	ParentBuildID *int64
}

// PropertyValue — значение свойства с источником для хранения в БД.
type PropertyValue struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// Buildset — созданный buildset и его build requests.
type Buildset struct {
	ID              BuildsetID
	BuildRequestIDs map[BuilderID]BuildRequestID
	BuilderNames    map[BuilderID]string
}

// TriggerRequest — запрос trigger step к triggerable scheduler.
type TriggerRequest struct {
	// WaitedFor — trigger step ждёт завершения buildset.
	WaitedFor bool

	// SourceStamps — source stamps нового buildset.
	SourceStamps []SourceStamp

	// Properties — свойства, переданные trigger step.
	Properties map[string]PropertyValue

	// ParentBuildID — build, в котором выполняется trigger step.
	ParentBuildID *int64
}
