package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// BuildsetRepo — репозиторий для работы с buildsets.
type BuildsetRepo struct {
	pool *pgxpool.Pool
}

// NewBuildsetRepo создаёт новый BuildsetRepo.
func NewBuildsetRepo(pool *pgxpool.Pool) *BuildsetRepo {
	return &BuildsetRepo{pool: pool}
}

// Create создаёт buildset и по одному build request на каждый builder
// в одной транзакции. Отсутствующие builders регистрируются.
func (r *BuildsetRepo) Create(ctx context.Context, req domain.BuildsetRequest) (domain.Buildset, error) {
	stampsJSON, err := json.Marshal(nonNilStamps(req.SourceStamps))
	if err != nil {
		return domain.Buildset{}, fmt.Errorf("marshal sourcestamps: %w", err)
	}
	propsJSON, err := json.Marshal(nonNilProps(req.Properties))
	if err != nil {
		return domain.Buildset{}, fmt.Errorf("marshal properties: %w", err)
	}

	bs := domain.Buildset{
		BuildRequestIDs: make(map[domain.BuilderID]domain.BuildRequestID, len(req.Builders)),
		BuilderNames:    make(map[domain.BuilderID]string, len(req.Builders)),
	}

	err = inTx(ctx, r.pool, func(tx pgx.Tx) error {
		// повтор транзакции начинается с чистого результата
		clear(bs.BuildRequestIDs)
		clear(bs.BuilderNames)

		err := tx.QueryRow(ctx, `
			INSERT INTO buildsets (scheduler, reason, sourcestamps, properties, waited_for, parent_buildid)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`,
			nullString(req.Scheduler),
			req.Reason,
			stampsJSON,
			propsJSON,
			req.WaitedFor,
			req.ParentBuildID,
		).Scan(&bs.ID)
		if err != nil {
			return fmt.Errorf("insert buildset: %w", err)
		}

		for _, name := range req.Builders {
			var builderID domain.BuilderID
			// DO UPDATE нужен, чтобы RETURNING вернул id существующей строки
			err := tx.QueryRow(ctx, `
				INSERT INTO builders (name) VALUES ($1)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id
			`, name).Scan(&builderID)
			if err != nil {
				return fmt.Errorf("ensure builder %s: %w", name, err)
			}

			var brid domain.BuildRequestID
			err = tx.QueryRow(ctx, `
				INSERT INTO buildrequests (buildsetid, builderid)
				VALUES ($1, $2)
				RETURNING id
			`, bs.ID, builderID).Scan(&brid)
			if err != nil {
				return fmt.Errorf("insert build request for %s: %w", name, err)
			}

			bs.BuildRequestIDs[builderID] = brid
			bs.BuilderNames[builderID] = name
		}
		return nil
	})
	if err != nil {
		return domain.Buildset{}, err
	}
	return bs, nil
}

// CompleteIfFinished завершает buildset, если все его build requests
// завершены. Итог buildset — худший из итогов build requests.
// Возвращает false, если buildset уже завершён или ещё выполняется.
func (r *BuildsetRepo) CompleteIfFinished(ctx context.Context, id domain.BuildsetID) (domain.Result, bool, error) {
	var result domain.Result
	var finished bool

	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		// блокировка строки сериализует конкурирующие завершения
		var complete bool
		err := tx.QueryRow(ctx, `
			SELECT complete FROM buildsets WHERE id = $1 FOR UPDATE
		`, id).Scan(&complete)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock buildset: %w", err)
		}
		if complete {
			return nil
		}

		rows, err := tx.Query(ctx, `
			SELECT complete, results FROM buildrequests WHERE buildsetid = $1
		`, id)
		if err != nil {
			return fmt.Errorf("list build requests: %w", err)
		}
		var brComplete bool
		var brResults *int32
		pending := 0
		result = domain.ResultSuccess
		_, err = pgx.ForEachRow(rows, []any{&brComplete, &brResults}, func() error {
			if !brComplete {
				pending++
				return nil
			}
			if res := toResult(brResults); res != nil {
				result = domain.WorstOf(result, *res)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan build requests: %w", err)
		}
		if pending > 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE buildsets SET complete = TRUE, results = $2, completed_at = NOW()
			WHERE id = $1
		`, id, int32(result))
		if err != nil {
			return fmt.Errorf("complete buildset: %w", err)
		}
		finished = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return result, finished, nil
}

func nonNilStamps(s []domain.SourceStamp) []domain.SourceStamp {
	if s == nil {
		return []domain.SourceStamp{}
	}
	return s
}

func nonNilProps(p map[string]domain.PropertyValue) map[string]domain.PropertyValue {
	if p == nil {
		return map[string]domain.PropertyValue{}
	}
	return p
}
