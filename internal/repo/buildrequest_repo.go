package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/canceller"
	"github.com/shaiso/Conveyor/internal/domain"
)

// BuildRequestRepo — репозиторий для работы с build requests.
type BuildRequestRepo struct {
	pool *pgxpool.Pool
}

// NewBuildRequestRepo создаёт новый BuildRequestRepo.
func NewBuildRequestRepo(pool *pgxpool.Pool) *BuildRequestRepo {
	return &BuildRequestRepo{pool: pool}
}

const pendingColumns = `
	SELECT br.id, b.name, bs.sourcestamps
	FROM buildrequests br
	JOIN builders b ON b.id = br.builderid
	JOIN buildsets bs ON bs.id = br.buildsetid
`

// ListIncomplete возвращает все незавершённые build requests
// с именем builder и source stamps их buildset.
func (r *BuildRequestRepo) ListIncomplete(ctx context.Context) ([]canceller.PendingBuildRequest, error) {
	rows, err := r.pool.Query(ctx, pendingColumns+`WHERE NOT br.complete ORDER BY br.id`)
	if err != nil {
		return nil, fmt.Errorf("list incomplete build requests: %w", err)
	}
	defer rows.Close()

	var out []canceller.PendingBuildRequest
	for rows.Next() {
		br, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

// Resolve возвращает builder и source stamps build request.
func (r *BuildRequestRepo) Resolve(ctx context.Context, id domain.BuildRequestID) (canceller.PendingBuildRequest, error) {
	br, err := scanPending(r.pool.QueryRow(ctx, pendingColumns+`WHERE br.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return canceller.PendingBuildRequest{}, ErrNotFound
	}
	return br, err
}

// GetByID возвращает build request по ID.
func (r *BuildRequestRepo) GetByID(ctx context.Context, id domain.BuildRequestID) (*domain.BuildRequest, error) {
	query := `
		SELECT br.id, br.buildsetid, br.builderid, b.name, br.complete, br.results,
		       br.submitted_at, br.completed_at
		FROM buildrequests br
		JOIN builders b ON b.id = br.builderid
		WHERE br.id = $1
	`
	var req domain.BuildRequest
	var results *int32
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&req.ID,
		&req.BuildsetID,
		&req.BuilderID,
		&req.BuilderName,
		&req.Complete,
		&results,
		&req.SubmittedAt,
		&req.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build request: %w", err)
	}
	req.Results = toResult(results)
	return &req, nil
}

// Complete завершает build request с итогом result и возвращает
// его buildset. Итог уже завершённого build request не меняется.
func (r *BuildRequestRepo) Complete(ctx context.Context, id domain.BuildRequestID, result domain.Result) (domain.BuildsetID, error) {
	var bsid domain.BuildsetID
	err := r.pool.QueryRow(ctx, `
		UPDATE buildrequests SET complete = TRUE, results = $2, completed_at = NOW()
		WHERE id = $1 AND NOT complete
		RETURNING buildsetid
	`, id, int32(result)).Scan(&bsid)
	if err == nil {
		return bsid, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("complete build request: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM buildrequests WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check build request: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrAlreadyComplete
}

func scanPending(row pgx.Row) (canceller.PendingBuildRequest, error) {
	var br canceller.PendingBuildRequest
	var stampsJSON []byte

	if err := row.Scan(&br.ID, &br.BuilderName, &stampsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return br, err
		}
		return br, fmt.Errorf("scan build request: %w", err)
	}
	stamps, err := decodeStamps(stampsJSON)
	if err != nil {
		return br, err
	}
	br.SourceStamps = stamps
	return br, nil
}

func decodeStamps(data []byte) ([]domain.SourceStamp, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var stamps []domain.SourceStamp
	if err := json.Unmarshal(data, &stamps); err != nil {
		return nil, fmt.Errorf("unmarshal sourcestamps: %w", err)
	}
	return stamps, nil
}

func toResult(v *int32) *domain.Result {
	if v == nil {
		return nil
	}
	r := domain.Result(*v)
	return &r
}
