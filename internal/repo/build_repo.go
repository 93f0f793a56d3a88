package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// BuildRepo — репозиторий для чтения builds.
type BuildRepo struct {
	pool *pgxpool.Pool
}

// NewBuildRepo создаёт новый BuildRepo.
func NewBuildRepo(pool *pgxpool.Pool) *BuildRepo {
	return &BuildRepo{pool: pool}
}

// BuildsForRequest возвращает builds, выполнявшие build request.
//
// Имя builder берётся по builds.builderid: для виртуальных builders
// это реальный builder, а не тот, что указан в build request.
func (r *BuildRepo) BuildsForRequest(ctx context.Context, id domain.BuildRequestID) ([]domain.Build, error) {
	query := `
		SELECT bu.id, bu.number, bu.builderid, b.name, bu.buildrequestid, bu.results
		FROM builds bu
		JOIN builders b ON b.id = bu.builderid
		WHERE bu.buildrequestid = $1
		ORDER BY bu.number
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []domain.Build
	for rows.Next() {
		var b domain.Build
		var results *int32
		if err := rows.Scan(&b.ID, &b.Number, &b.BuilderID, &b.BuilderName, &b.RequestID, &results); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		b.Results = toResult(results)
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
