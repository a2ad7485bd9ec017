package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/shellguard/internal/history"
	"github.com/jkaninda/shellguard/internal/storage"
)

// ExecutionRepository reads and writes execution records through GORM.
// Append-only: no Update or Delete methods exist on this type.
// The SQLite backend reuses it unchanged.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append inserts a single record.
func (r *ExecutionRepository) Append(ctx context.Context, rec history.Record) error {
	model := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

// Query returns records matching f, newest first.
func (r *ExecutionRepository) Query(ctx context.Context, f storage.Filter) ([]history.Record, error) {
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Scopes(FilterScope(f)).
		Order("executed_at DESC").
		Limit(f.EffectiveLimit()).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying execution records: %w", err)
	}

	records := make([]history.Record, len(models))
	for i := range models {
		records[i] = toExecutionDomain(&models[i])
	}
	return records, nil
}

// AutoMigrate creates or updates the tables the repository needs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ExecutionModel{})
}
