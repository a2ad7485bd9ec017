package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/shellguard/internal/history"
)

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Command    string    `gorm:"type:text;not null"`
	WorkDir    string    `gorm:"type:text;not null"`
	UserID     string    `gorm:"index"`
	Profile    string    `gorm:"index"`
	Status     string    `gorm:"not null;index"`
	Success    bool      `gorm:"not null"`
	ExitCode   *int
	DurationMS *int64
	Error      string    `gorm:"type:text"`
	ExecutedAt time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

func toExecutionModel(rec history.Record) ExecutionModel {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		id = uuid.New()
	}
	m := ExecutionModel{
		ID:         id,
		Command:    rec.Command,
		WorkDir:    rec.WorkDir,
		UserID:     rec.UserID,
		Profile:    rec.Profile,
		Status:     string(rec.Status),
		Success:    rec.Success,
		ExitCode:   rec.ExitCode,
		Error:      rec.Error,
		ExecutedAt: rec.Timestamp.UTC(),
	}
	if rec.Duration != nil {
		ms := rec.Duration.Milliseconds()
		m.DurationMS = &ms
	}
	return m
}

func toExecutionDomain(m *ExecutionModel) history.Record {
	rec := history.Record{
		ID:        m.ID.String(),
		Command:   m.Command,
		WorkDir:   m.WorkDir,
		UserID:    m.UserID,
		Profile:   m.Profile,
		Timestamp: m.ExecutedAt,
		ExitCode:  m.ExitCode,
		Success:   m.Success,
		Status:    history.Status(m.Status),
		Error:     m.Error,
	}
	if m.DurationMS != nil {
		d := time.Duration(*m.DurationMS) * time.Millisecond
		rec.Duration = &d
	}
	return rec
}
