package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/shellguard/internal/storage"
)

// FilterScope returns a GORM scope applying every non-empty filter field.
func FilterScope(f storage.Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			db = db.Where("user_id = ?", f.UserID)
		}
		if f.Profile != "" {
			db = db.Where("profile = ?", f.Profile)
		}
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		return db
	}
}
