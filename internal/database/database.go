package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tradesim/tradesim-api/internal/types"
)

// NewDatabase opens the sqlite database at path and migrates the boundary
// schemas. Quote state and the pending-order working set are deliberately
// not persisted; only order and account records are.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&types.Order{},
		&types.Account{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
