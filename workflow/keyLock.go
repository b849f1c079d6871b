package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// Advisory locks serialize engine operations per key across instances.
// NOTE: GET_LOCK is connection-scoped, and the lock must outlive the COMMIT of
// the work it protects: releasing before commit opens a window where the next
// holder reads a snapshot that predates this holder's writes. withKeyLock
// therefore pins a dedicated connection, acquires the lock on it, runs the
// transaction on that same connection, and releases only after the transaction
// has committed or rolled back.

func withKeyLock(db *gorm.DB, lockName string, fn func(tx *gorm.DB) error) error {
	return db.Connection(func(conn *gorm.DB) error {
		var ok int
		if err := conn.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
			return err
		}
		if ok != 1 {
			return fmt.Errorf("could not acquire lock %s", lockName)
		}
		defer func() {
			var released int
			_ = conn.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error
		}()
		return conn.Transaction(fn)
	})
}

// WithBatchingLock serializes batch allocation per (scheduledDate, resinType)
// and runs fn in a transaction under the lock.
func WithBatchingLock(db *gorm.DB, scheduledDate, resinType string, fn func(tx *gorm.DB) error) error {
	return withKeyLock(db, fmt.Sprintf("batching:%s:%s", scheduledDate, resinType), fn)
}

// WithProductionLock serializes lifecycle and dispatch operations per
// production id and runs fn in a transaction under the lock.
func WithProductionLock(db *gorm.DB, productionId int, fn func(tx *gorm.DB) error) error {
	return withKeyLock(db, fmt.Sprintf("production:%d", productionId), fn)
}
