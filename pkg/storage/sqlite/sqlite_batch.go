package sqlite

import (
	"context"
	"fmt"

	"github.com/flowmatic-io/flowmatic/pkg/engine/runtime"
	"github.com/flowmatic-io/flowmatic/pkg/storage"
)

func (s *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        s,
		stmtToRun: make([]func(ctx context.Context, db execer) error, 0, 10),
	}
}

// StorageBatch collects writes and applies them in one transaction on Flush.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func(ctx context.Context, db execer) error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	if len(b.stmtToRun) == 0 {
		return nil
	}
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	for _, stmt := range b.stmtToRun {
		if err := stmt(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}
	b.stmtToRun = make([]func(ctx context.Context, db execer) error, 0)
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, db execer) error {
		return saveProcessInstance(ctx, db, processInstance)
	})
	return nil
}

func (b *StorageBatch) SaveTaskInstance(ctx context.Context, task runtime.TaskInstance) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, db execer) error {
		return saveTaskInstance(ctx, db, task)
	})
	return nil
}

func (b *StorageBatch) SaveEventOccurrence(ctx context.Context, event runtime.EventOccurrence) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, db execer) error {
		return saveEventOccurrence(ctx, db, event)
	})
	return nil
}

func (b *StorageBatch) SaveVariableSnapshot(ctx context.Context, snapshot runtime.VariableSnapshot) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, db execer) error {
		return saveVariableSnapshot(ctx, db, snapshot)
	})
	return nil
}

func (b *StorageBatch) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, db execer) error {
		return saveEventSubscription(ctx, db, subscription)
	})
	return nil
}
