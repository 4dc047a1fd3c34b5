package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// withTransaction runs fn on a transactional interactor. The transaction is
// rolled back when fn fails and committed otherwise.
func withTransaction(ctx context.Context, interactor DatabaseInteractor, logger *zap.Logger, fn func(tx DatabaseInteractor) error) error {
	tx, err := interactor.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
