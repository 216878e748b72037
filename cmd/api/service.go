package main

import (
	"context"
)

// RecoveryService - то, что нужно фоновому циклу восстановления
type RecoveryService interface {
	ReviveOrphans(ctx context.Context, limit int) int
	PurgeTerminal(ctx context.Context) (int64, error)
}
