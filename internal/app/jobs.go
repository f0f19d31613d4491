/**
 * @description
 * Scheduled job implementations: the stale-transfer recovery sweep and the
 * funds-in-limbo report.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/bridge-service/internal/domain"
)

const (
	defaultRecoveryBatch = 100
	limboReportLimit     = 500
	jobTimeout           = 5 * time.Minute
)

// TransferRecoverer is the part of the orchestrator the jobs drive.
type TransferRecoverer interface {
	RecoverStale(ctx context.Context, limit int) (int, error)
	ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	transfers     TransferRecoverer
	metrics       *Metrics
	logger        *slog.Logger
	recoveryBatch int
}

// NewJobs creates a new Jobs runner.
func NewJobs(transfers TransferRecoverer, metrics *Metrics, logger *slog.Logger, recoveryBatch int) *Jobs {
	if recoveryBatch <= 0 {
		recoveryBatch = defaultRecoveryBatch
	}
	return &Jobs{
		transfers:     transfers,
		metrics:       metrics,
		logger:        logger.With("component", "jobs"),
		recoveryBatch: recoveryBatch,
	}
}

// RecoverStaleTransfers resumes transfers that were abandoned mid-protocol.
func (j *Jobs) RecoverStaleTransfers() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	resumed, err := j.transfers.RecoverStale(ctx, j.recoveryBatch)
	if err != nil {
		j.logger.Error("stale transfer recovery failed", "flow", "recover", "err", err)
		return
	}
	if resumed == 0 {
		j.logger.Debug("no stale transfers to recover", "flow", "recover")
		return
	}
	j.logger.Info("stale transfer recovery finished", "flow", "recover", "resumed", resumed)
}

// ReportFundsInLimbo logs every transfer waiting on an operator.
func (j *Jobs) ReportFundsInLimbo() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	transfers, err := j.transfers.ListFundsInLimbo(ctx, limboReportLimit)
	if err != nil {
		j.logger.Error("failed to list funds in limbo", "flow", "limbo_report", "err", err)
		return
	}
	j.metrics.setLimbo(len(transfers))
	for _, t := range transfers {
		j.logger.Warn("funds in limbo", "flow", "limbo_report", "transfer_id", t.ID, "status", t.Status,
			"direction", t.Direction, "amount", t.Amount.String(), "user_id", t.UserID, "reason", deref(t.FailureReason))
	}
}
