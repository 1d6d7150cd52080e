package hrflow

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// logAudit creates an audit log entry. Audit rows are best-effort; a write
// failure is logged, never surfaced to the caller.
func (s *Service) logAudit(ctx context.Context, actorID uint, action, targetType string, targetID uint, details string) {
	s.logAuditMeta(ctx, actorID, action, targetType, targetID, details, nil)
}

// logAuditMeta is logAudit with a structured metadata payload (comments,
// delegated actors and the like).
func (s *Service) logAuditMeta(ctx context.Context, actorID uint, action, targetType string, targetID uint, details string, metadata map[string]interface{}) {
	if !s.auditEnabled {
		return
	}

	audit := &AuditLog{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		CreatedAt:  time.Now(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err == nil {
			audit.Metadata = datatypes.JSON(raw)
		}
	}

	if err := s.db.WithContext(ctx).Create(audit).Error; err != nil {
		s.log.Warnw("audit write failed", "action", action, "target_type", targetType, "err", err)
	}
}

// GetAuditLog retrieves an audit log by ID.
func (s *Service) GetAuditLog(ctx context.Context, id uint) (*AuditLog, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var audit AuditLog
	if err := s.db.WithContext(ctx).First(&audit, id).Error; err != nil {
		return nil, ErrNotFound
	}

	return &audit, nil
}

// ListAuditLogs retrieves audit logs, optionally filtered by actor or target.
func (s *Service) ListAuditLogs(ctx context.Context, actorID, targetID *uint) ([]AuditLog, error) {
	var audits []AuditLog
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if actorID != nil {
		query = query.Where("actor_id = ?", *actorID)
	}
	if targetID != nil {
		query = query.Where("target_id = ?", *targetID)
	}
	if err := query.Find(&audits).Error; err != nil {
		return nil, err
	}
	return audits, nil
}
