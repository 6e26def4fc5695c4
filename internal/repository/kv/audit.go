package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

const auditKey = "audit:suppressions"

// AuditScanLimit bounds how many of the newest entries a query walks.
const AuditScanLimit = 10000

// AuditRepo implements audit.Repository as a store list, newest first.
type AuditRepo struct {
	store store.Store
}

// NewAuditRepo creates a store-backed audit repository.
func NewAuditRepo(s store.Store) *AuditRepo {
	return &AuditRepo{store: s}
}

func (r *AuditRepo) Append(ctx context.Context, e audit.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := r.store.Push(ctx, auditKey, b); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	raw, err := r.store.Range(ctx, auditKey, 0, AuditScanLimit-1)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := []audit.Entry{}
	skip := f.Offset
	for _, b := range raw {
		var e audit.Entry
		if err := json.Unmarshal(b, &e); err != nil {
			logger.Warn("skipping undecodable audit entry", "error", err)
			continue
		}
		if !f.Match(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
