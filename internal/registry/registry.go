// Package registry maintains an in-memory mirror of realtime.subscription,
// kept consistent by observing changes to that table on the same
// replication stream it feeds the event processor from.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/supabase-community/walrus/internal/dbpool"
	"github.com/supabase-community/walrus/internal/record"
	"github.com/supabase-community/walrus/internal/subscription"
)

const (
	subscriptionSchema = "realtime"
	subscriptionTable  = "subscription"
)

const selectColumns = `id, subscription_id, entity, schema_name, table_name, claims, claims_role_name, filters, created_at`

// Registry is the single-writer, single-reader in-memory subscription list.
// It is owned by the event processor; no external locking is required.
type Registry struct {
	conn dbpool.Conn
	subs []subscription.Subscription
}

// New returns an empty Registry backed by conn.
func New(conn dbpool.Conn) *Registry {
	return &Registry{conn: conn}
}

// Load populates the registry from every row currently in
// realtime.subscription. Call once at startup before processing any record.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.conn.Query(ctx, `select `+selectColumns+` from realtime.subscription order by id`)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return fmt.Errorf("registry: load: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.subs = subs
	return nil
}

// Snapshot returns a read-only copy of the current subscription list for the
// event processor to filter against.
func (r *Registry) Snapshot() []subscription.Subscription {
	out := make([]subscription.Subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// Apply updates the registry in response to rec if rec targets
// realtime.subscription; it is a no-op for every other table.
func (r *Registry) Apply(ctx context.Context, rec *record.ChangeRecord) {
	if rec.Schema != subscriptionSchema || rec.Table != subscriptionTable {
		return
	}

	if rec.Action == record.Truncate {
		r.subs = nil
		zap.L().Debug("subscription truncate", zap.Int("total", len(r.subs)))
		return
	}

	id, ok := subscriptionRowID(rec)
	if !ok {
		zap.L().Error("no id column found on realtime.subscription record")
		return
	}

	switch rec.Action {
	case record.Insert:
		s, err := r.fetchByID(ctx, id)
		if err != nil {
			zap.L().Error("no subscription found", zap.Int64("id", id), zap.Error(err))
			return
		}
		r.subs = append(r.subs, *s)
		zap.L().Debug("subscription inserted", zap.Int("total", len(r.subs)))

	case record.Update:
		before := len(r.subs)
		r.remove(id)
		s, err := r.fetchByID(ctx, id)
		if err != nil {
			zap.L().Error("no subscription found", zap.Int64("id", id), zap.Error(err))
			return
		}
		r.subs = append(r.subs, *s)
		zap.L().Debug("subscription update", zap.Int("before", before), zap.Int("after", len(r.subs)))

	case record.Delete:
		before := len(r.subs)
		r.remove(id)
		zap.L().Debug("subscription delete", zap.Int("before", before), zap.Int("after", len(r.subs)))
	}
}

func (r *Registry) remove(id int64) {
	out := r.subs[:0]
	for _, s := range r.subs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	r.subs = out
}

func (r *Registry) fetchByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	row := r.conn.QueryRow(ctx, `select `+selectColumns+` from realtime.subscription where id = $1`, id)
	s, err := scanSubscription(row)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (subscription.Subscription, error) {
	var (
		sub        subscription.Subscription
		claims     []byte
		filtersRaw []byte
	)
	err := s.Scan(
		&sub.ID,
		&sub.SubscriptionID,
		&sub.EntityOID,
		&sub.SchemaName,
		&sub.TableName,
		&claims,
		&sub.ClaimsRoleName,
		&filtersRaw,
		&sub.CreatedAt,
	)
	if err != nil {
		return subscription.Subscription{}, err
	}
	sub.Claims = json.RawMessage(claims)
	if len(filtersRaw) > 0 {
		if err := json.Unmarshal(filtersRaw, &sub.Filters); err != nil {
			return subscription.Subscription{}, fmt.Errorf("decode filters: %w", err)
		}
	}
	return sub, nil
}

// subscriptionRowID extracts the "id" column from a record's columns
// (Insert/Update) or identity (Delete).
func subscriptionRowID(rec *record.ChangeRecord) (int64, bool) {
	cols := rec.Columns
	if len(cols) == 0 {
		cols = rec.Identity
	}
	for _, c := range cols {
		if c.Name != "id" {
			continue
		}
		var id int64
		if err := json.Unmarshal(c.Value, &id); err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
