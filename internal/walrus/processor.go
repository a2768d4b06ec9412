// Package walrus implements the event processor: the per-record
// authorization and fan-out algorithm that turns one ChangeRecord into zero
// or more OutputEvents.
package walrus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/supabase-community/walrus/internal/authz"
	"github.com/supabase-community/walrus/internal/filter"
	"github.com/supabase-community/walrus/internal/metrics"
	"github.com/supabase-community/walrus/internal/record"
	"github.com/supabase-community/walrus/internal/subscription"
)

// sqlFunctionLabel returns the realtime.* function name an error came from,
// for the authorization_errors metric, falling back to fallback when err
// isn't an *authz.SqlFunctionError.
func sqlFunctionLabel(err error, fallback string) string {
	var sqlErr *authz.SqlFunctionError
	if errors.As(err, &sqlErr) {
		return sqlErr.Function
	}
	return fallback
}

// AuthorizationOracle is the subset of *authz.Oracle the processor needs.
// Expressed as an interface so the processor is testable without a database.
type AuthorizationOracle interface {
	GetTableOID(ctx context.Context, schema, table string) (uint32, error)
	IsInPublication(ctx context.Context, schema, table, publication string) (bool, error)
	IsRLSEnabled(ctx context.Context, tableOID uint32) (bool, error)
	SelectableColumns(ctx context.Context, tableOID uint32, role string) ([]authz.ColumnMeta, error)
	IsVisibleThroughRLS(ctx context.Context, tableOID uint32, rowColumns json.RawMessage, ids []int64) ([]int64, error)
	IsVisibleThroughFilters(ctx context.Context, rowColumns json.RawMessage, ids []int64) ([]int64, error)
}

// SubscriptionRegistry is the subset of *registry.Registry the processor
// needs.
type SubscriptionRegistry interface {
	Apply(ctx context.Context, rec *record.ChangeRecord)
	Snapshot() []subscription.Subscription
}

// Processor orchestrates the oracle, registry, and filter evaluator to turn
// one ChangeRecord into zero or more OutputEvents. A Processor is not safe
// for concurrent use: it is driven by exactly one ingest loop.
type Processor struct {
	Oracle         AuthorizationOracle
	Registry       SubscriptionRegistry
	Publication    string
	MaxRecordBytes int
}

// New returns a Processor wired to oracle and registry.
func New(oracle AuthorizationOracle, reg SubscriptionRegistry, publication string, maxRecordBytes int) *Processor {
	return &Processor{
		Oracle:         oracle,
		Registry:       reg,
		Publication:    publication,
		MaxRecordBytes: maxRecordBytes,
	}
}

// Process runs one ChangeRecord through the full authorization and fan-out
// algorithm.
func (p *Processor) Process(ctx context.Context, rec *record.ChangeRecord) ([]OutputEvent, error) {
	// Step 1: subscription-table side effect. The record continues to be
	// processed normally below — a change to the subscription table may
	// itself be a row consumers subscribe to.
	p.Registry.Apply(ctx, rec)

	lookupErr := func(err error) ([]OutputEvent, error) {
		var sqlErr *authz.SqlFunctionError
		if errors.As(err, &sqlErr) {
			metrics.AuthorizationErrors.WithLabelValues(sqlErr.Function).Inc()
			zap.L().Error("authorization lookup failed, skipping record", zap.String("schema", rec.Schema), zap.String("table", rec.Table), zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("walrus: process: %w", err)
	}
	tableOID, err := p.Oracle.GetTableOID(ctx, rec.Schema, rec.Table)
	if err != nil {
		return lookupErr(err)
	}
	inPublication, err := p.Oracle.IsInPublication(ctx, rec.Schema, rec.Table, p.Publication)
	if err != nil {
		return lookupErr(err)
	}
	rlsEnabled, err := p.Oracle.IsRLSEnabled(ctx, tableOID)
	if err != nil {
		return lookupErr(err)
	}

	entitySubs := filterByEntity(p.Registry.Snapshot(), rec.Schema, rec.Table)
	isSubscribed := len(entitySubs) > 0

	actionType := actionName(rec.Action)
	exceedsMaxSize := p.recordExceedsMaxSize(rec)

	// Step 5: early exit.
	if rec.Action != record.Truncate && (!inPublication || !isSubscribed) {
		return nil, nil
	}

	// Step 6: missing primary key on non-Delete.
	if rec.Action != record.Delete && !rec.HasPrimaryKey() {
		metrics.DegradedEvents.WithLabelValues("no_primary_key").Inc()
		return []OutputEvent{{
			WAL: WALData{
				Schema:          rec.Schema,
				Table:           rec.Table,
				Type:            actionType,
				CommitTimestamp: rec.Timestamp,
				Columns:         []OutputColumn{},
				Record:          map[string]json.RawMessage{},
				OldRecord:       nonInsertOldRecordMap(rec.Action, map[string]json.RawMessage{}),
			},
			IsRLSEnabled:    rlsEnabled,
			SubscriptionIDs: distinctSubscriptionIDs(entitySubs),
			Errors:          []string{errBadRequestNoPrimaryKey},
		}}, nil
	}

	// Step 7: group by role and process each group independently.
	var events []OutputEvent
	for _, role := range distinctRoles(entitySubs) {
		roleSubs := subsForRole(entitySubs, role)

		cols, err := p.Oracle.SelectableColumns(ctx, tableOID, role)
		if err != nil {
			metrics.AuthorizationErrors.WithLabelValues(sqlFunctionLabel(err, "selectable_columns")).Inc()
			zap.L().Error("selectable_columns failed", zap.String("role", role), zap.Error(err))
			continue
		}
		if len(cols) == 0 {
			metrics.DegradedEvents.WithLabelValues("unauthorized").Inc()
			events = append(events, OutputEvent{
				WAL: WALData{
					Schema:          rec.Schema,
					Table:           rec.Table,
					Type:            actionType,
					CommitTimestamp: rec.Timestamp,
					Columns:         []OutputColumn{},
					Record:          map[string]json.RawMessage{},
					OldRecord:       nonInsertOldRecordMap(rec.Action, map[string]json.RawMessage{}),
				},
				IsRLSEnabled:    rlsEnabled,
				SubscriptionIDs: distinctSubscriptionIDs(roleSubs),
				Errors:          []string{errUnauthorized},
			})
			continue
		}

		ev, err := p.processRole(ctx, rec, tableOID, actionType, rlsEnabled, exceedsMaxSize, cols, roleSubs)
		if err != nil {
			metrics.AuthorizationErrors.WithLabelValues(sqlFunctionLabel(err, "process_role")).Inc()
			zap.L().Error("processing role failed", zap.String("role", role), zap.Error(err))
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	return events, nil
}

func (p *Processor) processRole(
	ctx context.Context,
	rec *record.ChangeRecord,
	tableOID uint32,
	actionType string,
	rlsEnabled bool,
	exceedsMaxSize bool,
	selectable []authz.ColumnMeta,
	roleSubs []subscription.Subscription,
) (*OutputEvent, error) {
	selectableSet := make(map[string]bool, len(selectable))
	for _, c := range selectable {
		selectableSet[c.Name] = true
	}
	pkeySet := make(map[string]bool, len(rec.PK))
	for _, pk := range rec.PK {
		pkeySet[pk.Name] = true
	}

	var outColumns []OutputColumn
	seenCol := make(map[string]bool)
	addOutColumn := func(name, typ string) {
		if !seenCol[name] {
			seenCol[name] = true
			outColumns = append(outColumns, OutputColumn{Name: name, Type: typ})
		}
	}

	recordProjection := map[string]json.RawMessage{}
	if rec.Action == record.Insert || rec.Action == record.Update {
		for _, c := range rec.Columns {
			if !selectableSet[c.Name] {
				continue
			}
			if exceedsMaxSize && len(c.Value) >= 64 {
				continue
			}
			recordProjection[c.Name] = c.Value
			addOutColumn(c.Name, c.Type)
		}
	}

	var oldRecordProjection map[string]json.RawMessage
	if rec.Action == record.Update || rec.Action == record.Delete {
		oldRecordProjection = map[string]json.RawMessage{}
		for _, c := range rec.Identity {
			if !selectableSet[c.Name] {
				continue
			}
			if exceedsMaxSize && len(c.Value) >= 64 {
				continue
			}
			oldRecordProjection[c.Name] = c.Value
			addOutColumn(c.Name, c.Type)
		}
	} else if rec.Action == record.Truncate {
		oldRecordProjection = map[string]json.RawMessage{}
	}

	// Step f: locally evaluate filters; delegate what the evaluator can't
	// handle to a single batched SQL call.
	rowColumns := buildRowColumns(rec, selectableSet, pkeySet)
	locallyMatching, delegated := splitByFilter(roleSubs, rec.Columns)

	visible := append([]subscription.Subscription{}, locallyMatching...)
	if len(delegated) > 0 {
		rowColumnsJSON, err := json.Marshal(rowColumns)
		if err != nil {
			return nil, fmt.Errorf("marshal row columns: %w", err)
		}
		ids := subscriptionRowIDs(delegated)
		visibleIDs, err := p.Oracle.IsVisibleThroughFilters(ctx, rowColumnsJSON, ids)
		if err != nil {
			return nil, fmt.Errorf("is_visible_through_filters: %w", err)
		}
		visible = append(visible, filterByRowID(delegated, visibleIDs)...)
	}

	// Step g: RLS pass.
	if rlsEnabled && len(visible) > 0 && rec.Action != record.Delete && rec.Action != record.Truncate {
		rowColumnsJSON, err := json.Marshal(rowColumns)
		if err != nil {
			return nil, fmt.Errorf("marshal row columns: %w", err)
		}
		ids := subscriptionRowIDs(visible)
		visibleIDs, err := p.Oracle.IsVisibleThroughRLS(ctx, tableOID, rowColumnsJSON, ids)
		if err != nil {
			metrics.AuthorizationErrors.WithLabelValues(sqlFunctionLabel(err, "is_visible_through_rls")).Inc()
			zap.L().Error("is_visible_through_rls failed", zap.Error(err))
			return nil, nil
		}
		visible = filterByRowID(visible, visibleIDs)
	}

	var errs []string
	if exceedsMaxSize {
		metrics.DegradedEvents.WithLabelValues("payload_too_large").Inc()
		errs = []string{errPayloadTooLarge}
	}

	if outColumns == nil {
		outColumns = []OutputColumn{}
	}

	return &OutputEvent{
		WAL: WALData{
			Schema:          rec.Schema,
			Table:           rec.Table,
			Type:            actionType,
			CommitTimestamp: rec.Timestamp,
			Columns:         outColumns,
			Record:          recordProjection,
			OldRecord:       nonInsertOldRecordMap(rec.Action, oldRecordProjection),
		},
		IsRLSEnabled:    rlsEnabled,
		SubscriptionIDs: distinctSubscriptionIDs(visible),
		Errors:          errs,
	}, nil
}

func (p *Processor) recordExceedsMaxSize(rec *record.ChangeRecord) bool {
	if p.MaxRecordBytes <= 0 {
		return false
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	return len(b) > p.MaxRecordBytes
}

func buildRowColumns(rec *record.ChangeRecord, selectableSet, pkeySet map[string]bool) []column {
	source := rec.Columns
	if len(source) == 0 {
		source = rec.Identity
	}
	cols := make([]column, 0, len(source))
	for _, c := range source {
		cols = append(cols, column{
			name:         c.Name,
			typeName:     c.Type,
			typeOID:      c.TypeOID,
			value:        c.Value,
			isPkey:       pkeySet[c.Name],
			isSelectable: selectableSet[c.Name],
		})
	}
	return cols
}

func (c column) MarshalJSON() ([]byte, error) {
	type alias struct {
		Name         string          `json:"name"`
		TypeName     string          `json:"type_name"`
		TypeOID      uint32          `json:"type_oid"`
		Value        json.RawMessage `json:"value"`
		IsPkey       bool            `json:"is_pkey"`
		IsSelectable bool            `json:"is_selectable"`
	}
	return json.Marshal(alias{c.name, c.typeName, c.typeOID, c.value, c.isPkey, c.isSelectable})
}

func filterByEntity(subs []subscription.Subscription, schema, table string) []subscription.Subscription {
	var out []subscription.Subscription
	for _, s := range subs {
		if s.Matches(schema, table) {
			out = append(out, s)
		}
	}
	return out
}

func distinctRoles(subs []subscription.Subscription) []string {
	var roles []string
	seen := make(map[string]bool)
	for _, s := range subs {
		if !seen[s.ClaimsRoleName] {
			seen[s.ClaimsRoleName] = true
			roles = append(roles, s.ClaimsRoleName)
		}
	}
	return roles
}

func subsForRole(subs []subscription.Subscription, role string) []subscription.Subscription {
	var out []subscription.Subscription
	for _, s := range subs {
		if s.ClaimsRoleName == role {
			out = append(out, s)
		}
	}
	return out
}

func splitByFilter(subs []subscription.Subscription, cols []record.Column) (matching, delegated []subscription.Subscription) {
	for _, s := range subs {
		res := filter.Evaluate(s.Filters, cols)
		switch res.Verdict {
		case filter.Match:
			matching = append(matching, s)
		case filter.Delegate:
			delegated = append(delegated, s)
		case filter.NoMatch:
			// excluded
		}
	}
	return matching, delegated
}

func subscriptionRowIDs(subs []subscription.Subscription) []int64 {
	ids := make([]int64, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	return ids
}

func filterByRowID(subs []subscription.Subscription, ids []int64) []subscription.Subscription {
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	var out []subscription.Subscription
	for _, s := range subs {
		if allowed[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func distinctSubscriptionIDs(subs []subscription.Subscription) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(subs))
	seen := make(map[uuid.UUID]bool, len(subs))
	for _, s := range subs {
		if !seen[s.SubscriptionID] {
			seen[s.SubscriptionID] = true
			ids = append(ids, s.SubscriptionID)
		}
	}
	return ids
}

func nonInsertOldRecordMap(action record.Action, m map[string]json.RawMessage) *map[string]json.RawMessage {
	if action == record.Insert {
		return nil
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return &m
}
