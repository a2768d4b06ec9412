package walrus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase-community/walrus/internal/authz"
	"github.com/supabase-community/walrus/internal/record"
	"github.com/supabase-community/walrus/internal/subscription"
)

type fakeOracle struct {
	tableOID      uint32
	inPublication bool
	rlsEnabled    bool
	selectable    map[string][]authz.ColumnMeta // keyed by role
	visibleRLS    []int64
	visibleFilter []int64
}

func (f *fakeOracle) GetTableOID(ctx context.Context, schema, table string) (uint32, error) {
	return f.tableOID, nil
}

func (f *fakeOracle) IsInPublication(ctx context.Context, schema, table, publication string) (bool, error) {
	return f.inPublication, nil
}

func (f *fakeOracle) IsRLSEnabled(ctx context.Context, tableOID uint32) (bool, error) {
	return f.rlsEnabled, nil
}

func (f *fakeOracle) SelectableColumns(ctx context.Context, tableOID uint32, role string) ([]authz.ColumnMeta, error) {
	return f.selectable[role], nil
}

func (f *fakeOracle) IsVisibleThroughRLS(ctx context.Context, tableOID uint32, rowColumns json.RawMessage, ids []int64) ([]int64, error) {
	return f.visibleRLS, nil
}

func (f *fakeOracle) IsVisibleThroughFilters(ctx context.Context, rowColumns json.RawMessage, ids []int64) ([]int64, error) {
	return f.visibleFilter, nil
}

type fakeRegistry struct {
	subs []subscription.Subscription
}

func (f *fakeRegistry) Apply(ctx context.Context, rec *record.ChangeRecord) {}

func (f *fakeRegistry) Snapshot() []subscription.Subscription {
	out := make([]subscription.Subscription, len(f.subs))
	copy(out, f.subs)
	return out
}

func mustRecord(t *testing.T, line string) *record.ChangeRecord {
	t.Helper()
	rec, err := record.ParseLine([]byte(line))
	require.NoError(t, err)
	return rec
}

func recordJSON(m map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		var val any
		_ = json.Unmarshal(v, &val)
		out[k] = val
	}
	return out
}

// Scenario 1: no subscribers, nothing emitted.
func TestProcess_NoSubscribers(t *testing.T) {
	oracle := &fakeOracle{tableOID: 1, inPublication: true}
	reg := &fakeRegistry{}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"I","schema":"public","table":"notes","pk":[{"name":"id","type":"int4","typeoid":23}],"columns":[{"name":"id","type":"int4","typeoid":23,"value":1}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// Scenario 2: simple insert, one subscriber, no filters.
func TestProcess_SimpleInsert(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      2,
		inPublication: true,
		rlsEnabled:    false,
		selectable:    map[string][]authz.ColumnMeta{"postgres": {{Name: "id", Type: "int4"}}},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes2", ClaimsRoleName: "postgres"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"I","schema":"public","table":"notes2","pk":[{"name":"id","type":"int4","typeoid":23}],"columns":[{"name":"id","type":"int4","typeoid":23,"value":1}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "INSERT", ev.WAL.Type)
	assert.Equal(t, map[string]any{"id": float64(1)}, recordJSON(ev.WAL.Record))
	assert.Nil(t, ev.WAL.OldRecord)
	assert.False(t, ev.IsRLSEnabled)
	assert.Empty(t, ev.Errors)
	assert.Equal(t, []uuid.UUID{subID}, ev.SubscriptionIDs)
}

// Scenario 3: simple update with replica identity.
func TestProcess_UpdateWithIdentity(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      4,
		inPublication: true,
		selectable:    map[string][]authz.ColumnMeta{"postgres": {{Name: "id", Type: "int4"}}},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes4", ClaimsRoleName: "postgres"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"U","schema":"public","table":"notes4","pk":[{"name":"id","type":"int4","typeoid":23}],"columns":[{"name":"id","type":"int4","typeoid":23,"value":1}],"identity":[{"name":"id","type":"int4","typeoid":23,"value":0}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, map[string]any{"id": float64(1)}, recordJSON(ev.WAL.Record))
	require.NotNil(t, ev.WAL.OldRecord)
	assert.Equal(t, map[string]any{"id": float64(0)}, recordJSON(*ev.WAL.OldRecord))
}

// Scenario 4: simple delete.
func TestProcess_Delete(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      5,
		inPublication: true,
		selectable:    map[string][]authz.ColumnMeta{"postgres": {{Name: "id", Type: "int4"}}},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes5", ClaimsRoleName: "postgres"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"D","schema":"public","table":"notes5","pk":[{"name":"id","type":"int4","typeoid":23}],"identity":[{"name":"id","type":"int4","typeoid":23,"value":0}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Empty(t, ev.WAL.Record)
	require.NotNil(t, ev.WAL.OldRecord)
	assert.Equal(t, map[string]any{"id": float64(0)}, recordJSON(*ev.WAL.OldRecord))
}

// Scenario 5: unauthorized role (no selectable columns).
func TestProcess_Unauthorized(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      6,
		inPublication: true,
		selectable:    map[string][]authz.ColumnMeta{},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes6", ClaimsRoleName: "authenticated"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"I","schema":"public","table":"notes6","pk":[{"name":"id","type":"int4","typeoid":23}],"columns":[{"name":"id","type":"int4","typeoid":23,"value":1}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Empty(t, ev.WAL.Record)
	assert.Equal(t, []string{"Error 401: Unauthorized"}, ev.Errors)
}

// Scenario 6: quoted identifiers, enum column, RLS enabled, user filter.
func TestProcess_EnumRLSAndFilter(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      7,
		inPublication: true,
		rlsEnabled:    true,
		selectable:    map[string][]authz.ColumnMeta{"authenticated": {{Name: "id", Type: "Color"}}},
		visibleFilter: []int64{1},
		visibleRLS:    []int64{1},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{
			ID: 1, SubscriptionID: subID, SchemaName: `dEv`, TableName: `Notes7`, ClaimsRoleName: "authenticated",
			Filters: []subscription.UserDefinedFilter{{ColumnName: "id", Op: subscription.Equal, Value: `"YELLOW"`}},
		},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"I","schema":"dEv","table":"Notes7","pk":[{"name":"id","type":"Color","typeoid":99999}],"columns":[{"name":"id","type":"Color","typeoid":99999,"value":"YELLOW"}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.IsRLSEnabled)
	assert.Equal(t, map[string]any{"id": "YELLOW"}, recordJSON(ev.WAL.Record))
	assert.Equal(t, []OutputColumn{{Name: "id", Type: "Color"}}, ev.WAL.Columns)
	assert.Equal(t, []uuid.UUID{subID}, ev.SubscriptionIDs)
}

func TestProcess_TruncateEmitsEmptyRecords(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      8,
		inPublication: true,
		selectable:    map[string][]authz.ColumnMeta{"postgres": {{Name: "id", Type: "int4"}}},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes", ClaimsRoleName: "postgres"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"T","schema":"public","table":"notes","timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].WAL.Record)
	assert.NotNil(t, events[0].WAL.OldRecord)
	assert.Empty(t, *events[0].WAL.OldRecord)
}

func TestProcess_PayloadTooLarge(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{
		tableOID:      9,
		inPublication: true,
		selectable:    map[string][]authz.ColumnMeta{"postgres": {{Name: "id", Type: "int4"}, {Name: "body", Type: "text"}}},
	}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes", ClaimsRoleName: "postgres"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 10) // tiny budget forces exceedsMaxSize

	bigValue := `"` + strings.Repeat("x", 100) + `"`
	rec := mustRecord(t, `{"action":"I","schema":"public","table":"notes","pk":[{"name":"id","type":"int4","typeoid":23}],"columns":[{"name":"id","type":"int4","typeoid":23,"value":1},{"name":"body","type":"text","typeoid":25,"value":`+bigValue+`}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Errors, "Error 413: Payload Too Large")
	assert.Contains(t, recordJSON(events[0].WAL.Record), "id")
	assert.NotContains(t, recordJSON(events[0].WAL.Record), "body")
}

func TestProcess_MissingPrimaryKey(t *testing.T) {
	subID := uuid.New()
	oracle := &fakeOracle{tableOID: 10, inPublication: true}
	reg := &fakeRegistry{subs: []subscription.Subscription{
		{ID: 1, SubscriptionID: subID, SchemaName: "public", TableName: "notes", ClaimsRoleName: "postgres"},
	}}
	p := New(oracle, reg, "supabase_multiplayer", 0)

	rec := mustRecord(t, `{"action":"I","schema":"public","table":"notes","columns":[{"name":"id","type":"int4","typeoid":23,"value":1}],"timestamp":"2022-06-22 15:38:19+00"}`)

	events, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"Error 400: Bad Request, no primary key"}, events[0].Errors)
}
