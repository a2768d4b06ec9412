// Package authz implements the authorization oracle: cached calls to the
// realtime.* SQL functions that back publication membership, RLS, and
// column-privilege checks.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/supabase-community/walrus/internal/dbpool"
)

const cacheTTL = time.Second

const (
	tableOIDCacheSize         = 10000
	inPublicationCacheSize    = 250
	rlsEnabledCacheSize       = 250
	selectableColumnsCacheSize = 500
)

// SqlFunctionError wraps a failure calling one of the realtime.* SQL
// functions. The event processor treats it as fatal for the current record
// but not for the stream.
type SqlFunctionError struct {
	Function string
	Detail   error
}

func (e *SqlFunctionError) Error() string {
	return fmt.Sprintf("authz: sql function %s: %v", e.Function, e.Detail)
}

func (e *SqlFunctionError) Unwrap() error { return e.Detail }

func sqlErr(function string, err error) error {
	return &SqlFunctionError{Function: function, Detail: err}
}

// ColumnMeta is one entry of selectable_columns(oid,role).
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Oracle wraps a database connection and exposes the cached authorization
// operations described by the realtime.* SQL contract. It owns exactly one
// connection for the lifetime of the pipeline; its caches are private and
// require no external locking.
type Oracle struct {
	conn dbpool.Conn

	tableOIDCache          *lru.LRU[string, uint32]
	inPublicationCache     *lru.LRU[string, bool]
	rlsEnabledCache        *lru.LRU[uint32, bool]
	selectableColumnsCache *lru.LRU[string, []ColumnMeta]

	sf singleflight.Group
}

// New returns an Oracle backed by conn.
func New(conn dbpool.Conn) *Oracle {
	return &Oracle{
		conn:                   conn,
		tableOIDCache:          lru.NewLRU[string, uint32](tableOIDCacheSize, nil, cacheTTL),
		inPublicationCache:     lru.NewLRU[string, bool](inPublicationCacheSize, nil, cacheTTL),
		rlsEnabledCache:        lru.NewLRU[uint32, bool](rlsEnabledCacheSize, nil, cacheTTL),
		selectableColumnsCache: lru.NewLRU[string, []ColumnMeta](selectableColumnsCacheSize, nil, cacheTTL),
	}
}

// GetTableOID returns the OID of schema.table, per realtime.get_table_oid.
func (o *Oracle) GetTableOID(ctx context.Context, schema, table string) (uint32, error) {
	key := schema + "." + table
	if oid, ok := o.tableOIDCache.Get(key); ok {
		return oid, nil
	}

	v, err, _ := o.sf.Do("table_oid:"+key, func() (any, error) {
		var oid uint32
		err := o.conn.QueryRow(ctx, `select realtime.get_table_oid($1, $2)`, schema, table).Scan(&oid)
		if err != nil {
			return uint32(0), sqlErr("get_table_oid", err)
		}
		o.tableOIDCache.Add(key, oid)
		return oid, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// IsInPublication reports whether schema.table is a member of publication,
// per realtime.is_in_publication.
func (o *Oracle) IsInPublication(ctx context.Context, schema, table, publication string) (bool, error) {
	key := schema + "." + table + "." + publication
	if v, ok := o.inPublicationCache.Get(key); ok {
		return v, nil
	}

	v, err, _ := o.sf.Do("in_publication:"+key, func() (any, error) {
		var ok bool
		err := o.conn.QueryRow(ctx, `select realtime.is_in_publication($1, $2, $3)`, schema, table, publication).Scan(&ok)
		if err != nil {
			return false, sqlErr("is_in_publication", err)
		}
		o.inPublicationCache.Add(key, ok)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// IsRLSEnabled reports whether row-level security is enabled on tableOID,
// per realtime.is_rls_enabled.
func (o *Oracle) IsRLSEnabled(ctx context.Context, tableOID uint32) (bool, error) {
	if v, ok := o.rlsEnabledCache.Get(tableOID); ok {
		return v, nil
	}

	key := fmt.Sprintf("rls_enabled:%d", tableOID)
	v, err, _ := o.sf.Do(key, func() (any, error) {
		var ok bool
		err := o.conn.QueryRow(ctx, `select realtime.is_rls_enabled($1)`, tableOID).Scan(&ok)
		if err != nil {
			return false, sqlErr("is_rls_enabled", err)
		}
		o.rlsEnabledCache.Add(tableOID, ok)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SelectableColumns returns the ordered {name,type} list of columns role may
// select from tableOID, per realtime.selectable_columns. An empty result
// means the role is unauthorized to select from the table at all.
func (o *Oracle) SelectableColumns(ctx context.Context, tableOID uint32, role string) ([]ColumnMeta, error) {
	key := fmt.Sprintf("%d.%s", tableOID, role)
	if v, ok := o.selectableColumnsCache.Get(key); ok {
		return v, nil
	}

	v, err, _ := o.sf.Do("selectable_columns:"+key, func() (any, error) {
		var raws []json.RawMessage
		err := o.conn.QueryRow(ctx, `select realtime.selectable_columns($1, $2)`, tableOID, role).Scan(&raws)
		if err != nil {
			return []ColumnMeta(nil), sqlErr("selectable_columns", err)
		}

		cols := make([]ColumnMeta, 0, len(raws))
		for _, raw := range raws {
			var c ColumnMeta
			if err := json.Unmarshal(raw, &c); err != nil {
				return []ColumnMeta(nil), sqlErr("selectable_columns", err)
			}
			cols = append(cols, c)
		}

		o.selectableColumnsCache.Add(key, cols)
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ColumnMeta), nil
}

// IsVisibleThroughRLS returns the subset of ids whose role can see row
// (encoded as rowColumns JSON) under RLS, per realtime.is_visible_through_rls.
// Uncached: the row contents differ on every call.
func (o *Oracle) IsVisibleThroughRLS(ctx context.Context, tableOID uint32, rowColumns json.RawMessage, ids []int64) ([]int64, error) {
	var visible []int64
	err := o.conn.QueryRow(ctx, `select realtime.is_visible_through_rls($1, $2, $3)`, tableOID, rowColumns, ids).Scan(&visible)
	if err != nil {
		return nil, sqlErr("is_visible_through_rls", err)
	}
	return visible, nil
}

// IsVisibleThroughFilters returns the subset of ids whose declared filters
// match rowColumns, per realtime.is_visible_through_filters. Uncached.
func (o *Oracle) IsVisibleThroughFilters(ctx context.Context, rowColumns json.RawMessage, ids []int64) ([]int64, error) {
	var visible []int64
	err := o.conn.QueryRow(ctx, `select realtime.is_visible_through_filters($1, $2)`, rowColumns, ids).Scan(&visible)
	if err != nil {
		return nil, sqlErr("is_visible_through_filters", err)
	}
	return visible, nil
}
