// Package subscription holds the Subscription and UserDefinedFilter models
// that mirror rows of the realtime.subscription table.
package subscription

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is a user-defined filter comparison operator.
type Op string

const (
	Equal              Op = "eq"
	NotEqual           Op = "neq"
	LessThan           Op = "lt"
	LessThanOrEqual    Op = "lte"
	GreaterThan        Op = "gt"
	GreaterThanOrEqual Op = "gte"
)

// UnmarshalJSON rejects any value outside the closed op set.
func (o *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("subscription: op: %w", err)
	}
	switch Op(s) {
	case Equal, NotEqual, LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual:
		*o = Op(s)
		return nil
	default:
		return fmt.Errorf("subscription: unknown op %q", s)
	}
}

// UserDefinedFilter is a single column predicate declared by a subscriber.
// Value is stored as text and parsed as JSON at evaluation time.
type UserDefinedFilter struct {
	ColumnName string `json:"column_name"`
	Op         Op     `json:"op"`
	Value      string `json:"value"`
}

// Subscription is a registered listener, mirroring one row of
// realtime.subscription.
type Subscription struct {
	ID             int64               `json:"id"`
	SubscriptionID uuid.UUID           `json:"subscription_id"`
	EntityOID      uint32              `json:"entity"`
	SchemaName     string              `json:"schema_name"`
	TableName      string              `json:"table_name"`
	Claims         json.RawMessage     `json:"claims"`
	ClaimsRoleName string              `json:"claims_role_name"`
	Filters        []UserDefinedFilter `json:"filters"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Matches reports whether the subscription targets the given table.
func (s *Subscription) Matches(schema, table string) bool {
	return s.SchemaName == schema && s.TableName == table
}
