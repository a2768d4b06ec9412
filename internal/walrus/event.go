package walrus

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/supabase-community/walrus/internal/record"
)

// actionName maps a ChangeRecord's Action to the wire string used in
// OutputEvent.WAL.Type.
func actionName(a record.Action) string {
	switch a {
	case record.Insert:
		return "INSERT"
	case record.Update:
		return "UPDATE"
	case record.Delete:
		return "DELETE"
	case record.Truncate:
		return "TRUNCATE"
	default:
		return string(a)
	}
}

// OutputColumn is the {name,type} projection published in wal.columns.
type OutputColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// WALData is the wal object of an OutputEvent.
type WALData struct {
	Schema          string                     `json:"schema"`
	Table           string                     `json:"table"`
	Type            string                     `json:"type"`
	CommitTimestamp record.Timestamp           `json:"commit_timestamp"`
	Columns         []OutputColumn             `json:"columns"`
	Record          map[string]json.RawMessage `json:"record"`
	OldRecord       *map[string]json.RawMessage `json:"old_record"`
}

// OutputEvent is the engine's per-subscriber-group result, serialized as one
// line of compact JSON to the sink.
type OutputEvent struct {
	WAL             WALData     `json:"wal"`
	IsRLSEnabled    bool        `json:"is_rls_enabled"`
	SubscriptionIDs []uuid.UUID `json:"subscription_ids"`
	Errors          []string    `json:"errors"`
}

const (
	errBadRequestNoPrimaryKey = "Error 400: Bad Request, no primary key"
	errUnauthorized           = "Error 401: Unauthorized"
	errPayloadTooLarge        = "Error 413: Payload Too Large"
)

// column is the internal per-column metadata built while projecting a
// record for one role, mirroring the original engine's walrus_fmt::Column.
type column struct {
	name         string
	typeName     string
	typeOID      uint32
	value        json.RawMessage
	isPkey       bool
	isSelectable bool
}
