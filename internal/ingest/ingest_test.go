package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase-community/walrus/internal/record"
)

const sampleLine = `{"action":"I","schema":"public","table":"notes","columns":[{"name":"id","type":"int4","typeoid":23,"value":1}]}`

func TestConsume_ParsesAndWritesEvents(t *testing.T) {
	var sink bytes.Buffer
	var seen []*record.ChangeRecord

	s := &Supervisor{
		Sink: &sink,
		Process: func(ctx context.Context, rec *record.ChangeRecord) ([]json.RawMessage, error) {
			seen = append(seen, rec)
			return []json.RawMessage{json.RawMessage(`{"ok":true}`)}, nil
		},
	}

	err := s.consume(context.Background(), strings.NewReader(sampleLine+"\n"))
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, "notes", seen[0].Table)
	assert.Equal(t, `{"ok":true}`+"\n", sink.String())
}

func TestConsume_SkipsUnparsableLines(t *testing.T) {
	var sink bytes.Buffer
	calls := 0

	s := &Supervisor{
		Sink: &sink,
		Process: func(ctx context.Context, rec *record.ChangeRecord) ([]json.RawMessage, error) {
			calls++
			return nil, nil
		},
	}

	input := "not json\n\n" + sampleLine + "\n"
	err := s.consume(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestConsume_ProcessErrorStopsAndWraps(t *testing.T) {
	var sink bytes.Buffer
	wantErr := errors.New("boom")

	s := &Supervisor{
		Sink: &sink,
		Process: func(ctx context.Context, rec *record.ChangeRecord) ([]json.RawMessage, error) {
			return nil, wantErr
		},
	}

	err := s.consume(context.Background(), strings.NewReader(sampleLine+"\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestConsume_MultipleEventsPerRecordAllWritten(t *testing.T) {
	var sink bytes.Buffer

	s := &Supervisor{
		Sink: &sink,
		Process: func(ctx context.Context, rec *record.ChangeRecord) ([]json.RawMessage, error) {
			return []json.RawMessage{
				json.RawMessage(`{"n":1}`),
				json.RawMessage(`{"n":2}`),
			}, nil
		},
	}

	require.NoError(t, s.consume(context.Background(), strings.NewReader(sampleLine+"\n")))
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", sink.String())
}

func TestRunOnce_NoReaderCmdConfigured(t *testing.T) {
	s := &Supervisor{}
	err := s.runOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reader command configured")
}
