package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

type fakeCorpusStore struct {
	calls     int
	failTimes int
	rows      []ResultArtifact
	total     int
}

func (f *fakeCorpusStore) Query(ctx context.Context, spec QuerySpec) ([]ResultArtifact, int, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return nil, 0, core.ErrStageTimeout
	}
	return f.rows, f.total, nil
}

func TestDispatcher_QuerySuccessReturnsRowsAndTotal(t *testing.T) {
	d := New(nil, core.NoOpLogger{})
	store := &fakeCorpusStore{
		rows:  []ResultArtifact{{ID: "1", Title: "decision one"}},
		total: 1,
	}

	rows, total, err := d.Query(context.Background(), store, QuerySpec{TemplateID: "by_topic"}, 1000, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, rows, 1)
	assert.Equal(t, "decision one", rows[0].Title)
}

func TestDispatcher_QueryRetriesOnTransientThenSucceeds(t *testing.T) {
	d := New(nil, core.NoOpLogger{})
	store := &fakeCorpusStore{failTimes: 2, rows: []ResultArtifact{{ID: "1"}}, total: 1}

	rows, total, err := d.Query(context.Background(), store, QuerySpec{}, 1000, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, total)
	assert.Len(t, rows, 1)
}

func TestDispatcher_QueryExhaustsRetriesSurfacesStageError(t *testing.T) {
	d := New(nil, core.NoOpLogger{})
	store := &fakeCorpusStore{failTimes: 100}

	_, _, err := d.Query(context.Background(), store, QuerySpec{}, 1000, 1, 1)
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, core.StageSQLExec, stageErr.Stage)
}

func TestStubCorpusStore_AlwaysReturnsEmpty(t *testing.T) {
	var s StubCorpusStore
	rows, total, err := s.Query(context.Background(), QuerySpec{SQL: "select 1"})
	require.NoError(t, err)
	assert.Nil(t, rows)
	assert.Equal(t, 0, total)
}
