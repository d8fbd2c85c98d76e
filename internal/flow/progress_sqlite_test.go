package flow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteProgressStore_RecordOverwriteClear(t *testing.T) {
	store, err := NewSQLiteProgressStore(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	// No marker yet
	step, err := store.LastStep(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, step)

	require.NoError(t, store.Record(ctx, "flow-1", FlowCloseBid, 42, StepUpdateShipment))
	step, err = store.LastStep(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, StepUpdateShipment, step)

	// A later step overwrites the marker
	require.NoError(t, store.Record(ctx, "flow-1", FlowCloseBid, 42, StepRejectSiblingOffers))
	step, err = store.LastStep(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, StepRejectSiblingOffers, step)

	// Markers are independent per flow
	require.NoError(t, store.Record(ctx, "flow-2", FlowCloseBid, 7, StepUpdateShipment))
	step, err = store.LastStep(ctx, "flow-2")
	require.NoError(t, err)
	assert.Equal(t, StepUpdateShipment, step)

	require.NoError(t, store.Clear(ctx, "flow-1"))
	step, err = store.LastStep(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, step)

	step, err = store.LastStep(ctx, "flow-2")
	require.NoError(t, err)
	assert.Equal(t, StepUpdateShipment, step)
}

func TestSQLiteProgressStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	ctx := context.Background()

	store, err := NewSQLiteProgressStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, "flow-9", FlowCloseBid, 1, StepMarkOfferAccepted))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteProgressStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	step, err := reopened.LastStep(ctx, "flow-9")
	require.NoError(t, err)
	assert.Equal(t, StepMarkOfferAccepted, step)
}
