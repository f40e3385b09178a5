package agent

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/db"
	"searchsync/shard"
	"searchsync/test/infra"
)

func newAgent(t *testing.T, name string, state State, exp time.Time) Agent {
	t.Helper()
	return Agent{
		ID:         uuid.Must(uuid.NewV7()),
		Type:       TypeDynamicSharding,
		Name:       name,
		State:      state,
		Expiration: exp,
	}
}

func TestRepository_CreateFindUpdateDelete(t *testing.T) {
	ctx := context.Background()
	handle, dialect, schema := infra.OpenSQLite(t)
	repo := NewRepository(dialect, schema)

	exp := time.Date(2030, 1, 2, 3, 4, 5, 600000, time.UTC)
	a := newAgent(t, "node-a", StateSuspended, exp)

	require.NoError(t, db.InTx(ctx, handle, 0, func(tx *sql.Tx) error {
		return repo.Create(ctx, tx, a)
	}))

	got, err := repo.Find(ctx, handle, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, TypeDynamicSharding, got.Type)
	assert.Equal(t, "node-a", got.Name)
	assert.Equal(t, StateSuspended, got.State)
	assert.True(t, exp.Equal(got.Expiration))
	assert.Nil(t, got.Shard)
	assert.Empty(t, got.ClusterMembers)

	got.State = StateWaiting
	got.Shard = &shard.Assignment{TotalShardCount: 3, AssignedShardIndex: 1}
	got.ClusterMembers = []string{"x", got.ID.String(), ""}
	got.Expiration = exp.Add(time.Minute)
	require.NoError(t, repo.Update(ctx, handle, got))

	again, err := repo.Find(ctx, handle, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, again.State)
	require.NotNil(t, again.Shard)
	assert.Equal(t, shard.Assignment{TotalShardCount: 3, AssignedShardIndex: 1}, *again.Shard)
	assert.Equal(t, []string{"x", a.ID.String(), ""}, again.ClusterMembers)
	assert.True(t, exp.Add(time.Minute).Equal(again.Expiration))
	assert.True(t, again.HasAssignment(shard.Assignment{TotalShardCount: 3, AssignedShardIndex: 1}))

	require.NoError(t, repo.Delete(ctx, handle, a.ID))
	_, err = repo.Find(ctx, handle, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.Update(ctx, handle, again)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_FindAllOrderByID(t *testing.T) {
	ctx := context.Background()
	handle, dialect, schema := infra.OpenSQLite(t)
	repo := NewRepository(dialect, schema)

	exp := time.Now().Add(time.Hour)
	first := newAgent(t, "first", StateRunning, exp)
	second := newAgent(t, "second", StateWaiting, exp)
	third := newAgent(t, "third", StateSuspended, exp)

	// Insert out of order; ids are time-ordered.
	for _, a := range []Agent{third, first, second} {
		require.NoError(t, repo.Create(ctx, handle, a))
	}

	all, err := repo.FindAllOrderByID(ctx, handle)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{all[0].Name, all[1].Name, all[2].Name})

	require.NoError(t, repo.Delete(ctx, handle, first.ID, third.ID))
	all, err = repo.FindAllOrderByID(ctx, handle)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second.ID, all[0].ID)

	require.NoError(t, repo.Delete(ctx, handle))
}

func TestRepository_CreateRejectsNilID(t *testing.T) {
	handle, dialect, schema := infra.OpenSQLite(t)
	repo := NewRepository(dialect, schema)
	err := repo.Create(context.Background(), handle, Agent{Name: "x"})
	assert.Error(t, err)
}

func TestAgent_IsExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, Agent{Expiration: now.Add(-time.Second)}.IsExpired(now))
	assert.False(t, Agent{Expiration: now}.IsExpired(now))
	assert.False(t, Agent{Expiration: now.Add(time.Second)}.IsExpired(now))
}

func TestType_IsEventProcessor(t *testing.T) {
	assert.True(t, TypeDynamicSharding.IsEventProcessor())
	assert.True(t, TypeStaticSharding.IsEventProcessor())
	assert.False(t, TypeMassIndexing.IsEventProcessor())
}
