package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/sessions"
	"github.com/jrsteele09/smart-portal/sessions/memory"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(id string) *sessions.SessionData {
	return &sessions.SessionData{
		ID:        id,
		CreatedAt: t0,
		ExpiresAt: t0.Add(time.Hour),
	}
}

func TestInMemory_UpsertGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInMemorySessionRepo(memory.WithClock(func() time.Time { return t0 }))

	s := newSession("s1")
	s.Credentials = &sessions.CredentialSet{AccessToken: "at-1", PatientID: "p1", ExpiresAt: t0.Add(time.Hour)}
	require.NoError(t, repo.Upsert(ctx, s))

	// mutating the caller's value must not leak into the store
	s.Credentials.AccessToken = "mutated"

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "at-1", got.Credentials.AccessToken)

	got.Credentials.AccessToken = "mutated-again"
	again, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "at-1", again.Credentials.AccessToken)
}

func TestInMemory_GetMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	now := t0
	repo := memory.NewInMemorySessionRepo(memory.WithClock(func() time.Time { return now }))

	_, err := repo.Get(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)

	require.NoError(t, repo.Upsert(ctx, newSession("s1")))
	now = t0.Add(2 * time.Hour)
	_, err = repo.Get(ctx, "s1")
	require.ErrorIs(t, err, errs.ErrSessionExpired)

	_, err = repo.Get(ctx, "")
	require.Error(t, err)
}

func TestInMemory_UpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInMemorySessionRepo(memory.WithClock(func() time.Time { return t0 }))
	require.NoError(t, repo.Upsert(ctx, newSession("s1")))

	boom := errors.New("boom")
	err := repo.Update(ctx, "s1", func(s *sessions.SessionData) error {
		s.Authorization = &sessions.AuthorizationState{State: "x"}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got.Authorization)

	require.ErrorIs(t, repo.Update(ctx, "missing", func(*sessions.SessionData) error { return nil }), errs.ErrSessionNotFound)
}

func TestInMemory_ConcurrentUpdatesAreSerialised(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInMemorySessionRepo(memory.WithClock(func() time.Time { return t0 }))
	s := newSession("s1")
	s.Credentials = &sessions.CredentialSet{}
	require.NoError(t, repo.Upsert(ctx, s))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.Update(ctx, "s1", func(s *sessions.SessionData) error {
				s.Credentials.Scope += "x"
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Credentials.Scope, 50)
}

func TestInMemory_DeleteAndSweep(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInMemorySessionRepo(memory.WithClock(func() time.Time { return t0 }))

	require.NoError(t, repo.Upsert(ctx, newSession("s1")))
	old := newSession("s2")
	old.ExpiresAt = t0.Add(-time.Minute)
	require.NoError(t, repo.Upsert(ctx, old))

	removed, err := repo.DeleteExpiredSessions(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	require.NoError(t, repo.Delete(ctx, "s1"))
	require.NoError(t, repo.Delete(ctx, "s1"))
	_, err = repo.Get(ctx, "s1")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}
