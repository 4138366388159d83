package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scripthost/internal/tenant"
)

func TestNewFromDSNRejects(t *testing.T) {
	_, err := NewFromDSN("")
	assert.Error(t, err, "empty DSN")
	_, err = NewFromDSN("redis://localhost")
	assert.ErrorContains(t, err, "unsupported store DSN")
}

func TestNewFromDSNMemory(t *testing.T) {
	s, err := NewFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &tenant.Memory{}, s)
}

func TestNewFromDSNSQLite(t *testing.T) {
	for _, dsn := range []string{
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
	} {
		s, err := NewFromDSN(dsn)
		require.NoError(t, err, dsn)
		ctx := context.Background()
		require.NoError(t, s.EnsureSchema(ctx))
		require.NoError(t, s.Update(ctx, "1", tenant.Patch{Plan: tenant.Ptr("basic")}))

		rec, err := s.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "basic", rec.Plan)

		_, err = s.Get(ctx, "2")
		assert.ErrorIs(t, err, tenant.ErrNotFound)
		assert.NoError(t, s.Close())
	}
}
