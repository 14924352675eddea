package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autowebiq/backend/internal/auth"
	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/models"
)

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_BACKEND", "sqlite")
	t.Setenv("DATABASE_SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("BUILDS_QUEUE", "pool")
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAccountLifecycle(t *testing.T) {
	sqliteEnv(t)
	id := uuid.NewString()

	out, err := execute(t, "account", "open", id)
	require.NoError(t, err, out)
	var acc models.Account
	require.NoError(t, json.Unmarshal([]byte(out), &acc))
	assert.Equal(t, int64(20), acc.Balance)

	out, err = execute(t, "purchase", id, "--package", "pkg_100", "--ref", "pay_1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "credited 100, balance 120")

	out, err = execute(t, "balance", id)
	require.NoError(t, err)
	assert.Equal(t, "120\n", out)

	out, err = execute(t, "history", id)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "purchase")
	assert.Contains(t, lines[1], "bonus")

	out, err = execute(t, "summary", id)
	require.NoError(t, err)
	var sum billing.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, int64(100), sum.TotalPurchased)
	assert.Equal(t, int64(20), sum.TotalBonus)

	out, err = execute(t, "verify", id)
	require.NoError(t, err, out)
	assert.True(t, strings.HasPrefix(out, "ok"), out)
}

func TestPurchaseUnknownPackage(t *testing.T) {
	sqliteEnv(t)
	id := uuid.NewString()
	_, err := execute(t, "account", "open", id)
	require.NoError(t, err)

	_, err = execute(t, "purchase", id, "--package", "pkg_999")
	assert.ErrorIs(t, err, billing.ErrUnknownPackage)
}

func TestVerifyUnknownAccount(t *testing.T) {
	sqliteEnv(t)
	_, err := execute(t, "verify", uuid.NewString())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, errLedgerMismatch))
}

func TestEstimate(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "estimate", "--stage", "frontend:gpt-4o")
	require.NoError(t, err, out)
	var est models.Estimate
	require.NoError(t, json.Unmarshal([]byte(out), &est))
	assert.Equal(t, int64(12), est.Total)

	_, err = execute(t, "estimate", "--stage", "frontend")
	assert.Error(t, err)
	_, err = execute(t, "estimate", "--stage", "poet:gpt-4o")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	sqliteEnv(t)
	id := uuid.New()
	out, err := execute(t, "token", id.String())
	require.NoError(t, err)

	tokens, err := auth.NewTokens("cli-secret", "autowebiq", 0)
	require.NoError(t, err)
	got, err := tokens.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestMemoryBackendIsRejected(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("DATABASE_BACKEND", "memory")
	_, err := execute(t, "balance", uuid.NewString())
	assert.ErrorContains(t, err, "keeps no state")
}
