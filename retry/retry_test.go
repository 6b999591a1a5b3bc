package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/safeshell/safesh/errs"
	"github.com/safeshell/safesh/retry"
)

func TestConsumeIsSingleUse(t *testing.T) {
	t.Parallel()

	m := retry.NewManager()
	defer m.Close()

	pr := m.Create("curl https://x", []string{"curl"}, nil, retry.Context{ShellID: "s1"})

	got, err := m.Consume(pr.ID)
	require.NoError(t, err)
	require.Equal(t, pr.ID, got.ID)
	require.Equal(t, []string{"curl"}, got.BlockedCommands)

	_, err = m.Consume(pr.ID)
	require.Error(t, err)

	var asErr *errs.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errs.RetryNotFound, asErr.Kind)
}

func TestConsumeExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	m := retry.NewManager(retry.WithTTL(time.Minute), retry.WithClock(func() time.Time { return clock() }))
	defer m.Close()

	pr := m.Create("echo hi", nil, nil, retry.Context{})

	now = now.Add(2 * time.Minute)

	_, err := m.Consume(pr.ID)
	require.Error(t, err)
}

func TestGrantMergesRunAndExternalAllow(t *testing.T) {
	t.Parallel()

	cfg := retry.Grant([]string{"curl", "git"})
	require.ElementsMatch(t, []string{"curl", "git"}, cfg.Permissions.Run)
	require.True(t, cfg.External["curl"].Allow.All)
	require.True(t, cfg.External["git"].Allow.All)
}

func TestCreateMultiCarriesBlockedAndNotFound(t *testing.T) {
	t.Parallel()

	m := retry.NewManager()
	defer m.Close()

	pr := m.CreateMulti("code", []string{"curl"}, []string{"frobnicate"}, retry.Context{})
	require.Equal(t, []string{"curl"}, pr.BlockedCommands)
	require.Equal(t, []string{"frobnicate"}, pr.NotFoundCommands)
}
