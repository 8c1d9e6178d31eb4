package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/models"
)

func TestSettingsRepoRoundtrip(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t).DB())
	ctx := context.Background()

	value, err := repo.Get(ctx, models.SettingGitURL)
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, repo.Set(ctx, models.SettingGitURL, "https://github.com/example/UN1CA.git"))
	value, err = repo.Get(ctx, models.SettingGitURL)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/example/UN1CA.git", value)

	// upsert overwrites in place
	require.NoError(t, repo.Set(ctx, models.SettingGitURL, "ssh://git@example.com/UN1CA.git"))
	value, err = repo.Get(ctx, models.SettingGitURL)
	require.NoError(t, err)
	assert.Equal(t, "ssh://git@example.com/UN1CA.git", value)
}

func TestSettingsRepoDelete(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t).DB())
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, models.SettingGitToken, "secret"))
	require.NoError(t, repo.Delete(ctx, models.SettingGitToken))

	value, err := repo.Get(ctx, models.SettingGitToken)
	require.NoError(t, err)
	assert.Empty(t, value)

	// deleting a missing key is not an error
	require.NoError(t, repo.Delete(ctx, models.SettingGitToken))
}

func TestSettingsRepoEmptyValueDistinctFromMissing(t *testing.T) {
	store := newTestDB(t)
	repo := NewSettingsRepository(store.DB())
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, models.SettingGitUsername, ""))
	value, err := repo.Get(ctx, models.SettingGitUsername)
	require.NoError(t, err)
	assert.Empty(t, value)

	var count int
	require.NoError(t, store.DB().GetContext(ctx, &count,
		"SELECT COUNT(*) FROM app_settings WHERE key = ?", models.SettingGitUsername))
	assert.Equal(t, 1, count)
}
