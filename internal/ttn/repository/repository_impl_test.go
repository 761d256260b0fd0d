package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Connection{}))
	return db
}

func strptr(v string) *string { return &v }

func TestUpsertConvergesOnOneRowPerOrg(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := &domain.Connection{
		ID:                       1,
		OrgID:                    42,
		Region:                   "nam1",
		ApplicationID:            strptr("cold-app"),
		APIKeyEncrypted:          strptr("b64:one"),
		APIKeyLast4:              strptr("ONE1"),
		ProvisioningStatus:       domain.StatusPending,
		ProvisioningAttemptCount: 1,
		CreatedAt:                created,
		UpdatedAt:                created,
	}
	require.NoError(t, r.Upsert(ctx, db, first))

	second := *first
	second.ID = 2
	second.APIKeyEncrypted = strptr("b64:two")
	second.APIKeyLast4 = strptr("TWO2")
	second.ProvisioningAttemptCount = 2
	second.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, r.Upsert(ctx, db, &second))

	var count int64
	require.NoError(t, db.Model(&domain.Connection{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	conn, err := r.FindByOrg(ctx, db, 42)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, int64(1), conn.ID)
	assert.Equal(t, "b64:two", *conn.APIKeyEncrypted)
	assert.Equal(t, 2, conn.ProvisioningAttemptCount)
	assert.True(t, conn.CreatedAt.Equal(created))
}
