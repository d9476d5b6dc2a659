package tempid

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "tempid.db"), zap.NewNop())
	require.NoError(t, err)
	localStore, err := store.New(store.Config{Database: db})
	require.NoError(t, err)
	service, err := NewService(Config{
		Store: localStore,
		Clock: func() time.Time { return time.UnixMilli(1700000000123) },
	})
	require.NoError(t, err)
	return service
}

func TestGenerateFormat(t *testing.T) {
	service := newTestService(t)
	id := service.Generate("DTE")
	assert.Regexp(t, regexp.MustCompile(`^temp_dte_1700000000123_[0-9a-f]{12}$`), id)
	assert.True(t, IsTemp(id))
	assert.NotEqual(t, id, service.Generate("dte"))
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp("temp_visual_1_abc"))
	assert.True(t, IsTemp(NewImageID()))
	assert.False(t, IsTemp("501"))
	assert.False(t, IsTemp("template_1"))
}

func TestGenerateUniqueUnderConcurrency(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	seen := sync.Map{}
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := 0; index < 250; index++ {
				id := Generate("visual", now)
				_, duplicate := seen.LoadOrStore(id, struct{}{})
				assert.False(t, duplicate, "duplicate id %s", id)
			}
		}()
	}
	wg.Wait()
}

func TestRealIDResolutionIsStable(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	tempID := service.Generate("visual")

	resolved, err := service.Resolve(ctx, tempID)
	require.NoError(t, err)
	assert.Equal(t, tempID, resolved)

	require.NoError(t, service.Record(ctx, tempID, "501", "visual"))
	require.NoError(t, service.Record(ctx, tempID, "501", "visual"))

	err = service.Record(ctx, tempID, "777", "visual")
	assert.True(t, errors.Is(err, ErrMappingConflict))

	for attempt := 0; attempt < 5; attempt++ {
		realID, found, err := service.RealID(ctx, tempID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "501", realID)
	}

	back, found, err := service.TempID(ctx, "501")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, tempID, back)

	resolved, err = service.Resolve(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, "501", resolved)
}
