package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/store"
)

func TestResolve(t *testing.T) {
	ms := store.NewMemStore()
	active := ms.ProjectAdd(model.Project{Credential: "secret123", Active: true})
	ms.ProjectAdd(model.Project{Credential: "disabled", Active: false})
	registry := NewRegistry(ms)
	ctx := context.Background()

	project, err := registry.Resolve(ctx, "secret123")
	require.NoError(t, err)
	require.Equal(t, active.ID, project.ID)

	// неактивный проект возвращается: 401 и 403 различает вызывающий
	project, err = registry.Resolve(ctx, "disabled")
	require.NoError(t, err)
	require.False(t, project.Active)

	_, err = registry.Resolve(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnknownCredential)

	_, err = registry.Resolve(ctx, "")
	require.ErrorIs(t, err, ErrUnknownCredential)
}
