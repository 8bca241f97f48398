package rbac

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCachedService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(nil, client)
}

func TestPermissionCacheRoundTrip(t *testing.T) {
	svc := newCachedService(t)
	ctx := context.Background()

	_, ok := svc.cachedPermissions(ctx, 1)
	require.False(t, ok)

	svc.storePermissions(ctx, 1, []string{PermCreateSale, PermViewSales})
	perms, ok := svc.cachedPermissions(ctx, 1)
	require.True(t, ok)
	require.Equal(t, []string{PermCreateSale, PermViewSales}, perms)
}

func TestPermissionCacheEmptySetIsCached(t *testing.T) {
	svc := newCachedService(t)
	ctx := context.Background()

	svc.storePermissions(ctx, 2, nil)
	perms, ok := svc.cachedPermissions(ctx, 2)
	require.True(t, ok)
	require.Empty(t, perms)
}

func TestPermissionCacheInvalidation(t *testing.T) {
	svc := newCachedService(t)
	ctx := context.Background()

	svc.storePermissions(ctx, 3, []string{PermViewCatalog})
	svc.storePermissions(ctx, 4, []string{PermViewCatalog})

	svc.invalidateUser(ctx, 3)
	_, ok := svc.cachedPermissions(ctx, 3)
	require.False(t, ok)
	_, ok = svc.cachedPermissions(ctx, 4)
	require.True(t, ok)

	svc.invalidateAll(ctx)
	_, ok = svc.cachedPermissions(ctx, 4)
	require.False(t, ok)
}
