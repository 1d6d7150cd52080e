package hrflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateLocationPaths(t *testing.T) {
	svc := newTestService(t)

	root := seedLocation(t, svc, "HQ", nil)
	require.Equal(t, fmt.Sprintf("%d", root.ID), root.Path)
	require.Equal(t, 0, root.Level)

	region := seedLocation(t, svc, "Region", &root.ID)
	require.Equal(t, fmt.Sprintf("%d.%d", root.ID, region.ID), region.Path)
	require.Equal(t, 1, region.Level)

	site := seedLocation(t, svc, "Site", &region.ID)
	require.Equal(t, fmt.Sprintf("%d.%d.%d", root.ID, region.ID, site.ID), site.Path)
	require.Equal(t, 2, site.Level)

	ancestors, err := svc.AncestorIDs(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, []uint{root.ID, region.ID}, ancestors)

	descendants, err := svc.DescendantIDs(context.Background(), root.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{region.ID, site.ID}, descendants)
}

func TestMoveLocationRewritesSubtree(t *testing.T) {
	svc := newTestService(t)

	root := seedLocation(t, svc, "HQ", nil)
	regionA := seedLocation(t, svc, "RegionA", &root.ID)
	regionB := seedLocation(t, svc, "RegionB", &root.ID)
	site := seedLocation(t, svc, "Site", &regionA.ID)
	desk := seedLocation(t, svc, "Desk", &site.ID)

	require.NoError(t, svc.MoveLocation(context.Background(), site.ID, &regionB.ID, adminID))

	moved, err := svc.GetLocation(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d.%d.%d", root.ID, regionB.ID, site.ID), moved.Path)
	require.Equal(t, 2, moved.Level)

	child, err := svc.GetLocation(context.Background(), desk.ID)
	require.NoError(t, err)
	require.Equal(t, moved.Path+fmt.Sprintf(".%d", desk.ID), child.Path)
	require.Equal(t, 3, child.Level)

	left, err := svc.DescendantIDs(context.Background(), regionA.ID)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestMoveLocationToRoot(t *testing.T) {
	svc := newTestService(t)

	root := seedLocation(t, svc, "HQ", nil)
	region := seedLocation(t, svc, "Region", &root.ID)
	site := seedLocation(t, svc, "Site", &region.ID)

	require.NoError(t, svc.MoveLocation(context.Background(), region.ID, nil, adminID))

	moved, err := svc.GetLocation(context.Background(), region.ID)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d", region.ID), moved.Path)
	require.Equal(t, 0, moved.Level)

	child, err := svc.GetLocation(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d.%d", region.ID, site.ID), child.Path)
	require.Equal(t, 1, child.Level)
}

func TestMoveLocationRejectsCycle(t *testing.T) {
	svc := newTestService(t)

	root := seedLocation(t, svc, "HQ", nil)
	region := seedLocation(t, svc, "Region", &root.ID)
	site := seedLocation(t, svc, "Site", &region.ID)

	err := svc.MoveLocation(context.Background(), region.ID, &site.ID, adminID)
	require.ErrorIs(t, err, ErrInvalidInput)

	err = svc.MoveLocation(context.Background(), region.ID, &region.ID, adminID)
	require.ErrorIs(t, err, ErrInvalidInput)

	// Nothing moved.
	unchanged, err := svc.GetLocation(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d.%d.%d", root.ID, region.ID, site.ID), unchanged.Path)
}

func TestDeleteLocationLeafOnly(t *testing.T) {
	svc := newTestService(t)

	root := seedLocation(t, svc, "HQ", nil)
	site := seedLocation(t, svc, "Site", &root.ID)

	err := svc.DeleteLocation(context.Background(), root.ID, adminID)
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, svc.DeleteLocation(context.Background(), site.ID, adminID))
	_, err = svc.GetLocation(context.Background(), site.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.DeleteLocation(context.Background(), root.ID, adminID))
}
