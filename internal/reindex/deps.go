package reindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/renderinc/locsearch/internal/storage"
)

// ErrUnknownKind is returned by Notify for a change kind without a
// dependency rule
var ErrUnknownKind = errors.New("unknown change kind")

// Kind names the entity type a Change refers to
type Kind string

const (
	KindLocation     Kind = "location"
	KindOrganization Kind = "organization"
	KindAddress      Kind = "address"
	KindService      Kind = "service"
	KindCategory     Kind = "category"
	KindSchedule     Kind = "schedule"
	KindTag          Kind = "tag"
)

// ParseKind converts a kind name into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := dependents[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Change reports that an entity was created, updated or deleted.
//
// Owners lists locations the entity belonged to before the change. The
// dependency lookups read current rows, so a deleted service or tag no
// longer resolves to its location; callers that delete pass the former
// owners here.
type Change struct {
	Kind   Kind
	ID     int64
	Owners []int64
}

// Source provides location snapshots and the reverse lookups from related
// entities to the locations that embed them
type Source interface {
	LoadLocation(ctx context.Context, id int64) (*storage.Location, error)
	LocationIDs(ctx context.Context) ([]int64, error)
	LocationIDsByOrganization(ctx context.Context, id int64) ([]int64, error)
	LocationIDsByAddress(ctx context.Context, id int64) ([]int64, error)
	LocationIDsByService(ctx context.Context, id int64) ([]int64, error)
	LocationIDsByCategory(ctx context.Context, id int64) ([]int64, error)
	LocationIDsBySchedule(ctx context.Context, id int64) ([]int64, error)
	LocationIDsByTag(ctx context.Context, id int64) ([]int64, error)
}

var _ Source = (*storage.DB)(nil)

type resolver func(ctx context.Context, src Source, id int64) ([]int64, error)

// dependents maps each entity kind to the locations whose documents embed
// its data
var dependents = map[Kind]resolver{
	KindLocation: func(_ context.Context, _ Source, id int64) ([]int64, error) {
		return []int64{id}, nil
	},
	KindOrganization: func(ctx context.Context, src Source, id int64) ([]int64, error) {
		return src.LocationIDsByOrganization(ctx, id)
	},
	KindAddress: func(ctx context.Context, src Source, id int64) ([]int64, error) {
		return src.LocationIDsByAddress(ctx, id)
	},
	KindService: func(ctx context.Context, src Source, id int64) ([]int64, error) {
		return src.LocationIDsByService(ctx, id)
	},
	KindCategory: func(ctx context.Context, src Source, id int64) ([]int64, error) {
		return src.LocationIDsByCategory(ctx, id)
	},
	KindSchedule: func(ctx context.Context, src Source, id int64) ([]int64, error) {
		return src.LocationIDsBySchedule(ctx, id)
	},
	KindTag: func(ctx context.Context, src Source, id int64) ([]int64, error) {
		return src.LocationIDsByTag(ctx, id)
	},
}

// Dependents returns the distinct locations affected by c, including its
// Owners, in first-seen order
func Dependents(ctx context.Context, src Source, c Change) ([]int64, error) {
	resolve, ok := dependents[c.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}

	ids, err := resolve(ctx, src, c.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s %d: %w", c.Kind, c.ID, err)
	}

	seen := make(map[int64]struct{}, len(ids)+len(c.Owners))
	out := make([]int64, 0, len(ids)+len(c.Owners))
	for _, id := range append(ids, c.Owners...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
