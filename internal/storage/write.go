package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Writes in this file exist for fixture imports and tests. They only persist
// rows; callers are responsible for notifying the reindexer afterwards.

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveOrganization inserts or updates an organization. A zero ID is assigned
// by the database.
func (d *DB) SaveOrganization(ctx context.Context, org *Organization) error {
	return upsertNamed(ctx, d.db, "organizations", &org.ID, org.Name)
}

// SaveCategory inserts or updates a category
func (d *DB) SaveCategory(ctx context.Context, cat *Category) error {
	return upsertNamed(ctx, d.db, "categories", &cat.ID, cat.Name)
}

// SaveTag inserts or updates a tag
func (d *DB) SaveTag(ctx context.Context, tag *Tag) error {
	return upsertNamed(ctx, d.db, "tags", &tag.ID, tag.Name)
}

// SaveLocation inserts or updates a location together with its organization,
// address, services (with categories and schedules) and tags. Relations not
// present on loc are removed.
func (d *DB) SaveLocation(ctx context.Context, loc *Location) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if loc.Organization != nil {
		if err := upsertNamed(ctx, tx, "organizations", &loc.Organization.ID, loc.Organization.Name); err != nil {
			return fmt.Errorf("save organization: %w", err)
		}
		loc.OrganizationID = &loc.Organization.ID
	}

	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = loc.CreatedAt
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO locations (
		id, organization_id, name, description, covid19, featured_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		organization_id = excluded.organization_id,
		name = excluded.name,
		description = excluded.description,
		covid19 = excluded.covid19,
		featured_at = excluded.featured_at,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`,
		nullableID(loc.ID), loc.OrganizationID, loc.Name, loc.Description, loc.Covid19,
		utcPtr(loc.FeaturedAt), loc.CreatedAt.UTC(), loc.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	if loc.ID == 0 {
		if loc.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("location id: %w", err)
		}
	}

	if err := saveAddress(ctx, tx, loc); err != nil {
		return fmt.Errorf("save address: %w", err)
	}
	if err := saveServices(ctx, tx, loc); err != nil {
		return fmt.Errorf("save services: %w", err)
	}
	if err := saveTaggings(ctx, tx, loc); err != nil {
		return fmt.Errorf("save tags: %w", err)
	}

	return tx.Commit()
}

// SetServiceCategories replaces the category membership of a service
func (d *DB) SetServiceCategories(ctx context.Context, serviceID int64, categoryIDs []int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM categories_services WHERE service_id = ?", serviceID); err != nil {
		return fmt.Errorf("clear categories: %w", err)
	}
	for _, id := range categoryIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO categories_services (category_id, service_id) VALUES (?, ?)", id, serviceID,
		); err != nil {
			return fmt.Errorf("link category %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// DeleteLocation removes a location and its dependent rows
func (d *DB) DeleteLocation(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM locations WHERE id = ?", id)
	return err
}

// DeleteService removes a service and returns the location that offered it,
// or 0 if the service did not exist.
func (d *DB) DeleteService(ctx context.Context, id int64) (int64, error) {
	var locationID int64
	err := d.db.QueryRowContext(ctx, "SELECT location_id FROM services WHERE id = ?", id).Scan(&locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if _, err := d.db.ExecContext(ctx, "DELETE FROM services WHERE id = ?", id); err != nil {
		return 0, err
	}
	return locationID, nil
}

// ImportFile loads a JSON array of locations and saves each of them. It
// returns the ids of the saved locations.
func (d *DB) ImportFile(ctx context.Context, path string) ([]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var locations []*Location
	if err := json.Unmarshal(data, &locations); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}

	ids := make([]int64, 0, len(locations))
	for _, loc := range locations {
		if err := d.SaveLocation(ctx, loc); err != nil {
			return ids, fmt.Errorf("save location %d: %w", loc.ID, err)
		}
		ids = append(ids, loc.ID)
	}

	return ids, nil
}

func saveAddress(ctx context.Context, tx execer, loc *Location) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM addresses WHERE location_id = ?", loc.ID); err != nil {
		return err
	}
	if loc.Address == nil {
		return nil
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO addresses (id, location_id, postal_code) VALUES (?, ?, ?)",
		nullableID(loc.Address.ID), loc.ID, loc.Address.PostalCode,
	)
	if err != nil {
		return err
	}
	return assignID(res, &loc.Address.ID)
}

func saveServices(ctx context.Context, tx execer, loc *Location) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM services WHERE location_id = ?", loc.ID); err != nil {
		return err
	}

	for i := range loc.Services {
		svc := &loc.Services[i]

		var keywords any
		if len(svc.Keywords) > 0 {
			encoded, err := json.Marshal(svc.Keywords)
			if err != nil {
				return fmt.Errorf("encode keywords: %w", err)
			}
			keywords = string(encoded)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO services (id, location_id, name, keywords) VALUES (?, ?, ?, ?)",
			nullableID(svc.ID), loc.ID, svc.Name, keywords,
		)
		if err != nil {
			return fmt.Errorf("insert service %q: %w", svc.Name, err)
		}
		if err := assignID(res, &svc.ID); err != nil {
			return err
		}

		for j := range svc.Categories {
			cat := &svc.Categories[j]
			if err := upsertNamed(ctx, tx, "categories", &cat.ID, cat.Name); err != nil {
				return fmt.Errorf("save category: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO categories_services (category_id, service_id) VALUES (?, ?)", cat.ID, svc.ID,
			); err != nil {
				return fmt.Errorf("link category: %w", err)
			}
		}

		for j := range svc.Tags {
			tag := &svc.Tags[j]
			if err := upsertNamed(ctx, tx, "tags", &tag.ID, tag.Name); err != nil {
				return fmt.Errorf("save service tag: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO service_taggings (tag_id, service_id, position) VALUES (?, ?, ?)", tag.ID, svc.ID, j,
			); err != nil {
				return fmt.Errorf("link service tag: %w", err)
			}
		}

		for j := range svc.Schedules {
			sched := &svc.Schedules[j]
			res, err := tx.ExecContext(ctx,
				"INSERT INTO regular_schedules (id, service_id, weekday, opens_at, closes_at) VALUES (?, ?, ?, ?, ?)",
				nullableID(sched.ID), svc.ID, sched.Weekday, sched.OpensAt, sched.ClosesAt,
			)
			if err != nil {
				return fmt.Errorf("insert schedule: %w", err)
			}
			if err := assignID(res, &sched.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

func saveTaggings(ctx context.Context, tx execer, loc *Location) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM taggings WHERE location_id = ?", loc.ID); err != nil {
		return err
	}

	for i := range loc.Tags {
		tag := &loc.Tags[i]
		if err := upsertNamed(ctx, tx, "tags", &tag.ID, tag.Name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO taggings (tag_id, location_id, position) VALUES (?, ?, ?)", tag.ID, loc.ID, i,
		); err != nil {
			return err
		}
	}

	return nil
}

// upsertNamed writes an (id, name) row. table is always a package constant.
func upsertNamed(ctx context.Context, db execer, table string, id *int64, name string) error {
	res, err := db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
		nullableID(*id), name,
	)
	if err != nil {
		return err
	}
	return assignID(res, id)
}

func assignID(res sql.Result, id *int64) error {
	if *id != 0 {
		return nil
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	*id = newID
	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
