package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LoadLocation reads the current state of a location with every relation the
// search document depends on. All reads run in one read-only transaction so
// the snapshot reflects a single committed state. It returns nil, nil when
// the location does not exist.
func (d *DB) LoadLocation(ctx context.Context, id int64) (*Location, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	loc, err := loadLocationRow(ctx, tx, id)
	if err != nil || loc == nil {
		return nil, err
	}

	if loc.Address, err = loadAddress(ctx, tx, id); err != nil {
		return nil, fmt.Errorf("load address: %w", err)
	}
	if loc.Services, err = loadServices(ctx, tx, id); err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	if loc.Tags, err = loadTags(ctx, tx, id); err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}

	return loc, nil
}

func loadLocationRow(ctx context.Context, q querier, id int64) (*Location, error) {
	query := `
	SELECT l.id, l.organization_id, l.name, l.description, l.covid19,
	       l.featured_at, l.created_at, l.updated_at, o.id, o.name
	FROM locations l
	LEFT JOIN organizations o ON o.id = l.organization_id
	WHERE l.id = ?
	`

	var (
		loc         Location
		orgID       sql.NullInt64
		name        sql.NullString
		description sql.NullString
		featuredAt  sql.NullTime
		joinedOrgID sql.NullInt64
		orgName     sql.NullString
	)

	err := q.QueryRowContext(ctx, query, id).Scan(
		&loc.ID, &orgID, &name, &description, &loc.Covid19,
		&featuredAt, &loc.CreatedAt, &loc.UpdatedAt, &joinedOrgID, &orgName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load location %d: %w", id, err)
	}

	if orgID.Valid {
		loc.OrganizationID = &orgID.Int64
	}
	if joinedOrgID.Valid {
		loc.Organization = &Organization{ID: joinedOrgID.Int64, Name: orgName.String}
	}
	if name.Valid {
		loc.Name = &name.String
	}
	if description.Valid {
		loc.Description = &description.String
	}
	if featuredAt.Valid {
		t := featuredAt.Time.UTC()
		loc.FeaturedAt = &t
	}
	loc.CreatedAt = loc.CreatedAt.UTC()
	loc.UpdatedAt = loc.UpdatedAt.UTC()

	return &loc, nil
}

func loadAddress(ctx context.Context, q querier, locationID int64) (*Address, error) {
	var (
		addr       Address
		postalCode sql.NullString
	)

	err := q.QueryRowContext(ctx,
		"SELECT id, postal_code FROM addresses WHERE location_id = ?", locationID,
	).Scan(&addr.ID, &postalCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if postalCode.Valid {
		addr.PostalCode = &postalCode.String
	}
	return &addr, nil
}

func loadServices(ctx context.Context, q querier, locationID int64) ([]Service, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, name, keywords FROM services WHERE location_id = ? ORDER BY id", locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []Service
	byID := make(map[int64]int)
	for rows.Next() {
		var (
			svc      Service
			keywords sql.NullString
		)
		if err := rows.Scan(&svc.ID, &svc.Name, &keywords); err != nil {
			return nil, err
		}
		if keywords.Valid && keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &svc.Keywords); err != nil {
				return nil, fmt.Errorf("decode keywords of service %d: %w", svc.ID, err)
			}
		}
		byID[svc.ID] = len(services)
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(services) == 0 {
		return nil, nil
	}

	catRows, err := q.QueryContext(ctx, `
	SELECT cs.service_id, c.id, c.name
	FROM categories_services cs
	JOIN categories c ON c.id = cs.category_id
	JOIN services s ON s.id = cs.service_id
	WHERE s.location_id = ?
	ORDER BY cs.service_id, c.id
	`, locationID)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	defer catRows.Close()

	for catRows.Next() {
		var (
			serviceID int64
			cat       Category
		)
		if err := catRows.Scan(&serviceID, &cat.ID, &cat.Name); err != nil {
			return nil, err
		}
		if i, ok := byID[serviceID]; ok {
			services[i].Categories = append(services[i].Categories, cat)
		}
	}
	if err := catRows.Err(); err != nil {
		return nil, err
	}

	tagRows, err := q.QueryContext(ctx, `
	SELECT st.service_id, t.id, t.name
	FROM service_taggings st
	JOIN tags t ON t.id = st.tag_id
	JOIN services s ON s.id = st.service_id
	WHERE s.location_id = ?
	ORDER BY st.service_id, st.position, t.id
	`, locationID)
	if err != nil {
		return nil, fmt.Errorf("load service tags: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var (
			serviceID int64
			tag       Tag
		)
		if err := tagRows.Scan(&serviceID, &tag.ID, &tag.Name); err != nil {
			return nil, err
		}
		if i, ok := byID[serviceID]; ok {
			services[i].Tags = append(services[i].Tags, tag)
		}
	}

	return services, tagRows.Err()
}

func loadTags(ctx context.Context, q querier, locationID int64) ([]Tag, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT t.id, t.name
	FROM taggings tg
	JOIN tags t ON t.id = tg.tag_id
	WHERE tg.location_id = ?
	ORDER BY tg.position, t.id
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}

	return tags, rows.Err()
}
