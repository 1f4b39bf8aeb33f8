package storage

import "context"

// The lookups below answer "which locations embed data from this row" and
// back the reindexer's dependency table. Rows that no longer exist resolve
// to no locations.

// LocationIDsByOrganization returns the locations owned by an organization
func (d *DB) LocationIDsByOrganization(ctx context.Context, orgID int64) ([]int64, error) {
	return d.queryIDs(ctx, "SELECT id FROM locations WHERE organization_id = ? ORDER BY id", orgID)
}

// LocationIDsByAddress returns the location an address belongs to
func (d *DB) LocationIDsByAddress(ctx context.Context, addressID int64) ([]int64, error) {
	return d.queryIDs(ctx, "SELECT location_id FROM addresses WHERE id = ?", addressID)
}

// LocationIDsByService returns the location offering a service
func (d *DB) LocationIDsByService(ctx context.Context, serviceID int64) ([]int64, error) {
	return d.queryIDs(ctx, "SELECT location_id FROM services WHERE id = ?", serviceID)
}

// LocationIDsByCategory returns the locations with at least one service in a category
func (d *DB) LocationIDsByCategory(ctx context.Context, categoryID int64) ([]int64, error) {
	return d.queryIDs(ctx, `
	SELECT DISTINCT s.location_id
	FROM categories_services cs
	JOIN services s ON s.id = cs.service_id
	WHERE cs.category_id = ?
	ORDER BY s.location_id
	`, categoryID)
}

// LocationIDsBySchedule returns the location of the service a schedule belongs to
func (d *DB) LocationIDsBySchedule(ctx context.Context, scheduleID int64) ([]int64, error) {
	return d.queryIDs(ctx, `
	SELECT s.location_id
	FROM regular_schedules rs
	JOIN services s ON s.id = rs.service_id
	WHERE rs.id = ?
	`, scheduleID)
}

// LocationIDsByTag returns the locations carrying a tag themselves or
// through one of their services
func (d *DB) LocationIDsByTag(ctx context.Context, tagID int64) ([]int64, error) {
	return d.queryIDs(ctx, `
	SELECT location_id FROM taggings WHERE tag_id = ?
	UNION
	SELECT s.location_id
	FROM service_taggings st
	JOIN services s ON s.id = st.service_id
	WHERE st.tag_id = ?
	ORDER BY 1
	`, tagID, tagID)
}
