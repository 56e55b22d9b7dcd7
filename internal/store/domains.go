package store

import (
	"database/sql"
	"fmt"
	"strings"

	"mywebintel/internal/logging"
)

const domainColumns = `id, name, COALESCE(http_status, ''), title, description, keywords, created_at, fetched_at`

func scanDomain(row interface{ Scan(...interface{}) error }) (*Domain, error) {
	d := &Domain{}
	err := row.Scan(
		&d.ID, &d.Name, &d.HTTPStatus, &d.Title, &d.Description,
		&d.Keywords, &d.CreatedAt, &d.FetchedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetOrCreateDomain returns the domain row for a host, creating it if absent.
func (s *Store) GetOrCreateDomain(name string) (*Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`INSERT INTO domain (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name,
	); err != nil {
		return nil, fmt.Errorf("failed to insert domain: %w", err)
	}

	d, err := scanDomain(s.db.QueryRow(
		`SELECT `+domainColumns+` FROM domain WHERE name = ?`, name,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to read domain: %w", err)
	}
	return d, nil
}

// GetDomain returns the domain with the given name, or ErrNotFound.
func (s *Store) GetDomain(name string) (*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := scanDomain(s.db.QueryRow(
		`SELECT `+domainColumns+` FROM domain WHERE name = ?`, name,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get domain: %w", err)
	}
	return d, nil
}

// SaveDomain writes the domain's metadata and lifecycle fields back.
func (s *Store) SaveDomain(d *Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE domain SET http_status = NULLIF(?, ''), title = ?,
			description = ?, keywords = ?, fetched_at = ?
		 WHERE id = ?`,
		d.HTTPStatus, d.Title, d.Description, d.Keywords, d.FetchedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save domain %d: %w", d.ID, err)
	}
	return nil
}

// DomainsToCrawl selects domains awaiting enrichment. With an empty filter
// only never-fetched domains qualify; a filter re-selects by recorded status.
func (s *Store) DomainsToCrawl(httpFilter string, limit int) ([]*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + domainColumns + ` FROM domain`)
	args := []interface{}{}

	if httpFilter != "" {
		sb.WriteString(` WHERE http_status = ?`)
		args = append(args, httpFilter)
	} else {
		sb.WriteString(` WHERE fetched_at IS NULL`)
	}
	sb.WriteString(` ORDER BY id`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	var out []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RekeyExpressionDomain points an expression at a different domain row.
// Used by the heuristics rewrite after host normalization.
func (s *Store) RekeyExpressionDomain(expressionID, domainID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE expression SET domain_id = ? WHERE id = ?`, domainID, expressionID,
	)
	if err != nil {
		return fmt.Errorf("failed to rekey expression %d: %w", expressionID, err)
	}
	logging.StoreDebug("Rekeyed expression %d to domain %d", expressionID, domainID)
	return nil
}
