package store

import (
	"database/sql"
	"fmt"
	"strings"

	"mywebintel/internal/logging"
)

const expressionColumns = `id, land_id, domain_id, url, http_status, lang, title,
	description, keywords, author, readable, created_at, published_at,
	fetched_at, approved_at, readable_at, relevance, depth`

func scanExpression(row interface{ Scan(...interface{}) error }) (*Expression, error) {
	e := &Expression{}
	var status sql.NullString
	err := row.Scan(
		&e.ID, &e.LandID, &e.DomainID, &e.URL, &status, &e.Lang, &e.Title,
		&e.Description, &e.Keywords, &e.Author, &e.Readable, &e.CreatedAt,
		&e.PublishedAt, &e.FetchedAt, &e.ApprovedAt, &e.ReadableAt,
		&e.Relevance, &e.Depth,
	)
	if err != nil {
		return nil, err
	}
	e.HTTPStatus = status.String
	return e, nil
}

// UpsertExpression records a URL for a land at the given depth. The URL must
// already be normalized. If the URL exists in the same land the stored row is
// returned; a later discovery never raises its depth but a shorter path
// lowers it. A URL owned by another land yields ErrConflict.
func (s *Store) UpsertExpression(landID int64, url string, depth int, domainName string) (*Expression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanExpression(tx.QueryRow(
		`SELECT `+expressionColumns+` FROM expression WHERE url = ?`, url,
	))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up expression: %w", err)
	}

	if existing != nil {
		if existing.LandID != landID {
			return nil, ErrConflict
		}
		if depth < existing.Depth {
			if _, err := tx.Exec(
				`UPDATE expression SET depth = ? WHERE id = ?`, depth, existing.ID,
			); err != nil {
				return nil, fmt.Errorf("failed to lower depth: %w", err)
			}
			existing.Depth = depth
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit depth update: %w", err)
			}
			return existing, nil
		}
		return existing, tx.Commit()
	}

	if _, err := tx.Exec(
		`INSERT INTO domain (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, domainName,
	); err != nil {
		return nil, fmt.Errorf("failed to insert domain: %w", err)
	}
	var domainID int64
	if err := tx.QueryRow(
		`SELECT id FROM domain WHERE name = ?`, domainName,
	).Scan(&domainID); err != nil {
		return nil, fmt.Errorf("failed to read domain: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO expression (land_id, domain_id, url, depth) VALUES (?, ?, ?, ?)`,
		landID, domainID, url, depth,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert expression: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read expression id: %w", err)
	}

	created, err := scanExpression(tx.QueryRow(
		`SELECT `+expressionColumns+` FROM expression WHERE id = ?`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to reread expression: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expression: %w", err)
	}

	logging.StoreDebug("Created expression %d (%s, depth=%d)", created.ID, url, depth)
	return created, nil
}

// GetExpression returns the expression with the given id, or ErrNotFound.
func (s *Store) GetExpression(id int64) (*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanExpression(s.db.QueryRow(
		`SELECT `+expressionColumns+` FROM expression WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expression: %w", err)
	}
	return e, nil
}

// SaveExpression writes every mutable field of the expression back in one
// transaction. This is the commit point of a pipeline pass: either the whole
// update lands or none of it does.
func (s *Store) SaveExpression(e *Expression) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE expression SET
			http_status = NULLIF(?, ''),
			lang = ?, title = ?, description = ?, keywords = ?, author = ?,
			readable = ?, published_at = ?, fetched_at = ?, approved_at = ?,
			readable_at = ?, relevance = ?, depth = ?
		 WHERE id = ?`,
		e.HTTPStatus,
		e.Lang, e.Title, e.Description, e.Keywords, e.Author,
		e.Readable, e.PublishedAt, e.FetchedAt, e.ApprovedAt,
		e.ReadableAt, e.Relevance, e.Depth,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save expression %d: %w", e.ID, err)
	}
	return nil
}

// AddLink records a directed link between two expressions. Idempotent;
// self-links are ignored.
func (s *Store) AddLink(sourceID, targetID int64) error {
	if sourceID == targetID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO expression_link (source_id, target_id) VALUES (?, ?)`,
		sourceID, targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to add link %d -> %d: %w", sourceID, targetID, err)
	}
	return nil
}

// ReplaceLinks drops every outbound link of the source and records the given
// targets instead.
func (s *Store) ReplaceLinks(sourceID int64, targetIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM expression_link WHERE source_id = ?`, sourceID,
	); err != nil {
		return fmt.Errorf("failed to clear links: %w", err)
	}
	for _, targetID := range targetIDs {
		if targetID == sourceID {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO expression_link (source_id, target_id) VALUES (?, ?)`,
			sourceID, targetID,
		); err != nil {
			return fmt.Errorf("failed to add link: %w", err)
		}
	}

	return tx.Commit()
}

// CountLinks returns the number of outbound links of an expression.
func (s *Store) CountLinks(sourceID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM expression_link WHERE source_id = ?`, sourceID,
	).Scan(&n)
	return n, err
}

// ExpressionsToCrawl selects the land's expressions awaiting a fetch. With an
// empty httpFilter only never-fetched rows qualify; a filter re-selects rows
// whose recorded status matches (re-crawl). maxDepth < 0 disables the depth
// filter, limit <= 0 the row cap. Shallow rows come first.
func (s *Store) ExpressionsToCrawl(landID int64, httpFilter string, maxDepth, limit int) ([]*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + expressionColumns + ` FROM expression WHERE land_id = ?`)
	args := []interface{}{landID}

	if httpFilter != "" {
		sb.WriteString(` AND http_status = ?`)
		args = append(args, httpFilter)
	} else {
		sb.WriteString(` AND fetched_at IS NULL`)
	}
	if maxDepth >= 0 {
		sb.WriteString(` AND depth <= ?`)
		args = append(args, maxDepth)
	}
	sb.WriteString(` ORDER BY depth, id`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	return s.queryExpressions(sb.String(), args...)
}

// ExpressionsForReadable selects approved expressions for the refiner,
// never-refined rows first, then shallow first.
func (s *Store) ExpressionsForReadable(landID int64, maxDepth, limit int) ([]*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + expressionColumns + ` FROM expression
		WHERE land_id = ? AND approved_at IS NOT NULL`)
	args := []interface{}{landID}

	if maxDepth >= 0 {
		sb.WriteString(` AND depth <= ?`)
		args = append(args, maxDepth)
	}
	sb.WriteString(` ORDER BY readable_at IS NOT NULL, readable_at, depth, id`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	return s.queryExpressions(sb.String(), args...)
}

// ExpressionsWithContent selects fetched expressions holding content, for
// consolidation and bulk re-scoring.
func (s *Store) ExpressionsWithContent(landID int64, maxDepth, limit int) ([]*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + expressionColumns + ` FROM expression
		WHERE land_id = ? AND fetched_at IS NOT NULL`)
	args := []interface{}{landID}

	if maxDepth >= 0 {
		sb.WriteString(` AND depth <= ?`)
		args = append(args, maxDepth)
	}
	sb.WriteString(` ORDER BY depth, id`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	return s.queryExpressions(sb.String(), args...)
}

// ExpressionsByLand returns every expression of a land, for the heuristics
// rewrite and tests.
func (s *Store) ExpressionsByLand(landID int64) ([]*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryExpressions(
		`SELECT `+expressionColumns+` FROM expression WHERE land_id = ? ORDER BY id`,
		landID,
	)
}

// AllExpressions returns every expression in the store ordered by id.
func (s *Store) AllExpressions() ([]*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryExpressions(`SELECT ` + expressionColumns + ` FROM expression ORDER BY id`)
}

func (s *Store) queryExpressions(query string, args ...interface{}) ([]*Expression, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expressions: %w", err)
	}
	defer rows.Close()

	var out []*Expression
	for rows.Next() {
		e, err := scanExpression(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expression: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
