package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"mywebintel/internal/logging"
)

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateLand creates a new land. Returns ErrConflict if the name is taken.
func (s *Store) CreateLand(name, description, lang string) (*Land, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lang == "" {
		lang = "fr"
	}

	res, err := s.db.Exec(
		`INSERT INTO land (name, description, lang) VALUES (?, ?, ?)`,
		name, description, lang,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create land: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read land id: %w", err)
	}

	logging.Store("Created land %q (id=%d, lang=%s)", name, id, lang)
	return s.getLandByID(id)
}

// GetLand returns the land with the given name, or ErrNotFound.
func (s *Store) GetLand(name string) (*Land, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	land := &Land{}
	err := s.db.QueryRow(
		`SELECT id, name, description, lang, created_at FROM land WHERE name = ?`,
		name,
	).Scan(&land.ID, &land.Name, &land.Description, &land.Lang, &land.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get land: %w", err)
	}
	return land, nil
}

func (s *Store) getLandByID(id int64) (*Land, error) {
	land := &Land{}
	err := s.db.QueryRow(
		`SELECT id, name, description, lang, created_at FROM land WHERE id = ?`,
		id,
	).Scan(&land.ID, &land.Name, &land.Description, &land.Lang, &land.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get land: %w", err)
	}
	return land, nil
}

// ListLands returns lands ordered by name, each with its dictionary terms and
// expression counts. An empty filter returns every land.
func (s *Store) ListLands(nameFilter string) ([]LandSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, description, lang, created_at FROM land`
	args := []interface{}{}
	if nameFilter != "" {
		query += ` WHERE name = ?`
		args = append(args, nameFilter)
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lands: %w", err)
	}
	defer rows.Close()

	var summaries []LandSummary
	for rows.Next() {
		var ls LandSummary
		if err := rows.Scan(&ls.ID, &ls.Name, &ls.Description, &ls.Lang, &ls.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan land: %w", err)
		}
		summaries = append(summaries, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		terms, err := s.landTerms(summaries[i].ID)
		if err != nil {
			return nil, err
		}
		summaries[i].Terms = terms

		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM expression WHERE land_id = ?`,
			summaries[i].ID,
		).Scan(&summaries[i].ExpressionCount)
		if err != nil {
			return nil, fmt.Errorf("failed to count expressions: %w", err)
		}

		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM expression WHERE land_id = ? AND fetched_at IS NULL`,
			summaries[i].ID,
		).Scan(&summaries[i].RemainingToCrawl)
		if err != nil {
			return nil, fmt.Errorf("failed to count uncrawled expressions: %w", err)
		}
	}

	return summaries, nil
}

// DeleteLand removes a land and, through cascades, its expressions, links,
// media and tagged content. Words and domains survive.
func (s *Store) DeleteLand(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM land WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete land: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	logging.Store("Deleted land %q", name)
	return nil
}

// DeleteExpressionsBelowRelevance removes the land's expressions whose
// relevance is strictly below maxRelevance. Links, media and tagged content
// follow through cascades. Returns the number of expressions removed.
func (s *Store) DeleteExpressionsBelowRelevance(landID int64, maxRelevance float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM expression WHERE land_id = ? AND relevance < ?`,
		landID, maxRelevance,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expressions: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Deleted %d expressions below relevance %.2f (land=%d)", n, maxRelevance, landID)
	return n, nil
}

// AddTerm records a dictionary term for a land: the word row is created if
// absent (keyed on the surface term) and linked to the land. Idempotent.
func (s *Store) AddTerm(landID int64, term, lemma string) (*Word, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO word (term, lemma) VALUES (?, ?) ON CONFLICT(term) DO NOTHING`,
		term, lemma,
	); err != nil {
		return nil, fmt.Errorf("failed to insert word: %w", err)
	}

	word := &Word{}
	err = tx.QueryRow(
		`SELECT id, term, lemma FROM word WHERE term = ?`, term,
	).Scan(&word.ID, &word.Term, &word.Lemma)
	if err != nil {
		return nil, fmt.Errorf("failed to read word: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO land_dictionary (land_id, word_id) VALUES (?, ?)`,
		landID, word.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to link word to land: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit term: %w", err)
	}
	return word, nil
}

// LandLemmas returns the distinct lemmas of a land's dictionary.
func (s *Store) LandLemmas(landID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT w.lemma FROM land_dictionary ld
		 JOIN word w ON w.id = ld.word_id
		 WHERE ld.land_id = ? ORDER BY w.lemma`,
		landID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lemmas: %w", err)
	}
	defer rows.Close()

	var lemmas []string
	for rows.Next() {
		var lemma string
		if err := rows.Scan(&lemma); err != nil {
			return nil, err
		}
		lemmas = append(lemmas, lemma)
	}
	return lemmas, rows.Err()
}

// LandTerms returns the surface terms of a land's dictionary in insertion
// order.
func (s *Store) LandTerms(landID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.landTerms(landID)
}

func (s *Store) landTerms(landID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT w.term FROM land_dictionary ld
		 JOIN word w ON w.id = ld.word_id
		 WHERE ld.land_id = ? ORDER BY w.id`,
		landID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query terms: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, rows.Err()
}
