package store

import (
	"fmt"
	"strings"
)

const mediaColumns = `m.id, m.expression_id, m.url, m.type, m.width, m.height,
	m.file_size, COALESCE(m.format, ''), COALESCE(m.color_mode, ''),
	COALESCE(m.dominant_colors, ''), COALESCE(m.websafe_colors, ''),
	m.has_transparency, m.aspect_ratio, COALESCE(m.exif_data, ''),
	COALESCE(m.image_hash, ''), COALESCE(m.content_tags, ''), m.nsfw_score,
	m.analyzed_at, COALESCE(m.analysis_error, '')`

func scanMedia(row interface{ Scan(...interface{}) error }) (*Media, error) {
	m := &Media{}
	err := row.Scan(
		&m.ID, &m.ExpressionID, &m.URL, &m.Type, &m.Width, &m.Height,
		&m.FileSize, &m.Format, &m.ColorMode,
		&m.DominantColors, &m.WebsafeColors,
		&m.HasTransparency, &m.AspectRatio, &m.EXIFData,
		&m.ImageHash, &m.ContentTags, &m.NSFWScore,
		&m.AnalyzedAt, &m.AnalysisError,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertMedia records a media reference for an expression. Idempotent on
// (expression, url, kind); re-discovery never clears analysis fields.
func (s *Store) UpsertMedia(expressionID int64, url, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO media (expression_id, url, type) VALUES (?, ?, ?)`,
		expressionID, url, kind,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert media: %w", err)
	}
	return nil
}

// ReplaceMediaForExpression drops the expression's media rows and records
// the given (url, kind) pairs instead. The refiner calls this after a
// successful extraction so the media set mirrors the refined content.
func (s *Store) ReplaceMediaForExpression(expressionID int64, refs [][2]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM media WHERE expression_id = ?`, expressionID,
	); err != nil {
		return fmt.Errorf("failed to clear media: %w", err)
	}
	for _, ref := range refs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO media (expression_id, url, type) VALUES (?, ?, ?)`,
			expressionID, ref[0], ref[1],
		); err != nil {
			return fmt.Errorf("failed to insert media: %w", err)
		}
	}

	return tx.Commit()
}

// MediaForExpression returns the expression's media rows ordered by id.
func (s *Store) MediaForExpression(expressionID int64) ([]*Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryMedia(
		`SELECT `+mediaColumns+` FROM media m WHERE m.expression_id = ? ORDER BY m.id`,
		expressionID,
	)
}

// MediaToAnalyze selects image media of a land for the analyzer. Unless
// force is set, rows already carrying analyzed_at are skipped. maxDepth < 0
// disables the depth filter; minRelevance <= 0 the relevance filter.
func (s *Store) MediaToAnalyze(landID int64, maxDepth, minRelevance int, force bool) ([]*Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(`SELECT ` + mediaColumns + ` FROM media m
		JOIN expression e ON e.id = m.expression_id
		WHERE e.land_id = ? AND m.type = ?`)
	args := []interface{}{landID, MediaImage}

	if !force {
		sb.WriteString(` AND m.analyzed_at IS NULL`)
	}
	if maxDepth >= 0 {
		sb.WriteString(` AND e.depth <= ?`)
		args = append(args, maxDepth)
	}
	if minRelevance > 0 {
		sb.WriteString(` AND e.relevance >= ?`)
		args = append(args, minRelevance)
	}
	sb.WriteString(` ORDER BY m.id`)

	return s.queryMedia(sb.String(), args...)
}

// SaveMediaAnalysis writes the analyzer's measurements back to the row.
func (s *Store) SaveMediaAnalysis(m *Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE media SET
			width = ?, height = ?, file_size = ?,
			format = NULLIF(?, ''), color_mode = NULLIF(?, ''),
			dominant_colors = NULLIF(?, ''), websafe_colors = NULLIF(?, ''),
			has_transparency = ?, aspect_ratio = ?,
			exif_data = NULLIF(?, ''), image_hash = NULLIF(?, ''),
			content_tags = NULLIF(?, ''), nsfw_score = ?,
			analyzed_at = ?, analysis_error = NULLIF(?, '')
		 WHERE id = ?`,
		m.Width, m.Height, m.FileSize,
		m.Format, m.ColorMode,
		m.DominantColors, m.WebsafeColors,
		m.HasTransparency, m.AspectRatio,
		m.EXIFData, m.ImageHash,
		m.ContentTags, m.NSFWScore,
		m.AnalyzedAt, m.AnalysisError,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save media analysis %d: %w", m.ID, err)
	}
	return nil
}

// DeleteMedia removes media rows by id.
func (s *Store) DeleteMedia(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		res, err := s.db.Exec(`DELETE FROM media WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete media %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func (s *Store) queryMedia(query string, args ...interface{}) ([]*Media, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var out []*Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
