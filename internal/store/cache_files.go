package store

// CacheFile is one written cache file.
type CacheFile struct {
	Path     string
	Source   string
	EntityID string
	WindowID string
	Rows     int
}

// RecordCacheFile notes that a cache file was written. Rewriting the same
// path replaces the previous entry.
func (s *Store) RecordCacheFile(f CacheFile) error {
	_, err := s.db.Exec(`
		INSERT INTO cache_files (path, source, entity_id, window_id, rows, written_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			rows = excluded.rows,
			written_at = excluded.written_at
	`, f.Path, f.Source, f.EntityID, f.WindowID, f.Rows, formatTime(s.now()))
	return err
}

// CacheFileCounts returns the number of recorded cache files per source.
func (s *Store) CacheFileCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM cache_files GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}
