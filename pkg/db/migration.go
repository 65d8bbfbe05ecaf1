package db

// createTables creates the documents and revisions tables if they don't exist
func (s *PostgresStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id VARCHAR(64) PRIMARY KEY,
		content TEXT NOT NULL,
		rev_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revisions (
		doc_id VARCHAR(64) NOT NULL,
		rev_id BIGINT NOT NULL,
		base_rev_id BIGINT NOT NULL,
		delta_data BYTEA NOT NULL,
		checksum VARCHAR(32) NOT NULL,
		origin SMALLINT NOT NULL,
		state SMALLINT NOT NULL,
		PRIMARY KEY (doc_id, rev_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}
