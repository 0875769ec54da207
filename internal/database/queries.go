package database

func (db *PgItemRepository) GetHighlights() ([]Highlight, error) {
	rows, err := db.conn.Query(
		"SELECT id, title, text, source, created_at, COALESCE(user_id, 0) FROM highlights " +
			"ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var highlights []Highlight
	for rows.Next() {
		var h Highlight
		if err := rows.Scan(
			&h.Id,
			&h.Title,
			&h.Text,
			&h.Source,
			&h.CreatedAt,
			&h.UserId,
		); err != nil {
			return nil, err
		}
		highlights = append(highlights, h)
	}

	return highlights, rows.Err()
}

func (db *PgItemRepository) GetHighlight(id int) (Highlight, error) {
	row := db.conn.QueryRow(
		"SELECT id, title, text, source, created_at, COALESCE(user_id, 0) FROM highlights "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var h Highlight
	err := row.Scan(
		&h.Id,
		&h.Title,
		&h.Text,
		&h.Source,
		&h.CreatedAt,
		&h.UserId,
	)

	return h, err
}

func (db *PgItemRepository) GetNotes() ([]Note, error) {
	rows, err := db.conn.Query(
		"SELECT id, title, content, category, created_at, updated_at, COALESCE(user_id, 0) FROM notes " +
			"ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(
			&n.Id,
			&n.Title,
			&n.Content,
			&n.Category,
			&n.CreatedAt,
			&n.UpdatedAt,
			&n.UserId,
		); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}

	return notes, rows.Err()
}

func (db *PgItemRepository) GetNote(id int) (Note, error) {
	row := db.conn.QueryRow(
		"SELECT id, title, content, category, created_at, updated_at, COALESCE(user_id, 0) FROM notes "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var n Note
	err := row.Scan(
		&n.Id,
		&n.Title,
		&n.Content,
		&n.Category,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.UserId,
	)

	return n, err
}
