package database

// ItemRepository is the read access this service has into the
// extension's highlight/note store. Shared-item references resolve to
// display content through it; there is no write path from the sync core.
type ItemRepository interface {
	Ping() error
	GetHighlights() ([]Highlight, error)
	GetHighlight(id int) (Highlight, error)
	GetNotes() ([]Note, error)
	GetNote(id int) (Note, error)
}
