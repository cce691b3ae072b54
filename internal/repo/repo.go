package repo

import "database/sql"

type Repository struct {
	Session ISession
	DB      *sql.DB
}

func New(db *sql.DB) *Repository {
	return &Repository{
		DB:      db,
		Session: NewSessionRepository(db),
	}
}
