package routes

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"eqagent/internal/platform/models"
)

var ErrNotFound = errors.New("route not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(route *models.Route) error {
	if route.ID == "" {
		route.ID = uuid.New().String()
	}
	route.CreatedAt = time.Now().Unix()

	_, err := r.db.Exec(`
		INSERT INTO routes (id, destination_url, description, created_at, last_used_at)
		VALUES (?, ?, ?, ?, NULL)`,
		route.ID, route.DestinationURL, route.Description, route.CreatedAt,
	)
	return err
}

func (r *Repository) GetByID(id string) (*models.Route, error) {
	row := r.db.QueryRow(`
		SELECT id, destination_url, description, created_at, last_used_at
		FROM routes WHERE id = ?`, id)
	return scanRoute(row)
}

func (r *Repository) List() ([]*models.Route, error) {
	rows, err := r.db.Query(`
		SELECT id, destination_url, description, created_at, last_used_at
		FROM routes ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []*models.Route
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

func (r *Repository) Update(route *models.Route) error {
	res, err := r.db.Exec(`
		UPDATE routes SET destination_url = ?, description = ? WHERE id = ?`,
		route.DestinationURL, route.Description, route.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records a successful delivery through the route.
func (r *Repository) TouchLastUsed(id string) error {
	_, err := r.db.Exec(`UPDATE routes SET last_used_at = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

func scanRoute(s interface {
	Scan(dest ...interface{}) error
}) (*models.Route, error) {
	var route models.Route
	var description sql.NullString
	var lastUsedAt sql.NullInt64

	err := s.Scan(&route.ID, &route.DestinationURL, &description, &route.CreatedAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if description.Valid {
		route.Description = description.String
	}
	if lastUsedAt.Valid {
		route.LastUsedAt = lastUsedAt.Int64
	}
	return &route, nil
}
