package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Floor is the restaurant's table plan.
type Floor struct{ DB *pgxpool.Pool }

func NewFloor(db *pgxpool.Pool) *Floor { return &Floor{DB: db} }

func (f *Floor) TableExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := f.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM floor_tables WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

func (f *Floor) AddTable(ctx context.Context, id string, seats int) error {
	_, err := f.DB.Exec(ctx, `INSERT INTO floor_tables (id, seats) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET seats = EXCLUDED.seats`, id, seats)
	return err
}
