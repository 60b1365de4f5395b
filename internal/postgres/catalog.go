package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-sync/internal/inventory"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// Catalog is the product table: prices for every product and stock counts
// for the limited ones. It implements inventory.Stock.
type Catalog struct{ DB *pgxpool.Pool }

func NewCatalog(db *pgxpool.Pool) *Catalog { return &Catalog{DB: db} }

func (c *Catalog) Price(ctx context.Context, productID string) (decimal.Decimal, error) {
	var cents int64
	err := c.DB.QueryRow(ctx, `SELECT price_cents FROM products WHERE id=$1`, productID).Scan(&cents)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, orders.NotFound(orders.EntityProduct, productID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(cents, -2), nil
}

// Reserved reports whether every line of the order is already held.
func (c *Catalog) Reserved(ctx context.Context, orderID string, lines int) (bool, error) {
	var n int
	err := c.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE order_id = $1 AND status = 'RESERVED'`, orderID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == lines, nil
}

// ReserveAll locks each product row, takes the quantity and records the hold.
// A single shortfall rolls the whole order back.
func (c *Catalog) ReserveAll(ctx context.Context, orderID string, lines []inventory.Line) (bool, []inventory.Shortfall, error) {
	tx, err := c.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback(ctx)

	var short []inventory.Shortfall
	for _, l := range lines {
		var (
			stock   int
			limited bool
		)
		err := tx.QueryRow(ctx, `SELECT stock, limited FROM products WHERE id=$1 FOR UPDATE`, l.ProductID).Scan(&stock, &limited)
		if errors.Is(err, pgx.ErrNoRows) {
			short = append(short, inventory.Shortfall{ProductID: l.ProductID, Required: l.Qty})
			continue
		}
		if err != nil {
			return false, nil, err
		}
		if limited {
			if stock < l.Qty {
				short = append(short, inventory.Shortfall{ProductID: l.ProductID, Required: l.Qty, Available: stock})
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2 WHERE id=$1`, l.ProductID, l.Qty); err != nil {
				return false, nil, err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations (order_id, product_id, qty, status)
			VALUES ($1, $2, $3, 'RESERVED')
			ON CONFLICT (order_id, product_id) DO UPDATE SET qty = EXCLUDED.qty, status = 'RESERVED'`,
			orderID, l.ProductID, l.Qty); err != nil {
			return false, nil, err
		}
	}

	if len(short) > 0 {
		return false, short, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// ReleaseAll returns held stock. Releasing twice is harmless.
func (c *Catalog) ReleaseAll(ctx context.Context, orderID string) error {
	tx, err := c.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT r.product_id, r.qty, p.limited FROM reservations r
		JOIN products p ON p.id = r.product_id
		WHERE r.order_id=$1 AND r.status='RESERVED'`, orderID)
	if err != nil {
		return err
	}
	type held struct {
		product string
		qty     int
		limited bool
	}
	var hs []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.product, &h.qty, &h.limited); err != nil {
			rows.Close()
			return err
		}
		hs = append(hs, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, h := range hs {
		if !h.limited {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2 WHERE id=$1`, h.product, h.qty); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='RELEASED' WHERE order_id=$1 AND status='RESERVED'`, orderID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertProduct is used by seeding and tests.
func (c *Catalog) UpsertProduct(ctx context.Context, id, name string, price decimal.Decimal, limited bool, stock int) error {
	_, err := c.DB.Exec(ctx, `
		INSERT INTO products (id, name, price_cents, limited, stock) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price_cents = EXCLUDED.price_cents,
			limited = EXCLUDED.limited, stock = EXCLUDED.stock`,
		id, name, price.Shift(2).IntPart(), limited, stock)
	return err
}

// Stock reports the remaining count of a limited product.
func (c *Catalog) Stock(ctx context.Context, id string) (int, error) {
	var n int
	err := c.DB.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, orders.NotFound(orders.EntityProduct, id)
	}
	return n, err
}
