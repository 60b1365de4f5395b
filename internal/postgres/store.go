package postgres

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// Store implements pos.Store. Entities are kept as JSONB bodies next to the
// columns the engine queries by.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func scanBody[T any](row pgx.Row, entity orders.Entity, id string) (*T, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orders.NotFound(entity, id)
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrapf(err, "decode %s %s", entity, id)
	}
	return &v, nil
}

func collect[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	return scanBody[orders.Order](s.DB.QueryRow(ctx, `SELECT body FROM pos_orders WHERE id=$1`, id), orders.EntityOrder, id)
}

func (s *Store) GetOrderByRemoteID(ctx context.Context, remoteID string) (*orders.Order, error) {
	return scanBody[orders.Order](s.DB.QueryRow(ctx, `SELECT body FROM pos_orders WHERE remote_id=$1`, remoteID), orders.EntityOrder, remoteID)
}

// SaveOrder upserts o. The remote id of a stored order never changes.
func (s *Store) SaveOrder(ctx context.Context, o *orders.Order) error {
	if o.ID == "" {
		return orders.Validation(orders.EntityOrder, o.RemoteID, "order has no pos id", "")
	}
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var prev *string
	err = tx.QueryRow(ctx, `SELECT remote_id FROM pos_orders WHERE id=$1 FOR UPDATE`, o.ID).Scan(&prev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	case prev != nil && *prev != o.RemoteID:
		return orders.Validation(orders.EntityOrder, o.ID, "order already bound to remote id "+*prev, o.RemoteID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pos_orders (id, remote_id, checkin_id, status, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			checkin_id = EXCLUDED.checkin_id,
			status = EXCLUDED.status,
			body = EXCLUDED.body,
			updated_at = now()`,
		o.ID, nullable(o.RemoteID), nullable(o.CheckinID), string(o.Status), body); err != nil {
		return err
	}
	if o.RemoteID != "" && o.Version != "" {
		if err := upsertVersion(ctx, tx, "order_versions", o.RemoteID, o.Version); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func upsertVersion(ctx context.Context, tx pgx.Tx, table, id string, v orders.Version) error {
	_, err := tx.Exec(ctx, `INSERT INTO `+table+` (remote_id, version) VALUES ($1, $2)
		ON CONFLICT (remote_id) DO UPDATE SET version = EXCLUDED.version`, id, string(v))
	return err
}

func readVersion(ctx context.Context, db *pgxpool.Pool, table, id string) (orders.Version, error) {
	var v string
	err := db.QueryRow(ctx, `SELECT version FROM `+table+` WHERE remote_id=$1`, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return orders.Version(v), err
}

func (s *Store) OrderVersion(ctx context.Context, remoteID string) (orders.Version, error) {
	return readVersion(ctx, s.DB, "order_versions", remoteID)
}

// RecordOrderVersion also stamps the stored order, if any, with v.
func (s *Store) RecordOrderVersion(ctx context.Context, remoteID string, v orders.Version) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := upsertVersion(ctx, tx, "order_versions", remoteID, v); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE pos_orders SET body = jsonb_set(body, '{Version}', to_jsonb($2::text))
		WHERE remote_id=$1`, remoteID, string(v)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) OrdersForCheckin(ctx context.Context, checkinID string) ([]*orders.Order, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM pos_orders WHERE checkin_id=$1 ORDER BY id`, checkinID)
	if err != nil {
		return nil, err
	}
	return collect[orders.Order](rows)
}

func (s *Store) CheckinForOrder(ctx context.Context, orderID string) (string, error) {
	var c *string
	err := s.DB.QueryRow(ctx, `SELECT checkin_id FROM pos_orders WHERE id=$1`, orderID).Scan(&c)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.NotFound(orders.EntityOrder, orderID)
	}
	if err != nil || c == nil {
		return "", err
	}
	return *c, nil
}

func (s *Store) RecordCheckinForOrder(ctx context.Context, orderID, checkinID string) error {
	ct, err := s.DB.Exec(ctx, `UPDATE pos_orders
		SET checkin_id = $2, body = jsonb_set(body, '{CheckinID}', to_jsonb($3::text)), updated_at = now()
		WHERE id=$1`, orderID, nullable(checkinID), checkinID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.NotFound(orders.EntityOrder, orderID)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, remoteID string) (*orders.Transaction, error) {
	return scanBody[orders.Transaction](s.DB.QueryRow(ctx, `SELECT body FROM pos_transactions WHERE remote_id=$1`, remoteID),
		orders.EntityTransaction, remoteID)
}

func (s *Store) SaveTransaction(ctx context.Context, t *orders.Transaction) error {
	if t.RemoteID == "" {
		return orders.Validation(orders.EntityTransaction, t.ID, "transaction has no remote id", "")
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		INSERT INTO pos_transactions (remote_id, order_id, status, body) VALUES ($1, $2, $3, $4)
		ON CONFLICT (remote_id) DO UPDATE SET order_id = EXCLUDED.order_id, status = EXCLUDED.status, body = EXCLUDED.body`,
		t.RemoteID, t.OrderID, string(t.Status), body); err != nil {
		return err
	}
	if t.Version != "" {
		if err := upsertVersion(ctx, tx, "transaction_versions", t.RemoteID, t.Version); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) TransactionsForOrder(ctx context.Context, remoteOrderID string) ([]*orders.Transaction, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM pos_transactions WHERE order_id=$1 ORDER BY remote_id`, remoteOrderID)
	if err != nil {
		return nil, err
	}
	return collect[orders.Transaction](rows)
}

func (s *Store) TransactionVersion(ctx context.Context, remoteID string) (orders.Version, error) {
	return readVersion(ctx, s.DB, "transaction_versions", remoteID)
}

func (s *Store) RecordTransactionVersion(ctx context.Context, remoteID string, v orders.Version) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := upsertVersion(ctx, tx, "transaction_versions", remoteID, v); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE pos_transactions SET body = jsonb_set(body, '{Version}', to_jsonb($2::text))
		WHERE remote_id=$1`, remoteID, string(v)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetCheckin(ctx context.Context, id string) (*orders.Checkin, error) {
	return scanBody[orders.Checkin](s.DB.QueryRow(ctx, `SELECT body FROM checkins WHERE id=$1`, id), orders.EntityCheckin, id)
}

func (s *Store) SaveCheckin(ctx context.Context, c *orders.Checkin) error {
	x := c.Clone()
	x.Normalize()
	body, err := json.Marshal(x)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO checkins (id, status, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
		x.ID, string(x.Status), body)
	return err
}

func (s *Store) LiveCheckins(ctx context.Context) ([]*orders.Checkin, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM checkins WHERE status = ANY($1) ORDER BY id`,
		[]string{string(orders.CheckinPending), string(orders.CheckinAllocated)})
	if err != nil {
		return nil, err
	}
	return collect[orders.Checkin](rows)
}

func (s *Store) GetBooking(ctx context.Context, id string) (*orders.Booking, error) {
	return scanBody[orders.Booking](s.DB.QueryRow(ctx, `SELECT body FROM bookings WHERE id=$1`, id), orders.EntityBooking, id)
}

func (s *Store) SaveBooking(ctx context.Context, b *orders.Booking) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO bookings (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, b.ID, body)
	return err
}

func (s *Store) DeleteBooking(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM bookings WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.NotFound(orders.EntityBooking, id)
	}
	return nil
}

func (s *Store) SaveConflict(ctx context.Context, c *orders.Conflict) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO conflicts (id, created_at, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, c.ID, c.CreatedAt, body)
	return err
}

func (s *Store) ListConflicts(ctx context.Context) ([]*orders.Conflict, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM conflicts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collect[orders.Conflict](rows)
}

func (s *Store) ResolveConflict(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM conflicts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.NotFound(orders.EntityOrder, id)
	}
	return nil
}
