package postgres

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-sync/internal/inventory"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/pos"
)

var (
	_ pos.Store       = (*Store)(nil)
	_ inventory.Stock = (*Catalog)(nil)
)

// Runs against a real database when POSTGRES_TEST_DSN is set.
func testDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestStore_Orders(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := NewStore(db)

	id, remoteID := uuid.NewString(), uuid.NewString()
	o := &orders.Order{ID: id, RemoteID: remoteID, Status: orders.StatusPending, Version: "v1", CheckinID: "c-" + id,
		Items: []orders.Product{{PosID: "p1", Name: "burger", Price: decimal.RequireFromString("12.50"), Quantity: 1}}}
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrderByRemoteID(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, got.Items[0].Price.Equal(decimal.RequireFromString("12.50")))

	v, err := s.OrderVersion(ctx, remoteID)
	require.NoError(t, err)
	assert.Equal(t, orders.Version("v1"), v)

	require.NoError(t, s.RecordOrderVersion(ctx, remoteID, "v2"))
	got, err = s.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orders.Version("v2"), got.Version)

	list, err := s.OrdersForCheckin(ctx, "c-"+id)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.RecordCheckinForOrder(ctx, id, ""))
	c, err := s.CheckinForOrder(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, c)

	rebound := got.Clone()
	rebound.RemoteID = uuid.NewString()
	assert.Equal(t, orders.KindValidation, orders.KindOf(s.SaveOrder(ctx, rebound)))

	_, err = s.GetOrder(ctx, uuid.NewString())
	assert.Equal(t, orders.KindNotFound, orders.KindOf(err))
}

func TestStore_TransactionsAndCheckins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := NewStore(db)

	orderID := uuid.NewString()
	tx := &orders.Transaction{ID: "t", RemoteID: uuid.NewString(), OrderID: orderID, Amount: decimal.NewFromInt(10),
		Status: orders.TxnPending, Version: "v1"}
	require.NoError(t, s.SaveTransaction(ctx, tx))
	require.NoError(t, s.RecordTransactionVersion(ctx, tx.RemoteID, "v2"))
	list, err := s.TransactionsForOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, orders.Version("v2"), list[0].Version)

	ci := &orders.Checkin{ID: uuid.NewString(), Tables: []string{"T1"}, Status: orders.CheckinDeallocated,
		CreatedAt: time.Now()}
	require.NoError(t, s.SaveCheckin(ctx, ci))
	got, err := s.GetCheckin(ctx, ci.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Tables)

	live, err := s.LiveCheckins(ctx)
	require.NoError(t, err)
	for _, c := range live {
		assert.NotEqual(t, ci.ID, c.ID)
	}

	assert.Equal(t, orders.KindNotFound, orders.KindOf(s.DeleteBooking(ctx, uuid.NewString())))
}

func TestCatalog_ReserveAndRelease(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	cat := NewCatalog(db)
	brisket := "brisket-" + uuid.NewString()
	coffee := "coffee-" + uuid.NewString()
	require.NoError(t, cat.UpsertProduct(ctx, brisket, "Brisket", decimal.RequireFromString("21.00"), true, 2))
	require.NoError(t, cat.UpsertProduct(ctx, coffee, "Coffee", decimal.RequireFromString("4.50"), false, 0))

	price, err := cat.Price(ctx, coffee)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("4.50")))

	l := logrus.New()
	l.SetOutput(io.Discard)
	svc := inventory.New(cat, l)

	big := &orders.Order{RemoteID: uuid.NewString(), Items: []orders.Product{
		{PosID: brisket, Quantity: 3}, {PosID: coffee, Quantity: 5},
	}}
	ok, err := svc.ReserveOrder(ctx, big)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, big.Items[0].RejectionReasons)
	assert.Empty(t, big.Items[1].RejectionReasons)

	small := &orders.Order{RemoteID: uuid.NewString(), Items: []orders.Product{{PosID: brisket, Quantity: 2}}}
	ok, err = svc.ReserveOrder(ctx, small)
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := cat.Stock(ctx, brisket)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, svc.ReleaseOrder(ctx, small.RemoteID))
	require.NoError(t, svc.ReleaseOrder(ctx, small.RemoteID))
	n, err = cat.Stock(ctx, brisket)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFloor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	f := NewFloor(db)
	id := "T-" + uuid.NewString()
	require.NoError(t, f.AddTable(ctx, id, 4))
	ok, err := f.TableExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.TableExists(ctx, "nope-"+id)
	require.NoError(t, err)
	assert.False(t, ok)
}
