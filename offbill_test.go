package offbill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/offbill/offbill/config"
	"github.com/offbill/offbill/repo"
)

// newTestApp wires an App against an in-test server that accepts every push
// and serves empty reference collections.
func newTestApp(t *testing.T) (*App, *atomic.Int64) {
	t.Helper()

	var nextID atomic.Int64
	nextID.Store(100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprintf(w, `{"id": %d}`, nextID.Add(1))
			return
		}
		_ = json.NewEncoder(w).Encode([]any{})
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		BaseURL:      srv.URL,
		DBPath:       filepath.Join(t.TempDir(), "app.db"),
		RefreshTTL:   time.Hour,
		HTTPTimeout:  5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app, &nextID
}

func TestAppOfflineToSyncedFlow(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.SignIn(ctx, "token-1"))

	c, err := app.AddCustomer(ctx, repo.CustomerInput{Name: "ACME", Phone: "123"})
	require.NoError(t, err)
	_, err = app.AddInvoice(ctx, repo.InvoiceInput{CustomerID: c.LocalID}, []repo.ItemInput{
		{Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(10)},
	}, nil)
	require.NoError(t, err)

	unsynced, errored, err := app.GetUnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, unsynced)
	require.Zero(t, errored)

	report := app.SyncNow(ctx)
	require.True(t, report.Success)
	require.Equal(t, 2, report.SyncedCount)

	unsynced, _, err = app.GetUnsyncedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, unsynced)

	got, err := app.Customers().Get(ctx, c.LocalID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusSynced, got.SyncStatus)
	require.NotNil(t, got.ServerID)
}

func TestAppEditedInvoiceResyncs(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, app.SignIn(ctx, "token-1"))

	inv, err := app.AddInvoice(ctx, repo.InvoiceInput{CustomerID: "600"}, []repo.ItemInput{
		{Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(10)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, app.SyncNow(ctx).SyncedCount)

	require.NoError(t, app.UpdateInvoice(ctx, inv.LocalID, repo.InvoiceInput{CustomerID: "600"}, []repo.ItemInput{
		{Qty: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(10)},
	}, nil))

	unsynced, _, err := app.GetUnsyncedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, unsynced, "edits re-enter the queue")
	require.Equal(t, 1, app.SyncNow(ctx).SyncedCount)
}

func TestAppBackgroundSyncOnConnectivityEdge(t *testing.T) {
	app, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, app.SignIn(ctx, "token-1"))
	_, err := app.AddCustomer(ctx, repo.CustomerInput{Name: "Edge"})
	require.NoError(t, err)

	app.Start(ctx)
	app.SetOnline(true)

	require.Eventually(t, func() bool {
		unsynced, _, err := app.GetUnsyncedCount(ctx)
		return err == nil && unsynced == 0
	}, 3*time.Second, 20*time.Millisecond)
}
