package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"crossarb/internal/models"
)

// ============================================================
// TradeRepository Tests
// ============================================================

type foreignTx struct{}

func (foreignTx) Commit() error   { return nil }
func (foreignTx) Rollback() error { return nil }

func sampleTrade() *models.Trade {
	return &models.Trade{
		EntryOrderID:  "a-1",
		HedgeOrderID:  "h-1,h-2",
		EventID:       "ev-1",
		EntryExchange: "poly",
		HedgeExchange: "opinion",
		EntryPrice:    decimal.RequireFromString("0.4"),
		HedgePrice:    decimal.RequireFromString("0.6"),
		Size:          decimal.NewFromInt(2),
		HedgeSize:     decimal.NewFromInt(2),
		PnLEstimate:   decimal.RequireFromString("0.4"),
	}
}

func TestTradeRepositorySaveTradeInTx(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO trades`).
		WithArgs("a-1", "h-1,h-2", "ev-1", "poly", "opinion", "0.4", "0.6", "2", "2", "0.4", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	repo := NewTradeRepository(db)
	ctx := context.Background()

	tx, err := repo.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	trade := sampleTrade()
	if err := repo.SaveTrade(ctx, tx, trade); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if trade.ID != 42 {
		t.Errorf("expected ID=42, got %d", trade.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTradeRepositorySaveTradeErrors(t *testing.T) {
	t.Run("foreign transaction", func(t *testing.T) {
		db, _ := newMockDB(t)
		err := NewTradeRepository(db).SaveTrade(context.Background(), foreignTx{}, sampleTrade())
		if !errors.Is(err, ErrForeignTx) {
			t.Errorf("expected ErrForeignTx, got %v", err)
		}
	})

	t.Run("insert failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO trades`).WillReturnError(errors.New("database error"))
		mock.ExpectRollback()

		repo := NewTradeRepository(db)
		tx, err := repo.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := repo.SaveTrade(context.Background(), tx, sampleTrade()); err == nil {
			t.Error("expected error, got nil")
		}
		if err := tx.Rollback(); err != nil {
			t.Errorf("rollback: %v", err)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestTradeRepositoryGetTradesByEvent(t *testing.T) {
	now := time.Now()
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WithArgs("ev-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "entry_order_id", "hedge_order_id", "event_id",
			"entry_exchange", "hedge_exchange", "entry_price", "hedge_price", "size", "hedge_size",
			"pnl_estimate", "created_at"}).
			AddRow(2, "a-2", "h-3", "ev-1", "opinion", "poly", "0.55", "0.45", "1", "1", "0.1", now).
			AddRow(1, "a-1", "h-1", "ev-1", "poly", "opinion", "0.4", "0.6", "2", "2", "0.4", now))

	trades, err := NewTradeRepository(db).GetTradesByEvent(context.Background(), "ev-1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 || trades[0].ID != 2 || !trades[1].PnLEstimate.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("trades = %+v", trades)
	}
}
