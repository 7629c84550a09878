package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx は Commit / Rollback の呼び出しを記録する
type fakeTx struct {
	pgx.Tx
	committed   bool
	rolledBack  bool
	rollbackErr error
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.rolledBack = true
	return tx.rollbackErr
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestConnectionParams_DSN(t *testing.T) {
	params := ConnectionParams{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "docs", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=docs sslmode=disable", params.DSN())
}

func TestTransact(t *testing.T) {
	t.Run("成功時はコミットする", func(t *testing.T) {
		beginner := &fakeBeginner{tx: &fakeTx{}}
		got, err := Transact(context.Background(), beginner, func(pgx.Tx) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.True(t, beginner.tx.committed)
		assert.False(t, beginner.tx.rolledBack)
	})

	t.Run("失敗時はロールバックする", func(t *testing.T) {
		beginner := &fakeBeginner{tx: &fakeTx{}}
		fnErr := errors.New("insert failed")
		_, err := Transact(context.Background(), beginner, func(pgx.Tx) (int, error) {
			return 0, fnErr
		})
		assert.ErrorIs(t, err, fnErr)
		assert.True(t, beginner.tx.rolledBack)
		assert.False(t, beginner.tx.committed)
	})

	t.Run("ロールバックの失敗も元のエラーを保持する", func(t *testing.T) {
		beginner := &fakeBeginner{tx: &fakeTx{rollbackErr: errors.New("conn closed")}}
		fnErr := errors.New("insert failed")
		_, err := Transact(context.Background(), beginner, func(pgx.Tx) (int, error) {
			return 0, fnErr
		})
		assert.ErrorIs(t, err, fnErr)
		assert.Contains(t, err.Error(), "conn closed")
	})

	t.Run("開始に失敗", func(t *testing.T) {
		beginErr := errors.New("pool exhausted")
		_, err := Transact(context.Background(), &fakeBeginner{err: beginErr}, func(pgx.Tx) (int, error) {
			t.Fatal("fn must not be called")
			return 0, nil
		})
		assert.ErrorIs(t, err, beginErr)
	})
}
