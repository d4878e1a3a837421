package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

func TestPaymentStore_RecordTx(t *testing.T) {
	db := newTestDB(t)
	store := NewPaymentStore(db)
	acct := createTestAccount(t, db, "user@example.com")

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return store.RecordTx(context.Background(), tx, &models.Payment{
			AccountID:   acct.ID,
			GrantType:   models.GrantTopup,
			Credits:     50,
			AmountCents: 999,
			ExternalRef: "evt_pay_1",
		})
	})
	require.NoError(t, err)

	payments, err := store.ListForAccount(context.Background(), acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.GrantTopup, payments[0].GrantType)
	assert.Equal(t, int64(50), payments[0].Credits)
	assert.Equal(t, int64(999), payments[0].AmountCents)
	assert.Equal(t, "usd", payments[0].Currency)
	assert.Equal(t, "evt_pay_1", payments[0].ExternalRef)
}

func TestPaymentStore_RecordTx_DuplicateRefIgnored(t *testing.T) {
	db := newTestDB(t)
	store := NewPaymentStore(db)
	acct := createTestAccount(t, db, "user@example.com")

	record := func(credits int64) error {
		return db.WithTx(context.Background(), func(tx *sql.Tx) error {
			return store.RecordTx(context.Background(), tx, &models.Payment{
				AccountID:   acct.ID,
				GrantType:   models.GrantSubscription,
				Credits:     credits,
				ExternalRef: "evt_pay_dup",
			})
		})
	}

	require.NoError(t, record(20))
	require.NoError(t, record(999))

	// Second insert with the same ref is a no-op, first row wins
	payments, err := store.ListForAccount(context.Background(), acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(20), payments[0].Credits)
}

func TestPaymentStore_ListForAccount_Limit(t *testing.T) {
	db := newTestDB(t)
	store := NewPaymentStore(db)
	acct := createTestAccount(t, db, "user@example.com")

	for i := 0; i < 3; i++ {
		ref := string(rune('a' + i))
		err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
			return store.RecordTx(context.Background(), tx, &models.Payment{
				AccountID:   acct.ID,
				GrantType:   models.GrantTopup,
				Credits:     10,
				ExternalRef: "evt_" + ref,
			})
		})
		require.NoError(t, err)
	}

	payments, err := store.ListForAccount(context.Background(), acct.ID, 2)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}
