package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	apitesting "github.com/hearthworks/tally/api/testing"
	"github.com/hearthworks/tally/ledger/pkg/outbox"
	tallytesting "github.com/hearthworks/tally/utils/pkg/testing"
)

func testStore(t *testing.T, clock clockwork.Clock) *Store {
	pool := apitesting.NewTestPool(t, sharedDB)
	log := tallytesting.NewLogger()

	emitter, err := outbox.NewEmitter(outbox.Config{Logger: log, Pool: pool})
	require.NoError(t, err)

	s, err := New(Config{
		Logger:         log,
		Pool:           pool,
		Clock:          clock,
		Outbox:         emitter,
		ReservationTTL: 15 * time.Minute,
	})
	require.NoError(t, err)
	return s
}

func fundedAccount(t *testing.T, s *Store, amounts ...int64) Account {
	ctx := t.Context()
	account, err := s.CreateAccount(ctx, AccountAgent)
	require.NoError(t, err)
	for i, amount := range amounts {
		res, err := s.Deposit(ctx, account.ID, amount, uuid.NewString())
		require.NoError(t, err)
		require.True(t, res.Created, "deposit %d should mint a lot", i)
	}
	return account
}

func TestTally_Store_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			s, err := New(Config{})
			require.Error(t, err)
			require.Nil(t, s)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing pool", func(t *testing.T) {
			t.Parallel()
			s, err := New(Config{Logger: tallytesting.NewLogger()})
			require.Error(t, err)
			require.Nil(t, s)
			require.Contains(t, err.Error(), "postgres pool is required")
		})
	})
}

func TestTally_Store_Deposit(t *testing.T) {
	t.Parallel()
	s := testStore(t, clockwork.NewRealClock())
	ctx := t.Context()

	t.Run("mints a lot and derives balance", func(t *testing.T) {
		account := fundedAccount(t, s, 5_000_000)
		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(5_000_000), balance)
	})

	t.Run("duplicate payment reference is a no-op", func(t *testing.T) {
		account, err := s.CreateAccount(ctx, AccountPerson)
		require.NoError(t, err)

		ref := uuid.NewString()
		first, err := s.Deposit(ctx, account.ID, 1_000_000, ref)
		require.NoError(t, err)
		require.True(t, first.Created)

		second, err := s.Deposit(ctx, account.ID, 1_000_000, ref)
		require.NoError(t, err)
		require.False(t, second.Created)
		require.Equal(t, first.Lot.ID, second.Lot.ID)

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_000_000), balance)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		account, err := s.CreateAccount(ctx, AccountPerson)
		require.NoError(t, err)
		_, err = s.Deposit(ctx, account.ID, 0, uuid.NewString())
		require.ErrorIs(t, err, ErrValidation)
	})
}

func TestTally_Store_Reserve(t *testing.T) {
	t.Parallel()
	s := testStore(t, clockwork.NewRealClock())
	ctx := t.Context()

	t.Run("draws lots oldest first", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000, 2_000_000)

		res, err := s.Reserve(ctx, account.ID, 1_500_000, uuid.NewString())
		require.NoError(t, err)
		require.True(t, res.Created)
		require.Equal(t, ReservationPending, res.Reservation.Status)

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_500_000), balance)

		// The first (oldest) lot must be fully drained before the second
		// lot is touched.
		var remaining []int64
		rows, err := s.Pool().Query(ctx, `
			SELECT remaining_micro FROM lots WHERE account_id = $1 ORDER BY created_at, id
		`, account.ID)
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var r int64
			require.NoError(t, rows.Scan(&r))
			remaining = append(remaining, r)
		}
		require.NoError(t, rows.Err())
		require.Equal(t, []int64{0, 1_500_000}, remaining)
	})

	t.Run("same idempotency key returns existing reservation", func(t *testing.T) {
		account := fundedAccount(t, s, 3_000_000)

		key := uuid.NewString()
		first, err := s.Reserve(ctx, account.ID, 1_000_000, key)
		require.NoError(t, err)
		require.True(t, first.Created)

		second, err := s.Reserve(ctx, account.ID, 1_000_000, key)
		require.NoError(t, err)
		require.False(t, second.Created)
		require.Equal(t, first.Reservation.ID, second.Reservation.ID)

		// No double deduction.
		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2_000_000), balance)
	})

	t.Run("insufficient balance leaves lots untouched", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000)

		_, err := s.Reserve(ctx, account.ID, 2_000_000, uuid.NewString())
		require.ErrorIs(t, err, ErrInsufficientBalance)

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_000_000), balance)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000)
		_, err := s.Reserve(ctx, account.ID, -5, uuid.NewString())
		require.ErrorIs(t, err, ErrValidation)
	})
}

func TestTally_Store_Finalize(t *testing.T) {
	t.Parallel()
	s := testStore(t, clockwork.NewRealClock())
	ctx := t.Context()

	t.Run("returns surplus to originating lots", func(t *testing.T) {
		account := fundedAccount(t, s, 2_000_000)

		res, err := s.Reserve(ctx, account.ID, 1_000_000, uuid.NewString())
		require.NoError(t, err)

		require.NoError(t, s.Finalize(ctx, res.Reservation.ID, 600_000))

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_400_000), balance)

		r, err := s.GetReservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationFinalized, r.Status)
	})

	t.Run("zero-cost finalize restores everything", func(t *testing.T) {
		account := fundedAccount(t, s, 2_000_000)

		res, err := s.Reserve(ctx, account.ID, 1_000_000, uuid.NewString())
		require.NoError(t, err)
		require.NoError(t, s.Finalize(ctx, res.Reservation.ID, 0))

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2_000_000), balance)
	})

	t.Run("actual above reserved draws the difference", func(t *testing.T) {
		account := fundedAccount(t, s, 2_000_000)

		res, err := s.Reserve(ctx, account.ID, 500_000, uuid.NewString())
		require.NoError(t, err)
		require.NoError(t, s.Finalize(ctx, res.Reservation.ID, 800_000))

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_200_000), balance)
	})

	t.Run("actual above reserved and balance fails without partial effect", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000)

		res, err := s.Reserve(ctx, account.ID, 800_000, uuid.NewString())
		require.NoError(t, err)
		err = s.Finalize(ctx, res.Reservation.ID, 1_500_000)
		require.ErrorIs(t, err, ErrInsufficientBalance)

		// Reservation still pending, hold still in place.
		r, err := s.GetReservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationPending, r.Status)
		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(200_000), balance)
	})

	t.Run("terminal reservation rejects finalize", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000)

		res, err := s.Reserve(ctx, account.ID, 500_000, uuid.NewString())
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, res.Reservation.ID))

		err = s.Finalize(ctx, res.Reservation.ID, 100_000)
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("negative cost rejected", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000)
		res, err := s.Reserve(ctx, account.ID, 500_000, uuid.NewString())
		require.NoError(t, err)
		require.ErrorIs(t, s.Finalize(ctx, res.Reservation.ID, -1), ErrValidation)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		require.ErrorIs(t, s.Finalize(ctx, uuid.New(), 100), ErrNotFound)
	})
}

func TestTally_Store_Release(t *testing.T) {
	t.Parallel()
	s := testStore(t, clockwork.NewRealClock())
	ctx := t.Context()

	t.Run("restores the full reserved amount", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000, 500_000)

		res, err := s.Reserve(ctx, account.ID, 1_200_000, uuid.NewString())
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, res.Reservation.ID))

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_500_000), balance)

		r, err := s.GetReservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationReleased, r.Status)
	})

	t.Run("double release rejected", func(t *testing.T) {
		account := fundedAccount(t, s, 1_000_000)
		res, err := s.Reserve(ctx, account.ID, 500_000, uuid.NewString())
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, res.Reservation.ID))
		require.ErrorIs(t, s.Release(ctx, res.Reservation.ID), ErrInvalidState)
	})
}

// Deliberately not parallel: the sweep is global and the fake clock sits in
// the future, so it would expire pending reservations belonging to tests
// running at the same time.
func TestTally_Store_ExpireSweep(t *testing.T) {
	t.Run("expires stale pending reservations and restores holds", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.Now())
		s := testStore(t, clock)
		ctx := t.Context()

		account := fundedAccount(t, s, 1_000_000)
		res, err := s.Reserve(ctx, account.ID, 700_000, uuid.NewString())
		require.NoError(t, err)

		// Within TTL: nothing to expire for this account's reservation.
		clock.Advance(1 * time.Minute)
		_, err = s.ExpireSweep(ctx)
		require.NoError(t, err)
		r, err := s.GetReservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationPending, r.Status)

		clock.Advance(20 * time.Minute)
		n, err := s.ExpireSweep(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1)

		r, err = s.GetReservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationExpired, r.Status)

		balance, err := s.Balance(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_000_000), balance)
	})

	t.Run("skips concurrently finalized reservations", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.Now())
		s := testStore(t, clock)
		ctx := t.Context()

		account := fundedAccount(t, s, 1_000_000)
		res, err := s.Reserve(ctx, account.ID, 400_000, uuid.NewString())
		require.NoError(t, err)

		// Finalized after the reservation went stale but before the sweep.
		clock.Advance(30 * time.Minute)
		require.NoError(t, s.Finalize(ctx, res.Reservation.ID, 400_000))

		_, err = s.ExpireSweep(ctx)
		require.NoError(t, err)

		r, err := s.GetReservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		require.Equal(t, ReservationFinalized, r.Status)
	})
}

func TestTally_Store_Transfer(t *testing.T) {
	t.Parallel()
	s := testStore(t, clockwork.NewRealClock())
	ctx := t.Context()

	t.Run("moves funds between accounts", func(t *testing.T) {
		from := fundedAccount(t, s, 2_000_000)
		to, err := s.CreateAccount(ctx, AccountCommunity)
		require.NoError(t, err)

		require.NoError(t, s.Transfer(ctx, from.ID, to.ID, 750_000, uuid.NewString()))

		fromBalance, err := s.Balance(ctx, from.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1_250_000), fromBalance)

		toBalance, err := s.Balance(ctx, to.ID)
		require.NoError(t, err)
		require.Equal(t, int64(750_000), toBalance)
	})

	t.Run("insufficient source balance", func(t *testing.T) {
		from := fundedAccount(t, s, 100)
		to, err := s.CreateAccount(ctx, AccountCommunity)
		require.NoError(t, err)
		require.ErrorIs(t, s.Transfer(ctx, from.ID, to.ID, 200, uuid.NewString()), ErrInsufficientBalance)
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		account := fundedAccount(t, s, 100)
		require.ErrorIs(t, s.Transfer(ctx, account.ID, account.ID, 50, uuid.NewString()), ErrValidation)
	})
}

func TestTally_Store_LotConservation(t *testing.T) {
	t.Parallel()
	s := testStore(t, clockwork.NewRealClock())
	ctx := t.Context()

	// Drive a lot through reserve/finalize/release cycles and verify
	// remaining + pending holds + consumed always equals original.
	account := fundedAccount(t, s, 10_000_000)

	r1, err := s.Reserve(ctx, account.ID, 3_000_000, uuid.NewString())
	require.NoError(t, err)
	r2, err := s.Reserve(ctx, account.ID, 2_000_000, uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, s.Finalize(ctx, r1.Reservation.ID, 2_500_000))
	require.NoError(t, s.Release(ctx, r2.Reservation.ID))

	var remaining, held, consumed int64
	err = s.Pool().QueryRow(ctx, `
		SELECT
			l.remaining_micro,
			COALESCE(SUM(rl.held_micro) FILTER (WHERE r.status = 'pending'), 0),
			COALESCE(SUM(rl.consumed_micro), 0)
		FROM lots l
		LEFT JOIN reservation_lots rl ON rl.lot_id = l.id
		LEFT JOIN reservations r ON r.id = rl.reservation_id
		WHERE l.account_id = $1
		GROUP BY l.id
	`, account.ID).Scan(&remaining, &held, &consumed)
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), remaining+held+consumed)
	require.Equal(t, int64(2_500_000), consumed)
}
