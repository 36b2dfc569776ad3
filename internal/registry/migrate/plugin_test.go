package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_OrdersStepsOfOneDatastore(t *testing.T) {
	var ran []string
	step := func(name string) Migrator {
		return func(ctx context.Context, dsn string) error {
			require.Equal(t, "mem://x", dsn)
			ran = append(ran, name)
			return nil
		}
	}
	Register(Plugin{Name: "late", Datastore: "order-test", Order: 200, Migrate: step("late")})
	Register(Plugin{Name: "early", Datastore: "order-test", Order: 100, Migrate: step("early")})
	Register(Plugin{Name: "other", Datastore: "other-test", Order: 0, Migrate: step("other")})

	require.NoError(t, Run(context.Background(), "order-test", "mem://x"))
	require.Equal(t, []string{"early", "late"}, ran)
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	Register(Plugin{Name: "bad", Datastore: "fail-test", Order: 1, Migrate: func(context.Context, string) error {
		calls++
		return boom
	}})
	Register(Plugin{Name: "never", Datastore: "fail-test", Order: 2, Migrate: func(context.Context, string) error {
		calls++
		return nil
	}})

	err := Run(context.Background(), "fail-test", "")
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "migration bad failed")
	require.Equal(t, 1, calls)
}

func TestRun_UnknownDatastore(t *testing.T) {
	require.ErrorContains(t, Run(context.Background(), "nope", ""), `no migrations registered for datastore "nope"`)
}
