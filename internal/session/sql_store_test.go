package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OnyxLab-Core/internal/artifact"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/payment"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/internal/storage/database"
)

// openSQLStores 连接 ONYX_TEST_MYSQL_DSN 或 ONYX_TEST_POSTGRES_DSN 指定的测试库，未设置时跳过。
func openSQLStores(t *testing.T) map[string]*SQLStore {
	t.Helper()
	targets := map[string]string{
		"mysql":    os.Getenv("ONYX_TEST_MYSQL_DSN"),
		"postgres": os.Getenv("ONYX_TEST_POSTGRES_DSN"),
	}
	stores := make(map[string]*SQLStore)
	for driver, dsn := range targets {
		if dsn == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, dialect, err := database.Open(ctx, database.Config{Driver: driver, DSN: dsn})
		cancel()
		require.NoError(t, err)
		_, err = database.Migrate(context.Background(), db, dialect)
		require.NoError(t, err)
		store, err := NewSQLStore(db, dialect)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		stores[driver] = store
	}
	if len(stores) == 0 {
		t.Skip("未设置 ONYX_TEST_MYSQL_DSN / ONYX_TEST_POSTGRES_DSN，跳过 SQL 存储测试")
	}
	return stores
}

func TestSQLStoreLifecycle(t *testing.T) {
	for driver, store := range openSQLStores(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			id := uuid.NewString()
			s := &Session{ID: id, WalletAddress: normalizeWallet(testWallet), Prompt: "监控 ETH 价格", Status: StatusIdle, CreatedAt: now, UpdatedAt: now}
			require.NoError(t, store.CreateSession(ctx, s))

			next := cloneSession(s)
			next.Status = StatusDeploying
			next.PendingBundle = &artifact.Bundle{WorkflowYAML: "name: x", FunctionJS: "export default 1"}
			require.NoError(t, store.UpdateSession(ctx, next, StatusIdle))
			assert.ErrorIs(t, store.UpdateSession(ctx, next, StatusIdle), ErrStaleSession)

			got, err := store.GetSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusDeploying, got.Status)
			require.NotNil(t, got.PendingBundle)
			assert.Equal(t, "name: x", got.PendingBundle.WorkflowYAML)
			assert.True(t, got.CreatedAt.Equal(now))

			for i := 0; i < 2; i++ {
				it := &proposal.Iteration{SessionID: id, Diagram: "flowchart TD\nA-->B", CreatedAt: now}
				require.NoError(t, store.AppendIteration(ctx, it))
				assert.Equal(t, i+1, it.Number)
			}
			require.NoError(t, store.ApproveIteration(ctx, id, 1))
			require.NoError(t, store.ApproveIteration(ctx, id, 2))
			iterations, err := store.ListIterations(ctx, id)
			require.NoError(t, err)
			require.Len(t, iterations, 2)
			assert.False(t, iterations[0].Approved)
			assert.True(t, iterations[1].Approved)

			p := &payment.Payment{ID: uuid.NewString(), SessionID: id, Protocol: "x402", Amount: "0.002", AmountWei: "2000000000000000",
				Recipient: "0x1111111111111111111111111111111111111111", Status: payment.StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
			require.NoError(t, store.CreatePayment(ctx, p))
			hash := txHash(int(now.UnixNano() % 1_000_000_000))
			require.NoError(t, store.AttachTransaction(ctx, p.ID, hash))
			require.NoError(t, store.MarkVerified(ctx, p.ID, 9, now))
			require.NoError(t, store.MarkVerified(ctx, p.ID, 10, now.Add(time.Minute)))
			err = store.MarkFailed(ctx, p.ID, "X", "late")
			assert.Equal(t, xerrors.CodeAlreadyCompleted, xerrors.CodeOf(err))

			verified, err := store.VerifiedPayment(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, uint64(9), verified.BlockNumber)

			d := &DeployedWorkflow{SessionID: id, DeploymentID: "cre_wf_sql", WorkflowYAML: "name: x", FunctionJS: "export default 1",
				Status: DeploymentActive, Attempts: 1, PaymentID: p.ID, DeployedAt: now.Add(time.Second)}
			require.NoError(t, store.CreateDeployment(ctx, d))
			err = store.CreateDeployment(ctx, d)
			assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

			stats, err := store.WalletStats(ctx, testWallet)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, stats.TotalSessions, 1)
			assert.GreaterOrEqual(t, stats.TotalWorkflows, 1)
		})
	}
}
