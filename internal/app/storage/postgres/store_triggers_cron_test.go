package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ListCronBundles loads every enabled, cron-scheduled trigger and then its
// actions, skipping condition rows entirely (a cron fire has no originating
// event to evaluate conditions against).
func TestListCronBundles_LoadsTriggerThenActions(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	triggerCols := []string{"id", "organization_id", "name", "description", "chain_id", "registry", "enabled", "is_stateful", "cron_schedule", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at\s+FROM triggers WHERE enabled = true AND cron_schedule <> ''`).
		WillReturnRows(sqlmock.NewRows(triggerCols).
			AddRow("trg-1", "org-1", "daily report", "", int64(1), "identity", true, false, "0 0 * * *", now, now))

	actionCols := []string{"id", "trigger_id", "action_type", "priority", "config"}
	mock.ExpectQuery(`SELECT id, trigger_id, action_type, priority, config\s+FROM trigger_actions WHERE trigger_id = \$1 ORDER BY priority ASC, id ASC`).
		WithArgs("trg-1").
		WillReturnRows(sqlmock.NewRows(actionCols).
			AddRow("act-1", "trg-1", "webhook", 0, pq.StringArray{"url=https://example.com/hook"}))

	bundles, err := s.ListCronBundles(context.Background())
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "trg-1", bundles[0].Trigger.ID)
	assert.Equal(t, "0 0 * * *", bundles[0].Trigger.CronSchedule)
	require.Len(t, bundles[0].Actions, 1)
	assert.Equal(t, "https://example.com/hook", bundles[0].Actions[0].Config["url"])
	require.NoError(t, mock.ExpectationsWereMet())
}

// No enabled cron triggers means no second query round-trip at all.
func TestListCronBundles_EmptyWhenNoCronTriggers(t *testing.T) {
	s, mock := newMockStore(t)
	triggerCols := []string{"id", "organization_id", "name", "description", "chain_id", "registry", "enabled", "is_stateful", "cron_schedule", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at\s+FROM triggers WHERE enabled = true AND cron_schedule <> ''`).
		WillReturnRows(sqlmock.NewRows(triggerCols))

	bundles, err := s.ListCronBundles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bundles)
	require.NoError(t, mock.ExpectationsWereMet())
}
