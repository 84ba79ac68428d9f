package schema

import "github.com/roach88/ledgersync/internal/model"

// Service table names.
const (
	ProgressTable      = "progress"
	SyncQueueTable     = "sync_queue"
	SyncUserStepsTable = "sync_user_steps"
)

// activeQueueStates is the SQL list of non-terminal queue states.
const activeQueueStates = "('queued', 'running')"

// ServiceTables returns the engine's own bookkeeping tables.
func ServiceTables() []Table {
	return []Table{
		{
			Name: ProgressTable,
			Fields: []Field{
				{Name: "_id", Type: Integer, PrimaryKey: true},
				{Name: "owner_id", Type: Text, NotNull: true, Default: "''"},
				{Name: "run_id", Type: Text},
				{Name: "value", Type: Real, NotNull: true, Default: "0"},
				{Name: "state", Type: Text, NotNull: true},
				{Name: "error", Type: Text},
				{Name: "lease_until", Type: Integer},
			},
			UniqueIndexes: []Index{
				{Name: "progress_owner_uniq", Columns: []string{"owner_id"}},
			},
			WithTimestamps: true,
		},
		{
			Name: SyncQueueTable,
			Fields: []Field{
				{Name: "_id", Type: Integer, PrimaryKey: true},
				{Name: "coll_name", Type: Text, NotNull: true},
				{Name: "state", Type: Text, NotNull: true},
				{Name: "error", Type: Text},
				{Name: "owner_id", Type: Text},
				{Name: "is_owner_scheduler", Type: Integer, NotNull: true, Default: "0"},
			},
			UniqueIndexes: []Index{
				// Scheduler partition has no owner.
				{
					Name:    "sync_queue_scheduler_active_uniq",
					Columns: []string{"coll_name"},
					Where:   "owner_id IS NULL AND state IN " + activeQueueStates,
				},
				{
					Name:    "sync_queue_owner_active_uniq",
					Columns: []string{"owner_id", "coll_name"},
					Where:   "owner_id IS NOT NULL AND state IN " + activeQueueStates,
				},
			},
			Indexes: []Index{
				{Name: "sync_queue_owner_state_idx", Columns: []string{"owner_id", "state", "_id"}},
			},
			WithTimestamps: true,
		},
		{
			Name: SyncUserStepsTable,
			Fields: []Field{
				{Name: "_id", Type: Integer, PrimaryKey: true},
				{Name: "coll_name", Type: Text, NotNull: true},
				{Name: "owner_id", Type: Text},
				{Name: "sub_owner_id", Type: Text},
				{Name: "base_start", Type: Integer},
				{Name: "base_end", Type: Integer},
				{Name: "is_base_step_ready", Type: Integer, NotNull: true, Default: "0"},
				{Name: "curr_start", Type: Integer},
				{Name: "curr_end", Type: Integer},
				{Name: "is_curr_step_ready", Type: Integer, NotNull: true, Default: "0"},
				{Name: "synced_at", Type: Integer},
				{Name: "sync_queue_id", Type: Integer},
			},
			UniqueIndexes: []Index{
				// Public collections.
				{
					Name:    "sync_user_steps_public_uniq",
					Columns: []string{"coll_name"},
					Where:   "owner_id IS NULL",
				},
				// Private collections.
				{
					Name:    "sync_user_steps_owner_uniq",
					Columns: []string{"owner_id", "coll_name"},
					Where:   "owner_id IS NOT NULL AND sub_owner_id IS NULL",
				},
				// Private collections of a sub-account.
				{
					Name:    "sync_user_steps_sub_owner_uniq",
					Columns: []string{"owner_id", "sub_owner_id", "coll_name"},
					Where:   "owner_id IS NOT NULL AND sub_owner_id IS NOT NULL",
				},
			},
			WithTimestamps: true,
		},
	}
}

// CollectionTable derives the storage table of a catalog collection.
func CollectionTable(c model.Collection) Table {
	return Table{
		Name: c.Name,
		Fields: []Field{
			{Name: "_id", Type: Integer, PrimaryKey: true},
			{Name: "owner_id", Type: Text, NotNull: true, Default: "''"},
			{Name: "sub_owner_id", Type: Text, NotNull: true, Default: "''"},
			{Name: "rec_key", Type: Text, NotNull: true},
			{Name: "mts", Type: Integer, NotNull: true},
			{Name: "amount", Type: Real},
			{Name: "currency", Type: Text},
			{Name: "amount_usd", Type: Real},
			{Name: "balance", Type: Real},
			{Name: "payload", Type: Text, NotNull: true},
		},
		UniqueIndexes: []Index{
			{Name: c.Name + "_key_uniq", Columns: []string{"owner_id", "sub_owner_id", "rec_key"}},
		},
		Indexes: []Index{
			{Name: c.Name + "_window_idx", Columns: []string{"owner_id", "sub_owner_id", "mts"}},
		},
		WithTimestamps: true,
	}
}
