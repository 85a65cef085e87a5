package models

import "time"

// CopyRule replicates events one way between two locally tracked calendars.
// Source and destination may belong to different accounts. The source ≠
// destination constraint is enforced at the service layer, not re-checked
// by the engine.
type CopyRule struct {
	ID             string     `db:"id" json:"id"`
	SourceCalID    string     `db:"source_cal_id" json:"source_cal_id"`
	DestCalID      string     `db:"dest_cal_id" json:"dest_cal_id"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	LastExecutedAt *time.Time `db:"last_executed_at" json:"last_executed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// CopiedEventLink records one replicated event. The union of DestEventID
// across every link of every rule is excluded from any rule's source scan;
// that exclusion is what keeps an A→B plus B→A pair from copying forever.
type CopiedEventLink struct {
	ID            string    `db:"id" json:"id"`
	RuleID        string    `db:"rule_id" json:"rule_id"`
	SourceEventID string    `db:"source_event_id" json:"source_event_id"`
	DestEventID   string    `db:"dest_event_id" json:"dest_event_id"`
	SourceETag    *string   `db:"source_etag" json:"source_etag,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// CopyResult aggregates one rule execution.
type CopyResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}
