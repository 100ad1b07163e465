package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/healthsync/healthsync/internal/domain/records"
)

// FeedEntry is one record in a delta pull.
type FeedEntry struct {
	ServerID      string          `json:"server_id"`
	ResourceType  string          `json:"resource_type"`
	Data          json.RawMessage `json:"data"`
	ServerVersion int             `json:"server_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted"`
}

// Feed is the response of a delta pull. Clients pass ServerTime as the next
// since value.
type Feed struct {
	Changes    []FeedEntry `json:"changes"`
	ServerTime time.Time   `json:"server_time"`
}

// DeltaFeed serves records changed after a point in time.
type DeltaFeed struct {
	records records.RecordRepository
	now     Clock
}

func NewDeltaFeed(recs records.RecordRepository, now Clock) *DeltaFeed {
	if now == nil {
		now = SystemClock
	}
	return &DeltaFeed{records: recs, now: now}
}

// ChangesSince returns every record with updated_at strictly after since,
// tombstones included. ServerTime is read before the query, so a record
// stamped at or after it is returned again by the next pull. A write stamped
// before ServerTime whose transaction commits after the query is missed by
// both pulls.
func (f *DeltaFeed) ChangesSince(ctx context.Context, since time.Time) (*Feed, error) {
	serverTime := f.now()
	recs, err := f.records.ChangedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	feed := &Feed{Changes: make([]FeedEntry, 0, len(recs)), ServerTime: serverTime}
	for _, r := range recs {
		feed.Changes = append(feed.Changes, FeedEntry{
			ServerID:      r.ID.String(),
			ResourceType:  r.ResourceType,
			Data:          r.Data,
			ServerVersion: r.ServerVersion,
			UpdatedAt:     r.UpdatedAt,
			Deleted:       r.Deleted,
		})
	}
	return feed, nil
}
