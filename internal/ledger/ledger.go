package ledger

import (
	"context"
	"time"
)

// Attempt is one recorded verification outcome.
type Attempt struct {
	ID        int64     `db:"id" json:"id"`
	ClientIP  string    `db:"client_ip" json:"client_ip"`
	Provider  string    `db:"provider" json:"provider"`
	Success   bool      `db:"success" json:"success"`
	Score     *float64  `db:"score" json:"score,omitempty"`
	Service   *string   `db:"service" json:"service,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type ProviderStats struct {
	Provider string `db:"provider" json:"provider"`
	Total    int64  `db:"total" json:"total"`
	Success  int64  `db:"success" json:"success"`
	Failed   int64  `db:"failed" json:"failed"`
}

// Stats summarizes attempts since a point in time.
type Stats struct {
	Total        int64           `json:"total"`
	Success      int64           `json:"success"`
	Failed       int64           `json:"failed"`
	SuccessRate  float64         `json:"success_rate"`
	LockedOutIPs int             `json:"locked_out_ips"`
	ByProvider   []ProviderStats `json:"by_provider"`
}

// Ledger is the append-only attempt log used for lockout and reporting.
type Ledger interface {
	Append(ctx context.Context, a Attempt) error
	// CountFailures counts failed attempts from ip at or after since.
	CountFailures(ctx context.Context, ip string, since time.Time) (int, error)
	// OldestFailure returns the earliest failure from ip at or after since.
	OldestFailure(ctx context.Context, ip string, since time.Time) (time.Time, bool, error)
	// CountLockedOutIPs counts IPs with at least threshold failures since since.
	CountLockedOutIPs(ctx context.Context, since time.Time, threshold int) (int, error)
	Stats(ctx context.Context, since, lockoutSince time.Time, threshold int) (Stats, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecentFailures reports the failure count used as the suspicious-mode signal.
func RecentFailures(ctx context.Context, l Ledger, ip string, since time.Time) (int, error) {
	return l.CountFailures(ctx, ip, since)
}

func finishStats(st *Stats) {
	st.Failed = st.Total - st.Success
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total)
	}
	if st.ByProvider == nil {
		st.ByProvider = []ProviderStats{}
	}
}
