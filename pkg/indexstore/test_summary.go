package indexstore

import "time"

// TestSummary is the indexed result of one test in one build.
type TestSummary struct {
	ID         uint    `gorm:"primaryKey" json:"-"`
	BuildID    int64   `gorm:"not null;uniqueIndex:idx_ts_build_test" json:"build_id"`
	TestName   string  `gorm:"not null;uniqueIndex:idx_ts_build_test;index" json:"test_name"`
	GroupName  string  `json:"group_name"`
	Outcome    string  `gorm:"index" json:"outcome"`
	Problems   int     `json:"problems"`
	Samples    int     `json:"samples"`
	ElapsedSum float64 `json:"elapsed_sum"`

	// Response code histogram serialized as JSON.
	ResponseCodesJSON string `gorm:"type:text" json:"-"`

	IndexedAt time.Time `json:"indexed_at"`
}

// IndexedBuild records that the summaries of a build were exported.
type IndexedBuild struct {
	BuildID   int64 `gorm:"primaryKey;autoIncrement:false"`
	Tests     int
	IndexedAt time.Time
}
