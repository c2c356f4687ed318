package queue

import (
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
)

type JobType string

const (
	JobPostCreated       JobType = "post_created"
	JobPrivacyChanged    JobType = "privacy_changed"
	JobFriendshipChanged JobType = "friendship_changed"
	JobCleanup           JobType = "cleanup"
	JobBulkUpdate        JobType = "bulk_update"
)

var AllJobTypes = []JobType{JobPostCreated, JobPrivacyChanged, JobFriendshipChanged, JobCleanup, JobBulkUpdate}

// DefaultPriority is used when a job is enqueued without an explicit priority.
var DefaultPriority = map[JobType]int{
	JobPrivacyChanged:    9,
	JobFriendshipChanged: 7,
	JobPostCreated:       5,
	JobBulkUpdate:        3,
	JobCleanup:           1,
}

func (t JobType) Valid() bool {
	_, ok := DefaultPriority[t]
	return ok
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	MinPriority = 1
	MaxPriority = 10

	DefaultMaxAttempts = 3
)

// Job is a durable unit of feed maintenance work.
type Job struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index:idx_job_dequeue,priority:3" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	JobType         JobType     `gorm:"not null" json:"jobType"`
	UserID          *string     `gorm:"index" json:"userId,omitempty"`
	PostID          *string     `gorm:"index" json:"postId,omitempty"`
	AffectedUserIDs []string    `gorm:"serializer:json" json:"affectedUserIds,omitempty"`
	FeedTypes       []feed.Type `gorm:"serializer:json" json:"feedTypes,omitempty"`

	Priority    int       `gorm:"not null;index:idx_job_dequeue,priority:2" json:"priority"`
	Status      Status    `gorm:"not null;index:idx_job_dequeue,priority:1" json:"status"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int       `gorm:"not null" json:"maxAttempts"`
	AvailableAt time.Time `gorm:"not null" json:"availableAt"`

	ClaimToken   string     `json:"-"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func (Job) TableName() string { return "feed_generation_jobs" }

// Types returns the job's feed types, or every feed type when none were given.
func (j *Job) Types() []feed.Type {
	if len(j.FeedTypes) == 0 {
		return feed.AllTypes
	}
	return j.FeedTypes
}

func (j *Job) User() string {
	if j.UserID == nil {
		return ""
	}
	return *j.UserID
}

func (j *Job) Post() string {
	if j.PostID == nil {
		return ""
	}
	return *j.PostID
}

// Spec describes a job to enqueue.
type Spec struct {
	JobType         JobType     `json:"jobType"`
	UserID          string      `json:"userId,omitempty"`
	PostID          string      `json:"postId,omitempty"`
	AffectedUserIDs []string    `json:"affectedUserIds,omitempty"`
	FeedTypes       []feed.Type `json:"feedTypes,omitempty"`
	// Priority is 1..10, or 0 for the job type's default.
	Priority    int `json:"priority,omitempty"`
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// Stats counts jobs per status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
