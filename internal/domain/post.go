package domain

import "time"

// JobMetadata is the job sub-document stored on a scheduled post
type JobMetadata struct {
	JobID      string     `json:"jobId"`
	QueueName  string     `json:"queueName"`
	Region     string     `json:"region"`
	Status     string     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ScheduledPost is the durable post record owned by the content layer
type ScheduledPost struct {
	ID              string         `json:"id"`
	SocialAccountID string         `json:"socialAccountId"`
	Platform        string         `json:"platform"`
	Caption         string         `json:"caption"`
	Hashtags        []string       `json:"hashtags"`
	AssetIDs        []string       `json:"assetIds"`
	ScheduledTime   time.Time      `json:"scheduledTime"`
	Timezone        string         `json:"timezone"`
	Priority        int            `json:"priority"`
	Status          string         `json:"status"`
	PublishedAt     *time.Time     `json:"publishedAt,omitempty"`
	PlatformPostID  string         `json:"platformPostId,omitempty"`
	PlatformURL     string         `json:"platformUrl,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	RetryCount      int            `json:"retryCount"`
	LastRetryAt     *time.Time     `json:"lastRetryAt,omitempty"`
	JobMetadata     *JobMetadata   `json:"jobMetadata,omitempty"`
	Analytics       map[string]any `json:"analytics,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// EnsureAnalytics returns the analytics map, creating it when absent
func (p *ScheduledPost) EnsureAnalytics() map[string]any {
	if p.Analytics == nil {
		p.Analytics = map[string]any{}
	}
	return p.Analytics
}

// SocialAccount is the platform account a post publishes through
type SocialAccount struct {
	ID                 string            `json:"id"`
	AccountID          string            `json:"accountId"`
	Platform           string            `json:"platform"`
	Name               string            `json:"name"`
	AccessToken        string            `json:"-"`
	AccessTokenSecret  string            `json:"-"`
	PageAccessTokens   map[string]string `json:"-"`
	ContentPreferences map[string]any    `json:"contentPreferences,omitempty"`
	IsActive           bool              `json:"isActive"`
	LastPost           *time.Time        `json:"lastPost,omitempty"`
	LastSync           *time.Time        `json:"lastSync,omitempty"`
}

// PreferredRegion returns the region stored in the account's content preferences
func (a *SocialAccount) PreferredRegion() string {
	if a.ContentPreferences == nil {
		return ""
	}
	region, _ := a.ContentPreferences["region"].(string)
	return region
}
