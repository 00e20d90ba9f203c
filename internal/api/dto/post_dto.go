package dto

import "time"

// EnqueuePostsRequest represents the request body for enqueuing scheduled posts
type EnqueuePostsRequest struct {
	PostIDs     []string `json:"postIds" binding:"required,min=1,max=100,dive,required"`
	ForceRegion string   `json:"forceRegion" binding:"omitempty,region"`
	DelayMs     int64    `json:"delay" binding:"omitempty,min=0"`
	Priority    *int     `json:"priority" binding:"omitempty,min=0,max=10"`
}

// RetryPostsRequest represents the request body for retrying failed posts
type RetryPostsRequest struct {
	PostIDs []string `json:"postIds" binding:"required,min=1,max=100,dive,required"`
}

// ResultStatsRequest represents the timeframe query for result statistics
type ResultStatsRequest struct {
	Start time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End   time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
}
