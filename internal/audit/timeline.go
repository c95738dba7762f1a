package audit

import "time"

// Filters narrows an audit query. Zero fields are unconstrained.
type Filters struct {
	From       time.Time
	To         time.Time
	ActorID    string
	ActorType  string
	Action     string
	Resource   string
	ResourceID string
	Page       int
	PageSize   int
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps one page of entries.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}
