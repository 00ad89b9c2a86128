package models

import "time"

// ServerHealth is the status snapshot for one backend within a group.
type ServerHealth struct {
	Address           string    `json:"address"`
	Status            string    `json:"status"`
	Disabled          bool      `json:"disabled"`
	ActiveConns       int64     `json:"active_conns"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
}

// GroupHealth is the status snapshot for one upstream group.
type GroupHealth struct {
	Name    string         `json:"name"`
	Policy  string         `json:"policy"`
	Servers []ServerHealth `json:"servers"`
}

// HealthSummaryResponse is the overall GET /health response: one entry
// per configured upstream group.
type HealthSummaryResponse struct {
	Status string        `json:"status"`
	Groups []GroupHealth `json:"groups"`
}

// ProbeHistoryEntry is one recorded probe outcome, oldest first.
type ProbeHistoryEntry struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Err     string    `json:"error,omitempty"`
}

// ServerHealthDetailResponse is the GET /health/server/<addr> response.
type ServerHealthDetailResponse struct {
	ServerHealth
	History []ProbeHistoryEntry `json:"history"`
}
