package server

import (
	"time"

	"tradeloop/internal/daemon"
	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

// Request payloads

type UpdateFlagsRequest struct {
	Filename string `json:"filename" minLength:"1"`
	Add      string `json:"add,omitempty" example:"I"`
	Remove   string `json:"remove,omitempty"`
}

type PruneRequest struct {
	MaxAgeDays *int `json:"max_age_days,omitempty"`
	MaxCount   *int `json:"max_count,omitempty"`
}

// Response payloads

type EntryInfoResponse struct {
	Filename  string `json:"filename"`
	ID        string `json:"id"`
	Host      string `json:"host"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Flags     string `json:"flags"`
}

type EntryResponse struct {
	Filename  string           `json:"filename"`
	Location  string           `json:"location" enum:"staging,inbox,archive"`
	Flags     string           `json:"flags"`
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Source    string           `json:"source"`
	CreatedAt string           `json:"created_at" format:"date-time"`
	Payload   map[string]any   `json:"payload"`
	Metadata  *domain.Metadata `json:"metadata,omitempty"`
}

type StatusResponse struct {
	Counts map[string]int `json:"counts"`
	Daemon *daemon.Status `json:"daemon,omitempty"`
}

type UpdateFlagsResponse struct {
	Filename string `json:"filename"`
	Flags    string `json:"flags"`
}

type PruneResponse struct {
	ByAge   int `json:"by_age"`
	ByCount int `json:"by_count"`
}

type paginatedEntries struct {
	Items      []EntryInfoResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type entryList struct {
	Items []EntryInfoResponse `json:"items"`
}

// Conversion helpers

func entryInfoResponse(info memdir.Info) EntryInfoResponse {
	return EntryInfoResponse{
		Filename:  info.Filename,
		ID:        info.ID,
		Host:      info.Host,
		Timestamp: info.Timestamp.UTC().Format(time.RFC3339Nano),
		Flags:     string(info.Flags),
	}
}

func entryResponse(loc memdir.Location, info memdir.Info, e domain.Entry) EntryResponse {
	payload := map[string]any(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EntryResponse{
		Filename:  info.Filename,
		Location:  string(loc),
		Flags:     string(info.Flags),
		ID:        e.ID,
		Kind:      string(e.Kind),
		Source:    e.Source,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
		Metadata:  e.Metadata,
	}
}
