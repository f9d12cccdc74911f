// Package dto defines the request and response bodies of the v1 HTTP API.
package dto

import "time"

// ViewportRequest is one pan/zoom settle event from the map widget.
type ViewportRequest struct {
	South float64 `json:"south" validate:"gte=-90,lte=90"`
	West  float64 `json:"west" validate:"gte=-180,lte=180"`
	North float64 `json:"north" validate:"gte=-90,lte=90,gtfield=South"`
	East  float64 `json:"east" validate:"gte=-180,lte=180,gtfield=West"`
	Zoom  int     `json:"zoom" validate:"gte=0,lte=22"`
}

// ViewportResponse reports what the event left queued for preloading.
type ViewportResponse struct {
	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"in_flight"`
}

// CacheSettingsRequest updates the cache byte budget.
type CacheSettingsRequest struct {
	MaxBytes int64 `json:"max_bytes" validate:"gt=0"`
}

// PreloadSettingsRequest toggles preloading and optionally switches the
// provider it targets. Enabled is a pointer so an explicit false survives
// validation.
type PreloadSettingsRequest struct {
	Enabled  *bool  `json:"enabled" validate:"required"`
	Provider string `json:"provider" validate:"omitempty"`
}

// OfflineSettingsRequest toggles the app-wide offline mode.
type OfflineSettingsRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SettingsResponse echoes the state active after a settings update.
type SettingsResponse struct {
	MaxBytes       int64  `json:"max_bytes"`
	PreloadEnabled bool   `json:"preload_enabled"`
	Provider       string `json:"provider"`
	Offline        bool   `json:"offline"`
}

// StatusCheckRequest registers a client check-in.
type StatusCheckRequest struct {
	ClientName string `json:"client_name" validate:"required,max=128"`
}

// StatusCheck is one recorded client check-in.
type StatusCheck struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name"`
	Timestamp  time.Time `json:"timestamp"`
}
