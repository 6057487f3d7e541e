// Package models holds the broadcast metadata shared by the write path (upload
// queue, session) and the read path (catalog).
package models

import (
	"fmt"
	"time"
)

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// StreamMetadata is what the client sends when it asks the server to create a stream.
type StreamMetadata struct {
	Title      string      `json:"title,omitempty"`
	Preset     string      `json:"preset"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Bitrate    int         `json:"bitrate"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
}

// Stream is a broadcast as the metadata API reports it.
type Stream struct {
	ID         string      `json:"id"`
	AuthorID   string      `json:"author_id"`
	Title      string      `json:"title,omitempty"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	PreviewURL string      `json:"preview_url,omitempty"`
	Live       bool        `json:"live"`
	CreatedAt  time.Time   `json:"created_at"`
	StoppedAt  *time.Time  `json:"stopped_at,omitempty"`
}

// StreamUpdate is a partial update of a stream; nil fields are left unchanged.
type StreamUpdate struct {
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	PreviewURL *string     `json:"preview_url,omitempty"`
}

// Viewer is one user who watched a stream.
type Viewer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	WatchedAt time.Time `json:"watched_at"`
}

// Application holds the file store credentials granted on app registration.
type Application struct {
	ID             string `json:"id"`
	AuthorID       string `json:"author_id"`
	StorageBaseURL string `json:"storage_base_url"`
	StorageToken   string `json:"storage_token"`
	PlaybackURL    string `json:"playback_base_url,omitempty"`
}
