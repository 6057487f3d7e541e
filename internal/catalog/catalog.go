// Package catalog is the read path: paginated stream and viewer listings.
// Failures are returned to the caller as they happen; nothing is retried.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"broadcast-uploader/internal/api"
	"broadcast-uploader/internal/models"
)

// PageSize is fixed by the server.
const PageSize = 30

var (
	ErrMissingAuthor = errors.New("catalog: author id is required")
	ErrMissingStream = errors.New("catalog: stream id is required")
)

// Source is the part of the metadata API the reader uses.
type Source interface {
	ListStreams(ctx context.Context, q api.StreamQuery) (api.Page[models.Stream], error)
	ListViewers(ctx context.Context, streamID string, until *time.Time, limit int) (api.Page[models.Viewer], error)
	DeleteStream(ctx context.Context, streamID string) error
}

// Reader lists streams and viewers from the platform API.
type Reader struct {
	src          Source
	playbackBase func() string
	log          *slog.Logger
}

// NewReader returns a reader over src. playbackBase yields the base URL
// streams are played from; it may change after app registration.
func NewReader(src Source, playbackBase func() string, log *slog.Logger) *Reader {
	if playbackBase == nil {
		playbackBase = func() string { return "" }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reader{src: src, playbackBase: playbackBase, log: log}
}

func cursor(until time.Time) *time.Time {
	if until.IsZero() {
		return nil
	}
	return &until
}

// Recent lists the newest streams created before until (zero for now).
func (r *Reader) Recent(ctx context.Context, until time.Time) (api.Page[models.Stream], error) {
	return r.list(ctx, "recent", api.StreamQuery{Until: cursor(until), Limit: PageSize})
}

// ByAuthor lists the streams of one author.
func (r *Reader) ByAuthor(ctx context.Context, authorID string, until time.Time) (api.Page[models.Stream], error) {
	if authorID == "" {
		return api.Page[models.Stream]{}, ErrMissingAuthor
	}
	return r.list(ctx, "by_author", api.StreamQuery{AuthorID: authorID, Until: cursor(until), Limit: PageSize})
}

// Near lists streams within radius metres of coord. A radius of 0 is
// unbounded.
func (r *Reader) Near(ctx context.Context, coord models.Coordinate, radius float64, until time.Time) (api.Page[models.Stream], error) {
	if !coord.Valid() {
		return api.Page[models.Stream]{}, fmt.Errorf("catalog: invalid coordinate %s", coord)
	}
	if radius < 0 {
		return api.Page[models.Stream]{}, fmt.Errorf("catalog: negative radius %g", radius)
	}
	return r.list(ctx, "near", api.StreamQuery{Near: &coord, Radius: radius, Until: cursor(until), Limit: PageSize})
}

// Viewers lists who watched streamID.
func (r *Reader) Viewers(ctx context.Context, streamID string, until time.Time) (api.Page[models.Viewer], error) {
	if streamID == "" {
		return api.Page[models.Viewer]{}, ErrMissingStream
	}
	page, err := r.src.ListViewers(ctx, streamID, cursor(until), PageSize)
	if err != nil {
		r.log.Warn("viewer listing failed", slog.String("stream", streamID), slog.String("error", err.Error()))
		return api.Page[models.Viewer]{}, err
	}
	return page, nil
}

func (r *Reader) list(ctx context.Context, query string, q api.StreamQuery) (api.Page[models.Stream], error) {
	page, err := r.src.ListStreams(ctx, q)
	if err != nil {
		r.log.Warn("stream listing failed", slog.String("query", query), slog.String("error", err.Error()))
		return api.Page[models.Stream]{}, err
	}
	return page, nil
}

// Remove deletes a stream from the server.
func (r *Reader) Remove(ctx context.Context, streamID string) error {
	if streamID == "" {
		return ErrMissingStream
	}
	if err := r.src.DeleteStream(ctx, streamID); err != nil {
		return err
	}
	r.log.Info("stream removed", slog.String("stream", streamID))
	return nil
}

// PlaybackURL returns the URL a player can open for streamID, or "" when no
// playback base is known.
func (r *Reader) PlaybackURL(streamID string) string {
	base := strings.TrimRight(r.playbackBase(), "/")
	if base == "" || streamID == "" {
		return ""
	}
	return base + "/" + streamID + "/playlist.m3u8"
}
