package uploader

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"broadcast-uploader/internal/models"
	"broadcast-uploader/internal/queue"
)

// Dispatcher performs the network transfer for one job. streamID is the
// server-assigned stream id, empty for CreateStream. progress receives
// byte deltas as the payload is written.
type Dispatcher interface {
	Perform(ctx context.Context, job queue.Job, streamID string, payload []byte, progress func(int64)) queue.Outcome
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job queue.Job, streamID string, payload []byte, progress func(int64)) queue.Outcome

func (f DispatcherFunc) Perform(ctx context.Context, job queue.Job, streamID string, payload []byte, progress func(int64)) queue.Outcome {
	return f(ctx, job, streamID, payload, progress)
}

// MetadataAPI is the part of the metadata API the dispatcher drives.
type MetadataAPI interface {
	CreateStream(ctx context.Context, meta models.StreamMetadata) (models.Stream, error)
	UpdateStream(ctx context.Context, streamID string, upd models.StreamUpdate) error
	StopStream(ctx context.Context, streamID string) error
}

// ObjectStore receives segment and preview payloads.
type ObjectStore interface {
	UploadObject(ctx context.Context, key, contentType string, body []byte, progress func(int64)) (string, error)
}

const (
	segmentContentType = "video/mp2t"
	previewContentType = "image/jpeg"
	previewObjectName  = "preview.jpg"
)

var errMissingMetadata = errors.New("create stream job has no metadata")

// APIDispatcher maps job kinds onto the metadata API and the file store.
type APIDispatcher struct {
	API   MetadataAPI
	Store ObjectStore
}

// SegmentKey is the file store key of a segment.
func SegmentKey(streamID string, sequence uint64) string {
	return streamID + "/" + strconv.FormatUint(sequence, 10) + ".ts"
}

func (d *APIDispatcher) Perform(ctx context.Context, job queue.Job, streamID string, payload []byte, progress func(int64)) queue.Outcome {
	switch job.Kind {
	case queue.KindCreateStream:
		if job.Metadata == nil {
			return queue.Failure(errMissingMetadata)
		}
		s, err := d.API.CreateStream(ctx, *job.Metadata)
		if err != nil {
			return queue.Failure(err)
		}
		return queue.Created(s.ID)

	case queue.KindSegmentUpload:
		if job.Segment == nil {
			return queue.Failure(fmt.Errorf("%s has no segment", job))
		}
		_, err := d.Store.UploadObject(ctx, SegmentKey(streamID, job.Segment.Sequence), segmentContentType, payload, progress)
		return queue.OutcomeOf(err)

	case queue.KindUpdateLocation:
		if job.Coordinate == nil {
			return queue.Failure(fmt.Errorf("%s has no coordinate", job))
		}
		err := d.API.UpdateStream(ctx, streamID, models.StreamUpdate{Coordinate: job.Coordinate})
		return queue.OutcomeOf(err)

	case queue.KindPreviewImage:
		url, err := d.Store.UploadObject(ctx, streamID+"/"+previewObjectName, previewContentType, payload, progress)
		if err != nil {
			return queue.Failure(err)
		}
		err = d.API.UpdateStream(ctx, streamID, models.StreamUpdate{PreviewURL: &url})
		return queue.OutcomeOf(err)

	case queue.KindStopStream:
		err := d.API.StopStream(ctx, streamID)
		return queue.OutcomeOf(err)
	}
	return queue.Failure(fmt.Errorf("unsupported job kind %q", job.Kind))
}
