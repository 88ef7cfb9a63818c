package pipeline

import (
	"github.com/google/uuid"
	"github.com/timmy/photoloom/internal/domain"
)

// Stage names used in logs and failed details.
const (
	stageScan    = "scan"
	stageProcess = "process"
	stageML      = "ml"
	stageDB      = "db"
	stageSweep   = "sweep"
)

// mlWorkItem is a decoded, re-encoded image waiting for the ML service.
type mlWorkItem struct {
	Path        string
	ContentHash string
	PointID     string
	Image       []byte // transport JPEG
	Thumbnail   []byte
	Metadata    domain.PhotoMetadata
}

var pointNamespace = uuid.MustParse("6f0d5c9e-3b8a-4d1e-9c57-2a4e8b1f7d30")

// PointID returns the vector point ID of a content hash in a collection.
// The same bytes always map to the same point, so rewrites are idempotent.
func PointID(collection, contentHash string) string {
	return uuid.NewSHA1(pointNamespace, []byte(collection+":"+contentHash)).String()
}
