package domain

import "time"

// PhotoMetadata is what the content processor extracts from a file. Well-known
// fields are typed; anything vendor-specific lands in Extra.
type PhotoMetadata struct {
	Filename     string            `json:"filename"`
	Path         string            `json:"path"`
	Format       string            `json:"format"`
	FileSize     int64             `json:"file_size"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	CameraMake   string            `json:"camera_make,omitempty"`
	CameraModel  string            `json:"camera_model,omitempty"`
	LensModel    string            `json:"lens_model,omitempty"`
	TakenAt      *time.Time        `json:"taken_at,omitempty"`
	FocalLength  float64           `json:"focal_length,omitempty"`
	FNumber      float64           `json:"f_number,omitempty"`
	ExposureTime string            `json:"exposure_time,omitempty"`
	ISO          int               `json:"iso,omitempty"`
	Orientation  int               `json:"orientation,omitempty"`
	Latitude     *float64          `json:"latitude,omitempty"`
	Longitude    *float64          `json:"longitude,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	IsRaw        bool              `json:"is_raw"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// PhotoPayload is stored alongside each vector.
type PhotoPayload struct {
	PhotoMetadata
	ContentHash   string    `json:"content_hash"`
	Caption       string    `json:"caption,omitempty"`
	Thumbnail     string    `json:"thumbnail,omitempty"` // base64 JPEG, empty when ThumbnailURL is set
	ThumbnailURL  string    `json:"thumbnail_url,omitempty"`
	IngestedAt    time.Time `json:"ingested_at"`
	IngestedByJob string    `json:"job_id,omitempty"`
}

// RecordOrigin says which counter a storage record was credited to.
type RecordOrigin string

const (
	OriginEmbedded RecordOrigin = "embedded"
	OriginCached   RecordOrigin = "cached"
	OriginSweep    RecordOrigin = "sweep"
)

// StorageRecord is the unit written to the vector database.
type StorageRecord struct {
	PointID string
	Vector  []float32
	Payload PhotoPayload
	Origin  RecordOrigin
}
