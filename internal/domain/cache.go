package domain

import (
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Vector stores a float32 embedding as little-endian bytes in the database.
type Vector []float32

// GormDataType maps Vector to blob/bytea depending on the dialect.
func (Vector) GormDataType() string {
	return "bytes"
}

// Value implements the driver.Valuer interface.
func (v Vector) Value() (driver.Value, error) {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// Scan implements the sql.Scanner interface.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	var raw []byte
	switch b := value.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return errors.New("failed to scan Vector")
	}
	if len(raw)%4 != 0 {
		return errors.New("vector blob length is not a multiple of 4")
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	*v = out
	return nil
}

// CacheEntry is the persisted dedup record for one content hash in one collection.
// It is written only after a successful ML result.
type CacheEntry struct {
	Collection  string       `gorm:"type:text;primaryKey" json:"collection"`
	ContentHash string       `gorm:"type:text;primaryKey" json:"content_hash"`
	PointID     string       `gorm:"type:text;not null;index" json:"point_id"`
	Vector      Vector       `json:"vector"`
	Payload     PhotoPayload `gorm:"serializer:json" json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "dedup_cache"
}
