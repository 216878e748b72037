// Package model provides data-structs for internal app-usage
package model

import (
	"image"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var StatusMap = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusSucceeded: true,
	StatusFailed:    true,
}

// Terminal - succeeded/failed больше не двигаются без внешнего события
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

//---------------------

// CanonicalKey is the hex form of the sha256 digest of a canonical ImageRequest.
type CanonicalKey string

func (k CanonicalKey) String() string { return string(k) }

// ExposureInfo describes the source exposure as the archive currently publishes it.
type ExposureInfo struct {
	Identifier string `json:"identifier"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Version    string `json:"version"`
}

type PixelStats struct {
	Min  float64
	Max  float64
	ZMin float64
	ZMax float64
}

// SourceImage is the decoded exposure owned by a single generation attempt.
type SourceImage struct {
	Identifier string
	Version    string
	Width      int
	Height     int
	Pixels     image.Image
	Stats      PixelStats
}

// Derivative - готовый артефакт, после записи в кэш не меняется
type Derivative struct {
	Key         CanonicalKey
	ContentType string
	Data        []byte
}

func (d *Derivative) Size() int64 {
	return int64(len(d.Data))
}

// ObjectInfo - метаданные объекта в хранилище
type ObjectInfo struct {
	ContentType string
	Size        int64
}

//-------------------

// GenerationRecord is the durable state of one derivative generation.
type GenerationRecord struct {
	Key         CanonicalKey
	Status      Status
	Attempts    int
	ErrorKind   ErrorKind
	LastError   string
	ResultKey   string
	ContentType string
	Task        []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Err rebuilds the terminal error of a failed record.
func (r *GenerationRecord) Err() error {
	if r.Status != StatusFailed {
		return nil
	}
	return &GenerationError{Key: r.Key, Kind: r.ErrorKind, Message: r.LastError}
}

// Task - единица работы в очереди
type Task struct {
	Key     CanonicalKey `msgpack:"key"`
	Request ImageRequest `msgpack:"request"`
}

func EncodeTask(t Task) ([]byte, error) {
	return msgpack.Marshal(&t)
}

func DecodeTask(b []byte) (Task, error) {
	var t Task
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}
