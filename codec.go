package xevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Codec is the Strategy for encoding failure records written by
// out-of-process dead-letter sinks.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// FailureRecord is the wire form of a Failure. The bundle itself is not
// serialized; only its identity and event names travel.
type FailureRecord struct {
	ID            string   `json:"id"`
	Listener      string   `json:"listener"`
	BundleID      string   `json:"bundle_id"`
	TransactionID string   `json:"tx_id,omitempty"`
	Repository    string   `json:"repository,omitempty"`
	EventNames    []string `json:"events"`
	Error         string   `json:"error"`
	Attempts      int      `json:"attempts"`
	FailedAtMs    int64    `json:"failed_at_ms"`
}

// EncodeFailure converts f to its wire form and encodes it with c.
func EncodeFailure(c Codec, f Failure) ([]byte, error) {
	rec := FailureRecord{
		ID:            f.ID,
		Listener:      f.Listener,
		BundleID:      f.BundleID,
		TransactionID: f.TransactionID,
		Repository:    f.Repository,
		EventNames:    f.EventNames,
		Attempts:      f.Attempts,
		FailedAtMs:    f.FailedAt.UnixMilli(),
	}
	if f.Err != nil {
		rec.Error = f.Err.Error()
	}
	return c.Marshal(rec)
}

// DecodeFailure is the inverse of EncodeFailure. The returned Failure has
// no Bundle and an opaque Err carrying the original message.
func DecodeFailure(c Codec, data []byte) (Failure, error) {
	var rec FailureRecord
	if err := c.Unmarshal(data, &rec); err != nil {
		return Failure{}, err
	}
	f := Failure{
		ID:            rec.ID,
		Listener:      rec.Listener,
		BundleID:      rec.BundleID,
		TransactionID: rec.TransactionID,
		Repository:    rec.Repository,
		EventNames:    rec.EventNames,
		Attempts:      rec.Attempts,
		FailedAt:      time.UnixMilli(rec.FailedAtMs),
	}
	if rec.Error != "" {
		f.Err = errors.New(rec.Error)
	}
	return f, nil
}
