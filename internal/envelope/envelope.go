// Package envelope implements the CloudEvents v1.0 structured-mode codec used
// on the wire between the outbox publisher and the consumer dispatchers.
package envelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wallethub/wallethub/errs"
	"github.com/wallethub/wallethub/internal/observability"
)

// SpecVersion is the only CloudEvents version this codec speaks.
const SpecVersion = "1.0"

// ContentTypeJSON is the fixed datacontenttype attribute value.
const ContentTypeJSON = "application/json"

// Envelope is the decoded CloudEvents envelope. Extension attribute names are
// lowercase per the CloudEvents spec.
type Envelope struct {
	ID            uuid.UUID
	Type          string
	Source        string
	Time          time.Time
	Data          json.RawMessage
	Traceparent   string
	Tracestate    string
	CorrelationID uuid.UUID
	SendTimestamp int64 // milliseconds since epoch; zero when absent
}

// wireEnvelope mirrors the structured content mode JSON layout.
type wireEnvelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Time            string          `json:"time,omitempty"`
	DataContentType string          `json:"datacontenttype"`
	Traceparent     string          `json:"traceparent,omitempty"`
	Tracestate      string          `json:"tracestate,omitempty"`
	CorrelationID   string          `json:"correlationid,omitempty"`
	SendTimestamp   int64           `json:"sendtimestamp,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Encode serialises the envelope to structured-mode JSON bytes.
//
// A payload that is not itself valid JSON is carried as a JSON string of its
// textual representation; encoding never fails on payload content, so schema
// drift in a producer cannot wedge the publisher.
func Encode(env Envelope) ([]byte, error) {
	if env.ID == uuid.Nil {
		return nil, fmt.Errorf("encode envelope: id required")
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("encode envelope: type required")
	}
	if strings.TrimSpace(env.Source) == "" {
		return nil, fmt.Errorf("encode envelope: source required")
	}
	wire := wireEnvelope{
		SpecVersion:     SpecVersion,
		ID:              env.ID.String(),
		Type:            env.Type,
		Source:          env.Source,
		Time:            "",
		DataContentType: ContentTypeJSON,
		Traceparent:     strings.TrimSpace(env.Traceparent),
		Tracestate:      strings.TrimSpace(env.Tracestate),
		CorrelationID:   "",
		SendTimestamp:   env.SendTimestamp,
		Data:            coerceJSON(env.Data),
	}
	if !env.Time.IsZero() {
		wire.Time = env.Time.UTC().Format(time.RFC3339)
	}
	if env.CorrelationID != uuid.Nil {
		wire.CorrelationID = env.CorrelationID.String()
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses structured-mode JSON bytes into an Envelope. Violations of the
// CloudEvents contract surface as ErrMalformedEnvelope. A malformed
// traceparent extension is dropped with a warning; the consumer then starts a
// new root trace.
func Decode(raw []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %v: %w", err, errs.ErrMalformedEnvelope)
	}
	if wire.SpecVersion != SpecVersion {
		return Envelope{}, fmt.Errorf("decode envelope: specversion %q: %w", wire.SpecVersion, errs.ErrMalformedEnvelope)
	}
	id, err := uuid.Parse(strings.TrimSpace(wire.ID))
	if err != nil || id == uuid.Nil {
		return Envelope{}, fmt.Errorf("decode envelope: id %q: %w", wire.ID, errs.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(wire.Type) == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type: %w", errs.ErrMalformedEnvelope)
	}
	if strings.TrimSpace(wire.Source) == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing source: %w", errs.ErrMalformedEnvelope)
	}

	env := Envelope{
		ID:            id,
		Type:          strings.TrimSpace(wire.Type),
		Source:        strings.TrimSpace(wire.Source),
		Time:          time.Time{},
		Data:          wire.Data,
		Traceparent:   "",
		Tracestate:    strings.TrimSpace(wire.Tracestate),
		CorrelationID: uuid.Nil,
		SendTimestamp: wire.SendTimestamp,
	}
	if ts := strings.TrimSpace(wire.Time); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: time %q: %w", ts, errs.ErrMalformedEnvelope)
		}
		env.Time = parsed.UTC()
	}
	if tp := strings.TrimSpace(wire.Traceparent); tp != "" {
		if _, err := ParseTraceparent(tp); err != nil {
			observability.Log().Warn("dropping malformed traceparent extension",
				observability.Field{Key: "envelope_id", Value: env.ID.String()},
				observability.Field{Key: "reason", Value: err.Error()},
			)
		} else {
			env.Traceparent = tp
		}
	}
	if cid := strings.TrimSpace(wire.CorrelationID); cid != "" {
		parsed, err := uuid.Parse(cid)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: correlationid %q: %w", cid, errs.ErrMalformedEnvelope)
		}
		env.CorrelationID = parsed
	}
	return env, nil
}

// coerceJSON returns the payload unchanged when it is valid JSON and a JSON
// string of its UTF-8 text otherwise.
func coerceJSON(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return payload
	}
	return json.RawMessage(strconv.Quote(string(payload)))
}
