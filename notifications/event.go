package notifications

import (
	"errors"
	"fmt"
	"time"
)

// EventsMediaType is the mediatype for the json event envelope. If the Event,
// ActorRecord, SourceRecord or Envelope structs change, the version number
// should be incremented.
const EventsMediaType = "application/vnd.meridianhq.image.events.v1+json"

// ImageContentType is the media type reported for image content targets.
const ImageContentType = "application/octet-stream"

// Envelope defines the fields of a json event envelope message that can hold
// one or more events.
type Envelope struct {
	// Events make up the contents of the envelope.
	Events []Event `json:"events,omitempty"`
}

// Event actions surfaced by the registry.
const (
	EventActionImageCreate   = "image.create"
	EventActionImageUpdate   = "image.update"
	EventActionImageDelete   = "image.delete"
	EventActionMemberAdd     = "member.add"
	EventActionMemberReplace = "member.replace"
	EventActionMemberRemove  = "member.remove"
)

// Event provides the fields required to describe a registry event.
type Event struct {
	// ID provides a unique identifier for the event.
	ID string `json:"id,omitempty"`

	// Timestamp is the time at which the event occurred.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Action indicates what action encompasses the provided event.
	Action string `json:"action,omitempty"`

	// Target uniquely describes the target of the event.
	Target Target `json:"target,omitempty"`

	// Request covers the request that generated the event.
	Request RequestRecord `json:"request,omitempty"`

	// Actor specifies the agent that initiated the event.
	Actor ActorRecord `json:"actor,omitempty"`

	// Source identifies the registry node that generated the event.
	Source SourceRecord `json:"source,omitempty"`
}

// Target describes the object of an event: the image acted upon and, for
// membership events, the grant subject.
type Target struct {
	// MediaType is the media type of the image content.
	MediaType string `json:"mediaType,omitempty"`

	// ID is the image identifier.
	ID int64 `json:"id"`

	// Name is the image name at the time of the event.
	Name string `json:"name,omitempty"`

	// Size is the image content size in bytes.
	Size int64 `json:"size,omitempty"`

	// IsPublic reports the image visibility at the time of the event.
	IsPublic bool `json:"is_public"`

	// Owner is the image owner.
	Owner string `json:"owner,omitempty"`

	// Member holds the grant subject for membership events.
	Member string `json:"member,omitempty"`

	// CanShare holds the grant share flag for membership events.
	CanShare bool `json:"can_share,omitempty"`

	// URL provides a direct link to the image.
	URL string `json:"url,omitempty"`
}

// artifact names the thing the event acted on, for logs and drop accounting.
func (e *Event) artifact() string {
	if e.Target.Member != "" {
		return fmt.Sprintf("%d:%s", e.Target.ID, e.Target.Member)
	}
	return fmt.Sprintf("%d", e.Target.ID)
}

// ActorRecord specifies the agent that initiated the event.
type ActorRecord struct {
	// Name is the principal behind the event.
	Name string `json:"name,omitempty"`

	// Tenant is the tenant the principal presented, if any.
	Tenant string `json:"tenant,omitempty"`
}

// RequestRecord covers the request that generated the event.
type RequestRecord struct {
	// ID uniquely identifies the request that initiated the event.
	ID string `json:"id"`

	// Addr contains the ip or hostname and possibly port of the client
	// connection that initiated the event.
	Addr string `json:"addr,omitempty"`

	// Host is the externally accessible host name of the registry instance,
	// as specified by the http host header on incoming requests.
	Host string `json:"host,omitempty"`

	// Method has the request method that generated the event.
	Method string `json:"method"`

	// UserAgent contains the user agent header of the request.
	UserAgent string `json:"useragent,omitempty"`
}

// SourceRecord identifies the registry node that generated the event.
type SourceRecord struct {
	// Addr contains the ip or hostname and the port of the registry node
	// that generated the event.
	Addr string `json:"addr,omitempty"`

	// InstanceID identifies a running instance of an application.
	InstanceID string `json:"instanceID,omitempty"`
}

// ErrSinkClosed is returned if a write is issued to a sink that has been
// closed.
var ErrSinkClosed = errors.New("sink: closed")

// Sink accepts and sends events.
type Sink interface {
	// Write writes the event to the sink. If no error is returned, the
	// caller will assume that all events have been committed to the sink.
	// If an error is received, the caller may retry sending the event.
	Write(event *Event) error

	// Close the sink, possibly waiting for pending events to flush.
	Close() error
}
