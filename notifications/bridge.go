package notifications

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/registry/api/urls"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// Listener emits events for image and membership lifecycle transitions.
type Listener interface {
	ImageCreated(img *models.Image)
	ImageUpdated(img *models.Image)
	ImageDeleted(img *models.Image)
	MemberAdded(img *models.Image, member models.ImageMember)
	MembersReplaced(img *models.Image, members []models.ImageMember)
	MemberRemoved(img *models.Image, memberID string)
}

type bridge struct {
	ub      *urls.Builder
	source  SourceRecord
	actor   ActorRecord
	request RequestRecord
	sink    Sink
}

var _ Listener = &bridge{}

// NewBridge returns a listener that writes a fully qualified event to the
// sink for every mutation it is told about. Sink write failures are logged
// and swallowed, deliveries are best effort and must never fail a request.
func NewBridge(ub *urls.Builder, source SourceRecord, actor ActorRecord, request RequestRecord, sink Sink) Listener {
	return &bridge{
		ub:      ub,
		source:  source,
		actor:   actor,
		request: request,
		sink:    sink,
	}
}

// NewRequestRecord builds a RequestRecord for use in NewBridge from an http
// request.
func NewRequestRecord(id string, r *http.Request) RequestRecord {
	return RequestRecord{
		ID:        id,
		Addr:      dcontext.RemoteAddr(r),
		Host:      r.Host,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
	}
}

func (b *bridge) ImageCreated(img *models.Image) {
	b.dispatch(b.createEvent(EventActionImageCreate, img))
}

func (b *bridge) ImageUpdated(img *models.Image) {
	b.dispatch(b.createEvent(EventActionImageUpdate, img))
}

func (b *bridge) ImageDeleted(img *models.Image) {
	b.dispatch(b.createEvent(EventActionImageDelete, img))
}

func (b *bridge) MemberAdded(img *models.Image, member models.ImageMember) {
	event := b.createEvent(EventActionMemberAdd, img)
	event.Target.Member = member.MemberID
	event.Target.CanShare = member.CanShare
	b.dispatch(event)
}

func (b *bridge) MembersReplaced(img *models.Image, members []models.ImageMember) {
	// The replace is a single logical mutation but downstream consumers key
	// off individual grants, so emit one event per surviving member. An empty
	// replacement still produces a single event carrying no member.
	if len(members) == 0 {
		b.dispatch(b.createEvent(EventActionMemberReplace, img))
		return
	}

	for _, member := range members {
		event := b.createEvent(EventActionMemberReplace, img)
		event.Target.Member = member.MemberID
		event.Target.CanShare = member.CanShare
		b.dispatch(event)
	}
}

func (b *bridge) MemberRemoved(img *models.Image, memberID string) {
	event := b.createEvent(EventActionMemberRemove, img)
	event.Target.Member = memberID
	b.dispatch(event)
}

// createEvent returns a new event, timestamped, with the specified action and
// the image filled into the target.
func (b *bridge) createEvent(action string, img *models.Image) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Source:    b.source,
		Actor:     b.actor,
		Request:   b.request,
	}

	event.Target.MediaType = ImageContentType
	event.Target.ID = img.ID
	event.Target.Name = img.Name
	event.Target.Size = img.Size
	event.Target.IsPublic = img.IsPublic
	event.Target.Owner = img.Owner

	if b.ub != nil {
		url, err := b.ub.BuildImageURL(img.ID)
		if err == nil {
			event.Target.URL = url
		}
	}

	return event
}

func (b *bridge) dispatch(event *Event) {
	if b.sink == nil {
		return
	}

	if err := b.sink.Write(event); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_id":     event.ID,
			"event_action": event.Action,
		}).Error("dropping event due to sink write failure")
	}
}
