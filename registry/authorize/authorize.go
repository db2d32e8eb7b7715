// Package authorize implements the image visibility and sharing decision
// engine. Given the requesting identity, an image record and its membership
// grants, it decides whether an operation may proceed.
//
// Denials never distinguish between an absent image and one the caller may
// not touch: callers receive a single denied decision that the API layer
// maps to the same not-found response in both cases, so private image ids
// cannot be enumerated.
package authorize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meridianhq/image-registry/registry/auth"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// Operation identifies the intent of a request against a single image.
type Operation int

const (
	// OpRead covers metadata and content reads (GET, HEAD).
	OpRead Operation = iota
	// OpUpdate is a metadata update.
	OpUpdate
	// OpDelete destroys the image.
	OpDelete
	// OpListMembers reads the membership grant set.
	OpListMembers
	// OpAddMember upserts a single membership grant.
	OpAddMember
	// OpReplaceMembers overwrites the full grant set.
	OpReplaceMembers
	// OpRemoveMember deletes a single membership grant.
	OpRemoveMember
)

func (op Operation) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpListMembers:
		return "list_members"
	case OpAddMember:
		return "add_member"
	case OpReplaceMembers:
		return "replace_members"
	case OpRemoveMember:
		return "remove_member"
	}
	return "unknown"
}

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Allowed lets the operation proceed.
	Allowed Decision = iota
	// DeniedNotFound rejects the operation. The API layer must surface it
	// exactly like a missing image.
	DeniedNotFound
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

var decisionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "registry",
	Subsystem: "authorization",
	Name:      "decisions_total",
	Help:      "A counter of authorization decisions partitioned by operation and outcome.",
}, []string{"operation", "decision"})

// Authorizer evaluates the sharing decision table.
type Authorizer struct {
	reportMetrics bool
}

// Option is used to pass options to New.
type Option func(*Authorizer)

// WithMetrics enables the prometheus decision counters.
func WithMetrics() Option {
	return func(a *Authorizer) {
		a.reportMetrics = true
	}
}

// New builds an Authorizer.
func New(opts ...Option) *Authorizer {
	a := &Authorizer{}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Visible reports whether the identity is permitted to know that the image
// exists: the owner, anyone for a public image, and grant holders.
func (*Authorizer) Visible(identity auth.Identity, img *models.Image, grants []models.ImageMember) bool {
	if img == nil {
		return false
	}
	if img.IsPublic {
		return true
	}
	if identity.IsAnonymous() {
		return false
	}
	if identity.Name == img.Owner {
		return true
	}
	return grantFor(identity, grants) != nil
}

// Can applies the decision table for op. A nil image always denies.
func (a *Authorizer) Can(identity auth.Identity, op Operation, img *models.Image, grants []models.ImageMember) Decision {
	d := a.decide(identity, op, img, grants)
	if a.reportMetrics {
		decisionCounter.WithLabelValues(op.String(), d.String()).Inc()
	}
	return d
}

func (a *Authorizer) decide(identity auth.Identity, op Operation, img *models.Image, grants []models.ImageMember) Decision {
	if img == nil {
		return DeniedNotFound
	}

	isOwner := !identity.IsAnonymous() && identity.Name == img.Owner

	switch op {
	case OpRead:
		if a.Visible(identity, img, grants) {
			return Allowed
		}
	case OpUpdate, OpDelete, OpReplaceMembers, OpRemoveMember, OpListMembers:
		// owner only, even for identities that hold read visibility
		if isOwner {
			return Allowed
		}
	case OpAddMember:
		if isOwner {
			return Allowed
		}
		if g := grantFor(identity, grants); g != nil && g.CanShare {
			return Allowed
		}
	}

	return DeniedNotFound
}

func grantFor(identity auth.Identity, grants []models.ImageMember) *models.ImageMember {
	if identity.IsAnonymous() {
		return nil
	}
	for i := range grants {
		if grants[i].MemberID == identity.Name {
			return &grants[i]
		}
	}
	return nil
}
