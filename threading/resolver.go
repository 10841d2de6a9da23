// Package threading decides which conversation a message belongs to and
// maintains the denormalized thread summaries.
package threading

import (
	"context"
	"time"

	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/utils"
)

// DefaultSubjectWindow is how far from the message time a subject match may reach
const DefaultSubjectWindow = 7 * 24 * time.Hour

// ReferenceLookup finds stored messages by their own external message id
type ReferenceLookup interface {
	LookupExternal(mailboxID, externalID string) ([]models.ExternalRef, error)
}

// SubjectFinder lists a mailbox's threads with a given normalized subject
type SubjectFinder interface {
	FindThreadsBySubject(mailboxID, subject string) ([]*models.Thread, error)
}

// Resolver picks an existing thread for a new message
type Resolver struct {
	refs   ReferenceLookup
	finder SubjectFinder
	window time.Duration
}

// NewResolver creates a resolver. A non-positive window uses DefaultSubjectWindow.
func NewResolver(refs ReferenceLookup, finder SubjectFinder, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultSubjectWindow
	}
	return &Resolver{refs: refs, finder: finder, window: window}
}

// Resolve returns the thread a message with the given headers and subject
// belongs to, or found=false when a new thread should be created. Reference
// headers take priority; otherwise the most recently active thread with the
// same normalized subject within the window wins. externalMessageID is the
// message's own id and never matches itself.
func (r *Resolver) Resolve(ctx context.Context, mailboxID, externalMessageID string, headers map[string]string, subject string, ts time.Time) (string, bool, error) {
	own := utils.NormalizeMessageID(externalMessageID)

	for _, ref := range utils.ExtractReferences(headers) {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		if ref == own {
			continue
		}
		matches, err := r.refs.LookupExternal(mailboxID, ref)
		if err != nil {
			return "", false, err
		}
		for _, m := range matches {
			if m.ThreadID != "" {
				utils.Log.Debug("thread %s matched by reference %s", m.ThreadID, ref)
				return m.ThreadID, true, nil
			}
		}
	}

	normalized := utils.NormalizeSubject(subject)
	if normalized == "" {
		return "", false, nil
	}

	candidates, err := r.finder.FindThreadsBySubject(mailboxID, normalized)
	if err != nil {
		return "", false, err
	}

	var best *models.Thread
	for _, t := range candidates {
		if !r.withinWindow(t.LatestActivityAt, ts) {
			continue
		}
		if best == nil || t.LatestActivityAt.After(best.LatestActivityAt) {
			best = t
		}
	}
	if best == nil {
		return "", false, nil
	}

	utils.Log.Debug("thread %s matched by subject %q", best.ID, normalized)
	return best.ID, true, nil
}

// withinWindow is inclusive and applies on both sides of ts, so clock skew
// or a backdated message cannot join a thread from far in the future
func (r *Resolver) withinWindow(latest, ts time.Time) bool {
	d := ts.Sub(latest)
	if d < 0 {
		d = -d
	}
	return d <= r.window
}
