package enrich

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ProfileStore is the slice of the metrics store the enricher writes through.
// MergeProfile must serialize concurrent calls for the same aid.
type ProfileStore interface {
	MergeProfile(ctx context.Context, aid string, fn func(existing map[string]any) map[string]any) error
}

// Enricher is the only writer of visitor profile attributes. Device/geo
// detection and vendor webhooks both land here, in any order.
type Enricher struct {
	store ProfileStore
	log   *logrus.Logger
}

func New(store ProfileStore, log *logrus.Logger) *Enricher {
	return &Enricher{store: store, log: log}
}

// MergeAttributes folds an enrichment payload into the stored bag for aid.
// Null fields are dropped before the merge, so they never erase stored
// values. Applying the same payload twice leaves the bag unchanged.
func (e *Enricher) MergeAttributes(ctx context.Context, aid string, incoming map[string]any) error {
	stripped := StripNulls(incoming)
	if len(stripped) == 0 {
		return nil
	}
	err := e.store.MergeProfile(ctx, aid, func(existing map[string]any) map[string]any {
		return Merge(existing, stripped)
	})
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"aid": aid, "fields": len(stripped)}).Debug("profile enriched")
	return nil
}
