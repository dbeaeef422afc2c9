// Package automation defines the site surface the run state machine drives:
// authenticating, creating a collection, saving seed items into it and
// polling the related-items grid. Implementations talk to one concrete site;
// the state machine stays site-agnostic.
package automation

import "context"

// Item is one candidate found on the site.
type Item struct {
	SourceURL   string
	MediaURL    string
	Title       string
	Description string
}

// Driver is a single-run site session. A driver instance is used by one
// workflow at a time and carries its own authentication state.
type Driver interface {
	// Login authenticates the session. Bad credentials map to
	// domain.ErrAuthFailed.
	Login(ctx context.Context) error

	// CreateCollection creates a private collection and returns its id.
	// Name collisions map to domain.ErrDuplicateName, names the site
	// refuses to domain.ErrNamingRejected.
	CreateCollection(ctx context.Context, name string) (string, error)

	// SearchItems returns up to limit result items for a query.
	SearchItems(ctx context.Context, query string, limit int) ([]Item, error)

	// SaveToCollection saves one item into a collection.
	SaveToCollection(ctx context.Context, collectionID string, item Item) error

	// RelatedItems returns the current related-items grid for a
	// collection. Polling it repeatedly yields new recommendations as the
	// site reacts to the collection's contents.
	RelatedItems(ctx context.Context, collectionID string) ([]Item, error)
}
