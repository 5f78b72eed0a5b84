package drive

import (
	"context"
	"errors"
	"net/http"

	"github.com/graphdrive/graphdrive/transport"
)

// ErrNoMorePages is returned by NextPage when the collection is exhausted.
var ErrNoMorePages = errors.New("drive: no more pages")

// Pager is one page of a collection plus the continuation link to the next.
// Pagers are immutable: NextPage fetches and returns a new Pager, leaving
// the receiver untouched, so a caller can hold a page and re-walk forward
// from it as many times as it likes.
type Pager struct {
	d        *Drive
	items    []Item
	nextLink string
}

// CurrentPage returns the items on this page. The returned slice is shared;
// callers must not modify it.
func (p *Pager) CurrentPage() []Item {
	return p.items
}

// HasNext reports whether a continuation link exists.
func (p *Pager) HasNext() bool {
	return p.nextLink != ""
}

// NextPage fetches the next page and returns it as a fresh Pager. The
// continuation link is opaque and already absolute; it is followed verbatim.
func (p *Pager) NextPage(ctx context.Context) (*Pager, error) {
	if p.nextLink == "" {
		return nil, ErrNoMorePages
	}

	return p.d.fetchPage(ctx, p.nextLink)
}

// All walks this page and every remaining page, returning the concatenated
// items. The receiver is unchanged. When a page fetch fails, the items
// gathered so far come back alongside the error.
func (p *Pager) All(ctx context.Context) ([]Item, error) {
	items := append([]Item(nil), p.items...)

	for cur := p; cur.HasNext(); {
		next, err := cur.NextPage(ctx)
		if err != nil {
			return items, err
		}

		items = append(items, next.items...)
		cur = next
	}

	return items, nil
}

// fetchPage GETs a collection URL (relative first page or absolute
// continuation link) and wraps the result in a Pager.
func (d *Drive) fetchPage(ctx context.Context, pageURL string) (*Pager, error) {
	env, err := d.tr.Do(ctx, transport.Request{Method: http.MethodGet, Path: pageURL})
	if err != nil {
		return nil, err
	}

	var cr collectionResponse
	if err := transport.Interpret(env, &cr, http.StatusOK); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(cr.Value))
	for i := range cr.Value {
		items = append(items, cr.Value[i].toItem(d.logger))
	}

	return &Pager{d: d, items: items, nextLink: cr.NextLink}, nil
}
