package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	resourceURIPrefix = "nlweb://page/"
	resourceMimeType  = "application/json"
)

// ErrInvalidResource is returned for URIs that do not name a registered page.
var ErrInvalidResource = errors.New("invalid resource")

// Resource describes one page exposed as a readable resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ResourceContents is the body of a read resource.
type ResourceContents struct {
	URI      string
	MimeType string
	Text     string
}

// ResourceURI returns the resource URI for a page id.
func ResourceURI(id int64) string {
	return resourceURIPrefix + strconv.FormatInt(id, 10)
}

// Resources lists one resource per registered page.
func (d *Dispatcher) Resources(ctx context.Context) ([]Resource, error) {
	pages, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Resource, 0, len(pages))
	for _, p := range pages {
		description := p.Description
		if description == "" {
			description = "Page: " + p.URL
		}
		out = append(out, Resource{
			URI:         ResourceURI(p.ID),
			Name:        p.Title,
			Description: description,
			MimeType:    resourceMimeType,
		})
	}
	return out, nil
}

// ReadResource returns the JSON form of the page named by uri.
func (d *Dispatcher) ReadResource(ctx context.Context, uri string) (ResourceContents, error) {
	id, err := parseResourceURI(uri)
	if err != nil {
		return ResourceContents{}, err
	}

	p, ok, err := d.store.Get(ctx, id)
	if err != nil {
		return ResourceContents{}, err
	}
	if !ok {
		return ResourceContents{}, fmt.Errorf("%w: page not found: %d", ErrInvalidResource, id)
	}

	text, err := prettyJSON(p)
	if err != nil {
		return ResourceContents{}, err
	}
	return ResourceContents{URI: uri, MimeType: resourceMimeType, Text: text}, nil
}

func parseResourceURI(uri string) (int64, error) {
	raw, ok := strings.CutPrefix(uri, resourceURIPrefix)
	if !ok || raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
		return 0, fmt.Errorf("%w: invalid resource URI: %s", ErrInvalidResource, uri)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid resource URI: %s", ErrInvalidResource, uri)
	}
	return id, nil
}
