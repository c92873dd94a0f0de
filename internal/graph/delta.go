package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
)

const deltaEndpoint = "/me/drive/root/delta"

// maxDeltaPages bounds a single GetDelta call. A well-behaved feed ends in
// a deltaLink long before this.
const maxDeltaPages = 100000

// DeltaResult is one complete pass over the change feed.
type DeltaResult struct {
	Items []RemoteItem

	// DeltaLink is the full @odata.deltaLink URL, stored verbatim as the
	// next cursor.
	DeltaLink string
}

type deltaPage struct {
	items     []RemoteItem
	nextLink  string
	deltaLink string
}

// parseDeltaPage reads one page of /delta output. The @odata keys are
// matched by iterating the top level: gjson treats a leading '@' in a
// path as a modifier.
func parseDeltaPage(body []byte) (deltaPage, error) {
	if !gjson.ValidBytes(body) {
		return deltaPage{}, fmt.Errorf("delta page is not valid JSON")
	}

	var page deltaPage

	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "value":
			value.ForEach(func(_, item gjson.Result) bool {
				page.items = append(page.items, parseItem(item))
				return true
			})
		case "@odata.nextLink":
			page.nextLink = value.String()
		case "@odata.deltaLink":
			page.deltaLink = value.String()
		}

		return true
	})

	return page, nil
}

// GetDelta returns every change since token. An empty token requests the
// full tree. Pagination links are followed until a deltaLink arrives;
// every link, including the stored token, must point back at the API
// host over the same scheme or the call fails with ErrUntrustedLink.
func (c *Client) GetDelta(ctx context.Context, token string) (*DeltaResult, error) {
	next := deltaEndpoint
	if token != "" {
		next = token
	}

	res := &DeltaResult{}

	for page := 1; page <= maxDeltaPages; page++ {
		body, err := c.call(ctx, "fetching delta page", request{
			method:   http.MethodGet,
			endpoint: next,
		})
		if err != nil {
			return nil, err
		}

		p, err := parseDeltaPage(body)
		if err != nil {
			return nil, fmt.Errorf("parsing delta page %d: %w", page, err)
		}

		res.Items = append(res.Items, p.items...)

		c.logger.Debug("graph: delta page",
			slog.Int("page", page),
			slog.Int("items", len(p.items)),
		)

		if p.deltaLink != "" {
			if err := c.checkTrusted(p.deltaLink); err != nil {
				return nil, fmt.Errorf("delta link: %w", err)
			}

			res.DeltaLink = p.deltaLink

			return res, nil
		}

		if p.nextLink == "" {
			return nil, fmt.Errorf("delta page %d has neither nextLink nor deltaLink", page)
		}

		if err := c.checkTrusted(p.nextLink); err != nil {
			return nil, fmt.Errorf("next link: %w", err)
		}

		next = p.nextLink
	}

	return nil, fmt.Errorf("delta feed exceeded %d pages", maxDeltaPages)
}
