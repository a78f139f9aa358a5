package base

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/connector/core"
)

// defaultItemsKeys are the response keys searched for the item list when the
// caller configures none
var defaultItemsKeys = []string{"data", "items", "results", "records"}

const (
	defaultPageSize = 100
	defaultMaxPages = 100
)

// Paginate repeatedly calls Request, extracting items per the configured
// response shape. It stops at max pages, when a page comes back empty, or
// when a page is shorter than the page size and no cursor follows.
func (c *Connector) Paginate(ctx context.Context, endpoint string, params url.Values, opts core.PaginateOptions) ([]map[string]interface{}, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.PageParam == "" {
		opts.PageParam = "page"
	}
	if opts.SizeParam == "" {
		opts.SizeParam = "per_page"
	}

	query := url.Values{}
	for key, values := range params {
		query[key] = values
	}
	query.Set(opts.SizeParam, strconv.Itoa(opts.PageSize))

	var (
		items  []map[string]interface{}
		cursor string
	)

	for page := 1; page <= opts.MaxPages; page++ {
		if opts.CursorParam != "" {
			if cursor != "" {
				query.Set(opts.CursorParam, cursor)
			}
		} else {
			query.Set(opts.PageParam, strconv.Itoa(page))
		}

		resp, err := c.Request(ctx, http.MethodGet, endpoint, query, nil)
		if err != nil {
			return items, err
		}

		pageItems := extractItems(resp.Data, opts.ItemsKeys)
		items = append(items, pageItems...)

		c.logger.Debug("fetched page",
			zap.Int("page", page),
			zap.Int("items", len(pageItems)),
			zap.Int("total", len(items)))

		if len(pageItems) == 0 {
			break
		}

		if opts.CursorParam != "" {
			cursor = extractCursor(resp.Data, opts.CursorPath)
			if cursor == "" {
				break
			}
			continue
		}

		if opts.HasMorePath != "" {
			if !extractBool(resp.Data, opts.HasMorePath) {
				break
			}
			continue
		}

		if len(pageItems) < opts.PageSize {
			break
		}
	}

	return items, nil
}

// extractItems finds the item list in a decoded response body
func extractItems(data interface{}, keys []string) []map[string]interface{} {
	switch v := data.(type) {
	case []interface{}:
		return toRecords(v)
	case map[string]interface{}:
		if len(keys) == 0 {
			keys = defaultItemsKeys
		}
		for _, key := range keys {
			if list, ok := v[key].([]interface{}); ok {
				return toRecords(list)
			}
		}
	}
	return nil
}

func toRecords(list []interface{}) []map[string]interface{} {
	records := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]interface{}); ok {
			records = append(records, rec)
		}
	}
	return records
}

// extractCursor pulls the next-page cursor out of a response body
func extractCursor(data interface{}, path string) string {
	m, ok := data.(map[string]interface{})
	if !ok {
		return ""
	}

	candidates := []string{path, "next_cursor", "cursor", "next"}
	for _, key := range candidates {
		if key == "" {
			continue
		}
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
		// Cursors sometimes nest under a meta/pagination object
		if nested, ok := m[key].(map[string]interface{}); ok {
			for _, inner := range []string{"next_cursor", "cursor", "next"} {
				if s, ok := nested[inner].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func extractBool(data interface{}, path string) bool {
	m, ok := data.(map[string]interface{})
	if !ok {
		return false
	}
	b, _ := m[path].(bool)
	return b
}
