package datasource

import (
	"context"
	"fmt"

	fastshot "github.com/opus-domini/fast-shot"
)

// HTTPConnector queries a JSON HTTP endpoint on every tick. connection is
// the base URL; query is appended as the request path (runbook authors
// point it at a members-listing endpoint maintained by the data owner).
// The response body must be a JSON array of objects.
type HTTPConnector struct {
	connection string
	path       string
}

func NewHTTPConnector(connection, path string) *HTTPConnector {
	return &HTTPConnector{connection: connection, path: path}
}

func (c *HTTPConnector) Query(ctx context.Context) ([]Row, error) {
	client := fastshot.NewClient(c.connection).
		Header().Add("Accept", "application/json").
		Build()

	resp, err := client.GET(c.path).
		Context().Set(ctx).
		Send()
	if err != nil {
		return nil, fmt.Errorf("datasource: http query: %w", err)
	}
	if resp.Status().IsError() {
		return nil, fmt.Errorf("datasource: http query returned status %d", resp.Status().Code())
	}

	var records []map[string]any
	if err := resp.Body().AsJSON(&records); err != nil {
		return nil, fmt.Errorf("datasource: decode http response: %w", err)
	}

	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, Row(r))
	}
	return rows, nil
}
