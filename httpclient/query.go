package httpclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// ListOptions filters and pages list endpoints.
type ListOptions struct {
	Query map[string]any
	Sort  string
	Limit int
	Skip  int
}

// Apply appends the options to path as a query string.
func (o ListOptions) Apply(path string) (string, error) {
	v := url.Values{}
	if len(o.Query) > 0 {
		q, err := json.Marshal(o.Query)
		if err != nil {
			return "", fmt.Errorf("failed to encode query: %w", err)
		}
		v.Set("q", string(q))
	}
	if o.Sort != "" {
		v.Set("sort", o.Sort)
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Skip > 0 {
		v.Set("skip", strconv.Itoa(o.Skip))
	}
	if len(v) == 0 {
		return path, nil
	}
	return path + "?" + v.Encode(), nil
}
