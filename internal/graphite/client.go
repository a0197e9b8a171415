package graphite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sydneyDK/rearview/internal/jobs"
)

var (
	// ErrUnavailable means the backend could not be reached or answered
	// with a non-2xx status.
	ErrUnavailable = errors.New("graphite unavailable")
	// ErrUnknownMetric means the backend answered but had no data for a
	// requested target.
	ErrUnknownMetric = errors.New("unknown metric")
)

// Client fetches named metric series from a Graphite render endpoint.
type Client struct {
	baseURL    string
	renderPath string
	httpClient *http.Client
}

func NewClient(baseURL, renderPath string, timeout time.Duration) *Client {
	if renderPath == "" {
		renderPath = "/render"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		renderPath: renderPath,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// renderEntry mirrors one element of Graphite's format=json response.
type renderEntry struct {
	Target     string       `json:"target"`
	Datapoints []renderPair `json:"datapoints"`
}

// renderPair is Graphite's [value, timestamp] tuple; value may be null.
type renderPair struct {
	Value *float64
	Ts    int64
}

func (p *renderPair) UnmarshalJSON(b []byte) error {
	var tuple [2]*float64
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if tuple[1] == nil {
		return fmt.Errorf("render datapoint: missing timestamp")
	}
	p.Value = tuple[0]
	p.Ts = int64(*tuple[1])
	return nil
}

// FetchSeries retrieves every target for [from, until]. All targets must
// resolve: a single missing target fails the whole fetch, so the
// expression always sees a complete, consistent series set or none.
func (c *Client) FetchSeries(ctx context.Context, targets []string, from, until time.Time) (jobs.TimeSeries, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("graphite base URL not configured: %w", ErrUnavailable)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("graphite: no targets requested")
	}

	q := url.Values{}
	for _, t := range targets {
		q.Add("target", t)
	}
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("until", strconv.FormatInt(until.Unix(), 10))
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.renderPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("graphite: new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphite: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("graphite: status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), ErrUnavailable)
	}

	var entries []renderEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("graphite: decode response: %w", ErrUnavailable)
	}

	byTarget := make(map[string]renderEntry, len(entries))
	for _, e := range entries {
		byTarget[e.Target] = e
	}

	// Outer order follows the selector order, inner order is ascending.
	out := make(jobs.TimeSeries, 0, len(targets))
	for _, t := range targets {
		e, ok := byTarget[t]
		if !ok {
			return nil, fmt.Errorf("graphite: target %q: %w", t, ErrUnknownMetric)
		}
		points := make([]jobs.DataPoint, 0, len(e.Datapoints))
		for _, p := range e.Datapoints {
			points = append(points, jobs.DataPoint{Timestamp: p.Ts, Value: p.Value})
		}
		sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
		out = append(out, jobs.MetricSeries{Metric: t, Points: points})
	}
	return out, nil
}
