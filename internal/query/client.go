package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"areasched/internal/model"
)

var (
	// ErrTransport wraps network, timeout and connection failures.
	ErrTransport = errors.New("transport failure")
	// ErrMalformedResponse means a 2xx body that is not the expected JSON.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is a non-2xx answer from the device API.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device api returned status %d", e.Status)
}

// Options configures a Client.
type Options struct {
	URL string
	Key string
	// Timeout bounds each call. Expiry is reported as ErrTransport.
	Timeout time.Duration
	// RequestsPerSecond throttles calls across all callers. 0 disables.
	RequestsPerSecond float64
}

// Client posts single-feature area queries to the device API. It never
// retries; a failed call is reported to the caller as-is.
type Client struct {
	http    *resty.Client
	url     string
	limiter *rate.Limiter
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	hc := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.Key != "" {
		hc.SetHeader("Authorization", opts.Key)
	}

	c := &Client{http: hc, url: opts.URL}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// Window is one query: a GeoJSON geometry and UTC epoch-millisecond bounds.
type Window struct {
	Geometry json.RawMessage
	StartMS  int64
	EndMS    int64
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties windowProps     `json:"properties"`
}

type windowProps struct {
	StartMS int64 `json:"startDateTimeEpochMS"`
	EndMS   int64 `json:"endDateTimeEpochMS"`
}

type deviceResponse struct {
	Features []struct {
		Properties struct {
			Devices []struct {
				AdvertiserID string `json:"advertiserID"`
			} `json:"devices"`
		} `json:"properties"`
	} `json:"features"`
}

// BuildRequest encodes the single-feature request body for w.
func BuildRequest(w Window) ([]byte, error) {
	geom := w.Geometry
	if len(geom) == 0 {
		geom = json.RawMessage("null")
	}
	return json.Marshal(featureCollection{
		Type: "FeatureCollection",
		Features: []feature{{
			Type:       "Feature",
			Geometry:   geom,
			Properties: windowProps{StartMS: w.StartMS, EndMS: w.EndMS},
		}},
	})
}

// Query runs one call. On success the result carries the raw body and the
// unique advertiser IDs found under features[].properties.devices[]. On
// failure the error wraps ErrTransport or ErrMalformedResponse, or is an
// *APIError; Status and Raw are filled whenever a response was received.
func (c *Client) Query(ctx context.Context, w Window) (model.QueryResult, error) {
	body, err := BuildRequest(w)
	if err != nil {
		return model.QueryResult{}, fmt.Errorf("encode request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.QueryResult{}, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.url)
	if err != nil {
		return model.QueryResult{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	res := model.QueryResult{Status: resp.StatusCode(), Raw: resp.Body()}
	if res.Status < 200 || res.Status >= 300 {
		return res, &APIError{Status: res.Status, Body: res.Raw}
	}

	devices, err := ExtractDevices(res.Raw)
	if err != nil {
		return res, err
	}
	res.Devices = devices
	return res, nil
}

// ExtractDevices decodes a response body into its set of advertiser IDs.
func ExtractDevices(raw []byte) (model.DeviceSet, error) {
	var dr deviceResponse
	if err := json.Unmarshal(raw, &dr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	set := model.NewDeviceSet()
	for _, f := range dr.Features {
		for _, d := range f.Properties.Devices {
			set.Add(d.AdvertiserID)
		}
	}
	return set, nil
}
