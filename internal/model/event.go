package model

import (
	"net/url"
	"time"
)

// DefaultEventName is assigned when a producer does not name the event.
const DefaultEventName = "page_view"

// DeviceContext is the device classification produced by a client-side
// detector. Courier treats it as opaque except for the validator's
// device-signal check.
type DeviceContext struct {
	Type    string `json:"type,omitempty"` // "mobile", "tablet", "desktop"
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Mobile  *bool  `json:"mobile,omitempty"`
}

// NetworkContext carries carrier/connection details from a network detector.
type NetworkContext struct {
	Operator     string `json:"operator,omitempty"` // carrier or ISP label
	SubscriberID string `json:"subscriber_id,omitempty"`
	ServiceID    string `json:"service_id,omitempty"`
	Connection   string `json:"connection,omitempty"` // "wifi", "4g", ...
}

// LocationContext carries a position fix. Coordinates are optional; a
// privacy-denied session produces a context with only a label, or none at all.
type LocationContext struct {
	Label     string   `json:"label,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	FromGPS   *bool    `json:"from_gps,omitempty"` // false = derived from IP
}

// AttributionContext carries acquisition attribution parsed from the landing
// URL and referrer.
type AttributionContext struct {
	CompanyLabel string `json:"company_label,omitempty"`
	Campaign     string `json:"campaign,omitempty"`
	Source       string `json:"source,omitempty"`
	Medium       string `json:"medium,omitempty"`
	Referrer     string `json:"referrer,omitempty"`
}

// IPLocationContext is the result of an external IP geolocation lookup.
type IPLocationContext struct {
	IP        string   `json:"ip,omitempty"`
	Country   string   `json:"country,omitempty"`
	Region    string   `json:"region,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// CustomData is producer-supplied data with a fixed set of well-known fields
// and one typed extension map. Unknown shapes are rejected at the ingest
// boundary instead of being carried as untyped blobs.
type CustomData struct {
	Plan       string            `json:"plan,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Experiment string            `json:"experiment,omitempty"`
	Variant    string            `json:"variant,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Event is the canonical telemetry record shipped to the backend.
// EventID and Timestamp are immutable once assigned.
type Event struct {
	EventID     string              `json:"event_id"`
	SessionID   string              `json:"session_id"`
	PageURL     string              `json:"page_url"`
	PagePath    string              `json:"page_path,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	EventName   string              `json:"event_name"`
	EventParams map[string]string   `json:"event_params,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	Device      *DeviceContext      `json:"device,omitempty"`
	Network     *NetworkContext     `json:"network,omitempty"`
	Location    *LocationContext    `json:"location,omitempty"`
	Attribution *AttributionContext `json:"attribution,omitempty"`
	IPLocation  *IPLocationContext  `json:"ip_location,omitempty"`
	Custom      *CustomData         `json:"custom,omitempty"`
}

// QueuedEvent wraps an Event while it waits for delivery.
type QueuedEvent struct {
	EntryID    string    `json:"entry_id"`
	Event      *Event    `json:"event"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PathOf extracts the path component of a page URL. It returns the raw input
// when the URL does not parse, so low-quality producer data still yields a
// usable page-path signal.
func PathOf(pageURL string) string {
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Path == "" {
		return pageURL
	}
	return u.Path
}

// Clone returns a deep copy of the event. Plugins receive copies so a
// misbehaving transform cannot mutate queued state in place.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.EventParams != nil {
		params := make(map[string]string, len(e.EventParams))
		for k, v := range e.EventParams {
			params[k] = v
		}
		out.EventParams = params
	}
	if e.Device != nil {
		d := *e.Device
		out.Device = &d
	}
	if e.Network != nil {
		n := *e.Network
		out.Network = &n
	}
	if e.Location != nil {
		l := *e.Location
		out.Location = &l
	}
	if e.Attribution != nil {
		a := *e.Attribution
		out.Attribution = &a
	}
	if e.IPLocation != nil {
		ip := *e.IPLocation
		out.IPLocation = &ip
	}
	if e.Custom != nil {
		c := *e.Custom
		if e.Custom.Extra != nil {
			extra := make(map[string]string, len(e.Custom.Extra))
			for k, v := range e.Custom.Extra {
				extra[k] = v
			}
			c.Extra = extra
		}
		out.Custom = &c
	}
	return &out
}
