package validate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinytelemetry/courier/internal/model"
)

// UnknownSession is the sentinel a broken client writes when it never
// obtained a session; events carrying it are unattributable and dropped.
const UnknownSession = "unknown"

// MaxMissingFraction is the soft-completeness threshold: an event whose
// non-critical fields are more than 70% absent is near-empty noise.
const MaxMissingFraction = 0.7

// DedupDelimiter joins the components of a deduplication key.
const DedupDelimiter = "|"

var (
	ErrNoSession      = errors.New("session id missing or unknown")
	ErrNoPageURL      = errors.New("page url missing")
	ErrNoEventName    = errors.New("event name missing")
	ErrNoEventID      = errors.New("event id missing")
	ErrNoTimestamp    = errors.New("timestamp missing")
	ErrNoDeviceSignal = errors.New("no device signal")
	ErrLowInformation = errors.New("too many empty fields")
)

// Validate accepts or rejects an event before it may enter the queue.
// Location coordinates and IP address are deliberately not required: local
// development and privacy-denied sessions produce events without them.
func Validate(ev *model.Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	if ev.SessionID == "" || ev.SessionID == UnknownSession {
		return ErrNoSession
	}
	if ev.PageURL == "" {
		return ErrNoPageURL
	}
	if ev.EventName == "" {
		return ErrNoEventName
	}
	if ev.EventID == "" {
		return ErrNoEventID
	}
	if ev.Timestamp.IsZero() {
		return ErrNoTimestamp
	}
	if !hasDeviceSignal(ev) {
		return ErrNoDeviceSignal
	}
	if frac := missingFraction(ev); frac > MaxMissingFraction {
		return fmt.Errorf("%w (%.0f%% absent)", ErrLowInformation, frac*100)
	}
	return nil
}

// hasDeviceSignal reports whether at least one of device type, OS, or browser
// is present. An event with none of the three came from something that is not
// a browser session.
func hasDeviceSignal(ev *model.Event) bool {
	if ev.Device == nil {
		return false
	}
	return ev.Device.Type != "" || ev.Device.OS != "" || ev.Device.Browser != ""
}

// missingFraction computes the absent fraction over the fixed set of
// non-critical fields. The threshold admits sparse but real events while
// filtering out near-empty noise.
func missingFraction(ev *model.Event) float64 {
	present := func(ok bool) int {
		if ok {
			return 0
		}
		return 1
	}

	var dev model.DeviceContext
	if ev.Device != nil {
		dev = *ev.Device
	}
	var net model.NetworkContext
	if ev.Network != nil {
		net = *ev.Network
	}
	var loc model.LocationContext
	if ev.Location != nil {
		loc = *ev.Location
	}
	var attr model.AttributionContext
	if ev.Attribution != nil {
		attr = *ev.Attribution
	}

	missing := 0
	missing += present(dev.Mobile != nil)
	missing += present(loc.Label != "")
	missing += present(net.SubscriberID != "")
	missing += present(net.Operator != "")
	missing += present(ev.PagePath != "")
	missing += present(attr.CompanyLabel != "")
	missing += present(loc.FromGPS != nil)
	missing += present(dev.OS != "")
	missing += present(dev.Browser != "")
	missing += present(net.ServiceID != "")

	return float64(missing) / 10
}

// DedupKey derives the advisory collapse key for an event: session, page URL,
// event name, and the timestamp truncated to the whole second. Two events
// with the same session/page/name inside one second share a key; crossing a
// second boundary always changes it. The pipeline does not enforce uniqueness.
func DedupKey(ev *model.Event) string {
	name := ev.EventName
	if name == "" {
		name = model.DefaultEventName
	}
	return strings.Join([]string{
		ev.SessionID,
		ev.PageURL,
		name,
		strconv.FormatInt(ev.Timestamp.Unix(), 10),
	}, DedupDelimiter)
}
