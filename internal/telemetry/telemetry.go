// Package telemetry sends anonymous usage events to PostHog. Everything is
// a no-op when no key is configured.
package telemetry

import (
	"log"

	"github.com/posthog/posthog-go"
)

// Client wraps an optional PostHog client
type Client struct {
	ph         posthog.Client
	distinctID string
}

// NewClient creates a telemetry client. An empty key disables telemetry
// entirely; every method on the returned client is then a no-op.
func NewClient(key, host, distinctID string) *Client {
	if key == "" {
		return &Client{}
	}

	ph, err := posthog.NewWithConfig(key, posthog.Config{
		Endpoint: host,
	})
	if err != nil {
		log.Printf("[Telemetry] Failed to initialize PostHog: %v", err)
		return &Client{}
	}

	if distinctID == "" {
		distinctID = "anonymous"
	}

	return &Client{ph: ph, distinctID: distinctID}
}

// Capture enqueues an event
func (c *Client) Capture(event string, props map[string]interface{}) {
	if c == nil || c.ph == nil {
		return
	}
	c.ph.Enqueue(posthog.Capture{
		DistinctId: c.distinctID,
		Event:      event,
		Properties: props,
	})
}

// Close flushes and shuts down the underlying client
func (c *Client) Close() {
	if c == nil || c.ph == nil {
		return
	}
	c.ph.Close()
}
