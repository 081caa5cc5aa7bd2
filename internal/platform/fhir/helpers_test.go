package fhir

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// captureSender records dispatched notifications instead of delivering them.
type captureSender struct {
	mu           sync.Mutex
	dispatched   []*Notification
	handshakeErr error
	handshakes   int
}

func (c *captureSender) Dispatch(n *Notification) {
	c.mu.Lock()
	c.dispatched = append(c.dispatched, n)
	c.mu.Unlock()
}

func (c *captureSender) Handshake(n *Notification) error {
	c.mu.Lock()
	c.handshakes++
	c.mu.Unlock()
	return c.handshakeErr
}

func (c *captureSender) notifications() []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Notification, len(c.dispatched))
	copy(out, c.dispatched)
	return out
}

func newTestEngine(t *testing.T, cfg TenantConfig) (*TenantEngine, *captureSender) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Version == "" {
		cfg.Version = "R5"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost/test"
	}
	sender := &captureSender{}
	return NewTenantEngine(cfg, sender, zerolog.Nop()), sender
}

func testPatient(id, family, gender string) Resource {
	r := Resource{
		"resourceType": "Patient",
		"gender":       gender,
		"name": []interface{}{
			map[string]interface{}{
				"family": family,
				"given":  []interface{}{"Alex"},
			},
		},
	}
	if id != "" {
		r["id"] = id
	}
	return r
}

func testObservation(id, status, patientRef string, value float64) Resource {
	r := Resource{
		"resourceType": "Observation",
		"status":       status,
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
			},
		},
		"subject": map[string]interface{}{"reference": patientRef},
		"valueQuantity": map[string]interface{}{
			"value":  value,
			"system": "http://unitsofmeasure.org",
			"code":   "/min",
		},
	}
	if id != "" {
		r["id"] = id
	}
	return r
}

// testTopic builds a native SubscriptionTopic triggering on Observation
// updates whose status becomes final.
func testTopic(url string) Resource {
	return Resource{
		"resourceType": "SubscriptionTopic",
		"id":           "topic-1",
		"url":          url,
		"title":        "finalized observations",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "Observation",
				"supportedInteraction": []interface{}{"create", "update"},
				"queryCriteria": map[string]interface{}{
					"previous":        "status:not=final",
					"current":         "status=final",
					"requireBoth":     true,
					"resultForCreate": "test-passes",
				},
			},
		},
	}
}

func testSubscription(id, topicURL string) Resource {
	return Resource{
		"resourceType": "Subscription",
		"id":           id,
		"status":       "requested",
		"topic":        topicURL,
		"channelType":  map[string]interface{}{"code": "rest-hook"},
		"endpoint":     "http://receiver.example/hook",
		"contentType":  "application/fhir+json",
	}
}

func mustCreate(t *testing.T, e *TenantEngine, r Resource) Resource {
	t.Helper()
	store, err := e.Store(r.ResourceType())
	if err != nil {
		t.Fatalf("store %s: %v", r.ResourceType(), err)
	}
	res := store.Create(r)
	if !res.OK() {
		t.Fatalf("create %s: %s", r.ResourceType(), res.Outcome.Diagnostics())
	}
	return res.Resource
}
