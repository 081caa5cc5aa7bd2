package fhir

import (
	"strings"
	"testing"
)

func newCompiler(t *testing.T) *topicCompiler {
	t.Helper()
	tester := NewSearchTester(NewValueSetIndex())
	return NewTopicCompiler(tester, func(typeName string) func(string) *SearchParamDef {
		defs := defaultSearchParameters(typeName)
		return func(name string) *SearchParamDef { return defs[name] }
	})
}

func TestParseTopic(t *testing.T) {
	tc := newCompiler(t)
	topic, err := tc.ParseTopic(testTopic("http://example.org/topics/finalized"))
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	if topic.URL != "http://example.org/topics/finalized" {
		t.Errorf("url = %q", topic.URL)
	}
	triggers := topic.TriggersFor("Observation")
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	tr := triggers[0]
	if !tr.Interactions.OnCreate || !tr.Interactions.OnUpdate || tr.Interactions.OnDelete {
		t.Errorf("interactions = %+v, want create+update only", tr.Interactions)
	}
	if tr.Query == nil || !tr.Query.RequireBoth || !tr.Query.AutoPassCreate {
		t.Errorf("query criteria not compiled: %+v", tr.Query)
	}
	if len(tr.Query.Previous) != 1 || len(tr.Query.Current) != 1 {
		t.Errorf("query legs = %d/%d, want 1/1", len(tr.Query.Previous), len(tr.Query.Current))
	}
}

func TestParseTopicRejectsBadQueryParameter(t *testing.T) {
	tc := newCompiler(t)
	topic := testTopic("http://example.org/topics/bad")
	trigger := topic["resourceTrigger"].([]interface{})[0].(map[string]interface{})
	trigger["queryCriteria"].(map[string]interface{})["current"] = "nonexistent=1"

	if _, err := tc.ParseTopic(topic); err == nil {
		t.Fatal("topic with unknown query parameter compiled")
	} else if !strings.Contains(err.Error(), "nonexistent") {
		t.Errorf("error %q does not name the bad parameter", err)
	}
}

func TestParseTopicFHIRPathCriteria(t *testing.T) {
	tc := newCompiler(t)
	topic := Resource{
		"resourceType": "SubscriptionTopic",
		"id":           "t2",
		"url":          "http://example.org/topics/path",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":         "Patient",
				"fhirPathCriteria": "%current.active = true",
			},
		},
	}
	parsed, err := tc.ParseTopic(topic)
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	tr := parsed.TriggersFor("Patient")[0]
	if tr.Criteria == nil {
		t.Fatal("fhirPathCriteria was not compiled")
	}
	// No supportedInteraction means every interaction.
	if !tr.Interactions.OnCreate || !tr.Interactions.OnUpdate || !tr.Interactions.OnDelete {
		t.Errorf("interactions = %+v, want all", tr.Interactions)
	}
}

func TestParseBasicWrappedTopic(t *testing.T) {
	tc := newCompiler(t)
	basic := Resource{
		"resourceType": "Basic",
		"id":           "wrapped",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"code": "SubscriptionTopic"},
			},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url":      r5ExtPrefix + "url",
				"valueUri": "http://example.org/topics/wrapped",
			},
			map[string]interface{}{
				"url": r5ExtPrefix + "resourceTrigger",
				"extension": []interface{}{
					map[string]interface{}{"url": "resource", "valueUri": "Observation"},
					map[string]interface{}{"url": "supportedInteraction", "valueCode": "create"},
					map[string]interface{}{
						"url": "queryCriteria",
						"extension": []interface{}{
							map[string]interface{}{"url": "current", "valueString": "status=final"},
							map[string]interface{}{"url": "resultForCreate", "valueCode": "test-passes"},
						},
					},
				},
			},
		},
	}
	if !IsBasicTopic(basic) {
		t.Fatal("IsBasicTopic = false for a wrapped topic")
	}
	topic, err := tc.ParseTopic(basic)
	if err != nil {
		t.Fatalf("ParseTopic(Basic): %v", err)
	}
	if topic.URL != "http://example.org/topics/wrapped" {
		t.Errorf("url = %q", topic.URL)
	}
	triggers := topic.TriggersFor("Observation")
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	if !triggers[0].Interactions.OnCreate || triggers[0].Interactions.OnUpdate {
		t.Errorf("interactions = %+v, want create only", triggers[0].Interactions)
	}
	if triggers[0].Query == nil || len(triggers[0].Query.Current) != 1 {
		t.Error("wrapped query criteria not compiled")
	}
}

func TestParseSubscription(t *testing.T) {
	tc := newCompiler(t)
	topic, err := tc.ParseTopic(testTopic("http://example.org/topics/finalized"))
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	lookup := func(url string) *ParsedTopic {
		if url == topic.URL {
			return topic
		}
		return nil
	}

	src := testSubscription("sub1", topic.URL)
	src["heartbeatPeriod"] = 2.0
	src["filterBy"] = []interface{}{
		map[string]interface{}{
			"resourceType":    "Observation",
			"filterParameter": "patient",
			"value":           "Patient/p1",
		},
	}
	sub, err := tc.ParseSubscription(src, lookup)
	if err != nil {
		t.Fatalf("ParseSubscription: %v", err)
	}
	if sub.ChannelType != ChannelRestHook || sub.Endpoint != "http://receiver.example/hook" {
		t.Errorf("channel = %s %s", sub.ChannelType, sub.Endpoint)
	}
	if sub.HeartbeatSeconds != 2 {
		t.Errorf("heartbeat = %d, want 2", sub.HeartbeatSeconds)
	}
	if len(sub.Filters["Observation"]) != 1 {
		t.Fatalf("filters = %+v", sub.Filters)
	}
	if sub.Status() != SubscriptionRequested {
		t.Errorf("status = %q, want requested", sub.Status())
	}
}

func TestParseSubscriptionValidation(t *testing.T) {
	tc := newCompiler(t)
	topic, _ := tc.ParseTopic(testTopic("http://example.org/topics/finalized"))
	lookup := func(url string) *ParsedTopic {
		if url == topic.URL {
			return topic
		}
		return nil
	}

	// Unknown topic.
	if _, err := tc.ParseSubscription(testSubscription("s1", "http://example.org/other"), lookup); err == nil {
		t.Error("subscription with unknown topic parsed")
	}

	// Filter on a type the topic never triggers on.
	src := testSubscription("s2", topic.URL)
	src["filterBy"] = []interface{}{
		map[string]interface{}{"resourceType": "Patient", "filterParameter": "gender", "value": "male"},
	}
	if _, err := tc.ParseSubscription(src, lookup); err == nil {
		t.Error("filter on untriggered type parsed")
	}

	// rest-hook without endpoint.
	src = testSubscription("s3", topic.URL)
	delete(src, "endpoint")
	if _, err := tc.ParseSubscription(src, lookup); err == nil {
		t.Error("rest-hook without endpoint parsed")
	}

	// Unknown channel type.
	src = testSubscription("s4", topic.URL)
	src["channelType"] = map[string]interface{}{"code": "carrier-pigeon"}
	if _, err := tc.ParseSubscription(src, lookup); err == nil {
		t.Error("unknown channel type parsed")
	}

	// Reserved channels parse but are flagged at delivery time.
	src = testSubscription("s5", topic.URL)
	src["channelType"] = map[string]interface{}{"code": "websocket"}
	if _, err := tc.ParseSubscription(src, lookup); err != nil {
		t.Errorf("websocket channel should parse: %v", err)
	}
}

func TestParseSubscriptionR4Channel(t *testing.T) {
	tc := newCompiler(t)
	topic, _ := tc.ParseTopic(testTopic("http://example.org/topics/finalized"))
	lookup := func(url string) *ParsedTopic { return topic }

	src := Resource{
		"resourceType": "Subscription",
		"id":           "r4sub",
		"status":       "requested",
		"criteria":     topic.URL,
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "http://receiver.example/r4",
			"payload":  "application/fhir+json",
			"header":   []interface{}{"Authorization: Bearer tok"},
		},
	}
	sub, err := tc.ParseSubscription(src, lookup)
	if err != nil {
		t.Fatalf("ParseSubscription(R4): %v", err)
	}
	if sub.TopicURL != topic.URL {
		t.Errorf("topic from criteria = %q", sub.TopicURL)
	}
	if got := sub.Headers["Authorization"]; len(got) != 1 || got[0] != "Bearer tok" {
		t.Errorf("headers = %v", sub.Headers)
	}
}

func TestSubscriptionErrorAccounting(t *testing.T) {
	sub := &ParsedSubscription{ID: "s", status: SubscriptionActive}

	for i := 0; i < 15; i++ {
		sub.RecordError("boom", 0)
	}
	if got := len(sub.Errors()); got != maxRecordedErrors {
		t.Errorf("error log length = %d, want %d", got, maxRecordedErrors)
	}
	if sub.Status() != SubscriptionActive {
		t.Error("threshold 0 should never flip the status")
	}

	sub = &ParsedSubscription{ID: "s2", status: SubscriptionActive}
	if sub.RecordError("one", 3) || sub.RecordError("two", 3) {
		t.Error("flipped before the threshold")
	}
	if !sub.RecordError("three", 3) {
		t.Error("did not flip at the threshold")
	}
	if sub.Status() != SubscriptionError {
		t.Errorf("status = %q, want error", sub.Status())
	}
}

func TestEventNumbersAreContiguous(t *testing.T) {
	sub := &ParsedSubscription{ID: "s", status: SubscriptionActive}
	for want := int64(1); want <= 5; want++ {
		if got := sub.NextEventNumber(); got != want {
			t.Fatalf("event number = %d, want %d", got, want)
		}
	}
	if sub.EventCount() != 5 {
		t.Errorf("EventCount = %d, want 5", sub.EventCount())
	}
}
