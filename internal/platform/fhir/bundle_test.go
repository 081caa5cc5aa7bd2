package fhir

import (
	"net/http"
	"strings"
	"testing"
)

func requestEntry(method, url string, resource Resource) map[string]interface{} {
	entry := map[string]interface{}{
		"request": map[string]interface{}{"method": method, "url": url},
	}
	if resource != nil {
		entry["resource"] = map[string]interface{}(resource)
	}
	return entry
}

func bundleOf(bundleType string, entries ...map[string]interface{}) Resource {
	raw := make([]interface{}, len(entries))
	for i, e := range entries {
		raw[i] = e
	}
	return Resource{"resourceType": "Bundle", "type": bundleType, "entry": raw}
}

func responseStatus(t *testing.T, bundle Resource, index int) string {
	t.Helper()
	entries := bundle["entry"].([]interface{})
	entry := entries[index].(map[string]interface{})
	return entry["response"].(map[string]interface{})["status"].(string)
}

func TestBatchEntriesAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	mustCreate(t, e, testPatient("p1", "Smith", "female"))

	res := e.ProcessBundle(bundleOf("batch",
		requestEntry("POST", "Patient", testPatient("", "Jones", "male")),
		requestEntry("GET", "Patient/ghost", nil),
		requestEntry("DELETE", "Patient/p1", nil),
	))
	if res.Status != http.StatusOK {
		t.Fatalf("batch status = %d: %s", res.Status, res.Outcome.Diagnostics())
	}
	if res.Resource["type"] != "batch-response" {
		t.Errorf("bundle type = %v", res.Resource["type"])
	}
	if got := responseStatus(t, res.Resource, 0); got != "201" {
		t.Errorf("entry 0 status = %s, want 201", got)
	}
	// The failed read does not disturb its neighbors.
	if got := responseStatus(t, res.Resource, 1); got != "404" {
		t.Errorf("entry 1 status = %s, want 404", got)
	}
	if got := responseStatus(t, res.Resource, 2); got != "204" {
		t.Errorf("entry 2 status = %s, want 204", got)
	}
	if e.ResourceCount() != 1 {
		t.Errorf("count = %d, want the POSTed patient only", e.ResourceCount())
	}
}

func TestTransactionPlaceholderRewrite(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})

	obs := testObservation("", "final", "urn:uuid:patient-ph", 72)
	res := e.ProcessBundle(bundleOf("transaction",
		map[string]interface{}{
			"fullUrl":  "urn:uuid:patient-ph",
			"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			"resource": map[string]interface{}(testPatient("", "Smith", "female")),
		},
		requestEntry("POST", "Observation", obs),
	))
	if res.Status != http.StatusOK {
		t.Fatalf("transaction status = %d: %s", res.Status, res.Outcome.Diagnostics())
	}
	if res.Resource["type"] != "transaction-response" {
		t.Errorf("bundle type = %v", res.Resource["type"])
	}

	stored := e.storeIfPresent("Observation").All()
	if len(stored) != 1 {
		t.Fatalf("observations = %d, want 1", len(stored))
	}
	subject := stored[0]["subject"].(map[string]interface{})["reference"].(string)
	if !strings.HasPrefix(subject, "Patient/") {
		t.Errorf("subject = %q, placeholder not rewritten", subject)
	}
	typeName, id := ParseReference(subject)
	if typeName != "Patient" {
		t.Fatalf("subject type = %q", typeName)
	}
	if _, ok := e.storeIfPresent("Patient").Read(id); !ok {
		t.Error("rewritten reference does not resolve to the created patient")
	}
}

func TestTransactionPostKeepsClientID(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})

	res := e.ProcessBundle(bundleOf("transaction",
		requestEntry("POST", "Patient", testPatient("client-42", "Smith", "female")),
	))
	if res.Status != http.StatusOK {
		t.Fatalf("transaction status = %d: %s", res.Status, res.Outcome.Diagnostics())
	}
	if got := responseStatus(t, res.Resource, 0); got != "201" {
		t.Fatalf("entry status = %s, want 201", got)
	}
	if _, ok := e.storeIfPresent("Patient").Read("client-42"); !ok {
		t.Error("posted patient not stored under its client id")
	}
}

func TestTransactionRollback(t *testing.T) {
	e, sender := newTestEngine(t, TenantConfig{})
	topicRes := e.Create("SubscriptionTopic", testTopic("http://example.org/topics/finalized"), "")
	if !topicRes.OK() {
		t.Fatalf("topic create: %s", topicRes.Outcome.Diagnostics())
	}
	subRes := e.Create("Subscription", testSubscription("", "http://example.org/topics/finalized"), "")
	if !subRes.OK() {
		t.Fatalf("subscription create: %s", subRes.Outcome.Diagnostics())
	}
	mustCreate(t, e, testPatient("p1", "Smith", "female"))

	// The final PUT carries a stale If-Match and fails the transaction.
	res := e.ProcessBundle(bundleOf("transaction",
		requestEntry("POST", "Observation", testObservation("", "final", "Patient/p1", 72)),
		requestEntry("DELETE", "Patient/p1", nil),
		map[string]interface{}{
			"request": map[string]interface{}{
				"method":  "PUT",
				"url":     "Patient/p9",
				"ifMatch": `W/"7"`,
			},
			"resource": map[string]interface{}(testPatient("p9", "Late", "male")),
		},
	))
	if res.Status != http.StatusPreconditionFailed {
		t.Fatalf("transaction status = %d, want 412", res.Status)
	}

	// Every touched store rolled back.
	if _, ok := e.storeIfPresent("Patient").Read("p1"); !ok {
		t.Error("rolled-back delete stayed applied")
	}
	if e.storeIfPresent("Observation") != nil && e.storeIfPresent("Observation").Len() != 0 {
		t.Error("rolled-back create stayed applied")
	}
	// No notifications escaped the aborted transaction.
	if got := sender.notifications(); len(got) != 0 {
		t.Errorf("aborted transaction delivered %d notifications", len(got))
	}
}

func TestTransactionCommitDeliversBufferedEvents(t *testing.T) {
	e, sender := newTestEngine(t, TenantConfig{})
	e.Create("SubscriptionTopic", testTopic("http://example.org/topics/finalized"), "")
	subRes := e.Create("Subscription", testSubscription("", "http://example.org/topics/finalized"), "")
	if !subRes.OK() {
		t.Fatalf("subscription create: %s", subRes.Outcome.Diagnostics())
	}

	res := e.ProcessBundle(bundleOf("transaction",
		requestEntry("POST", "Observation", testObservation("", "final", "Patient/p1", 72)),
		requestEntry("POST", "Observation", testObservation("", "preliminary", "Patient/p1", 60)),
	))
	if res.Status != http.StatusOK {
		t.Fatalf("transaction status = %d: %s", res.Status, res.Outcome.Diagnostics())
	}
	got := sender.notifications()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1 (only the finalized observation)", len(got))
	}
	if got[0].EventNumber != 1 {
		t.Errorf("event number = %d, want 1", got[0].EventNumber)
	}
}

func TestTransactionOrdering(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	mustCreate(t, e, testPatient("p1", "Smith", "female"))

	// The GET is listed first but runs last: it observes the POSTed patient
	// and the DELETE of p1.
	res := e.ProcessBundle(bundleOf("transaction",
		requestEntry("GET", "Patient?family=jones", nil),
		requestEntry("DELETE", "Patient/p1", nil),
		requestEntry("POST", "Patient", testPatient("", "Jones", "male")),
	))
	if res.Status != http.StatusOK {
		t.Fatalf("transaction status = %d: %s", res.Status, res.Outcome.Diagnostics())
	}
	entries := res.Resource["entry"].([]interface{})
	search := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if search["total"] != float64(1) {
		t.Errorf("search ran before the POST: total = %v, want 1", search["total"])
	}
}

func TestBundleTypeValidation(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})

	res := e.ProcessBundle(Resource{"resourceType": "Bundle", "type": "collection"})
	if res.Status != http.StatusBadRequest {
		t.Errorf("collection bundle status = %d, want 400", res.Status)
	}

	res = e.ProcessBundle(bundleOf("batch",
		map[string]interface{}{"resource": map[string]interface{}(testPatient("", "X", "female"))},
	))
	if res.Status != http.StatusBadRequest {
		t.Errorf("entry without request status = %d, want 400", res.Status)
	}
}

func TestBatchPatchNotImplemented(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	res := e.ProcessBundle(bundleOf("batch",
		requestEntry("PATCH", "Patient/p1", testPatient("p1", "Smith", "female")),
	))
	if got := responseStatus(t, res.Resource, 0); got != "501" {
		t.Errorf("PATCH entry status = %s, want 501", got)
	}
}
