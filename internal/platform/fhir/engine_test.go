package fhir

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTypeSearchBundle(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	mustCreate(t, e, testPatient("p1", "Smith", "female"))
	mustCreate(t, e, testPatient("p2", "Smith", "male"))
	mustCreate(t, e, testPatient("p3", "Jones", "female"))

	res := e.TypeSearch("Patient", "family=smith")
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d: %s", res.Status, res.Outcome.Diagnostics())
	}
	bundle := res.Resource
	if bundle["type"] != "searchset" || bundle["total"] != float64(2) {
		t.Errorf("bundle type/total = %v/%v, want searchset/2", bundle["type"], bundle["total"])
	}
	links := bundle["link"].([]interface{})
	self := links[0].(map[string]interface{})
	if self["url"] != "http://localhost/test/Patient?family=smith" {
		t.Errorf("self link = %v", self["url"])
	}
	entries := bundle["entry"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, raw := range entries {
		entry := raw.(map[string]interface{})
		if entry["search"].(map[string]interface{})["mode"] != "match" {
			t.Errorf("entry mode = %v, want match", entry["search"])
		}
	}
}

func TestTypeSearchCountAndSummary(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	for _, id := range []string{"p1", "p2", "p3"} {
		mustCreate(t, e, testPatient(id, "Smith", "female"))
	}

	res := e.TypeSearch("Patient", "family=smith&_count=1")
	if got := len(res.Resource["entry"].([]interface{})); got != 1 {
		t.Errorf("_count=1 entries = %d, want 1", got)
	}
	if res.Resource["total"] != float64(3) {
		t.Errorf("_count total = %v, want the full match count 3", res.Resource["total"])
	}

	res = e.TypeSearch("Patient", "_summary=count")
	if res.Resource["total"] != float64(3) {
		t.Errorf("_summary=count total = %v, want 3", res.Resource["total"])
	}
	if entries, ok := res.Resource["entry"].([]interface{}); ok && len(entries) > 0 {
		t.Errorf("_summary=count returned %d entries", len(entries))
	}
}

func TestTypeSearchInclude(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	mustCreate(t, e, testPatient("p1", "Smith", "female"))
	mustCreate(t, e, testObservation("o1", "final", "Patient/p1", 72))

	res := e.TypeSearch("Observation", "status=final&_include=Observation:subject")
	entries := res.Resource["entry"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want match + include", len(entries))
	}
	last := entries[1].(map[string]interface{})
	if last["search"].(map[string]interface{})["mode"] != "include" {
		t.Errorf("included entry mode = %v", last["search"])
	}
	if res.Resource["total"] != float64(1) {
		t.Errorf("total = %v, want 1 (includes do not count)", res.Resource["total"])
	}
}

func TestTypeSearchSort(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	mustCreate(t, e, testPatient("p1", "Young", "female"))
	mustCreate(t, e, testPatient("p2", "Adams", "male"))

	res := e.TypeSearch("Patient", "_sort=family")
	entries := res.Resource["entry"].([]interface{})
	first := entries[0].(map[string]interface{})
	if first["fullUrl"] != "Patient/p2" {
		t.Errorf("ascending sort first = %v, want Patient/p2", first["fullUrl"])
	}

	res = e.TypeSearch("Patient", "_sort=-family")
	entries = res.Resource["entry"].([]interface{})
	first = entries[0].(map[string]interface{})
	if first["fullUrl"] != "Patient/p1" {
		t.Errorf("descending sort first = %v, want Patient/p1", first["fullUrl"])
	}
}

func TestCreateHonorsClientID(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})

	res := e.Create("Patient", testPatient("p1", "Smith", "female"), "")
	if res.Status != http.StatusCreated || res.Resource.ID() != "p1" {
		t.Fatalf("create = %d/%q, want 201 with the client id", res.Status, res.Resource.ID())
	}
	if res.Location != "Patient/p1/_history/1" {
		t.Errorf("location = %q", res.Location)
	}

	res = e.Create("Patient", testPatient("p1", "Jones", "male"), "")
	if res.Status != http.StatusConflict {
		t.Errorf("duplicate client id = %d, want 409", res.Status)
	}
	if r := e.Read("Patient", "p1").Resource; r["gender"] != "female" {
		t.Error("conflicting create replaced the stored resource")
	}
}

func TestCreateIfNoneExist(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})

	res := e.Create("Patient", testPatient("", "Smith", "female"), "family=smith")
	if res.Status != http.StatusCreated {
		t.Fatalf("first conditional create = %d, want 201", res.Status)
	}
	existing := res.Resource.ID()

	res = e.Create("Patient", testPatient("", "Smith", "male"), "family=smith")
	if res.Status != http.StatusOK {
		t.Fatalf("second conditional create = %d, want 200", res.Status)
	}
	if res.Resource.ID() != existing || res.Resource["gender"] != "female" {
		t.Error("conditional create did not return the existing resource unchanged")
	}

	e.Create("Patient", testPatient("", "Smith", "other"), "")
	res = e.Create("Patient", testPatient("", "Smith", "male"), "family=smith")
	if res.Status != http.StatusPreconditionFailed {
		t.Errorf("ambiguous conditional create = %d, want 412", res.Status)
	}

	res = e.Create("Patient", testPatient("", "Smith", "male"), "family=%zz")
	if res.Status != http.StatusBadRequest {
		t.Errorf("malformed If-None-Exist = %d, want 400", res.Status)
	}
}

func TestUpdateBodyIDMismatch(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	res := e.Update("Patient", "p1", testPatient("other", "Smith", "female"), "", "")
	if res.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.Status)
	}
}

func TestCapacityEviction(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{MaxResources: 2})
	first := e.Create("Patient", testPatient("", "One", "female"), "").Resource
	e.Create("Patient", testPatient("", "Two", "female"), "")
	e.Create("Patient", testPatient("", "Three", "female"), "")

	if evicted := e.CheckCapacity(); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if res := e.Read("Patient", first.ID()); res.Status != http.StatusNotFound {
		t.Error("oldest resource survived the sweep")
	}
	if e.ResourceCount() != 2 {
		t.Errorf("count after sweep = %d, want 2", e.ResourceCount())
	}
}

func TestCapacityEvictionSkipsProtected(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{MaxResources: 2})
	first := e.Create("Patient", testPatient("", "One", "female"), "").Resource
	e.Protect("Patient", first.ID())
	second := e.Create("Patient", testPatient("", "Two", "female"), "").Resource
	e.Create("Patient", testPatient("", "Three", "female"), "")

	// Protected residents do not count: 3 live minus 1 protected fits the cap.
	if evicted := e.CheckCapacity(); evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}

	e.Create("Patient", testPatient("", "Four", "female"), "")
	if evicted := e.CheckCapacity(); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if res := e.Read("Patient", first.ID()); res.Status != http.StatusOK {
		t.Error("protected resource was evicted")
	}
	if res := e.Read("Patient", second.ID()); res.Status != http.StatusNotFound {
		t.Error("oldest unprotected resource survived")
	}
}

func TestReceivedNotificationRetention(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	e.RecordReceivedNotification(Resource{
		"resourceType": "Bundle",
		"id":           "n1",
		"type":         "history",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{
					"resourceType": "SubscriptionStatus",
					"subscription": map[string]interface{}{"reference": "Subscription/s1"},
				},
			},
		},
	})

	got := e.ReceivedNotifications()
	if len(got) != 1 || got[0].SubscriptionRef != "Subscription/s1" {
		t.Fatalf("received = %+v, want one entry for Subscription/s1", got)
	}

	if pruned := e.PruneReceived(time.Now()); pruned != 0 {
		t.Errorf("fresh notification pruned")
	}
	if pruned := e.PruneReceived(time.Now().Add(receivedNotificationTTL + time.Minute)); pruned != 1 {
		t.Errorf("stale notification survived")
	}
	if len(e.ReceivedNotifications()) != 0 {
		t.Error("notification list not empty after pruning")
	}
}

func TestSearchParameterRegistration(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	p := testPatient("p1", "Smith", "female")
	p["maritalStatus"] = map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://hl7.org/fhir/marital-status", "code": "M"},
		},
	}
	mustCreate(t, e, p)

	// Unknown parameters are ignored, so the search matches everything.
	res := e.TypeSearch("Patient", "marital-status=M")
	if res.Resource["total"] != float64(1) {
		t.Fatalf("pre-registration total = %v", res.Resource["total"])
	}

	spRes := e.Create("SearchParameter", Resource{
		"resourceType": "SearchParameter",
		"code":         "marital-status",
		"type":         "token",
		"expression":   "maritalStatus",
		"base":         []interface{}{"Patient"},
		"status":       "active",
	}, "")
	if !spRes.OK() {
		t.Fatalf("SearchParameter create: %s", spRes.Outcome.Diagnostics())
	}

	if res := e.TypeSearch("Patient", "marital-status=M"); res.Resource["total"] != float64(1) {
		t.Errorf("registered param match total = %v, want 1", res.Resource["total"])
	}
	if res := e.TypeSearch("Patient", "marital-status=S"); res.Resource["total"] != float64(0) {
		t.Errorf("registered param miss total = %v, want 0", res.Resource["total"])
	}

	// Deleting the SearchParameter reverts the name to an ignored parameter.
	e.Delete("SearchParameter", spRes.Resource.ID())
	if res := e.TypeSearch("Patient", "marital-status=S"); res.Resource["total"] != float64(1) {
		t.Errorf("post-delete total = %v, want 1 (parameter ignored again)", res.Resource["total"])
	}
}

func TestSearchParameterRejectedWhenMalformed(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	res := e.Create("SearchParameter", Resource{
		"resourceType": "SearchParameter",
		"code":         "broken",
		"type":         "token",
	}, "")
	if res.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.Status)
	}
}

func TestCapabilityInvalidation(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	before := e.Capability()
	if before["resourceType"] != "CapabilityStatement" {
		t.Fatalf("capability resourceType = %v", before["resourceType"])
	}
	if e.capability.Load() == nil {
		t.Fatal("capability not cached after build")
	}

	e.Create("SearchParameter", Resource{
		"resourceType": "SearchParameter",
		"code":         "nickname",
		"type":         "string",
		"expression":   "name.given",
		"base":         []interface{}{"Patient"},
	}, "")
	if e.capability.Load() != nil {
		t.Fatal("capability cache survived a search parameter change")
	}

	if !capabilityListsParam(e.Capability(), "Patient", "nickname") {
		t.Error("rebuilt capability does not list the registered parameter")
	}
}

func capabilityListsParam(stmt Resource, typeName, param string) bool {
	rest, _ := stmt["rest"].([]interface{})
	for _, rawRest := range rest {
		resources, _ := rawRest.(map[string]interface{})["resource"].([]interface{})
		for _, rawRes := range resources {
			res := rawRes.(map[string]interface{})
			if res["type"] != typeName {
				continue
			}
			params, _ := res["searchParam"].([]interface{})
			for _, rawP := range params {
				if rawP.(map[string]interface{})["name"] == param {
					return true
				}
			}
		}
	}
	return false
}

func TestTerminologyRegistration(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	mustCreate(t, e, testObservation("o1", "final", "Patient/p1", 72))

	vs := e.Create("ValueSet", Resource{
		"resourceType": "ValueSet",
		"url":          "http://example.org/ValueSet/vitals",
		"status":       "active",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": "http://loinc.org",
					"concept": []interface{}{
						map[string]interface{}{"code": "8867-4"},
					},
				},
			},
		},
	}, "")
	if !vs.OK() {
		t.Fatalf("ValueSet create: %s", vs.Outcome.Diagnostics())
	}

	res := e.TypeSearch("Observation", "code:in=http://example.org/ValueSet/vitals")
	if res.Resource["total"] != float64(1) {
		t.Errorf("code:in total = %v, want 1", res.Resource["total"])
	}

	e.Delete("ValueSet", vs.Resource.ID())
	res = e.TypeSearch("Observation", "code:in=http://example.org/ValueSet/vitals")
	if res.Resource["total"] != float64(0) {
		t.Errorf("code:in after unregister total = %v, want 0", res.Resource["total"])
	}
}

func TestSubscriptionPipelineThroughStores(t *testing.T) {
	e, sender := newTestEngine(t, TenantConfig{})

	topicRes := e.Create("SubscriptionTopic", testTopic("http://example.org/topics/finalized"), "")
	if !topicRes.OK() {
		t.Fatalf("topic create: %s", topicRes.Outcome.Diagnostics())
	}
	subRes := e.Create("Subscription", testSubscription("", "http://example.org/topics/finalized"), "")
	if !subRes.OK() {
		t.Fatalf("subscription create: %s", subRes.Outcome.Diagnostics())
	}

	sub := e.Evaluator().LookupSubscription(subRes.Resource.ID())
	if sub == nil || sub.Status() != SubscriptionActive {
		t.Fatalf("subscription not active after create: %+v", sub)
	}

	e.Create("Observation", testObservation("", "final", "Patient/p1", 72), "")
	got := sender.notifications()
	if len(got) != 1 || got[0].EventNumber != 1 {
		t.Fatalf("notifications = %d, want the finalized observation as event 1", len(got))
	}

	// Updating the subscription keeps its event numbering.
	update := testSubscription(subRes.Resource.ID(), "http://example.org/topics/finalized")
	update["status"] = "active"
	if res := e.Update("Subscription", subRes.Resource.ID(), update, "", ""); !res.OK() {
		t.Fatalf("subscription update: %s", res.Outcome.Diagnostics())
	}
	e.Create("Observation", testObservation("", "final", "Patient/p1", 80), "")
	got = sender.notifications()
	if len(got) != 2 || got[1].EventNumber != 2 {
		t.Fatalf("event numbering restarted across a subscription update: %+v", got)
	}

	// Deleting the subscription stops delivery.
	e.Delete("Subscription", subRes.Resource.ID())
	e.Create("Observation", testObservation("", "final", "Patient/p1", 90), "")
	if got := sender.notifications(); len(got) != 2 {
		t.Errorf("deleted subscription still received events")
	}
}

func TestTopicCreateRejectedWhenUncompilable(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	bad := testTopic("http://example.org/topics/bad")
	trigger := bad["resourceTrigger"].([]interface{})[0].(map[string]interface{})
	trigger["queryCriteria"].(map[string]interface{})["current"] = "nonexistent=1"

	res := e.Create("SubscriptionTopic", bad, "")
	if res.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.Status)
	}
}

func TestSubscriptionCreateRejectedWithoutTopic(t *testing.T) {
	e, _ := newTestEngine(t, TenantConfig{})
	res := e.Create("Subscription", testSubscription("", "http://example.org/topics/absent"), "")
	if res.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.Status)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "patient.json", `{"resourceType":"Patient","id":"seed-1","gender":"female"}`)
	writeFixture(t, dir, "bundle.json", `{
		"resourceType": "Bundle",
		"type": "collection",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "seed-2"}},
			{"resource": {"resourceType": "Observation", "id": "seed-3", "status": "final", "code": {"text": "hr"}}}
		]
	}`)
	writeFixture(t, dir, "notes.txt", "ignored")

	e, _ := newTestEngine(t, TenantConfig{LoadDir: dir, ProtectLoaded: true})
	if err := e.LoadDirectory(dir); err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}

	if e.ResourceCount() != 3 {
		t.Errorf("loaded count = %d, want 3", e.ResourceCount())
	}
	if res := e.Read("Patient", "seed-1"); res.Status != http.StatusOK {
		t.Error("seed-1 not loaded with its client id")
	}
	if res := e.Read("Observation", "seed-3"); res.Status != http.StatusOK {
		t.Error("bundle entry not loaded")
	}
	if res := e.Delete("Patient", "seed-1"); res.Status != http.StatusUnauthorized {
		t.Errorf("loaded resource delete = %d, want 401", res.Status)
	}
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
