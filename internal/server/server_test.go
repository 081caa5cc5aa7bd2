package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/beacon/internal/platform/auth"
	"github.com/ehr/beacon/internal/platform/fhir"
)

const gateSecret = "test-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	manager := fhir.NewManager(fhir.NewDispatcher(nil, zerolog.Nop()), zerolog.Nop())
	if _, err := manager.AddTenant(fhir.TenantConfig{
		Name:    "acme",
		Version: "R5",
		BaseURL: "http://localhost/acme",
	}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	if _, err := manager.AddTenant(fhir.TenantConfig{
		Name:          "secure",
		Version:       "R4",
		BaseURL:       "http://localhost/secure",
		SmartRequired: true,
	}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	return New(manager, auth.NewGate(gateSecret, "", zerolog.Nop()), zerolog.Nop())
}

func do(t *testing.T, srv *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func bearer(t *testing.T, scope string) string {
	t.Helper()
	claims := auth.Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(gateSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func TestCreateReadUpdateDelete(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/acme/Patient",
		`{"resourceType":"Patient","name":[{"family":"Smith"}]}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("create ETag = %q", etag)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "http://localhost/acme/Patient/") ||
		!strings.HasSuffix(location, "/_history/1") {
		t.Errorf("create Location = %q", location)
	}
	created := decode(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created resource has no id")
	}

	rec = do(t, srv, http.MethodGet, "/acme/Patient/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d", rec.Code)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("read ETag = %q", etag)
	}

	rec = do(t, srv, http.MethodHead, "/acme/Patient/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("head status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("head returned a body: %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodPut, "/acme/Patient/"+id,
		`{"resourceType":"Patient","id":"`+id+`","name":[{"family":"Smythe"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"2"` {
		t.Errorf("update ETag = %q", etag)
	}

	rec = do(t, srv, http.MethodDelete, "/acme/Patient/"+id, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("delete returned a body: %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/acme/Patient/"+id, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("read after delete status = %d", rec.Code)
	}
}

func TestUpdateAsCreate(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPut, "/acme/Patient/client-1",
		`{"resourceType":"Patient","id":"client-1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("update-as-create status = %d, body %s", rec.Code, rec.Body.String())
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q", etag)
	}
}

func TestUpdateStaleIfMatch(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPut, "/acme/Patient/p1",
		`{"resourceType":"Patient","id":"p1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed status = %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPut, "/acme/Patient/p1",
		`{"resourceType":"Patient","id":"p1"}`,
		map[string]string{"If-Match": `W/"7"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("stale If-Match status = %d, want 412", rec.Code)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/acme/Patient",
		`{"resourceType":"Patient"}`,
		map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
	if decode(t, rec)["resourceType"] != "OperationOutcome" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestPreferMinimal(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/acme/Patient",
		`{"resourceType":"Patient"}`,
		map[string]string{"Prefer": "return=minimal"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("minimal response carried a body: %s", rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Error("minimal response dropped the Location header")
	}
}

func TestSearchRoutes(t *testing.T) {
	srv := newTestServer(t)
	for _, family := range []string{"Smith", "Jones"} {
		rec := do(t, srv, http.MethodPost, "/acme/Patient",
			`{"resourceType":"Patient","name":[{"family":"`+family+`"}]}`, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed %s: status = %d", family, rec.Code)
		}
	}

	rec := do(t, srv, http.MethodGet, "/acme/Patient?family=smith", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	bundle := decode(t, rec)
	if bundle["resourceType"] != "Bundle" || bundle["type"] != "searchset" {
		t.Errorf("bundle = %v/%v", bundle["resourceType"], bundle["type"])
	}
	if bundle["total"] != float64(1) {
		t.Errorf("total = %v, want 1", bundle["total"])
	}

	rec = do(t, srv, http.MethodPost, "/acme/Patient/_search", "family=jones",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusOK {
		t.Fatalf("_search status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["total"]; got != float64(1) {
		t.Errorf("_search total = %v, want 1", got)
	}
}

func TestHistoryRoutes(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodPut, "/acme/Patient/p1", `{"resourceType":"Patient","id":"p1"}`, nil)
	do(t, srv, http.MethodPut, "/acme/Patient/p1",
		`{"resourceType":"Patient","id":"p1","active":true}`, nil)

	rec := do(t, srv, http.MethodGet, "/acme/Patient/p1/_history", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	bundle := decode(t, rec)
	if bundle["type"] != "history" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	if entries, _ := bundle["entry"].([]interface{}); len(entries) != 2 {
		t.Errorf("history entries = %d, want 2", len(entries))
	}

	rec = do(t, srv, http.MethodGet, "/acme/Patient/p1/_history/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("vread status = %d", rec.Code)
	}
	version := decode(t, rec)
	meta, _ := version["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("vread versionId = %v", meta["versionId"])
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("vread ETag = %q", etag)
	}
}

func TestBundleRoute(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/acme", `{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"resource": {"resourceType": "Patient"}, "request": {"method": "POST", "url": "Patient"}}
		]
	}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bundle status = %d, body %s", rec.Code, rec.Body.String())
	}
	response := decode(t, rec)
	if response["type"] != "batch-response" {
		t.Errorf("response type = %v", response["type"])
	}
}

func TestMetadata(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/acme/metadata", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stmt := decode(t, rec)
	if stmt["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", stmt["resourceType"])
	}
}

func TestFormatNegotiation(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/acme/metadata?_format=xml", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("xml status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "xml") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "<") {
		t.Errorf("body is not XML: %.40s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/acme/metadata", "",
		map[string]string{"Accept": "application/fhir+xml"})
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "xml") {
		t.Errorf("accept-negotiated content type = %q", ct)
	}

	rec = do(t, srv, http.MethodGet, "/acme/metadata", "",
		map[string]string{"Accept": "text/html"})
	if rec.Code != http.StatusNotAcceptable {
		t.Errorf("unsupported accept status = %d, want 406", rec.Code)
	}
}

func TestUnknownTenant(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/ghost/Patient", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if decode(t, rec)["resourceType"] != "OperationOutcome" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSmartGate(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/secure/Patient", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("ungated read status = %d, want 401", rec.Code)
	}

	read := map[string]string{"Authorization": bearer(t, "system/*.read")}
	rec = do(t, srv, http.MethodGet, "/secure/Patient", "", read)
	if rec.Code != http.StatusOK {
		t.Errorf("token read status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/secure/Patient", `{"resourceType":"Patient"}`, read)
	if rec.Code != http.StatusForbidden {
		t.Errorf("read-scope write status = %d, want 403", rec.Code)
	}

	write := map[string]string{"Authorization": bearer(t, "system/*.write")}
	rec = do(t, srv, http.MethodPost, "/secure/Patient", `{"resourceType":"Patient"}`, write)
	if rec.Code != http.StatusCreated {
		t.Errorf("write-scope create status = %d", rec.Code)
	}

	// The discovery document stays reachable without a token.
	rec = do(t, srv, http.MethodGet, "/secure/.well-known/smart-configuration", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("smart-configuration status = %d", rec.Code)
	}
	if decode(t, rec)["issuer"] != "http://localhost/secure" {
		t.Errorf("issuer = %v", decode(t, rec)["issuer"])
	}
}

func TestSubscriptionOperationRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/acme/Subscription/$status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("$status status = %d", rec.Code)
	}
	bundle := decode(t, rec)
	if bundle["type"] != "searchset" || bundle["total"] != float64(0) {
		t.Errorf("bundle = %v", bundle)
	}

	rec = do(t, srv, http.MethodGet, "/acme/Subscription/nope/$status", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown subscription status = %d, want 404", rec.Code)
	}
}

func TestNotificationRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/acme/$notification", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	bundle := decode(t, rec)
	if bundle["type"] != "collection" || bundle["total"] != float64(0) {
		t.Errorf("bundle = %v", bundle)
	}

	rec = do(t, srv, http.MethodPost, "/acme/$notification",
		`{"resourceType":"Bundle","type":"searchset"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-history intake status = %d, want 400", rec.Code)
	}
}
