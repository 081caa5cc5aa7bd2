package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// bundleEntry is the parsed request half of one batch/transaction entry.
type bundleEntry struct {
	index       int
	fullURL     string
	method      string
	url         string
	ifNoneExist string
	ifMatch     string
	ifNoneMatch string
	resource    Resource
}

// ProcessBundle executes a batch or transaction bundle. Batch entries are
// independent; a transaction applies atomically behind the tenant's write
// barrier and rolls back every touched store on the first failure.
func (e *TenantEngine) ProcessBundle(bundle Resource) StoreResult {
	entries, outcome := parseBundleEntries(bundle)
	if outcome != nil {
		return StoreResult{Outcome: outcome, Status: http.StatusBadRequest}
	}
	switch bundle["type"] {
	case "batch":
		return e.processBatch(entries)
	case "transaction":
		return e.processTransaction(entries)
	default:
		return errResult(http.StatusBadRequest,
			fmt.Sprintf("bundle type %v is not processable; use batch or transaction", bundle["type"]))
	}
}

func parseBundleEntries(bundle Resource) ([]bundleEntry, *OperationOutcome) {
	raw, _ := bundle["entry"].([]interface{})
	entries := make([]bundleEntry, 0, len(raw))
	for i, item := range raw {
		em, ok := item.(map[string]interface{})
		if !ok {
			return nil, ErrorOutcome(fmt.Sprintf("entry %d is not an object", i))
		}
		req, _ := em["request"].(map[string]interface{})
		if req == nil {
			return nil, ErrorOutcome(fmt.Sprintf("entry %d has no request", i))
		}
		entry := bundleEntry{index: i}
		entry.fullURL, _ = em["fullUrl"].(string)
		entry.method, _ = req["method"].(string)
		entry.url, _ = req["url"].(string)
		entry.ifNoneExist, _ = req["ifNoneExist"].(string)
		entry.ifMatch, _ = req["ifMatch"].(string)
		entry.ifNoneMatch, _ = req["ifNoneMatch"].(string)
		if res, ok := em["resource"].(map[string]interface{}); ok {
			entry.resource = Resource(res)
		}
		if entry.method == "" || entry.url == "" {
			return nil, ErrorOutcome(fmt.Sprintf("entry %d request needs method and url", i))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (e *TenantEngine) processBatch(entries []bundleEntry) StoreResult {
	responses := make([]interface{}, len(entries))
	for _, entry := range entries {
		res := e.executeEntry(entry)
		responses[entry.index] = responseEntry(res)
	}
	return StoreResult{
		Resource: Resource{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         "batch-response",
			"entry":        responses,
		},
		Status: http.StatusOK,
	}
}

// executeEntry runs one entry through the regular engine interactions.
func (e *TenantEngine) executeEntry(entry bundleEntry) StoreResult {
	typeName, id, query := splitEntryURL(entry.url)
	switch entry.method {
	case http.MethodPost:
		if entry.resource == nil {
			return errResult(http.StatusBadRequest, "POST entry has no resource")
		}
		return e.Create(typeName, entry.resource, entry.ifNoneExist)
	case http.MethodPut:
		if entry.resource == nil || id == "" {
			return errResult(http.StatusBadRequest, "PUT entry needs a resource and an instance url")
		}
		return e.Update(typeName, id, entry.resource, entry.ifMatch, entry.ifNoneMatch)
	case http.MethodDelete:
		if id == "" {
			return errResult(http.StatusBadRequest, "DELETE entry needs an instance url")
		}
		return e.Delete(typeName, id)
	case http.MethodGet, http.MethodHead:
		if id != "" {
			res := e.Read(typeName, id)
			if entry.method == http.MethodHead {
				res.Resource = nil
			}
			return res
		}
		return e.TypeSearch(typeName, query)
	case http.MethodPatch:
		return errResult(http.StatusNotImplemented, "PATCH is not supported")
	default:
		return errResult(http.StatusBadRequest, fmt.Sprintf("unsupported method %q", entry.method))
	}
}

// processTransaction applies entries atomically: deletes first, then creates,
// then updates, then reads, per the processing rules. Placeholder fullUrl
// references resolve to the ids assigned to POST entries.
func (e *TenantEngine) processTransaction(entries []bundleEntry) StoreResult {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	// Pre-assign ids for POST entries without one so urn:uuid references
	// resolve even between creates; client-supplied ids are kept.
	placeholders := map[string]string{}
	for i := range entries {
		entry := &entries[i]
		if entry.method != http.MethodPost || entry.resource == nil {
			continue
		}
		typeName, _, _ := splitEntryURL(entry.url)
		entry.resource = entry.resource.Clone()
		assigned := entry.resource.ID()
		if assigned == "" {
			assigned = uuid.NewString()
			entry.resource.SetID(assigned)
		}
		if entry.fullURL != "" {
			placeholders[entry.fullURL] = typeName + "/" + assigned
		}
	}
	if len(placeholders) > 0 {
		for i := range entries {
			if entries[i].resource != nil {
				rewriteReferences(map[string]interface{}(entries[i].resource), placeholders)
			}
		}
	}

	snapshots := map[string]map[string]*storedResource{}
	touch := func(typeName string) (*ResourceStore, error) {
		store, err := e.Store(typeName)
		if err != nil {
			return nil, err
		}
		if _, ok := snapshots[typeName]; !ok {
			snapshots[typeName] = store.snapshot()
		}
		return store, nil
	}

	e.txActive = true
	e.txChanges = nil

	rollback := func(failed StoreResult, index int) StoreResult {
		for typeName, snap := range snapshots {
			e.storeIfPresent(typeName).restore(snap)
		}
		e.txActive = false
		e.txChanges = nil
		diag := fmt.Sprintf("transaction aborted at entry %d: %s", index, failed.Outcome.Diagnostics())
		return StoreResult{Outcome: StatusOutcome(failed.Status, diag), Status: failed.Status}
	}

	responses := make([]interface{}, len(entries))
	for _, entry := range order(entries) {
		res := e.executeTxEntry(entry, touch)
		if !res.OK() {
			return rollback(res, entry.index)
		}
		responses[entry.index] = responseEntry(res)
	}

	// Commit: deliver buffered side effects in mutation order.
	changes := e.txChanges
	e.txActive = false
	e.txChanges = nil
	for _, c := range changes {
		e.applyChange(c.typeName, c.interaction, c.current, c.previous)
		if c.interaction == InteractionCreate && c.current != nil {
			e.enqueueCreated(c.typeName + "/" + c.current.ID())
		}
	}

	return StoreResult{
		Resource: Resource{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         "transaction-response",
			"entry":        responses,
		},
		Status: http.StatusOK,
	}
}

// executeTxEntry runs one transaction entry against the stores directly; the
// caller already holds the write barrier.
func (e *TenantEngine) executeTxEntry(entry bundleEntry, touch func(string) (*ResourceStore, error)) StoreResult {
	typeName, id, query := splitEntryURL(entry.url)
	switch entry.method {
	case http.MethodPost:
		if entry.resource == nil {
			return errResult(http.StatusBadRequest, "POST entry has no resource")
		}
		store, err := touch(typeName)
		if err != nil {
			return errResult(http.StatusBadRequest, err.Error())
		}
		if entry.ifNoneExist != "" {
			matches, outcome := e.conditionalMatches(typeName, entry.ifNoneExist)
			if outcome != nil {
				return StoreResult{Outcome: outcome, Status: http.StatusBadRequest}
			}
			if len(matches) == 1 {
				m := matches[0]
				return StoreResult{Resource: m, Outcome: OkOutcome("matching resource already exists"),
					Status: http.StatusOK, VersionID: m.VersionID(), LastModified: m.LastUpdated()}
			}
			if len(matches) > 1 {
				return errResult(http.StatusPreconditionFailed,
					fmt.Sprintf("If-None-Exist matched %d resources", len(matches)))
			}
		}
		return store.Create(entry.resource)
	case http.MethodPut:
		if entry.resource == nil || id == "" {
			return errResult(http.StatusBadRequest, "PUT entry needs a resource and an instance url")
		}
		store, err := touch(typeName)
		if err != nil {
			return errResult(http.StatusBadRequest, err.Error())
		}
		return store.Update(id, entry.resource, UpdateOptions{
			AllowCreate: true,
			IfMatch:     entry.ifMatch,
			IfNoneMatch: entry.ifNoneMatch,
			Protected:   e.IsProtected(typeName, id),
		})
	case http.MethodDelete:
		if id == "" {
			return errResult(http.StatusBadRequest, "DELETE entry needs an instance url")
		}
		store, err := touch(typeName)
		if err != nil {
			return errResult(http.StatusBadRequest, err.Error())
		}
		return store.Delete(id, e.IsProtected(typeName, id))
	case http.MethodGet, http.MethodHead:
		if id != "" {
			return e.Read(typeName, id)
		}
		return e.TypeSearch(typeName, query)
	case http.MethodPatch:
		return errResult(http.StatusNotImplemented, "PATCH is not supported")
	default:
		return errResult(http.StatusBadRequest, fmt.Sprintf("unsupported method %q", entry.method))
	}
}

// order yields transaction entries in processing order: DELETE, POST, PUT,
// then GET/HEAD, stable within each group.
func order(entries []bundleEntry) []bundleEntry {
	rank := func(method string) int {
		switch method {
		case http.MethodDelete:
			return 0
		case http.MethodPost:
			return 1
		case http.MethodPut, http.MethodPatch:
			return 2
		default:
			return 3
		}
	}
	out := make([]bundleEntry, 0, len(entries))
	for group := 0; group <= 3; group++ {
		for _, entry := range entries {
			if rank(entry.method) == group {
				out = append(out, entry)
			}
		}
	}
	return out
}

// splitEntryURL parses an entry url into (type, id, query).
func splitEntryURL(u string) (string, string, string) {
	var query string
	if i := strings.IndexByte(u, '?'); i >= 0 {
		query = u[i+1:]
		u = u[:i]
	}
	u = strings.Trim(u, "/")
	parts := strings.SplitN(u, "/", 2)
	typeName := parts[0]
	id := ""
	if len(parts) == 2 {
		id = parts[1]
	}
	return typeName, id, query
}

// rewriteReferences replaces placeholder reference literals (urn:uuid:...)
// with the ids assigned during transaction processing.
func rewriteReferences(tree map[string]interface{}, placeholders map[string]string) {
	for k, v := range tree {
		switch t := v.(type) {
		case string:
			if k == "reference" {
				if resolved, ok := placeholders[t]; ok {
					tree[k] = resolved
				}
			}
		case map[string]interface{}:
			rewriteReferences(t, placeholders)
		case []interface{}:
			for _, item := range t {
				if m, ok := item.(map[string]interface{}); ok {
					rewriteReferences(m, placeholders)
				}
			}
		}
	}
}

// responseEntry renders one StoreResult as a response bundle entry.
func responseEntry(res StoreResult) map[string]interface{} {
	response := map[string]interface{}{
		"status": strconv.Itoa(res.Status),
	}
	if res.VersionID != "" {
		response["etag"] = `W/"` + res.VersionID + `"`
	}
	if !res.LastModified.IsZero() {
		response["lastModified"] = res.LastModified.Format(time.RFC3339Nano)
	}
	if res.Location != "" {
		response["location"] = res.Location
	}
	if res.Outcome != nil && !res.OK() {
		response["outcome"] = map[string]interface{}(res.Outcome.AsResource())
	}
	entry := map[string]interface{}{"response": response}
	if res.Resource != nil {
		entry["resource"] = map[string]interface{}(res.Resource)
	}
	return entry
}
