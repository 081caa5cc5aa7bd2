package fhir

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// receivedNotificationTTL is how long a received cross-server notification
// stays queryable.
const receivedNotificationTTL = 10 * time.Minute

// TenantConfig describes one tenant of the server.
type TenantConfig struct {
	Name          string
	Version       string // R4, R4B or R5
	BaseURL       string
	LoadDir       string // optional startup resource directory
	MaxResources  int    // 0 means unbounded
	ProtectLoaded bool   // loaded resources refuse modification
	SmartRequired bool
}

// ReceivedNotification is one notification bundle another server delivered
// to this tenant's notification endpoint.
type ReceivedNotification struct {
	SubscriptionRef string
	Bundle          Resource
	At              time.Time
}

// TenantEngine is one tenant's complete state: its stores, its terminology,
// its compiled topics and subscriptions, and the policies around them.
type TenantEngine struct {
	cfg TenantConfig
	log zerolog.Logger

	stores       *xsync.Map[string, *ResourceStore]
	customParams *xsync.Map[string, *SearchParamDef] // "Type.name" -> def
	paramSources *xsync.Map[string, []string]        // SearchParameter id -> registered keys
	received     *xsync.Map[string, *ReceivedNotification]
	protected    *xsync.Map[string, bool] // "Type/id"

	tester      *SearchTester
	terminology *ValueSetIndex
	includes    *IncludeResolver
	compiler    *topicCompiler
	evaluator   *SubscriptionEvaluator

	capability atomic.Pointer[Resource]

	// txMu is the tenant-wide write barrier: plain writes hold it shared,
	// transactions exclusively. While a transaction runs, side effects are
	// buffered and only delivered on commit.
	txMu      sync.RWMutex
	txActive  bool
	txChanges []bufferedChange

	// createdQueue orders live resources oldest-first for capacity eviction.
	queueMu      sync.Mutex
	createdQueue []string
}

type bufferedChange struct {
	typeName    string
	interaction Interaction
	current     Resource
	previous    Resource
}

// NewTenantEngine assembles a tenant around a notification sender.
func NewTenantEngine(cfg TenantConfig, sender NotificationSender, log zerolog.Logger) *TenantEngine {
	e := &TenantEngine{
		cfg:          cfg,
		log:          log.With().Str("tenant", cfg.Name).Logger(),
		stores:       xsync.NewMap[string, *ResourceStore](),
		customParams: xsync.NewMap[string, *SearchParamDef](),
		paramSources: xsync.NewMap[string, []string](),
		received:     xsync.NewMap[string, *ReceivedNotification](),
		protected:    xsync.NewMap[string, bool](),
	}
	e.terminology = NewValueSetIndex()
	e.tester = NewSearchTester(e.terminology)
	e.includes = NewIncludeResolver(e.tester, e.storeIfPresent, e.ParamResolver, e.log)
	e.compiler = NewTopicCompiler(e.tester, e.ParamResolver)
	e.evaluator = NewSubscriptionEvaluator(e.tester, e.includes, sender, e.resolveReference, e.log)
	return e
}

func (e *TenantEngine) Config() TenantConfig { return e.cfg }

func (e *TenantEngine) Name() string { return e.cfg.Name }

func (e *TenantEngine) Evaluator() *SubscriptionEvaluator { return e.evaluator }

func (e *TenantEngine) Terminology() *ValueSetIndex { return e.terminology }

// Store returns the store for typeName, creating it on first use.
func (e *TenantEngine) Store(typeName string) (*ResourceStore, error) {
	if !IsSupportedType(typeName) {
		return nil, fmt.Errorf("resource type %q is not supported", typeName)
	}
	store, _ := e.stores.Compute(typeName, func(old *ResourceStore, loaded bool) (*ResourceStore, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return NewResourceStore(typeName, e, e.log), xsync.UpdateOp
	})
	return store, nil
}

func (e *TenantEngine) storeIfPresent(typeName string) *ResourceStore {
	s, _ := e.stores.Load(typeName)
	return s
}

// ParamResolver returns the search parameter resolver for a type: custom
// registrations shadow the builtins.
func (e *TenantEngine) ParamResolver(typeName string) func(name string) *SearchParamDef {
	defaults := defaultSearchParameters(typeName)
	return func(name string) *SearchParamDef {
		if def, ok := e.customParams.Load(compiledCacheKey(typeName, name)); ok {
			return def
		}
		return defaults[name]
	}
}

// resolveReference resolves a "Type/id" literal against the tenant's stores,
// for FHIRPath resolve() and reference matching.
func (e *TenantEngine) resolveReference(ref string) Resource {
	typeName, id := ParseReference(ref)
	if typeName == "" {
		return nil
	}
	store := e.storeIfPresent(typeName)
	if store == nil {
		return nil
	}
	r, _ := store.Read(id)
	return r
}

// IsProtected reports whether Type/id refuses modification.
func (e *TenantEngine) IsProtected(typeName, id string) bool {
	_, ok := e.protected.Load(typeName + "/" + id)
	return ok
}

// Protect marks Type/id immutable.
func (e *TenantEngine) Protect(typeName, id string) {
	e.protected.Store(typeName+"/"+id, true)
}

// ---------------------------------------------------------------------------
// interactions
// ---------------------------------------------------------------------------

// Read returns the current version of an instance.
func (e *TenantEngine) Read(typeName, id string) StoreResult {
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusNotFound, err.Error())
	}
	r, ok := store.Read(id)
	if !ok {
		return StoreResult{Outcome: NotFoundOutcome(typeName, id), Status: http.StatusNotFound}
	}
	return StoreResult{
		Resource:     r,
		Status:       http.StatusOK,
		VersionID:    r.VersionID(),
		LastModified: r.LastUpdated(),
	}
}

// VRead returns a specific stored version.
func (e *TenantEngine) VRead(typeName, id, versionID string) StoreResult {
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusNotFound, err.Error())
	}
	r, ok := store.VRead(id, versionID)
	if !ok || r == nil {
		return StoreResult{Outcome: NotFoundOutcome(typeName, id), Status: http.StatusNotFound}
	}
	return StoreResult{Resource: r, Status: http.StatusOK, VersionID: r.VersionID(), LastModified: r.LastUpdated()}
}

// Create stores a new instance. ifNoneExist, when set, runs a conditional
// create: an existing match returns it unchanged with 200.
func (e *TenantEngine) Create(typeName string, src Resource, ifNoneExist string) StoreResult {
	e.txMu.RLock()
	defer e.txMu.RUnlock()
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusBadRequest, err.Error())
	}
	if src.ResourceType() != typeName {
		return errResult(http.StatusBadRequest,
			fmt.Sprintf("payload is %s, expected %s", src.ResourceType(), typeName))
	}
	if ifNoneExist != "" {
		matches, outcome := e.conditionalMatches(typeName, ifNoneExist)
		if outcome != nil {
			return StoreResult{Outcome: outcome, Status: http.StatusBadRequest}
		}
		switch len(matches) {
		case 0:
		case 1:
			m := matches[0]
			return StoreResult{
				Resource:     m,
				Outcome:      OkOutcome("matching resource already exists"),
				Status:       http.StatusOK,
				VersionID:    m.VersionID(),
				LastModified: m.LastUpdated(),
			}
		default:
			return errResult(http.StatusPreconditionFailed,
				fmt.Sprintf("If-None-Exist matched %d resources", len(matches)))
		}
	}
	res := store.Create(src)
	if res.OK() {
		e.enqueueCreated(typeName + "/" + res.Resource.ID())
	}
	return res
}

// Update replaces or creates the instance at id.
func (e *TenantEngine) Update(typeName, id string, src Resource, ifMatch, ifNoneMatch string) StoreResult {
	e.txMu.RLock()
	defer e.txMu.RUnlock()
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusBadRequest, err.Error())
	}
	if src.ResourceType() != typeName {
		return errResult(http.StatusBadRequest,
			fmt.Sprintf("payload is %s, expected %s", src.ResourceType(), typeName))
	}
	if bodyID := src.ID(); bodyID != "" && bodyID != id {
		return errResult(http.StatusBadRequest,
			fmt.Sprintf("payload id %q does not match url id %q", bodyID, id))
	}
	created := false
	if _, ok := store.Read(id); !ok {
		created = true
	}
	res := store.Update(id, src, UpdateOptions{
		AllowCreate: true,
		IfMatch:     ifMatch,
		IfNoneMatch: ifNoneMatch,
		Protected:   e.IsProtected(typeName, id),
	})
	if res.OK() && created {
		e.enqueueCreated(typeName + "/" + id)
	}
	return res
}

// Delete removes the instance at id.
func (e *TenantEngine) Delete(typeName, id string) StoreResult {
	e.txMu.RLock()
	defer e.txMu.RUnlock()
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusBadRequest, err.Error())
	}
	return store.Delete(id, e.IsProtected(typeName, id))
}

// History returns the instance's change history as a history bundle.
func (e *TenantEngine) History(typeName, id string) StoreResult {
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusNotFound, err.Error())
	}
	entries := store.History(id)
	if len(entries) == 0 {
		return StoreResult{Outcome: NotFoundOutcome(typeName, id), Status: http.StatusNotFound}
	}
	bundleEntries := make([]interface{}, 0, len(entries))
	for _, h := range entries {
		entry := map[string]interface{}{
			"fullUrl": e.cfg.BaseURL + "/" + typeName + "/" + id,
			"request": map[string]interface{}{
				"method": methodForInteraction(h.Interaction),
				"url":    typeName + "/" + id,
			},
			"response": map[string]interface{}{
				"status":       "200",
				"etag":         `W/"` + h.VersionID + `"`,
				"lastModified": h.At.Format(time.RFC3339Nano),
			},
		}
		if h.Resource != nil {
			entry["resource"] = map[string]interface{}(h.Resource)
		}
		bundleEntries = append(bundleEntries, entry)
	}
	return StoreResult{
		Resource: Resource{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         "history",
			"total":        float64(len(entries)),
			"entry":        bundleEntries,
		},
		Status: http.StatusOK,
	}
}

func methodForInteraction(i Interaction) string {
	switch i {
	case InteractionCreate:
		return "POST"
	case InteractionDelete:
		return "DELETE"
	default:
		return "PUT"
	}
}

// TypeSearch executes a search over one type, returning a searchset bundle.
func (e *TenantEngine) TypeSearch(typeName, rawQuery string) StoreResult {
	store, err := e.Store(typeName)
	if err != nil {
		return errResult(http.StatusNotFound, err.Error())
	}
	query, err := ParseQuery(rawQuery, e.ParamResolver(typeName))
	if err != nil {
		return errResult(http.StatusBadRequest, err.Error())
	}

	matches := store.Match(query.Parameters, e.tester, e.evalContext())
	e.sortMatches(typeName, matches, query.Result.Sort)

	total := len(matches)
	if query.Result.Summary == "count" {
		return searchsetResult(e.selfLink(typeName, query), total, nil, nil)
	}
	if query.Result.Count >= 0 && query.Result.Count < len(matches) {
		matches = matches[:query.Result.Count]
	}
	included := e.includes.Expand(matches, query.Result)

	matches = e.shapeResults(matches, query.Result)
	included = e.shapeResults(included, query.Result)
	return searchsetResult(e.selfLink(typeName, query), total, matches, included)
}

func (e *TenantEngine) selfLink(typeName string, query *ParsedQuery) string {
	link := e.cfg.BaseURL + "/" + typeName
	if qs := query.SelfLinkQuery(); qs != "" {
		link += "?" + qs
	}
	return link
}

func (e *TenantEngine) shapeResults(in []Resource, result ResultParameters) []Resource {
	if result.Summary == "" && len(result.Elements) == 0 {
		return in
	}
	out := make([]Resource, len(in))
	for i, r := range in {
		shaped := r
		if result.Summary != "" {
			shaped = ApplySummary(shaped, result.Summary)
		}
		if len(result.Elements) > 0 {
			shaped = ApplyElements(shaped, result.Elements)
		}
		out[i] = shaped
	}
	return out
}

// sortMatches orders matches by the _sort keys, falling back to string
// comparison of the first extracted element.
func (e *TenantEngine) sortMatches(typeName string, matches []Resource, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	resolve := e.ParamResolver(typeName)
	extract := func(r Resource, param string) string {
		def := resolve(param)
		if def == nil {
			return ""
		}
		expr, err := e.tester.CompileCached(typeName, def.Name, def.Expression)
		if err != nil {
			return ""
		}
		elements, err := expr.Evaluate(r, e.evalContext())
		if err != nil || len(elements) == 0 {
			return ""
		}
		return stringify(elements[0])
	}
	sort.SliceStable(matches, func(i, j int) bool {
		for _, key := range keys {
			a, b := extract(matches[i], key.Param), extract(matches[j], key.Param)
			if a == b {
				continue
			}
			if key.Descending {
				return a > b
			}
			return a < b
		}
		return false
	})
}

func searchsetResult(selfLink string, total int, matches, included []Resource) StoreResult {
	entries := make([]interface{}, 0, len(matches)+len(included))
	for _, r := range matches {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  r.Key(),
			"resource": map[string]interface{}(r),
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	for _, r := range included {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  r.Key(),
			"resource": map[string]interface{}(r),
			"search":   map[string]interface{}{"mode": "include"},
		})
	}
	return StoreResult{
		Resource: Resource{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         "searchset",
			"total":        float64(total),
			"link": []interface{}{
				map[string]interface{}{"relation": "self", "url": selfLink},
			},
			"entry": entries,
		},
		Status: http.StatusOK,
	}
}

// conditionalMatches runs the If-None-Exist query.
func (e *TenantEngine) conditionalMatches(typeName, rawQuery string) ([]Resource, *OperationOutcome) {
	query, err := ParseQuery(rawQuery, e.ParamResolver(typeName))
	if err != nil {
		return nil, ErrorOutcome("If-None-Exist: " + err.Error())
	}
	store, storeErr := e.Store(typeName)
	if storeErr != nil {
		return nil, ErrorOutcome(storeErr.Error())
	}
	return store.Match(query.Parameters, e.tester, e.evalContext()), nil
}

func (e *TenantEngine) evalContext() *EvalContext {
	return &EvalContext{Resolver: e.resolveReference, Terminology: e.terminology}
}

// ---------------------------------------------------------------------------
// store hooks: special-type side effects
// ---------------------------------------------------------------------------

// ValidateWrite vetoes writes whose side-effect resources do not compile:
// a SearchParameter, SubscriptionTopic or Subscription that cannot be made
// executable is rejected rather than stored inert.
func (e *TenantEngine) ValidateWrite(typeName string, current, incoming Resource, interaction Interaction) *OperationOutcome {
	if interaction == InteractionDelete {
		return nil
	}
	switch typeName {
	case "SearchParameter":
		if _, err := SearchParamDefFromResource(incoming); err != nil {
			return ErrorOutcome(err.Error())
		}
	case "SubscriptionTopic":
		if _, err := e.compiler.ParseTopic(incoming); err != nil {
			return ErrorOutcome(err.Error())
		}
	case "Basic":
		if IsBasicTopic(incoming) {
			if _, err := e.compiler.ParseTopic(incoming); err != nil {
				return ErrorOutcome(err.Error())
			}
		}
	case "Subscription":
		if _, err := e.compiler.ParseSubscription(incoming, e.evaluator.LookupTopic); err != nil {
			return ErrorOutcome(err.Error())
		}
	}
	return nil
}

// AfterChange applies side effects of a committed mutation, then routes it
// through subscription evaluation. Runs under the store's write lock, so
// observers see mutations in commit order. During a transaction the change
// is buffered; a rolled-back transaction delivers nothing.
func (e *TenantEngine) AfterChange(typeName string, interaction Interaction, current, previous Resource) {
	if e.txActive {
		e.txChanges = append(e.txChanges, bufferedChange{typeName, interaction, current, previous})
		return
	}
	e.applyChange(typeName, interaction, current, previous)
}

func (e *TenantEngine) applyChange(typeName string, interaction Interaction, current, previous Resource) {
	switch typeName {
	case "SearchParameter":
		e.applySearchParamChange(interaction, current, previous)
	case "ValueSet":
		e.applyTerminologyChange(interaction, current, previous, e.terminology.RegisterValueSet)
	case "CodeSystem":
		e.applyTerminologyChange(interaction, current, previous, e.terminology.RegisterCodeSystem)
	case "SubscriptionTopic":
		e.applyTopicChange(interaction, current, previous)
	case "Basic":
		if isBasicTopicChange(current, previous) {
			e.applyTopicChange(interaction, current, previous)
		}
	case "Subscription":
		e.applySubscriptionChange(interaction, current, previous)
	}
	e.evaluator.ResourceChanged(typeName, interaction, current, previous)
}

func isBasicTopicChange(current, previous Resource) bool {
	return current != nil && IsBasicTopic(current) || previous != nil && IsBasicTopic(previous)
}

func (e *TenantEngine) applySearchParamChange(interaction Interaction, current, previous Resource) {
	defer e.capability.Store(nil) // capability lists search parameters

	dropRegistered := func(r Resource) {
		if keys, ok := e.paramSources.Load(r.ID()); ok {
			for _, key := range keys {
				e.customParams.Delete(key)
				if i := strings.IndexByte(key, '.'); i >= 0 {
					e.tester.InvalidateCompiled(key[:i], key[i+1:])
				}
			}
			e.paramSources.Delete(r.ID())
		}
	}
	if previous != nil {
		dropRegistered(previous)
	}
	if interaction == InteractionDelete || current == nil {
		return
	}
	def, err := SearchParamDefFromResource(current)
	if err != nil {
		return // ValidateWrite already vetoed malformed ones
	}
	var keys []string
	for _, base := range def.Base {
		key := compiledCacheKey(base, def.Name)
		e.customParams.Store(key, def)
		e.tester.InvalidateCompiled(base, def.Name)
		keys = append(keys, key)
	}
	e.paramSources.Store(current.ID(), keys)
	e.log.Info().Str("param", def.Name).Strs("base", def.Base).Msg("search parameter registered")
}

func (e *TenantEngine) applyTerminologyChange(interaction Interaction, current, previous Resource, register func(Resource)) {
	if previous != nil && previous.CanonicalURL() != "" {
		e.terminology.Unregister(previous.CanonicalURL())
	}
	if interaction != InteractionDelete && current != nil {
		register(current)
	}
}

func (e *TenantEngine) applyTopicChange(interaction Interaction, current, previous Resource) {
	if previous != nil {
		if prev, err := e.compiler.ParseTopic(previous); err == nil {
			e.evaluator.UnregisterTopic(prev.URL)
		}
	}
	if interaction == InteractionDelete || current == nil {
		return
	}
	topic, err := e.compiler.ParseTopic(current)
	if err != nil {
		return
	}
	e.evaluator.RegisterTopic(topic)
	e.log.Info().Str("topic", topic.URL).Msg("subscription topic registered")
}

func (e *TenantEngine) applySubscriptionChange(interaction Interaction, current, previous Resource) {
	if interaction == InteractionDelete || current == nil {
		if previous != nil {
			e.evaluator.UnregisterSubscription(previous.ID())
		}
		return
	}
	sub, err := e.compiler.ParseSubscription(current, e.evaluator.LookupTopic)
	if err != nil {
		return
	}
	// Event numbering survives subscription updates.
	if prev := e.evaluator.LookupSubscription(sub.ID); prev != nil {
		sub.events.Store(prev.events.Load())
	}
	e.evaluator.RegisterSubscription(sub)
}

// ---------------------------------------------------------------------------
// capacity and housekeeping
// ---------------------------------------------------------------------------

func (e *TenantEngine) enqueueCreated(key string) {
	e.queueMu.Lock()
	e.createdQueue = append(e.createdQueue, key)
	e.queueMu.Unlock()
}

// ResourceCount sums the live instances across all stores.
func (e *TenantEngine) ResourceCount() int {
	total := 0
	e.stores.Range(func(_ string, s *ResourceStore) bool {
		total += s.Len()
		return true
	})
	return total
}

// CheckCapacity evicts the oldest non-protected resources while the tenant
// exceeds its cap. Protected resources are permanent residents: they do not
// count against the cap, and the sweep drops them from the queue without
// re-queuing. Returns the number of evictions.
func (e *TenantEngine) CheckCapacity() int {
	if e.cfg.MaxResources <= 0 {
		return 0
	}
	evicted := 0
	for e.ResourceCount()-e.protected.Size() > e.cfg.MaxResources {
		key, ok := e.dequeueCreated()
		if !ok {
			break
		}
		typeName, id := splitKey(key)
		if e.IsProtected(typeName, id) {
			continue
		}
		store := e.storeIfPresent(typeName)
		if store == nil {
			continue
		}
		if res := store.Delete(id, false); res.OK() {
			evicted++
			e.log.Info().Str("resource", key).Msg("evicted for capacity")
		}
	}
	return evicted
}

func (e *TenantEngine) dequeueCreated() (string, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for len(e.createdQueue) > 0 {
		key := e.createdQueue[0]
		e.createdQueue = e.createdQueue[1:]
		typeName, id := splitKey(key)
		store := e.storeIfPresent(typeName)
		if store == nil {
			continue
		}
		if _, ok := store.Read(id); ok {
			return key, true
		}
		// Already deleted by other means; fall through to the next entry.
	}
	return "", false
}

func splitKey(key string) (string, string) {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// RecordReceivedNotification stores a notification bundle another server
// posted to this tenant, keyed by bundle id.
func (e *TenantEngine) RecordReceivedNotification(bundle Resource) {
	id := bundle.ID()
	if id == "" {
		id = uuid.NewString()
	}
	e.received.Store(id, &ReceivedNotification{
		SubscriptionRef: receivedSubscriptionRef(bundle),
		Bundle:          bundle,
		At:              time.Now().UTC(),
	})
}

// ReceivedNotifications lists the retained received notifications, newest
// first.
func (e *TenantEngine) ReceivedNotifications() []*ReceivedNotification {
	var out []*ReceivedNotification
	e.received.Range(func(_ string, rn *ReceivedNotification) bool {
		out = append(out, rn)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

// PruneReceived drops received notifications older than the retention TTL.
func (e *TenantEngine) PruneReceived(now time.Time) int {
	pruned := 0
	e.received.Range(func(id string, rn *ReceivedNotification) bool {
		if now.Sub(rn.At) > receivedNotificationTTL {
			e.received.Delete(id)
			pruned++
		}
		return true
	})
	return pruned
}

// receivedSubscriptionRef digs the subscription reference out of a
// notification bundle's SubscriptionStatus head entry.
func receivedSubscriptionRef(bundle Resource) string {
	entries, _ := bundle["entry"].([]interface{})
	if len(entries) == 0 {
		return ""
	}
	head, _ := entries[0].(map[string]interface{})
	status, _ := head["resource"].(map[string]interface{})
	subRef, _ := status["subscription"].(map[string]interface{})
	ref, _ := subRef["reference"].(string)
	return ref
}

// ---------------------------------------------------------------------------
// startup load
// ---------------------------------------------------------------------------

// LoadDirectory walks dir recursively, creating every .json and .xml
// resource it finds with its client-supplied id. Loaded resources are marked
// protected when the tenant requires it. Bundles of type collection,
// transaction or batch load entry by entry.
func (e *TenantEngine) LoadDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		var format string
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			format = FormatJSON
		case ".xml":
			format = FormatXML
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		r, err := DecodeResource(data, format)
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		n, err := e.loadResource(r)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded += n
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info().Int("resources", loaded).Str("dir", dir).Msg("startup load complete")
	return nil
}

func (e *TenantEngine) loadResource(r Resource) (int, error) {
	if r.ResourceType() == "Bundle" {
		loaded := 0
		entries, _ := r["entry"].([]interface{})
		for _, raw := range entries {
			entry, _ := raw.(map[string]interface{})
			res, _ := entry["resource"].(map[string]interface{})
			if res == nil {
				continue
			}
			n, err := e.loadResource(Resource(res))
			if err != nil {
				return loaded, err
			}
			loaded += n
		}
		return loaded, nil
	}

	store, err := e.Store(r.ResourceType())
	if err != nil {
		return 0, err
	}
	res := store.Create(r)
	if !res.OK() {
		return 0, fmt.Errorf("%s: %s", r.Key(), res.Outcome.Diagnostics())
	}
	id := res.Resource.ID()
	e.enqueueCreated(r.ResourceType() + "/" + id)
	if e.cfg.ProtectLoaded {
		e.Protect(r.ResourceType(), id)
	}
	return 1, nil
}
