package fhir

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// Interaction names a store mutation kind, mirroring the RESTful interaction
// vocabulary.
type Interaction string

const (
	InteractionCreate Interaction = "create"
	InteractionUpdate Interaction = "update"
	InteractionDelete Interaction = "delete"
)

// StoreHooks lets the owning engine participate in store mutations.
// ValidateWrite runs before the commit and can veto it; AfterChange runs
// after the commit, still under the store's write lock so observers see
// mutations in commit order. previous is nil on create, current is nil on
// delete.
type StoreHooks interface {
	ValidateWrite(typeName string, current, incoming Resource, interaction Interaction) *OperationOutcome
	AfterChange(typeName string, interaction Interaction, current, previous Resource)
}

// StoreResult is the outcome of one store operation.
type StoreResult struct {
	Resource     Resource
	Outcome      *OperationOutcome
	Status       int
	VersionID    string
	LastModified time.Time
	Location     string // relative "Type/id/_history/v", "" on errors
}

func (r StoreResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

type historyEntry struct {
	resource    Resource // nil for delete tombstones
	versionID   string
	interaction Interaction
	at          time.Time
}

// storedResource is one instance slot. A deleted instance keeps its slot as a
// tombstone: current is nil but the history survives, so deletes are
// distinguishable from ids that never existed and version numbering continues
// across a recreate.
type storedResource struct {
	current Resource       // nil for tombstones
	history []historyEntry // oldest first, includes the current version
}

// ResourceStore holds every live instance of one resource type for one
// tenant. Point reads and range scans are lock-free; writes serialize on a
// per-store mutex that also orders hook delivery. Stored trees are cloned on
// the way in and never mutated afterwards, so reads hand them out directly.
type ResourceStore struct {
	typeName    string
	mu          sync.Mutex
	resources   *xsync.Map[string, *storedResource]
	canonical   *xsync.Map[string, string] // canonical URL -> id
	identifiers *xsync.Map[string, string] // "system|value" -> id
	hooks       StoreHooks
	log         zerolog.Logger
}

// NewResourceStore creates an empty store for typeName. hooks may be nil.
func NewResourceStore(typeName string, hooks StoreHooks, log zerolog.Logger) *ResourceStore {
	return &ResourceStore{
		typeName:    typeName,
		resources:   xsync.NewMap[string, *storedResource](),
		canonical:   xsync.NewMap[string, string](),
		identifiers: xsync.NewMap[string, string](),
		hooks:       hooks,
		log:         log.With().Str("store", typeName).Logger(),
	}
}

func (s *ResourceStore) TypeName() string { return s.typeName }

// Len returns the number of live instances; tombstones do not count.
func (s *ResourceStore) Len() int {
	n := 0
	s.resources.Range(func(_ string, sr *storedResource) bool {
		if sr.current != nil {
			n++
		}
		return true
	})
	return n
}

// Read returns the current version of id.
func (s *ResourceStore) Read(id string) (Resource, bool) {
	sr, ok := s.resources.Load(id)
	if !ok || sr.current == nil {
		return nil, false
	}
	return sr.current, true
}

// VRead returns the stored version versionID of id. Deleted versions return
// found=true with a nil resource.
func (s *ResourceStore) VRead(id, versionID string) (Resource, bool) {
	sr, ok := s.resources.Load(id)
	if !ok {
		return nil, false
	}
	for i := len(sr.history) - 1; i >= 0; i-- {
		if sr.history[i].versionID == versionID {
			return sr.history[i].resource, true
		}
	}
	return nil, false
}

// History returns the instance's change history, newest first. Each entry is
// (resource, interaction, timestamp); the resource is nil for deletes.
func (s *ResourceStore) History(id string) []HistoryEntry {
	sr, ok := s.resources.Load(id)
	if !ok {
		return nil
	}
	out := make([]HistoryEntry, 0, len(sr.history))
	for i := len(sr.history) - 1; i >= 0; i-- {
		h := sr.history[i]
		out = append(out, HistoryEntry{
			Resource:    h.resource,
			VersionID:   h.versionID,
			Interaction: h.interaction,
			At:          h.at,
		})
	}
	return out
}

// HistoryEntry is one change in an instance's history.
type HistoryEntry struct {
	Resource    Resource
	VersionID   string
	Interaction Interaction
	At          time.Time
}

// LookupCanonical resolves a canonical URL (optionally "|version" suffixed)
// to the current resource carrying it.
func (s *ResourceStore) LookupCanonical(url string) (Resource, bool) {
	if i := strings.IndexByte(url, '|'); i >= 0 {
		url = url[:i]
	}
	id, ok := s.canonical.Load(url)
	if !ok {
		return nil, false
	}
	return s.Read(id)
}

// LookupIdentifier resolves a "system|value" identifier key to the current
// resource carrying it.
func (s *ResourceStore) LookupIdentifier(key string) (Resource, bool) {
	id, ok := s.identifiers.Load(key)
	if !ok {
		return nil, false
	}
	return s.Read(id)
}

// All returns the current version of every instance, ordered by id for
// deterministic search results.
func (s *ResourceStore) All() []Resource {
	out := make([]Resource, 0, s.resources.Size())
	s.resources.Range(func(_ string, sr *storedResource) bool {
		if sr.current != nil {
			out = append(out, sr.current)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Create stores a new instance under its client-supplied id, assigning a
// fresh one when the source carries none. An id already held by a live
// instance is a conflict; recreating over a tombstone continues its version
// numbering.
func (s *ResourceStore) Create(src Resource) StoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := src.Clone()
	id := r.ID()
	if id == "" {
		id = uuid.NewString()
		r.SetID(id)
	}
	prev, slotExists := s.resources.Load(id)
	if slotExists && prev.current != nil {
		return errResult(http.StatusConflict, s.typeName+"/"+id+" already exists")
	}
	if outcome := s.validate(nil, r, InteractionCreate); outcome != nil {
		return StoreResult{Outcome: outcome, Status: http.StatusBadRequest}
	}

	version := "1"
	if slotExists && len(prev.history) > 0 {
		version = NextVersionID(prev.history[len(prev.history)-1].versionID)
	}
	now := time.Now().UTC()
	r.SetMeta(version, now)
	s.commit(id, r, nil, InteractionCreate, now)

	s.log.Debug().Str("id", id).Msg("resource created")
	return StoreResult{
		Resource:     r,
		Outcome:      OkOutcome("created " + s.typeName + "/" + id),
		Status:       http.StatusCreated,
		VersionID:    version,
		LastModified: now,
		Location:     s.typeName + "/" + id + "/_history/" + version,
	}
}

// UpdateOptions carries the conditional headers and policy for an update.
type UpdateOptions struct {
	AllowCreate bool   // update-as-create for an unknown id
	IfMatch     string // ETag the stored version must carry
	IfNoneMatch string // "*" forbids replacing an existing instance
	Protected   bool   // the instance may not be modified
}

// Update replaces the instance at id, honoring the conditional headers:
// If-None-Match: * fails when the instance exists, If-Match fails when the
// stored version differs.
func (s *ResourceStore) Update(id string, src Resource, opts UpdateOptions) StoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Protected {
		return errResult(http.StatusUnauthorized, s.typeName+"/"+id+" is protected and cannot be modified")
	}

	prev, slotExists := s.resources.Load(id)
	exists := slotExists && prev.current != nil
	if opts.IfNoneMatch == "*" && exists {
		return errResult(http.StatusPreconditionFailed, s.typeName+"/"+id+" already exists")
	}
	if opts.IfMatch != "" {
		if !exists {
			return errResult(http.StatusPreconditionFailed, s.typeName+"/"+id+" does not exist")
		}
		if etagVersion(opts.IfMatch) != prev.current.VersionID() {
			return errResult(http.StatusPreconditionFailed,
				"version mismatch: stored "+prev.current.VersionID()+", requested "+etagVersion(opts.IfMatch))
		}
	}
	if !exists && !opts.AllowCreate {
		return StoreResult{Outcome: NotFoundOutcome(s.typeName, id), Status: http.StatusNotFound}
	}

	r := src.Clone()
	r.SetID(id)

	var previous Resource
	interaction := InteractionCreate
	version := "1"
	status := http.StatusCreated
	if exists {
		previous = prev.current
		interaction = InteractionUpdate
		version = NextVersionID(previous.VersionID())
		status = http.StatusOK
	} else if slotExists && len(prev.history) > 0 {
		// Update-as-create over a tombstone keeps the version chain.
		version = NextVersionID(prev.history[len(prev.history)-1].versionID)
	}
	if outcome := s.validate(previous, r, interaction); outcome != nil {
		return StoreResult{Outcome: outcome, Status: http.StatusBadRequest}
	}

	now := time.Now().UTC()
	r.SetMeta(version, now)
	s.commit(id, r, previous, interaction, now)

	s.log.Debug().Str("id", id).Str("version", version).Msg("resource updated")
	return StoreResult{
		Resource:     r,
		Outcome:      OkOutcome("updated " + s.typeName + "/" + id),
		Status:       status,
		VersionID:    version,
		LastModified: now,
		Location:     s.typeName + "/" + id + "/_history/" + version,
	}
}

// Delete removes the instance at id, leaving a tombstone. Deleting an id that
// never existed is not-found; repeating a delete over a tombstone succeeds
// without firing hooks.
func (s *ResourceStore) Delete(id string, protected bool) StoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if protected {
		return errResult(http.StatusUnauthorized, s.typeName+"/"+id+" is protected and cannot be deleted")
	}
	prev, slotExists := s.resources.Load(id)
	if !slotExists {
		return StoreResult{Outcome: NotFoundOutcome(s.typeName, id), Status: http.StatusNotFound}
	}
	if prev.current == nil {
		return StoreResult{
			Outcome: OkOutcome(s.typeName + "/" + id + " already deleted"),
			Status:  http.StatusNoContent,
		}
	}
	if outcome := s.validate(prev.current, nil, InteractionDelete); outcome != nil {
		return StoreResult{Outcome: outcome, Status: http.StatusBadRequest}
	}

	now := time.Now().UTC()
	s.commit(id, nil, prev.current, InteractionDelete, now)

	s.log.Debug().Str("id", id).Msg("resource deleted")
	return StoreResult{
		Outcome: OkOutcome("deleted " + s.typeName + "/" + id),
		Status:  http.StatusNoContent,
	}
}

// Match returns every current instance satisfying the query's predicate
// parameters, ordered by id. Result shaping (_count, includes, sorting) is
// the caller's concern.
func (s *ResourceStore) Match(params []*ParsedSearchParameter, tester *SearchTester, ctx *EvalContext) []Resource {
	var out []Resource
	for _, r := range s.All() {
		if tester.Matches(r, s.typeName, params, ctx) {
			out = append(out, r)
		}
	}
	return out
}

func (s *ResourceStore) validate(current, incoming Resource, interaction Interaction) *OperationOutcome {
	if s.hooks == nil {
		return nil
	}
	return s.hooks.ValidateWrite(s.typeName, current, incoming, interaction)
}

// commit applies the mutation to the primary and secondary indexes and
// delivers AfterChange, all under the write lock.
func (s *ResourceStore) commit(id string, current, previous Resource, interaction Interaction, at time.Time) {
	if previous != nil {
		s.dropIndexKeys(id, previous)
	}
	if current != nil {
		s.addIndexKeys(id, current)
		entry := historyEntry{resource: current, versionID: current.VersionID(), interaction: interaction, at: at}
		if prev, ok := s.resources.Load(id); ok {
			s.resources.Store(id, &storedResource{current: current, history: append(prev.history, entry)})
		} else {
			s.resources.Store(id, &storedResource{current: current, history: []historyEntry{entry}})
		}
	} else {
		// Delete: keep the slot as a tombstone carrying the full history.
		entry := historyEntry{versionID: NextVersionID(previous.VersionID()), interaction: interaction, at: at}
		if prev, ok := s.resources.Load(id); ok {
			s.resources.Store(id, &storedResource{history: append(prev.history, entry)})
		} else {
			s.resources.Store(id, &storedResource{history: []historyEntry{entry}})
		}
	}
	if s.hooks != nil {
		s.hooks.AfterChange(s.typeName, interaction, current, previous)
	}
}

func (s *ResourceStore) addIndexKeys(id string, r Resource) {
	if url := r.CanonicalURL(); url != "" {
		if prevID, ok := s.canonical.Load(url); ok && prevID != id {
			s.log.Warn().Str("url", url).Str("holder", prevID).Str("id", id).
				Msg("canonical URL reassigned")
		}
		s.canonical.Store(url, id)
	}
	for _, key := range r.IdentifierKeys() {
		s.identifiers.Store(key, id)
	}
}

func (s *ResourceStore) dropIndexKeys(id string, r Resource) {
	if url := r.CanonicalURL(); url != "" {
		if holder, ok := s.canonical.Load(url); ok && holder == id {
			s.canonical.Delete(url)
		}
	}
	for _, key := range r.IdentifierKeys() {
		if holder, ok := s.identifiers.Load(key); ok && holder == id {
			s.identifiers.Delete(key)
		}
	}
}

// snapshot captures the store's full state for transaction rollback. Callers
// hold the tenant's transaction barrier, so no writer races the copy.
func (s *ResourceStore) snapshot() map[string]*storedResource {
	snap := make(map[string]*storedResource, s.resources.Size())
	s.resources.Range(func(id string, sr *storedResource) bool {
		snap[id] = sr
		return true
	})
	return snap
}

// restore rewinds the store to a snapshot, rebuilding the secondary indexes.
// Hooks do not fire; a rolled-back transaction never happened.
func (s *ResourceStore) restore(snap map[string]*storedResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources.Clear()
	s.canonical.Clear()
	s.identifiers.Clear()
	for id, sr := range snap {
		s.resources.Store(id, sr)
		if sr.current != nil {
			s.addIndexKeys(id, sr.current)
		}
	}
}

// etagVersion strips the weak-ETag wrapper: W/"3" -> 3.
func etagVersion(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

func errResult(status int, diagnostics string) StoreResult {
	return StoreResult{Outcome: StatusOutcome(status, diagnostics), Status: status}
}
