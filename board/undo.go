package board

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type UndoStackSettings struct {
	// maximum entries kept. oldest entries evicted on overflow.
	Depth int
	// edits pushed within this window of the previous push merge into
	// one undo entry
	BatchWindow time.Duration
}

func DefaultUndoStackSettings() *UndoStackSettings {
	return &UndoStackSettings{
		Depth:       100,
		BatchWindow: 1 * time.Second,
	}
}

type UndoState struct {
	CanUndo bool
	CanRedo bool
}

type UndoStateFunction func(undoState UndoState)

type undoEntry struct {
	// inverse patches. applying them reverts one undoable unit.
	patches  []Patch
	pushTime time.Time
}

// An undo stack observes store changes, derives a sanitized
// inverse-patch batch per user action, and keeps bounded undo and redo
// histories that stay valid under concurrent remote change.
//
// Remote (`server`) changes are never undoable. An entry whose entities
// no longer exist is silently discarded and the search continues down
// the stack.
type UndoStack struct {
	store    *Store
	settings *UndoStackSettings

	// drops patches this stack does not care about and strips
	// transient in-batch fields
	sanitize func(patches []Patch) []Patch

	stateLock   sync.Mutex
	undoEntries []*undoEntry
	redoEntries []*undoEntry
	model       *State
	unsub       func()

	undoStateCallbacks *CallbackList[UndoStateFunction]
}

func newUndoStack(store *Store, sanitize func(patches []Patch) []Patch, settings *UndoStackSettings) *UndoStack {
	return &UndoStack{
		store:              store,
		settings:           settings,
		sanitize:           sanitize,
		undoEntries:        []*undoEntry{},
		redoEntries:        []*undoEntry{},
		model:              store.State(),
		undoStateCallbacks: NewCallbackList[UndoStateFunction](),
	}
}

// canvas mode: items, connectors, groups and the persisted document
// fields are undoable. drag/resize/preview state and all other
// transient document fields are not.
func NewCanvasUndoStack(store *Store, settings *UndoStackSettings) *UndoStack {
	return newUndoStack(store, sanitizeCanvasPatches, settings)
}

func NewCanvasUndoStackWithDefaults(store *Store) *UndoStack {
	return NewCanvasUndoStack(store, DefaultUndoStackSettings())
}

// presentation mode: only the ordered steps are undoable
func NewStepUndoStack(store *Store, settings *UndoStackSettings) *UndoStack {
	return newUndoStack(store, sanitizeStepPatches, settings)
}

func NewStepUndoStackWithDefaults(store *Store) *UndoStack {
	return NewStepUndoStack(store, DefaultUndoStackSettings())
}

// Attach subscribes the stack to the store. Only the active stack for
// the current editing mode is attached.
func (self *UndoStack) Attach() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.unsub == nil {
		self.unsub = self.store.Subscribe(self.onChange)
	}
}

func (self *UndoStack) Detach() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
}

func (self *UndoStack) onChange(state *State, forward []Patch, inverse []Patch, opts *DispatchOptions) {
	self.stateLock.Lock()
	// always refresh the cached model reference
	self.model = state

	switch opts.Source {
	case SourceServer:
		// remote and server-driven changes are not undoable
		self.stateLock.Unlock()
		return
	case SourceUndo:
		// the inverse of an undo dispatch is the complementary
		// forward batch
		if sanitized := self.sanitize(inverse); 0 < len(sanitized) {
			self.redoEntries = push(self.redoEntries, &undoEntry{
				patches:  sanitized,
				pushTime: time.Now(),
			}, self.settings.Depth)
		}
	case SourceRedo:
		if sanitized := self.sanitize(inverse); 0 < len(sanitized) {
			self.undoEntries = push(self.undoEntries, &undoEntry{
				patches:  sanitized,
				pushTime: time.Now(),
			}, self.settings.Depth)
		}
	default:
		sanitized := self.sanitize(inverse)
		if len(sanitized) == 0 {
			self.stateLock.Unlock()
			return
		}
		self.redoEntries = self.redoEntries[:0]
		now := time.Now()
		if n := len(self.undoEntries); 0 < n && now.Sub(self.undoEntries[n-1].pushTime) <= self.settings.BatchWindow {
			// merge into the most recent entry. the new inverse
			// patches apply first so the entry reverts to the state
			// before the whole merged run.
			top := self.undoEntries[n-1]
			top.patches = removeRedundantPatches(append(sanitized, top.patches...))
			top.pushTime = now
		} else {
			self.undoEntries = push(self.undoEntries, &undoEntry{
				patches:  sanitized,
				pushTime: now,
			}, self.settings.Depth)
		}
	}
	self.stateLock.Unlock()
	self.notifyUndoState()
}

func push(entries []*undoEntry, entry *undoEntry, depth int) []*undoEntry {
	entries = append(entries, entry)
	if depth < len(entries) {
		// evict oldest
		entries = entries[len(entries)-depth:]
	}
	return entries
}

// Undo pops the most recent entry and reapplies it as its own inverse.
// Entries whose entities were removed by remote changes are discarded
// and the next entry down is tried.
func (self *UndoStack) Undo() bool {
	applied := self.apply(&self.undoEntries, SourceUndo)
	self.notifyUndoState()
	return applied
}

// Redo is symmetric, popping from the redo stack.
func (self *UndoStack) Redo() bool {
	applied := self.apply(&self.redoEntries, SourceRedo)
	self.notifyUndoState()
	return applied
}

func (self *UndoStack) apply(entries *[]*undoEntry, source DispatchSource) bool {
	for {
		self.stateLock.Lock()
		n := len(*entries)
		if n == 0 {
			self.stateLock.Unlock()
			return false
		}
		entry := (*entries)[n-1]
		*entries = (*entries)[:n-1]
		self.stateLock.Unlock()

		if !canApplyPatches(entry.patches, self.store.State()) {
			// stale. do not re-push.
			glog.V(2).Infof("[undo]discard stale entry\n")
			continue
		}
		err := self.store.Dispatch(&DispatchOptions{Source: source}, ApplyPatches(entry.patches))
		if err != nil {
			glog.Infof("[undo]apply error = %s\n", err)
			continue
		}
		return true
	}
}

// Reset clears both stacks. Called on document mode switch.
func (self *UndoStack) Reset() {
	self.stateLock.Lock()
	self.undoEntries = self.undoEntries[:0]
	self.redoEntries = self.redoEntries[:0]
	self.stateLock.Unlock()
	self.notifyUndoState()
}

func (self *UndoStack) UndoState() UndoState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return UndoState{
		CanUndo: 0 < len(self.undoEntries),
		CanRedo: 0 < len(self.redoEntries),
	}
}

func (self *UndoStack) AddUndoStateCallback(undoStateCallback UndoStateFunction) func() {
	callbackId := self.undoStateCallbacks.Add(undoStateCallback)
	return func() {
		self.undoStateCallbacks.Remove(callbackId)
	}
}

func (self *UndoStack) notifyUndoState() {
	undoState := self.UndoState()
	for _, undoStateCallback := range self.undoStateCallbacks.Get() {
		undoStateCallback(undoState)
	}
}

// a patch is redundant when a later patch in the batch writes the same
// path or a containing path. a later whole-object replace or remove
// invalidates all earlier finer-grained edits to that object.
func removeRedundantPatches(patches []Patch) []Patch {
	out := make([]Patch, 0, len(patches))
	for i := range patches {
		redundant := false
		for j := i + 1; j < len(patches); j += 1 {
			if pathContains(patches[j].Path, patches[i].Path) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, patches[i])
		}
	}
	return out
}

// canApplyPatches verifies that every entity id referenced by the batch,
// by path segment or by a foreign id inside a patch value, still exists
// in the model. A whole-entity add earlier in the batch recreates the
// entity, so later patches in the same batch may target it.
func canApplyPatches(patches []Patch, state *State) bool {
	recreated := map[idRef]bool{}
	exists := func(kind ResourceKind, id Id) bool {
		return state.HasResource(kind, id) || recreated[idRef{kind, id}]
	}
	for i := range patches {
		patch := &patches[i]
		if len(patch.Path) == 0 {
			continue
		}
		kind, ok := ResourceKindForCollection(patch.Path[0])
		if !ok || kind == ResourceDocument {
			continue
		}
		if len(patch.Path) < 2 {
			continue
		}
		id, err := ParseId(patch.Path[1])
		if err != nil {
			return false
		}
		if len(patch.Path) == 2 && patch.Op == PatchOpAdd {
			recreated[idRef{kind, id}] = true
		} else {
			// sub-field edits and whole-entity remove/replace need
			// the entity present
			if !exists(kind, id) {
				return false
			}
		}
		for _, ref := range referencedIds(patch.Value) {
			if !exists(ref.kind, ref.id) {
				return false
			}
		}
	}
	return true
}

type idRef struct {
	kind ResourceKind
	id   Id
}

// foreign ids inside a patch value, e.g. a step's item or group
// reference. locally produced entries carry typed values.
func referencedIds(value any) []idRef {
	refs := []idRef{}
	switch v := value.(type) {
	case *Item:
		if v != nil {
			refs = append(refs, referencedIds(v.Data)...)
		}
	case Item:
		refs = append(refs, referencedIds(v.Data)...)
	case *ItemData:
		if v != nil {
			refs = append(refs, referencedIds(*v)...)
		}
	case ItemData:
		if v.GroupId != nil {
			refs = append(refs, idRef{ResourceGroups, *v.GroupId})
		}
	case *Connector:
		if v != nil {
			refs = append(refs, referencedIds(v.Data)...)
		}
	case Connector:
		refs = append(refs, referencedIds(v.Data)...)
	case *ConnectorData:
		if v != nil {
			refs = append(refs, referencedIds(*v)...)
		}
	case ConnectorData:
		refs = append(refs,
			idRef{ResourceItems, v.FromItemId},
			idRef{ResourceItems, v.ToItemId},
		)
	case *Step:
		if v != nil {
			refs = append(refs, referencedIds(v.Data)...)
		}
	case Step:
		refs = append(refs, referencedIds(v.Data)...)
	case *StepData:
		if v != nil {
			refs = append(refs, referencedIds(*v)...)
		}
	case StepData:
		if v.ItemId != nil {
			refs = append(refs, idRef{ResourceItems, *v.ItemId})
		}
		if v.GroupId != nil {
			refs = append(refs, idRef{ResourceGroups, *v.GroupId})
		}
	}
	return refs
}

func sanitizeCanvasPatches(patches []Patch) []Patch {
	out := []Patch{}
	for i := range patches {
		patch := patches[i]
		if len(patch.Path) == 0 {
			continue
		}
		switch patch.Path[0] {
		case "items", "connectors", "groups":
			if len(patch.Path) == 2 {
				patch.Value = stripTransientValue(patch.Value)
				out = append(out, patch)
			} else if 2 < len(patch.Path) && patch.Path[2] == "data" {
				out = append(out, patch)
			}
		case "document":
			if 1 < len(patch.Path) && patch.Path[1] == "data" {
				out = append(out, patch)
			}
		}
	}
	return out
}

func sanitizeStepPatches(patches []Patch) []Patch {
	out := []Patch{}
	for i := range patches {
		patch := patches[i]
		if len(patch.Path) < 2 || patch.Path[0] != "steps" {
			continue
		}
		if len(patch.Path) == 2 || patch.Path[2] == "data" {
			out = append(out, patch)
		}
	}
	return out
}

// whole-entity values captured in an undo entry keep the persisted data
// object only
func stripTransientValue(value any) any {
	switch v := value.(type) {
	case *Item:
		if v == nil {
			return v
		}
		return &Item{Data: v.Data}
	case Item:
		return Item{Data: v.Data}
	case *Connector:
		if v == nil {
			return v
		}
		return &Connector{Data: v.Data}
	case Connector:
		return Connector{Data: v.Data}
	default:
		return value
	}
}

// The undo manager owns the two mode stacks. Only the stack for the
// current editing mode is attached, and switching modes resets both.
type UndoManager struct {
	store  *Store
	canvas *UndoStack
	steps  *UndoStack

	stateLock sync.Mutex
	mode      EditMode
	unsub     func()
}

func NewUndoManager(store *Store, settings *UndoStackSettings) *UndoManager {
	manager := &UndoManager{
		store:  store,
		canvas: NewCanvasUndoStack(store, settings),
		steps:  NewStepUndoStack(store, settings),
		mode:   store.State().Document.Mode,
	}
	manager.activeStack().Attach()
	manager.unsub = store.SubscribeTo([]string{"document", "mode"}, manager.onModeChange)
	return manager
}

func NewUndoManagerWithDefaults(store *Store) *UndoManager {
	return NewUndoManager(store, DefaultUndoStackSettings())
}

func (self *UndoManager) activeStack() *UndoStack {
	if self.mode == EditModeSteps {
		return self.steps
	}
	return self.canvas
}

func (self *UndoManager) Active() *UndoStack {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.activeStack()
}

func (self *UndoManager) Canvas() *UndoStack {
	return self.canvas
}

func (self *UndoManager) Steps() *UndoStack {
	return self.steps
}

func (self *UndoManager) onModeChange(state *State, forward []Patch, inverse []Patch, opts *DispatchOptions) {
	self.stateLock.Lock()
	mode := state.Document.Mode
	if mode == self.mode {
		self.stateLock.Unlock()
		return
	}
	self.activeStack().Detach()
	self.mode = mode
	self.activeStack().Attach()
	self.stateLock.Unlock()

	self.canvas.Reset()
	self.steps.Reset()
}

func (self *UndoManager) Undo() bool {
	return self.Active().Undo()
}

func (self *UndoManager) Redo() bool {
	return self.Active().Redo()
}

func (self *UndoManager) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
	self.canvas.Detach()
	self.steps.Detach()
}
