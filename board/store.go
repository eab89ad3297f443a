package board

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/golang/glog"
)

type DispatchSource string

const (
	SourceUser   DispatchSource = "user"
	SourceUndo   DispatchSource = "undo"
	SourceRedo   DispatchSource = "redo"
	SourceServer DispatchSource = "server"
)

type DispatchOptions struct {
	Source DispatchSource
}

func DefaultDispatchOptions() *DispatchOptions {
	return &DispatchOptions{
		Source: SourceUser,
	}
}

// a command mutates the draft only. the context exposes the pre-dispatch
// snapshot for cross-cutting lookups.
type Command func(draft *State, ctx *CommandContext) error

type CommandContext struct {
	state *State
}

func (self *CommandContext) State() *State {
	return self.state
}

// (state, forwardPatches, inversePatches, options)
type StoreListener func(state *State, forward []Patch, inverse []Patch, opts *DispatchOptions)

// The store owns one immutable snapshot of the state tree. All mutation
// goes through `Dispatch`, which runs commands against a single draft,
// diffs the draft against the snapshot, and notifies subscribers with
// the paired forward and inverse patch batches.
//
// Readers receive shared references and must never mutate them.
// Dispatch calls are serialized. A listener must not dispatch from
// inside its own notification without detaching itself first.
type Store struct {
	// serializes dispatch and notification
	dispatchLock sync.Mutex

	stateLock sync.Mutex
	state     *State

	listeners *CallbackList[StoreListener]
}

func NewStore(initial *State) *Store {
	if initial == nil {
		initial = NewState()
	}
	return &Store{
		state:     initial,
		listeners: NewCallbackList[StoreListener](),
	}
}

func (self *Store) State() *State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// Get reads the value at `path` in the current snapshot.
// An empty path returns the whole tree.
func (self *Store) Get(path ...string) any {
	state := self.State()
	if len(path) == 0 {
		return state
	}
	v, err := navigate(reflect.ValueOf(state), path)
	if err != nil {
		return nil
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}

// Dispatch applies all commands against a single draft and emits exactly
// one combined patch batch. A command error aborts the whole dispatch:
// the draft is discarded and no patches are emitted.
// A dispatch with zero effective patches does not notify.
func (self *Store) Dispatch(opts *DispatchOptions, commands ...Command) error {
	if opts == nil {
		opts = DefaultDispatchOptions()
	}

	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	prev := self.State()
	draft := prev.Copy()
	ctx := &CommandContext{
		state: prev,
	}
	for _, command := range commands {
		if err := command(draft, ctx); err != nil {
			return err
		}
	}

	forward, inverse := diffValues(prev, draft)
	if len(forward) == 0 {
		return nil
	}

	self.swap(draft)
	glog.V(2).Infof("[store]dispatch %s %d patches\n", opts.Source, len(forward))
	self.notify(draft, forward, inverse, opts)
	return nil
}

// ReplaceState swaps the whole snapshot and emits a single root replace
// patch instead of diffing, for flows that reload the entire tree.
func (self *Store) ReplaceState(next *State, opts *DispatchOptions) {
	if opts == nil {
		opts = DefaultDispatchOptions()
	}

	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	prev := self.State()
	self.swap(next)
	forward := []Patch{{
		Op:    PatchOpReplace,
		Path:  []string{},
		Value: next,
	}}
	inverse := []Patch{{
		Op:    PatchOpReplace,
		Path:  []string{},
		Value: prev,
	}}
	glog.V(2).Infof("[store]replace %s\n", opts.Source)
	self.notify(next, forward, inverse, opts)
}

func (self *Store) swap(next *State) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = next
}

func (self *Store) notify(state *State, forward []Patch, inverse []Patch, opts *DispatchOptions) {
	for _, listener := range self.listeners.Get() {
		listener(state, forward, inverse, opts)
	}
}

// Subscribe registers a listener invoked synchronously after each
// effective dispatch. The returned function unsubscribes.
func (self *Store) Subscribe(listener StoreListener) func() {
	callbackId := self.listeners.Add(listener)
	return func() {
		self.listeners.Remove(callbackId)
	}
}

// SubscribeTo notifies only for batches that touch `path` or below.
func (self *Store) SubscribeTo(path []string, listener StoreListener) func() {
	return self.Subscribe(func(state *State, forward []Patch, inverse []Patch, opts *DispatchOptions) {
		for i := range forward {
			if pathContains(path, forward[i].Path) || pathContains(forward[i].Path, path) {
				listener(state, forward, inverse, opts)
				return
			}
		}
	})
}

// As returns a narrowed view of the store scoped to one resource kind.
// Components that only need one collection's command vocabulary take
// the view instead of the full store.
func (self *Store) As(kind ResourceKind) *StoreView {
	return &StoreView{
		store: self,
		kind:  kind,
	}
}

type StoreView struct {
	store *Store
	kind  ResourceKind
}

func (self *StoreView) Kind() ResourceKind {
	return self.kind
}

func (self *StoreView) Get(id Id) any {
	state := self.store.State()
	switch self.kind {
	case ResourceItems:
		if item, ok := state.Items[id]; ok {
			return item
		}
	case ResourceConnectors:
		if connector, ok := state.Connectors[id]; ok {
			return connector
		}
	case ResourceGroups:
		if group, ok := state.Groups[id]; ok {
			return group
		}
	case ResourceSteps:
		if step, ok := state.Steps[id]; ok {
			return step
		}
	case ResourceDocument:
		return state.Document
	}
	return nil
}

// Create inserts a pre-built data object of the view's kind.
func (self *StoreView) Create(data any) error {
	switch self.kind {
	case ResourceItems:
		if itemData, ok := data.(ItemData); ok {
			return self.store.Dispatch(nil, CreateItem(itemData))
		}
	case ResourceConnectors:
		if connectorData, ok := data.(ConnectorData); ok {
			return self.store.Dispatch(nil, CreateConnector(connectorData))
		}
	case ResourceGroups:
		if groupData, ok := data.(GroupData); ok {
			return self.store.Dispatch(nil, CreateGroup(groupData))
		}
	case ResourceSteps:
		if stepData, ok := data.(StepData); ok {
			return self.store.Dispatch(nil, CreateStep(stepData))
		}
	case ResourceDocument:
		return fmt.Errorf("document cannot be created")
	}
	return fmt.Errorf("wrong data type for %s", self.kind)
}

// Update applies `patches` (resource-relative paths) to the entity.
func (self *StoreView) Update(id Id, patches []Patch) error {
	vmPatches := make([]Patch, 0, len(patches))
	for _, patch := range patches {
		vmPath := []string{self.kind.Collection()}
		if self.kind != ResourceDocument {
			vmPath = append(vmPath, id.String())
		}
		vmPath = append(vmPath, "data")
		vmPath = append(vmPath, patch.Path...)
		vmPatches = append(vmPatches, Patch{
			Op:    patch.Op,
			Path:  vmPath,
			Value: patch.Value,
		})
	}
	return self.store.Dispatch(nil, ApplyPatches(vmPatches))
}

func (self *StoreView) Delete(ids ...Id) error {
	switch self.kind {
	case ResourceItems:
		return self.store.Dispatch(nil, DeleteItems(ids...))
	case ResourceConnectors:
		return self.store.Dispatch(nil, DeleteConnectors(ids...))
	case ResourceGroups:
		return self.store.Dispatch(nil, DeleteGroups(ids...))
	case ResourceSteps:
		return self.store.Dispatch(nil, DeleteSteps(ids...))
	case ResourceDocument:
		return fmt.Errorf("document cannot be deleted")
	}
	return fmt.Errorf("unknown resource kind %s", self.kind)
}
