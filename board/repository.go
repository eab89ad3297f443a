package board

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ResourceRepositorySettings struct {
	// timeout for one push request. the batch is not retried on
	// failure; the optimistic state is kept and the next commit pushes
	// the queue forward.
	PushTimeout time.Duration
}

func DefaultResourceRepositorySettings() *ResourceRepositorySettings {
	return &ResourceRepositorySettings{
		PushTimeout: 15 * time.Second,
	}
}

// (delta) called with +1 when a batch is queued, -1 when its push
// completes or fails
type PendingPushFunction func(delta int)

type PushErrorFunction func(err error)

// The resource repository holds the canonical, server-synchronized copy
// of each persisted resource. Local patch batches are applied
// optimistically and pushed through a single ordered queue. Push
// failure is non-fatal: the optimistic state is never rolled back.
type ResourceRepository struct {
	ctx    context.Context
	cancel context.CancelFunc

	api     *BoardApi
	boardId Id

	settings *ResourceRepositorySettings

	stateLock sync.Mutex
	state     *RepositoryState

	pushLock    sync.Mutex
	pushQueue   [][]Patch
	pushMonitor *Monitor

	pendingCallbacks   *CallbackList[PendingPushFunction]
	pushErrorCallbacks *CallbackList[PushErrorFunction]
}

func NewResourceRepositoryWithDefaults(ctx context.Context, api *BoardApi, boardId Id) *ResourceRepository {
	return NewResourceRepository(ctx, api, boardId, DefaultResourceRepositorySettings())
}

func NewResourceRepository(ctx context.Context, api *BoardApi, boardId Id, settings *ResourceRepositorySettings) *ResourceRepository {
	cancelCtx, cancel := context.WithCancel(ctx)
	repository := &ResourceRepository{
		ctx:                cancelCtx,
		cancel:             cancel,
		api:                api,
		boardId:            boardId,
		settings:           settings,
		state:              NewRepositoryState(),
		pushQueue:          [][]Patch{},
		pushMonitor:        NewMonitor(),
		pendingCallbacks:   NewCallbackList[PendingPushFunction](),
		pushErrorCallbacks: NewCallbackList[PushErrorFunction](),
	}
	go repository.pushPump()
	return repository
}

func (self *ResourceRepository) BoardId() Id {
	return self.boardId
}

// State returns the live repository tree. Readers must not mutate it.
func (self *ResourceRepository) State() *RepositoryState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// Init pulls all resource collections for the board. An aborted ctx is
// a clean no-op.
func (self *ResourceRepository) Init(ctx context.Context) error {
	result, err := self.api.GetBoardSync(ctx, self.boardId)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	state := NewRepositoryState()
	if result.Document != nil {
		state.Document = result.Document
	}
	for _, itemData := range result.Items {
		state.Items[itemData.ItemId] = itemData
	}
	for _, connectorData := range result.Connectors {
		state.Connectors[connectorData.ConnectorId] = connectorData
	}
	for _, groupData := range result.Groups {
		state.Groups[groupData.GroupId] = groupData
	}
	for _, stepData := range result.Steps {
		state.Steps[stepData.StepId] = stepData
	}

	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()

	glog.V(2).Infof("[repo]init %s: %d items, %d connectors, %d groups, %d steps\n",
		self.boardId, len(state.Items), len(state.Connectors), len(state.Groups), len(state.Steps))
	return nil
}

// CommitPatches applies the batch to the repository immediately and
// queues it for push. The pending callback fires with +1 before the
// commit and -1 after the push completes or fails. The batch applies to
// a copy first, so a bad patch mid-batch leaves the tree untouched and
// queues nothing.
func (self *ResourceRepository) CommitPatches(patches []Patch) error {
	if len(patches) == 0 {
		return nil
	}

	self.notifyPending(+1)

	self.stateLock.Lock()
	next := self.state.Copy()
	err := applyPatches(next, patches)
	if err == nil {
		self.state = next
	}
	self.stateLock.Unlock()
	if err != nil {
		self.notifyPending(-1)
		return err
	}

	self.pushLock.Lock()
	self.pushQueue = append(self.pushQueue, patches)
	self.pushLock.Unlock()
	self.pushMonitor.NotifyAll()
	return nil
}

// single ordered queue per document. batches reach the server in commit
// order, never reordered or coalesced out of order.
func (self *ResourceRepository) pushPump() {
	for {
		notify := self.pushMonitor.NotifyChannel()

		self.pushLock.Lock()
		var batch []Patch
		if 0 < len(self.pushQueue) {
			batch = self.pushQueue[0]
			self.pushQueue = self.pushQueue[1:]
		}
		self.pushLock.Unlock()

		if batch == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		pushCtx, pushCancel := context.WithTimeout(self.ctx, self.settings.PushTimeout)
		result, err := self.api.PushPatchesSync(pushCtx, self.boardId, &PushPatchesArgs{
			Patches: batch,
		})
		pushCancel()
		if err == nil && result.Error != nil {
			err = fmt.Errorf("%s", result.Error.Message)
		}
		if err != nil {
			if self.ctx.Err() != nil {
				// shutdown, not a push failure
				self.notifyPending(-1)
				return
			}
			// transient failure. the optimistic state is retained and
			// the queue keeps moving.
			glog.Infof("[repo]push error %s = %s\n", self.boardId, err)
			self.notifyPushError(err)
		} else {
			glog.V(2).Infof("[repo]push %s %d patches\n", self.boardId, len(batch))
		}
		self.notifyPending(-1)
	}
}

func (self *ResourceRepository) AddPendingPushCallback(pendingPushCallback PendingPushFunction) func() {
	callbackId := self.pendingCallbacks.Add(pendingPushCallback)
	return func() {
		self.pendingCallbacks.Remove(callbackId)
	}
}

func (self *ResourceRepository) AddPushErrorCallback(pushErrorCallback PushErrorFunction) func() {
	callbackId := self.pushErrorCallbacks.Add(pushErrorCallback)
	return func() {
		self.pushErrorCallbacks.Remove(callbackId)
	}
}

func (self *ResourceRepository) notifyPending(delta int) {
	for _, pendingPushCallback := range self.pendingCallbacks.Get() {
		pendingPushCallback(delta)
	}
}

func (self *ResourceRepository) notifyPushError(err error) {
	for _, pushErrorCallback := range self.pushErrorCallbacks.Get() {
		pushErrorCallback(err)
	}
}

func (self *ResourceRepository) Close() {
	self.cancel()
}

// ApplyRemotePatches applies an authoritative remote batch to the
// repository and returns the store commands that replay it into the
// view-model. A malformed patch is dropped with a warning and never
// aborts the rest of the batch.
func (self *ResourceRepository) ApplyRemotePatches(patches []Patch) []Command {
	commands := []Command{}
	for i := range patches {
		patch := patches[i]
		command, err := self.applyRemotePatch(&patch)
		if err != nil {
			glog.Infof("[repo]drop malformed remote patch %s = %s\n", patch.String(), err)
			continue
		}
		commands = append(commands, command)
	}
	return commands
}

func (self *ResourceRepository) applyRemotePatch(patch *Patch) (Command, error) {
	kind, id, err := parseResourcePath(patch)
	if err != nil {
		return nil, err
	}

	command, err := remoteCommand(kind, id, patch)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	err = applyRemoteToRepository(self.state, kind, patch)
	self.stateLock.Unlock()
	if err != nil {
		return nil, err
	}

	return command, nil
}

func parseResourcePath(patch *Patch) (ResourceKind, Id, error) {
	switch patch.Op {
	case PatchOpAdd, PatchOpRemove, PatchOpReplace:
	default:
		return ResourceKind(0), Id{}, fmt.Errorf("unknown op %q", patch.Op)
	}
	if len(patch.Path) == 0 {
		return ResourceKind(0), Id{}, fmt.Errorf("empty path")
	}
	kind, ok := ResourceKindForCollection(patch.Path[0])
	if !ok {
		return ResourceKind(0), Id{}, fmt.Errorf("unknown collection %q", patch.Path[0])
	}
	if kind == ResourceDocument {
		return kind, Id{}, nil
	}
	if len(patch.Path) < 2 {
		return kind, Id{}, fmt.Errorf("missing id segment")
	}
	id, err := ParseId(patch.Path[1])
	if err != nil {
		return kind, Id{}, fmt.Errorf("bad id segment %q", patch.Path[1])
	}
	return kind, id, nil
}

// remoteCommand maps one remote patch to a store command through the
// closed set of resource kinds. an add on a collection inserts the
// entity, a replace updates it by id, and sub-entity edits replay as a
// path patch nested under the entity's data object.
func remoteCommand(kind ResourceKind, id Id, patch *Patch) (Command, error) {
	if kind == ResourceDocument {
		if len(patch.Path) == 1 {
			data, err := coerceRemoteValue[DocumentData](patch.Value)
			if err != nil {
				return nil, err
			}
			return func(draft *State, ctx *CommandContext) error {
				draft.Document.Data = *data
				return nil
			}, nil
		}
		return lenientApply(Patch{
			Op:    patch.Op,
			Path:  append([]string{"document", "data"}, patch.Path[1:]...),
			Value: patch.Value,
		}), nil
	}

	entityLevel := len(patch.Path) == 2

	if entityLevel && patch.Op == PatchOpRemove {
		switch kind {
		case ResourceItems:
			return DeleteItems(id), nil
		case ResourceConnectors:
			return DeleteConnectors(id), nil
		case ResourceGroups:
			return DeleteGroups(id), nil
		case ResourceSteps:
			return DeleteSteps(id), nil
		}
	}

	if entityLevel {
		// add or replace of the whole entity
		switch kind {
		case ResourceItems:
			data, err := coerceRemoteValue[ItemData](patch.Value)
			if err != nil {
				return nil, err
			}
			return upsertItem(id, *data), nil
		case ResourceConnectors:
			data, err := coerceRemoteValue[ConnectorData](patch.Value)
			if err != nil {
				return nil, err
			}
			return upsertConnector(id, *data), nil
		case ResourceGroups:
			data, err := coerceRemoteValue[GroupData](patch.Value)
			if err != nil {
				return nil, err
			}
			return upsertGroup(id, *data), nil
		case ResourceSteps:
			data, err := coerceRemoteValue[StepData](patch.Value)
			if err != nil {
				return nil, err
			}
			return upsertStep(id, *data), nil
		}
	}

	// sub-entity edit. nest the path under the entity's data object.
	return lenientApply(Patch{
		Op:    patch.Op,
		Path:  append([]string{patch.Path[0], patch.Path[1], "data"}, patch.Path[2:]...),
		Value: patch.Value,
	}), nil
}

func coerceRemoteValue[T any](raw any) (*T, error) {
	var target T
	value, err := coerceValue(raw, valueType[T]())
	if err != nil {
		return nil, err
	}
	target = value.Interface().(T)
	return &target, nil
}

// remote replay must not abort the batch on an entity that a
// concurrent local edit already removed
func lenientApply(patch Patch) Command {
	return func(draft *State, ctx *CommandContext) error {
		if err := applyPatches(draft, []Patch{patch}); err != nil {
			glog.V(2).Infof("[repo]skip remote patch %s = %s\n", patch.String(), err)
		}
		return nil
	}
}

func upsertItem(id Id, data ItemData) Command {
	return func(draft *State, ctx *CommandContext) error {
		data.ItemId = id
		if item, ok := draft.Items[id]; ok {
			item.Data = data
		} else {
			draft.Items[id] = &Item{
				Data: data,
			}
		}
		return nil
	}
}

func upsertConnector(id Id, data ConnectorData) Command {
	return func(draft *State, ctx *CommandContext) error {
		data.ConnectorId = id
		if connector, ok := draft.Connectors[id]; ok {
			connector.Data = data
		} else {
			draft.Connectors[id] = &Connector{
				Data: data,
			}
		}
		return nil
	}
}

func upsertGroup(id Id, data GroupData) Command {
	return func(draft *State, ctx *CommandContext) error {
		data.GroupId = id
		if group, ok := draft.Groups[id]; ok {
			group.Data = data
		} else {
			draft.Groups[id] = &Group{
				Data: data,
			}
		}
		return nil
	}
}

func upsertStep(id Id, data StepData) Command {
	return func(draft *State, ctx *CommandContext) error {
		data.StepId = id
		if step, ok := draft.Steps[id]; ok {
			step.Data = data
		} else {
			draft.Steps[id] = &Step{
				Data: data,
			}
		}
		return nil
	}
}

// the repository mirror of a remote patch. unlike the store replay this
// applies the wire shape directly, since repository paths are flat.
func applyRemoteToRepository(state *RepositoryState, kind ResourceKind, patch *Patch) error {
	if kind == ResourceDocument && len(patch.Path) == 1 {
		data, err := coerceRemoteValue[DocumentData](patch.Value)
		if err != nil {
			return err
		}
		state.Document = data
		return nil
	}
	if err := applyPatches(state, []Patch{*patch}); err != nil {
		// an edit to an entity the repository no longer holds is
		// stale, not malformed
		glog.V(2).Infof("[repo]skip stale remote patch %s = %s\n", patch.String(), err)
	}
	return nil
}
