package board

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
)

var errNoAssetSource = errors.New("no asset source configured")

func errUpload(message string) error {
	return fmt.Errorf("upload error: %s", message)
}

type SyncCoordinatorSettings struct {
	UploadTimeout time.Duration
}

func DefaultSyncCoordinatorSettings() *SyncCoordinatorSettings {
	return &SyncCoordinatorSettings{
		UploadTimeout: 60 * time.Second,
	}
}

// resolves a session-local blob reference into the bytes to upload
type AssetSource interface {
	Read(src string) (data []byte, contentType string, err error)
}

// The sync coordinator wires the store, the resource repository and the
// signal transport together. Store patches from local sources are
// mapped to flat resource paths and committed to the repository.
// Repository and peer originated patches are replayed into the store as
// server-source commands, which the local change mirror ignores, so a
// replayed patch is never re-submitted back to the repository.
type SyncCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      *Store
	repository *ResourceRepository
	api        *BoardApi
	assets     AssetSource

	settings *SyncCoordinatorSettings

	// serializes remote replay brackets
	replayLock sync.Mutex

	unsubStore   func()
	unsubPending func()
	unsubPatches func()
}

func NewSyncCoordinatorWithDefaults(
	ctx context.Context,
	store *Store,
	repository *ResourceRepository,
	api *BoardApi,
	assets AssetSource,
) *SyncCoordinator {
	return NewSyncCoordinator(ctx, store, repository, api, assets, DefaultSyncCoordinatorSettings())
}

func NewSyncCoordinator(
	ctx context.Context,
	store *Store,
	repository *ResourceRepository,
	api *BoardApi,
	assets AssetSource,
	settings *SyncCoordinatorSettings,
) *SyncCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &SyncCoordinator{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		repository: repository,
		api:        api,
		assets:     assets,
		settings:   settings,
	}
	coordinator.unsubPending = repository.AddPendingPushCallback(coordinator.onPendingPush)
	return coordinator
}

// AttachTransport subscribes the coordinator to the transport's
// authoritative patch broadcasts.
func (self *SyncCoordinator) AttachTransport(transport *SignalTransport) {
	self.unsubPatches = transport.AddPatchCallback(self.OnRemotePatches)
}

// Init pulls the repository, builds the initial snapshot and attaches
// the store subscription. An aborted ctx discards the in-flight pull
// without mutating state.
func (self *SyncCoordinator) Init(ctx context.Context) error {
	if err := self.repository.Init(ctx); err != nil {
		return err
	}

	initial := stateFromRepository(self.repository.State())
	self.store.ReplaceState(initial, &DispatchOptions{Source: SourceServer})

	self.unsubStore = self.store.Subscribe(self.onStoreChange)
	return nil
}

func stateFromRepository(repo *RepositoryState) *State {
	repo = repo.Copy()
	state := NewState()
	state.Document.Data = *repo.Document
	for id, itemData := range repo.Items {
		state.Items[id] = &Item{
			Data: *itemData,
		}
	}
	for id, connectorData := range repo.Connectors {
		state.Connectors[id] = &Connector{
			Data: *connectorData,
		}
	}
	for id, groupData := range repo.Groups {
		state.Groups[id] = &Group{
			Data: *groupData,
		}
	}
	for id, stepData := range repo.Steps {
		state.Steps[id] = &Step{
			Data: *stepData,
		}
	}
	return state
}

// repositoryStateFromState strips the transient view-model fields
func repositoryStateFromState(state *State) *RepositoryState {
	repo := NewRepositoryState()
	documentData := state.Document.Data
	repo.Document = &documentData
	for id, item := range state.Items {
		itemData := item.Data
		repo.Items[id] = &itemData
	}
	for id, connector := range state.Connectors {
		connectorData := connector.Data
		repo.Connectors[id] = &connectorData
	}
	for id, group := range state.Groups {
		groupData := group.Data
		repo.Groups[id] = &groupData
	}
	for id, step := range state.Steps {
		stepData := step.Data
		repo.Steps[id] = &stepData
	}
	return repo
}

func (self *SyncCoordinator) onStoreChange(state *State, forward []Patch, inverse []Patch, opts *DispatchOptions) {
	switch opts.Source {
	case SourceUser, SourceUndo, SourceRedo:
	default:
		// server-driven changes originate in the repository
		return
	}

	if len(forward) == 1 && len(forward[0].Path) == 0 {
		// a whole snapshot swap carries no positional patches.
		// diff the tree against the repository and emit one patch per
		// top-level resource.
		self.commitRootReplace(state)
		return
	}

	resourcePatches := mapViewModelPatches(forward)
	if 0 < len(resourcePatches) {
		if err := self.repository.CommitPatches(resourcePatches); err != nil {
			glog.Infof("[coord]commit error = %s\n", err)
		}
	}

	// uploads start only after the entity commit so a fast failure
	// cannot race the removal ahead of the add
	self.startAssetUploads(forward)
}

// mapViewModelPatches converts store paths to the repository's flat
// resource paths. The view-model nests persisted fields under a `data`
// sub-key; patches that only touch transient fields are dropped.
func mapViewModelPatches(patches []Patch) []Patch {
	out := []Patch{}
	for i := range patches {
		patch := patches[i]
		if len(patch.Path) == 0 {
			continue
		}
		switch patch.Path[0] {
		case "items", "connectors", "groups", "steps":
			if len(patch.Path) == 2 {
				value, ok := dataObjectValue(patch.Value)
				if patch.Op != PatchOpRemove && !ok {
					continue
				}
				out = append(out, Patch{
					Op:    patch.Op,
					Path:  []string{patch.Path[0], patch.Path[1]},
					Value: value,
				})
			} else if 2 < len(patch.Path) && patch.Path[2] == "data" {
				out = append(out, Patch{
					Op:    patch.Op,
					Path:  append([]string{patch.Path[0], patch.Path[1]}, patch.Path[3:]...),
					Value: patch.Value,
				})
			}
		case "document":
			if 1 < len(patch.Path) && patch.Path[1] == "data" {
				out = append(out, Patch{
					Op:    patch.Op,
					Path:  append([]string{"document"}, patch.Path[2:]...),
					Value: patch.Value,
				})
			}
		}
	}
	return out
}

// the persisted data object of a whole-entity patch value
func dataObjectValue(value any) (any, bool) {
	switch v := value.(type) {
	case *Item:
		if v != nil {
			return v.Data, true
		}
	case Item:
		return v.Data, true
	case *Connector:
		if v != nil {
			return v.Data, true
		}
	case Connector:
		return v.Data, true
	case *Group:
		if v != nil {
			return v.Data, true
		}
	case Group:
		return v.Data, true
	case *Step:
		if v != nil {
			return v.Data, true
		}
	case Step:
		return v.Data, true
	}
	return nil, false
}

func (self *SyncCoordinator) commitRootReplace(state *State) {
	target := repositoryStateFromState(state)
	current := self.repository.State()

	patches := []Patch{}
	if !reflect.DeepEqual(current.Items, target.Items) {
		patches = append(patches, Patch{
			Op:    PatchOpReplace,
			Path:  []string{"items"},
			Value: target.Items,
		})
	}
	if !reflect.DeepEqual(current.Connectors, target.Connectors) {
		patches = append(patches, Patch{
			Op:    PatchOpReplace,
			Path:  []string{"connectors"},
			Value: target.Connectors,
		})
	}
	if !reflect.DeepEqual(current.Groups, target.Groups) {
		patches = append(patches, Patch{
			Op:    PatchOpReplace,
			Path:  []string{"groups"},
			Value: target.Groups,
		})
	}
	if !reflect.DeepEqual(current.Steps, target.Steps) {
		patches = append(patches, Patch{
			Op:    PatchOpReplace,
			Path:  []string{"steps"},
			Value: target.Steps,
		})
	}
	if !reflect.DeepEqual(current.Document, target.Document) {
		patches = append(patches, Patch{
			Op:    PatchOpReplace,
			Path:  []string{"document"},
			Value: target.Document,
		})
	}
	if len(patches) == 0 {
		return
	}
	if err := self.repository.CommitPatches(patches); err != nil {
		glog.Infof("[coord]commit error = %s\n", err)
	}
}

// OnRemotePatches replays an authoritative remote batch into the store.
// The replay dispatches with the server source, which the store change
// callback ignores, so a replayed patch is never mirrored back into the
// repository. The subscription stays attached for the whole bracket: a
// concurrent local dispatch that is already inside the store's dispatch
// serialization still notifies the coordinator and gets committed.
func (self *SyncCoordinator) OnRemotePatches(patches []Patch) {
	self.replayLock.Lock()
	defer self.replayLock.Unlock()

	commands := self.repository.ApplyRemotePatches(patches)
	if len(commands) == 0 {
		return
	}

	err := self.store.Dispatch(&DispatchOptions{Source: SourceServer}, commands...)
	if err != nil {
		glog.Infof("[coord]replay error = %s\n", err)
	}
}

// the pending counter is UI feedback only, so the dispatch happens off
// the committing goroutine
func (self *SyncCoordinator) onPendingPush(delta int) {
	go self.store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		IncrementPendingPushes(delta),
	)
}

// startAssetUploads scans a forward batch for media items whose source
// is a session-local blob and uploads the backing asset. On completion
// a follow-up patch replaces the local reference with the persisted
// url. On failure the element is removed.
func (self *SyncCoordinator) startAssetUploads(patches []Patch) {
	for i := range patches {
		patch := &patches[i]
		if len(patch.Path) < 2 || patch.Path[0] != "items" {
			continue
		}
		if patch.Op == PatchOpRemove {
			continue
		}
		itemId, err := ParseId(patch.Path[1])
		if err != nil {
			continue
		}
		var data *ItemData
		switch v := patch.Value.(type) {
		case *Item:
			if v != nil {
				itemData := v.Data
				data = &itemData
			}
		case Item:
			itemData := v.Data
			data = &itemData
		case *ItemData:
			if v != nil {
				itemData := *v
				data = &itemData
			}
		case ItemData:
			itemData := v
			data = &itemData
		case string:
			if len(patch.Path) == 4 && patch.Path[2] == "data" && patch.Path[3] == "src" {
				data = &ItemData{
					ItemId: itemId,
					Kind:   ItemKindImage,
					Src:    v,
				}
			}
		}
		if data == nil || !data.HasLocalBlobSrc() {
			continue
		}
		go self.uploadAsset(itemId, data.Src)
	}
}

func (self *SyncCoordinator) uploadAsset(itemId Id, src string) {
	fail := func(err error) {
		glog.Infof("[coord]asset upload failed %s = %s\n", itemId, err)
		self.repository.CommitPatches([]Patch{{
			Op:   PatchOpRemove,
			Path: []string{"items", itemId.String()},
		}})
		self.store.Dispatch(
			&DispatchOptions{Source: SourceServer},
			DeleteItems(itemId),
		)
	}

	if self.assets == nil {
		fail(errNoAssetSource)
		return
	}

	data, contentType, err := self.assets.Read(src)
	if err != nil {
		fail(err)
		return
	}

	uploadCtx, uploadCancel := context.WithTimeout(self.ctx, self.settings.UploadTimeout)
	result, err := self.api.UploadAssetSync(uploadCtx, self.repository.BoardId(), &UploadAssetArgs{
		ItemId:      itemId,
		ContentType: contentType,
		Data:        data,
	})
	uploadCancel()
	if err == nil && result.Error != nil {
		err = errUpload(result.Error.Message)
	}
	if err != nil {
		fail(err)
		return
	}

	glog.V(2).Infof("[coord]asset uploaded %s -> %s\n", itemId, result.Url)
	self.repository.CommitPatches([]Patch{{
		Op:    PatchOpReplace,
		Path:  []string{"items", itemId.String(), "src"},
		Value: result.Url,
	}})
	self.store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		ApplyPatches([]Patch{{
			Op:    PatchOpReplace,
			Path:  []string{"items", itemId.String(), "data", "src"},
			Value: result.Url,
		}}),
	)
}

func (self *SyncCoordinator) Close() {
	self.cancel()
	if self.unsubStore != nil {
		self.unsubStore()
		self.unsubStore = nil
	}
	if self.unsubPending != nil {
		self.unsubPending()
		self.unsubPending = nil
	}
	if self.unsubPatches != nil {
		self.unsubPatches()
		self.unsubPatches = nil
	}
}
