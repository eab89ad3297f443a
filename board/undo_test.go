package board

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testUndoSettings() *UndoStackSettings {
	return &UndoStackSettings{
		Depth:       100,
		BatchWindow: 0,
	}
}

// keep dispatches in distinct batch windows
func undoPause() {
	time.Sleep(2 * time.Millisecond)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())
	stack.Attach()
	defer stack.Detach()

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemId,
		Kind:   ItemKindNote,
		X:      1,
	}))
	assert.Equal(t, err, nil)
	undoPause()

	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Data.X = 2
	}))
	assert.Equal(t, err, nil)
	undoPause()

	err = store.Dispatch(nil, DeleteItems(itemId))
	assert.Equal(t, err, nil)

	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: true, CanRedo: false})

	// undo the delete
	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.X, float64(2))

	// undo the update
	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.X, float64(1))

	// undo the create
	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, len(store.State().Items), 0)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: true})

	// redo all three
	assert.Equal(t, stack.Redo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.X, float64(1))
	assert.Equal(t, stack.Redo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.X, float64(2))
	assert.Equal(t, stack.Redo(), true)
	assert.Equal(t, len(store.State().Items), 0)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: true, CanRedo: false})
}

func TestUndoBatchWindowMerge(t *testing.T) {
	store := NewStore(nil)
	settings := &UndoStackSettings{
		Depth:       100,
		BatchWindow: 1 * time.Hour,
	}
	stack := NewCanvasUndoStack(store, settings)
	stack.Attach()
	defer stack.Detach()

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemId,
		Kind:   ItemKindNote,
		X:      1,
	}))
	assert.Equal(t, err, nil)
	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Data.X = 2
	}))
	assert.Equal(t, err, nil)
	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Data.X = 3
	}))
	assert.Equal(t, err, nil)

	// the whole run is one undoable unit
	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, len(store.State().Items), 0)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: true})

	// and one redoable unit
	assert.Equal(t, stack.Redo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.X, float64(3))
}

func TestUndoMergeEditThenDelete(t *testing.T) {
	// an edit followed by a delete in the same window undoes to the
	// pre-edit object

	store := NewStore(nil)
	settings := &UndoStackSettings{
		Depth:       100,
		BatchWindow: 1 * time.Hour,
	}
	stack := NewCanvasUndoStack(store, settings)

	itemId := NewId()
	// seed outside the undo history
	err := store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		CreateItem(ItemData{
			ItemId: itemId,
			Kind:   ItemKindNote,
			Text:   "original",
		}),
	)
	assert.Equal(t, err, nil)

	stack.Attach()
	defer stack.Detach()

	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Data.Text = "edited"
	}))
	assert.Equal(t, err, nil)
	err = store.Dispatch(nil, DeleteItems(itemId))
	assert.Equal(t, err, nil)

	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.Text, "original")
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: true})
}

func TestUndoRedundantPatchElimination(t *testing.T) {
	// two edits to the same path in one window keep only the deepest
	// inverse

	patches := removeRedundantPatches([]Patch{
		{
			Op:    PatchOpReplace,
			Path:  []string{"items", "a", "data", "x"},
			Value: float64(2),
		},
		{
			Op:    PatchOpReplace,
			Path:  []string{"items", "a", "data", "x"},
			Value: float64(1),
		},
	})
	assert.Equal(t, len(patches), 1)
	assert.Equal(t, patches[0].Value, float64(1))

	// a later whole-entity add keeps the earlier finer-grained edit,
	// since the entity path does not contain it
	patches = removeRedundantPatches([]Patch{
		{
			Op:   PatchOpAdd,
			Path: []string{"items", "a"},
		},
		{
			Op:    PatchOpReplace,
			Path:  []string{"items", "a", "data", "x"},
			Value: float64(1),
		},
	})
	assert.Equal(t, len(patches), 2)

	// a later whole-entity replace drops the earlier sub-field edit
	patches = removeRedundantPatches([]Patch{
		{
			Op:    PatchOpReplace,
			Path:  []string{"items", "a", "data", "x"},
			Value: float64(1),
		},
		{
			Op:   PatchOpReplace,
			Path: []string{"items", "a"},
		},
	})
	assert.Equal(t, len(patches), 1)
	assert.Equal(t, patches[0].Path, []string{"items", "a"})
}

func TestUndoStaleEntriesDiscarded(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())
	stack.Attach()
	defer stack.Detach()

	itemAId := NewId()
	itemBId := NewId()

	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemBId,
		Kind:   ItemKindNote,
	}))
	assert.Equal(t, err, nil)
	undoPause()

	err = store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemAId,
		Kind:   ItemKindNote,
		X:      1,
	}))
	assert.Equal(t, err, nil)
	undoPause()

	err = store.Dispatch(nil, UpdateItem(itemAId, func(item *Item) {
		item.Data.X = 2
	}))
	assert.Equal(t, err, nil)

	// a concurrent remote change removes item a
	err = store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		DeleteItems(itemAId),
	)
	assert.Equal(t, err, nil)

	// the two entries referencing item a are stale. the undo lands on
	// the deepest valid entry, the creation of item b.
	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, len(store.State().Items), 0)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: true})
}

func TestRedoRecreateAfterRemoteDelete(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())
	stack.Attach()
	defer stack.Detach()

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemId,
		Kind:   ItemKindNote,
		X:      0,
		Y:      0,
	}))
	assert.Equal(t, err, nil)

	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: true})
	_, ok := store.State().Items[itemId]
	assert.Equal(t, ok, false)

	// a remote delete of the already-undone element changes nothing
	err = store.Dispatch(&DispatchOptions{Source: SourceServer}, DeleteItems(itemId))
	assert.Equal(t, err, nil)

	// the redo entry recreates the element with identical id and position
	assert.Equal(t, stack.Redo(), true)
	item, ok := store.State().Items[itemId]
	assert.Equal(t, ok, true)
	assert.Equal(t, item.Data.ItemId, itemId)
	assert.Equal(t, item.Data.X, float64(0))
	assert.Equal(t, item.Data.Y, float64(0))
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: true, CanRedo: false})
}

func TestRedoStaleEntryDiscarded(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())

	itemId := NewId()
	// seed outside the undo history
	err := store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		CreateItem(ItemData{
			ItemId: itemId,
			Kind:   ItemKindNote,
			X:      1,
		}),
	)
	assert.Equal(t, err, nil)

	stack.Attach()
	defer stack.Detach()

	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Data.X = 5
	}))
	assert.Equal(t, err, nil)

	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, store.State().Items[itemId].Data.X, float64(1))
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: true})

	// the element is deleted remotely between undo and redo
	err = store.Dispatch(&DispatchOptions{Source: SourceServer}, DeleteItems(itemId))
	assert.Equal(t, err, nil)

	// the field-edit redo entry is stale and discarded without applying
	assert.Equal(t, stack.Redo(), false)
	_, ok := store.State().Items[itemId]
	assert.Equal(t, ok, false)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: false})
}

func TestUndoServerChangesNotRecorded(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())
	stack.Attach()
	defer stack.Detach()

	err := store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		CreateItem(ItemData{
			ItemId: NewId(),
			Kind:   ItemKindNote,
		}),
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: false})
}

func TestUndoTransientChangesNotRecorded(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemId,
		Kind:   ItemKindNote,
	}))
	assert.Equal(t, err, nil)

	stack.Attach()
	defer stack.Detach()

	// drag state and selection are transient
	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Drag = &DragState{OriginX: 1, OriginY: 2}
	}))
	assert.Equal(t, err, nil)
	err = store.Dispatch(nil, SetSelection(itemId))
	assert.Equal(t, err, nil)
	err = store.Dispatch(nil, SetViewport(Viewport{X: 5, Y: 5, Zoom: 2}))
	assert.Equal(t, err, nil)

	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: false})
}

func TestUndoNewEditClearsRedo(t *testing.T) {
	store := NewStore(nil)
	stack := NewCanvasUndoStack(store, testUndoSettings())
	stack.Attach()
	defer stack.Detach()

	var lastUndoState UndoState
	unsub := stack.AddUndoStateCallback(func(undoState UndoState) {
		lastUndoState = undoState
	})
	defer unsub()

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemId,
		Kind:   ItemKindNote,
	}))
	assert.Equal(t, err, nil)
	undoPause()

	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, lastUndoState, UndoState{CanUndo: false, CanRedo: true})
	undoPause()

	err = store.Dispatch(nil, SetTitle("fresh edit"))
	assert.Equal(t, err, nil)
	assert.Equal(t, lastUndoState, UndoState{CanUndo: true, CanRedo: false})
}

func TestUndoDepthEviction(t *testing.T) {
	store := NewStore(nil)
	settings := &UndoStackSettings{
		Depth:       2,
		BatchWindow: 0,
	}
	stack := NewCanvasUndoStack(store, settings)
	stack.Attach()
	defer stack.Detach()

	for _, title := range []string{"one", "two", "three"} {
		err := store.Dispatch(nil, SetTitle(title))
		assert.Equal(t, err, nil)
		undoPause()
	}

	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, stack.Undo(), true)
	// the oldest entry was evicted
	assert.Equal(t, stack.Undo(), false)
	assert.Equal(t, store.State().Document.Data.Title, "one")
}

func TestStepUndoStackScope(t *testing.T) {
	store := NewStore(nil)
	stack := NewStepUndoStack(store, testUndoSettings())
	stack.Attach()
	defer stack.Detach()

	// canvas edits are outside the step stack's scope
	err := store.Dispatch(nil, SetTitle("not a step"))
	assert.Equal(t, err, nil)
	err = store.Dispatch(nil, CreateItem(ItemData{
		ItemId: NewId(),
		Kind:   ItemKindNote,
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: false, CanRedo: false})

	stepId := NewId()
	err = store.Dispatch(nil, CreateStep(StepData{
		StepId: stepId,
		Index:  0,
		Name:   "intro",
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, stack.UndoState(), UndoState{CanUndo: true, CanRedo: false})

	assert.Equal(t, stack.Undo(), true)
	assert.Equal(t, len(store.State().Steps), 0)
}

func TestUndoManagerModeSwitch(t *testing.T) {
	store := NewStore(nil)
	manager := NewUndoManager(store, testUndoSettings())
	defer manager.Close()

	assert.Equal(t, manager.Active() == manager.Canvas(), true)

	err := store.Dispatch(nil, SetTitle("canvas edit"))
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.Canvas().UndoState().CanUndo, true)

	// switching modes resets both stacks and swaps the active one
	err = store.Dispatch(nil, SetMode(EditModeSteps))
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.Active() == manager.Steps(), true)
	assert.Equal(t, manager.Canvas().UndoState(), UndoState{CanUndo: false, CanRedo: false})
	assert.Equal(t, manager.Steps().UndoState(), UndoState{CanUndo: false, CanRedo: false})

	// canvas edits while in steps mode are not recorded anywhere
	err = store.Dispatch(nil, SetTitle("ignored"))
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.Undo(), false)

	stepId := NewId()
	err = store.Dispatch(nil, CreateStep(StepData{
		StepId: stepId,
		Index:  0,
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, manager.Undo(), true)
	assert.Equal(t, len(store.State().Steps), 0)
}

func TestCanApplyPatchesForeignRefs(t *testing.T) {
	itemAId := NewId()
	itemBId := NewId()
	connectorId := NewId()

	state := NewState()
	state.Items[itemAId] = &Item{
		Data: ItemData{ItemId: itemAId, Kind: ItemKindNote},
	}

	recreate := []Patch{{
		Op:   PatchOpAdd,
		Path: []string{"connectors", connectorId.String()},
		Value: &Connector{
			Data: ConnectorData{
				ConnectorId: connectorId,
				FromItemId:  itemAId,
				ToItemId:    itemBId,
			},
		},
	}}

	// item b does not exist, so the connector cannot be recreated
	assert.Equal(t, canApplyPatches(recreate, state), false)

	state.Items[itemBId] = &Item{
		Data: ItemData{ItemId: itemBId, Kind: ItemKindNote},
	}
	assert.Equal(t, canApplyPatches(recreate, state), true)
}
