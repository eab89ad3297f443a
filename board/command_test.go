package board

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDeleteItemCascades(t *testing.T) {
	store := NewStore(nil)

	itemAId := NewId()
	itemBId := NewId()
	connectorId := NewId()
	stepId := NewId()

	err := store.Dispatch(
		nil,
		CreateItem(ItemData{ItemId: itemAId, Kind: ItemKindNote}),
		CreateItem(ItemData{ItemId: itemBId, Kind: ItemKindNote}),
		CreateConnector(ConnectorData{
			ConnectorId: connectorId,
			FromItemId:  itemAId,
			ToItemId:    itemBId,
		}),
		CreateStep(StepData{
			StepId: stepId,
			Index:  0,
			ItemId: &itemAId,
		}),
		SetSelection(itemAId, itemBId),
	)
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, DeleteItems(itemAId))
	assert.Equal(t, err, nil)

	state := store.State()
	_, hasItem := state.Items[itemAId]
	assert.Equal(t, hasItem, false)
	_, hasConnector := state.Connectors[connectorId]
	assert.Equal(t, hasConnector, false)
	_, hasStep := state.Steps[stepId]
	assert.Equal(t, hasStep, false)
	assert.Equal(t, state.Document.Selection, []Id{itemBId})
}

func TestDeleteGroupCascades(t *testing.T) {
	store := NewStore(nil)

	groupId := NewId()
	itemId := NewId()
	stepId := NewId()

	err := store.Dispatch(
		nil,
		CreateGroup(GroupData{GroupId: groupId, Name: "g"}),
		CreateItem(ItemData{
			ItemId:  itemId,
			Kind:    ItemKindNote,
			GroupId: &groupId,
		}),
		CreateStep(StepData{
			StepId:  stepId,
			Index:   0,
			GroupId: &groupId,
		}),
	)
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, DeleteGroups(groupId))
	assert.Equal(t, err, nil)

	state := store.State()
	_, hasGroup := state.Groups[groupId]
	assert.Equal(t, hasGroup, false)
	// the member item survives with its reference cleared
	item, hasItem := state.Items[itemId]
	assert.Equal(t, hasItem, true)
	assert.Equal(t, item.Data.GroupId, (*Id)(nil))
	_, hasStep := state.Steps[stepId]
	assert.Equal(t, hasStep, false)
}

func TestCreateConnectorValidatesEndpoints(t *testing.T) {
	store := NewStore(nil)

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{ItemId: itemId, Kind: ItemKindNote}))
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, CreateConnector(ConnectorData{
		ConnectorId: NewId(),
		FromItemId:  itemId,
		ToItemId:    NewId(),
	}))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(store.State().Connectors), 0)
}

func TestCreateStepAppendsIndex(t *testing.T) {
	store := NewStore(nil)

	stepAId := NewId()
	stepBId := NewId()
	err := store.Dispatch(
		nil,
		CreateStep(StepData{StepId: stepAId, Index: 4}),
		CreateStep(StepData{StepId: stepBId, Index: -1}),
	)
	assert.Equal(t, err, nil)

	state := store.State()
	assert.Equal(t, state.Steps[stepAId].Data.Index, 4)
	assert.Equal(t, state.Steps[stepBId].Data.Index, 5)
}

func TestMergeItemData(t *testing.T) {
	store := NewStore(nil)

	itemId := NewId()
	err := store.Dispatch(nil, CreateItem(ItemData{
		ItemId: itemId,
		Kind:   ItemKindNote,
		Text:   "draft",
	}))
	assert.Equal(t, err, nil)

	// transient state survives the data merge
	err = store.Dispatch(nil, UpdateItem(itemId, func(item *Item) {
		item.Drag = &DragState{DeltaX: 3}
	}))
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, MergeItemData(itemId, ItemData{
		Kind: ItemKindNote,
		Text: "final",
		X:    7,
	}))
	assert.Equal(t, err, nil)

	item := store.State().Items[itemId]
	// the merged data keeps the addressed id
	assert.Equal(t, item.Data.ItemId, itemId)
	assert.Equal(t, item.Data.Text, "final")
	assert.Equal(t, item.Data.X, float64(7))
	assert.Equal(t, item.Drag.DeltaX, float64(3))

	err = store.Dispatch(nil, MergeItemData(NewId(), ItemData{Kind: ItemKindNote}))
	assert.NotEqual(t, err, nil)
}

func TestUpdateConnectorCommands(t *testing.T) {
	store := NewStore(nil)

	itemAId := NewId()
	itemBId := NewId()
	connectorId := NewId()
	err := store.Dispatch(
		nil,
		CreateItem(ItemData{ItemId: itemAId, Kind: ItemKindNote}),
		CreateItem(ItemData{ItemId: itemBId, Kind: ItemKindNote}),
		CreateConnector(ConnectorData{
			ConnectorId: connectorId,
			FromItemId:  itemAId,
			ToItemId:    itemBId,
			Label:       "flow",
		}),
	)
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, UpdateConnector(connectorId, func(connector *Connector) {
		connector.Data.Color = "#4363d8"
	}))
	assert.Equal(t, err, nil)
	connector := store.State().Connectors[connectorId]
	assert.Equal(t, connector.Data.Color, "#4363d8")
	assert.Equal(t, connector.Data.Label, "flow")

	err = store.Dispatch(nil, MergeConnectorData(connectorId, ConnectorData{
		FromItemId: itemBId,
		ToItemId:   itemAId,
		Label:      "reversed",
	}))
	assert.Equal(t, err, nil)
	connector = store.State().Connectors[connectorId]
	assert.Equal(t, connector.Data.ConnectorId, connectorId)
	assert.Equal(t, connector.Data.FromItemId, itemBId)
	assert.Equal(t, connector.Data.Label, "reversed")

	err = store.Dispatch(nil, UpdateConnector(NewId(), func(connector *Connector) {}))
	assert.NotEqual(t, err, nil)
	err = store.Dispatch(nil, MergeConnectorData(NewId(), ConnectorData{}))
	assert.NotEqual(t, err, nil)
}

func TestUpdateGroup(t *testing.T) {
	store := NewStore(nil)

	groupId := NewId()
	err := store.Dispatch(nil, CreateGroup(GroupData{
		GroupId: groupId,
		Name:    "sprint",
	}))
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, UpdateGroup(groupId, func(group *Group) {
		group.Data.Name = "sprint 2"
		group.Data.Color = "#3cb44b"
	}))
	assert.Equal(t, err, nil)
	group := store.State().Groups[groupId]
	assert.Equal(t, group.Data.GroupId, groupId)
	assert.Equal(t, group.Data.Name, "sprint 2")
	assert.Equal(t, group.Data.Color, "#3cb44b")

	err = store.Dispatch(nil, UpdateGroup(NewId(), func(group *Group) {}))
	assert.NotEqual(t, err, nil)
}

func TestUpdateStep(t *testing.T) {
	store := NewStore(nil)

	stepId := NewId()
	err := store.Dispatch(nil, CreateStep(StepData{
		StepId: stepId,
		Index:  0,
		Name:   "intro",
	}))
	assert.Equal(t, err, nil)

	err = store.Dispatch(nil, UpdateStep(stepId, func(step *Step) {
		step.Data.Index = 2
		step.Data.Name = "outro"
	}))
	assert.Equal(t, err, nil)
	step := store.State().Steps[stepId]
	assert.Equal(t, step.Data.StepId, stepId)
	assert.Equal(t, step.Data.Index, 2)
	assert.Equal(t, step.Data.Name, "outro")

	err = store.Dispatch(nil, UpdateStep(NewId(), func(step *Step) {}))
	assert.NotEqual(t, err, nil)
}

func TestSetSelectionValidates(t *testing.T) {
	store := NewStore(nil)

	err := store.Dispatch(nil, SetSelection(NewId()))
	assert.NotEqual(t, err, nil)
}

func TestSetModeValidates(t *testing.T) {
	store := NewStore(nil)

	err := store.Dispatch(nil, SetMode(EditMode("slideshow")))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, store.State().Document.Mode, EditModeCanvas)

	err = store.Dispatch(nil, SetMode(EditModeSteps))
	assert.Equal(t, err, nil)
	assert.Equal(t, store.State().Document.Mode, EditModeSteps)
}

func TestIncrementPendingPushesClamps(t *testing.T) {
	store := NewStore(nil)

	err := store.Dispatch(nil, IncrementPendingPushes(2))
	assert.Equal(t, err, nil)
	assert.Equal(t, store.State().Document.PendingPushCount, 2)
	assert.Equal(t, store.State().Saving(), true)

	err = store.Dispatch(nil, IncrementPendingPushes(-5))
	assert.Equal(t, err, nil)
	assert.Equal(t, store.State().Document.PendingPushCount, 0)
	assert.Equal(t, store.State().Saving(), false)
}

func TestCollaboratorCommands(t *testing.T) {
	store := NewStore(nil)

	err := store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		PutCollaborator(&Collaborator{
			PeerId: "peer-1",
			UserId: NewId(),
			Name:   "ada",
			Color:  "#e6194b",
		}),
	)
	assert.Equal(t, err, nil)

	err = store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		SetCollaboratorCursor("peer-1", CursorPosition{X: 3, Y: 4}),
	)
	assert.Equal(t, err, nil)
	cursor := store.State().Document.Collaborators["peer-1"].Cursor
	assert.Equal(t, cursor.X, float64(3))

	// cursor for a departed peer is a silent no-op
	err = store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		SetCollaboratorCursor("peer-2", CursorPosition{X: 1, Y: 1}),
	)
	assert.Equal(t, err, nil)

	err = store.Dispatch(
		&DispatchOptions{Source: SourceServer},
		RemoveCollaborator("peer-1"),
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(store.State().Document.Collaborators), 0)
}
