package board

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Commands for items, connectors, groups, steps and document fields.
// Each command validates against the draft so the tree never holds a
// dangling reference: every id referenced by a selection, group
// membership or step must exist in its map.

func CreateItem(data ItemData) Command {
	return func(draft *State, ctx *CommandContext) error {
		if data.ItemId.IsZero() {
			return fmt.Errorf("item id required")
		}
		if _, ok := draft.Items[data.ItemId]; ok {
			return fmt.Errorf("item %s already exists", data.ItemId)
		}
		if data.GroupId != nil {
			if _, ok := draft.Groups[*data.GroupId]; !ok {
				return fmt.Errorf("group %s does not exist", *data.GroupId)
			}
		}
		draft.Items[data.ItemId] = &Item{
			Data: data,
		}
		return nil
	}
}

func UpdateItem(id Id, mutate func(item *Item)) Command {
	return func(draft *State, ctx *CommandContext) error {
		item, ok := draft.Items[id]
		if !ok {
			return fmt.Errorf("item %s does not exist", id)
		}
		mutate(item)
		item.Data.ItemId = id
		return nil
	}
}

// MergeItemData replaces the item's persisted data object wholesale,
// leaving transient fields untouched.
func MergeItemData(id Id, data ItemData) Command {
	return func(draft *State, ctx *CommandContext) error {
		item, ok := draft.Items[id]
		if !ok {
			return fmt.Errorf("item %s does not exist", id)
		}
		data.ItemId = id
		item.Data = data
		return nil
	}
}

func DeleteItems(ids ...Id) Command {
	return func(draft *State, ctx *CommandContext) error {
		for _, id := range ids {
			if _, ok := draft.Items[id]; !ok {
				continue
			}
			delete(draft.Items, id)
			// cascade so no connector, step or selection dangles
			for connectorId, connector := range draft.Connectors {
				if connector.Data.FromItemId == id || connector.Data.ToItemId == id {
					delete(draft.Connectors, connectorId)
				}
			}
			for stepId, step := range draft.Steps {
				if step.Data.ItemId != nil && *step.Data.ItemId == id {
					delete(draft.Steps, stepId)
				}
			}
			if i := slices.Index(draft.Document.Selection, id); 0 <= i {
				draft.Document.Selection = slices.Delete(slices.Clone(draft.Document.Selection), i, i+1)
			}
		}
		return nil
	}
}

func CreateConnector(data ConnectorData) Command {
	return func(draft *State, ctx *CommandContext) error {
		if data.ConnectorId.IsZero() {
			return fmt.Errorf("connector id required")
		}
		if _, ok := draft.Connectors[data.ConnectorId]; ok {
			return fmt.Errorf("connector %s already exists", data.ConnectorId)
		}
		if _, ok := draft.Items[data.FromItemId]; !ok {
			return fmt.Errorf("item %s does not exist", data.FromItemId)
		}
		if _, ok := draft.Items[data.ToItemId]; !ok {
			return fmt.Errorf("item %s does not exist", data.ToItemId)
		}
		draft.Connectors[data.ConnectorId] = &Connector{
			Data: data,
		}
		return nil
	}
}

func UpdateConnector(id Id, mutate func(connector *Connector)) Command {
	return func(draft *State, ctx *CommandContext) error {
		connector, ok := draft.Connectors[id]
		if !ok {
			return fmt.Errorf("connector %s does not exist", id)
		}
		mutate(connector)
		connector.Data.ConnectorId = id
		return nil
	}
}

func MergeConnectorData(id Id, data ConnectorData) Command {
	return func(draft *State, ctx *CommandContext) error {
		connector, ok := draft.Connectors[id]
		if !ok {
			return fmt.Errorf("connector %s does not exist", id)
		}
		data.ConnectorId = id
		connector.Data = data
		return nil
	}
}

func DeleteConnectors(ids ...Id) Command {
	return func(draft *State, ctx *CommandContext) error {
		for _, id := range ids {
			delete(draft.Connectors, id)
		}
		return nil
	}
}

func CreateGroup(data GroupData) Command {
	return func(draft *State, ctx *CommandContext) error {
		if data.GroupId.IsZero() {
			return fmt.Errorf("group id required")
		}
		if _, ok := draft.Groups[data.GroupId]; ok {
			return fmt.Errorf("group %s already exists", data.GroupId)
		}
		draft.Groups[data.GroupId] = &Group{
			Data: data,
		}
		return nil
	}
}

func UpdateGroup(id Id, mutate func(group *Group)) Command {
	return func(draft *State, ctx *CommandContext) error {
		group, ok := draft.Groups[id]
		if !ok {
			return fmt.Errorf("group %s does not exist", id)
		}
		mutate(group)
		group.Data.GroupId = id
		return nil
	}
}

// DeleteGroups also patches every member item's group reference,
// and removes steps that target the group.
func DeleteGroups(ids ...Id) Command {
	return func(draft *State, ctx *CommandContext) error {
		for _, id := range ids {
			if _, ok := draft.Groups[id]; !ok {
				continue
			}
			delete(draft.Groups, id)
			for _, item := range draft.Items {
				if item.Data.GroupId != nil && *item.Data.GroupId == id {
					item.Data.GroupId = nil
				}
			}
			for stepId, step := range draft.Steps {
				if step.Data.GroupId != nil && *step.Data.GroupId == id {
					delete(draft.Steps, stepId)
				}
			}
		}
		return nil
	}
}

// CreateStep inserts an ordered step. An index below zero appends after
// the current last step.
func CreateStep(data StepData) Command {
	return func(draft *State, ctx *CommandContext) error {
		if data.StepId.IsZero() {
			return fmt.Errorf("step id required")
		}
		if _, ok := draft.Steps[data.StepId]; ok {
			return fmt.Errorf("step %s already exists", data.StepId)
		}
		if data.ItemId != nil {
			if _, ok := draft.Items[*data.ItemId]; !ok {
				return fmt.Errorf("item %s does not exist", *data.ItemId)
			}
		}
		if data.GroupId != nil {
			if _, ok := draft.Groups[*data.GroupId]; !ok {
				return fmt.Errorf("group %s does not exist", *data.GroupId)
			}
		}
		if data.Index < 0 {
			next := 0
			for _, step := range draft.Steps {
				if next <= step.Data.Index {
					next = step.Data.Index + 1
				}
			}
			data.Index = next
		}
		draft.Steps[data.StepId] = &Step{
			Data: data,
		}
		return nil
	}
}

func UpdateStep(id Id, mutate func(step *Step)) Command {
	return func(draft *State, ctx *CommandContext) error {
		step, ok := draft.Steps[id]
		if !ok {
			return fmt.Errorf("step %s does not exist", id)
		}
		mutate(step)
		step.Data.StepId = id
		return nil
	}
}

func DeleteSteps(ids ...Id) Command {
	return func(draft *State, ctx *CommandContext) error {
		for _, id := range ids {
			delete(draft.Steps, id)
		}
		return nil
	}
}

func SetTitle(title string) Command {
	return func(draft *State, ctx *CommandContext) error {
		draft.Document.Data.Title = title
		return nil
	}
}

func SetTheme(theme string) Command {
	return func(draft *State, ctx *CommandContext) error {
		draft.Document.Data.Theme = theme
		return nil
	}
}

func SetBackground(background string) Command {
	return func(draft *State, ctx *CommandContext) error {
		draft.Document.Data.Background = background
		return nil
	}
}

func SetSelection(ids ...Id) Command {
	return func(draft *State, ctx *CommandContext) error {
		for _, id := range ids {
			if _, ok := draft.Items[id]; !ok {
				return fmt.Errorf("item %s does not exist", id)
			}
		}
		draft.Document.Selection = slices.Clone(ids)
		return nil
	}
}

func SetViewport(viewport Viewport) Command {
	return func(draft *State, ctx *CommandContext) error {
		draft.Document.Viewport = viewport
		return nil
	}
}

func SetMode(mode EditMode) Command {
	return func(draft *State, ctx *CommandContext) error {
		switch mode {
		case EditModeCanvas, EditModeSteps:
		default:
			return fmt.Errorf("unknown edit mode %q", mode)
		}
		draft.Document.Mode = mode
		return nil
	}
}

func IncrementPendingPushes(delta int) Command {
	return func(draft *State, ctx *CommandContext) error {
		next := draft.Document.PendingPushCount + delta
		if next < 0 {
			next = 0
		}
		draft.Document.PendingPushCount = next
		return nil
	}
}

func PutCollaborator(collaborator *Collaborator) Command {
	return func(draft *State, ctx *CommandContext) error {
		if collaborator.PeerId == "" {
			return fmt.Errorf("peer id required")
		}
		if draft.Document.Collaborators == nil {
			draft.Document.Collaborators = map[string]*Collaborator{}
		}
		draft.Document.Collaborators[collaborator.PeerId] = collaborator
		return nil
	}
}

// SetCollaboratorCursor is a no-op when the collaborator is gone.
// A cursor update racing a departure is inconsequential.
func SetCollaboratorCursor(peerId string, cursor CursorPosition) Command {
	return func(draft *State, ctx *CommandContext) error {
		collaborator, ok := draft.Document.Collaborators[peerId]
		if !ok {
			return nil
		}
		collaborator.Cursor = &cursor
		return nil
	}
}

func RemoveCollaborator(peerId string) Command {
	return func(draft *State, ctx *CommandContext) error {
		delete(draft.Document.Collaborators, peerId)
		return nil
	}
}

// ApplyPatches mutates the draft by applying a patch batch in order.
// Undo and redo dispatch their entries through this command, and remote
// sub-entity edits replay through it.
func ApplyPatches(patches []Patch) Command {
	return func(draft *State, ctx *CommandContext) error {
		return applyPatches(draft, patches)
	}
}
