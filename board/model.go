package board

import (
	"strings"

	"github.com/brunoga/deep"
)

// The state tree is the full document view-model. Persisted fields live in
// the `Data` object of each entry; everything beside `Data` is transient
// UI state that never reaches the repository or the undo stacks.
//
// Entities reference each other by id only (group membership via
// `ItemData.GroupId`, step targets via `StepData.ItemId`/`GroupId`), so
// deletion invalidation is an existence check in the id maps.

type ItemKind string

const (
	ItemKindNote  ItemKind = "note"
	ItemKindShape ItemKind = "shape"
	ItemKindText  ItemKind = "text"
	ItemKindImage ItemKind = "image"
)

// a source url with this scheme refers to a session-local blob
// that has not been uploaded yet
const LocalBlobScheme = "blob:"

type ItemData struct {
	ItemId  Id       `json:"item_id"`
	Kind    ItemKind `json:"kind"`
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Width   float64  `json:"width"`
	Height  float64  `json:"height"`
	Z       int      `json:"z"`
	Text    string   `json:"text,omitempty"`
	Color   string   `json:"color,omitempty"`
	Src     string   `json:"src,omitempty"`
	GroupId *Id      `json:"group_id,omitempty"`
}

func (self *ItemData) HasLocalBlobSrc() bool {
	return self.Kind == ItemKindImage && strings.HasPrefix(self.Src, LocalBlobScheme)
}

type DragState struct {
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
	DeltaX  float64 `json:"delta_x"`
	DeltaY  float64 `json:"delta_y"`
}

type ResizeState struct {
	Handle string  `json:"handle"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Item struct {
	Data ItemData `json:"data"`

	// transient
	Drag    *DragState   `json:"drag,omitempty"`
	Resize  *ResizeState `json:"resize,omitempty"`
	Preview *ItemData    `json:"preview,omitempty"`
}

type ConnectorData struct {
	ConnectorId Id     `json:"connector_id"`
	FromItemId  Id     `json:"from_item_id"`
	ToItemId    Id     `json:"to_item_id"`
	Kind        string `json:"kind,omitempty"`
	Color       string `json:"color,omitempty"`
	Label       string `json:"label,omitempty"`
}

type Connector struct {
	Data ConnectorData `json:"data"`

	// transient
	Preview *ConnectorData `json:"preview,omitempty"`
}

type GroupData struct {
	GroupId Id     `json:"group_id"`
	Name    string `json:"name,omitempty"`
	Color   string `json:"color,omitempty"`
}

type Group struct {
	Data GroupData `json:"data"`
}

type StepData struct {
	StepId  Id     `json:"step_id"`
	Index   int    `json:"index"`
	ItemId  *Id    `json:"item_id,omitempty"`
	GroupId *Id    `json:"group_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type Step struct {
	Data StepData `json:"data"`
}

type DocumentData struct {
	Title      string `json:"title"`
	Theme      string `json:"theme,omitempty"`
	Background string `json:"background,omitempty"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

type EditMode string

const (
	EditModeCanvas EditMode = "canvas"
	EditModeSteps  EditMode = "steps"
)

type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ephemeral. created on peer channel open, destroyed on close.
// never persisted, never part of the undo system.
type Collaborator struct {
	PeerId string          `json:"peer_id"`
	UserId Id              `json:"user_id"`
	Name   string          `json:"name"`
	Color  string          `json:"color"`
	Cursor *CursorPosition `json:"cursor,omitempty"`
}

type Document struct {
	Data DocumentData `json:"data"`

	// transient
	Selection        []Id                     `json:"selection,omitempty"`
	Viewport         Viewport                 `json:"viewport"`
	Mode             EditMode                 `json:"mode"`
	PendingPushCount int                      `json:"pending_push_count"`
	Collaborators    map[string]*Collaborator `json:"collaborators,omitempty"`
}

type State struct {
	Items      map[Id]*Item      `json:"items"`
	Connectors map[Id]*Connector `json:"connectors"`
	Groups     map[Id]*Group     `json:"groups"`
	Steps      map[Id]*Step      `json:"steps"`
	Document   *Document         `json:"document"`
}

func NewState() *State {
	return &State{
		Items:      map[Id]*Item{},
		Connectors: map[Id]*Connector{},
		Groups:     map[Id]*Group{},
		Steps:      map[Id]*Step{},
		Document: &Document{
			Mode: EditModeCanvas,
		},
	}
}

func (self *State) Copy() *State {
	return deep.MustCopy(self)
}

func (self *State) Saving() bool {
	return 0 < self.Document.PendingPushCount
}

// existence check used by undo applicability and command validation
func (self *State) HasResource(kind ResourceKind, id Id) bool {
	switch kind {
	case ResourceItems:
		_, ok := self.Items[id]
		return ok
	case ResourceConnectors:
		_, ok := self.Connectors[id]
		return ok
	case ResourceGroups:
		_, ok := self.Groups[id]
		return ok
	case ResourceSteps:
		_, ok := self.Steps[id]
		return ok
	case ResourceDocument:
		return true
	default:
		return false
	}
}

// the canonical, server-synchronized mirror of the persisted resources.
// no transient view-model fields.
type RepositoryState struct {
	Items      map[Id]*ItemData      `json:"items"`
	Connectors map[Id]*ConnectorData `json:"connectors"`
	Groups     map[Id]*GroupData     `json:"groups"`
	Steps      map[Id]*StepData      `json:"steps"`
	Document   *DocumentData         `json:"document"`
}

func NewRepositoryState() *RepositoryState {
	return &RepositoryState{
		Items:      map[Id]*ItemData{},
		Connectors: map[Id]*ConnectorData{},
		Groups:     map[Id]*GroupData{},
		Steps:      map[Id]*StepData{},
		Document:   &DocumentData{},
	}
}

func (self *RepositoryState) Copy() *RepositoryState {
	return deep.MustCopy(self)
}
