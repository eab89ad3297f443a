package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PresenceSettings struct {
	// outgoing cursor broadcasts are throttled to at most one per
	// interval. dropped updates are not resent.
	MinCursorInterval time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		MinCursorInterval: 50 * time.Millisecond,
	}
}

var CollaboratorColorPalette = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#fabebe",
}

type UserIdentity struct {
	UserId Id
	Name   string
}

const (
	presenceMessageHello  = "hello"
	presenceMessageCursor = "cursor"
)

// the peer channel message contract: a tagged union of exactly two
// message kinds
type presenceMessage struct {
	Type   string  `json:"type"`
	UserId *Id     `json:"user_id,omitempty"`
	Name   string  `json:"name,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// The presence channel carries only ephemeral, non-persisted peer
// messages: identity announcements and live cursor positions. It lives
// fully outside the patch and undo systems; collaborator state is
// transient document state that no sanitizer lets through.
type PresenceChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     *Store
	transport *SignalTransport
	identity  *UserIdentity

	settings *PresenceSettings

	unsubPeer func()

	sendLock       sync.Mutex
	lastCursorTime time.Time
}

func NewPresenceChannelWithDefaults(
	ctx context.Context,
	store *Store,
	transport *SignalTransport,
	identity *UserIdentity,
) *PresenceChannel {
	return NewPresenceChannel(ctx, store, transport, identity, DefaultPresenceSettings())
}

func NewPresenceChannel(
	ctx context.Context,
	store *Store,
	transport *SignalTransport,
	identity *UserIdentity,
	settings *PresenceSettings,
) *PresenceChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	presence := &PresenceChannel{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		transport: transport,
		identity:  identity,
		settings:  settings,
	}
	presence.unsubPeer = transport.AddPeerCallback(presence.onPeerEvent)
	return presence
}

func (self *PresenceChannel) onPeerEvent(event *PeerEvent) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	switch event.Type {
	case PeerEventOpen:
		// announce the local identity to the new peer
		self.transport.SendToPeer(event.PeerId, &presenceMessage{
			Type:   presenceMessageHello,
			UserId: &self.identity.UserId,
			Name:   self.identity.Name,
		})
	case PeerEventClose:
		self.store.Dispatch(
			&DispatchOptions{Source: SourceServer},
			RemoveCollaborator(event.PeerId),
		)
		glog.V(2).Infof("[presence]close %s\n", event.PeerId)
	case PeerEventMessage:
		var message presenceMessage
		if err := json.Unmarshal(event.Message, &message); err != nil {
			glog.Infof("[presence]bad message %s = %s\n", event.PeerId, err)
			return
		}
		self.handleMessage(event.PeerId, &message)
	}
}

func (self *PresenceChannel) handleMessage(peerId string, message *presenceMessage) {
	switch message.Type {
	case presenceMessageHello:
		userId := Id{}
		if message.UserId != nil {
			userId = *message.UserId
		}
		name := message.Name
		self.store.Dispatch(
			&DispatchOptions{Source: SourceServer},
			addCollaborator(peerId, userId, name),
		)
		glog.V(2).Infof("[presence]hello %s %s\n", peerId, name)
	case presenceMessageCursor:
		// silently ignored when the collaborator record is gone
		self.store.Dispatch(
			&DispatchOptions{Source: SourceServer},
			SetCollaboratorCursor(peerId, CursorPosition{
				X: message.X,
				Y: message.Y,
			}),
		)
	default:
		glog.Infof("[presence]unknown message type %q from %s\n", message.Type, peerId)
	}
}

// addCollaborator assigns a palette color not already in use. a
// repeated announcement keeps the collaborator's existing color.
func addCollaborator(peerId string, userId Id, name string) Command {
	return func(draft *State, ctx *CommandContext) error {
		if peerId == "" {
			return fmt.Errorf("peer id required")
		}
		if draft.Document.Collaborators == nil {
			draft.Document.Collaborators = map[string]*Collaborator{}
		}
		if existing, ok := draft.Document.Collaborators[peerId]; ok {
			existing.UserId = userId
			existing.Name = name
			return nil
		}
		inUse := map[string]bool{}
		for _, collaborator := range draft.Document.Collaborators {
			inUse[collaborator.Color] = true
		}
		color := CollaboratorColorPalette[len(draft.Document.Collaborators)%len(CollaboratorColorPalette)]
		for _, paletteColor := range CollaboratorColorPalette {
			if !inUse[paletteColor] {
				color = paletteColor
				break
			}
		}
		draft.Document.Collaborators[peerId] = &Collaborator{
			PeerId: peerId,
			UserId: userId,
			Name:   name,
			Color:  color,
		}
		return nil
	}
}

// SetLocalCursor broadcasts the local pointer position to all peers,
// throttled to the minimum interval. Drops are silent: cursor updates
// are never queued, acknowledged, or retried.
func (self *PresenceChannel) SetLocalCursor(x float64, y float64) {
	self.sendLock.Lock()
	now := time.Now()
	if now.Sub(self.lastCursorTime) < self.settings.MinCursorInterval {
		self.sendLock.Unlock()
		return
	}
	self.lastCursorTime = now
	self.sendLock.Unlock()

	self.transport.SendToPeer("", &presenceMessage{
		Type: presenceMessageCursor,
		X:    x,
		Y:    y,
	})
}

func (self *PresenceChannel) Close() {
	self.cancel()
	if self.unsubPeer != nil {
		self.unsubPeer()
		self.unsubPeer = nil
	}
}
