package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SignalTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultSignalTransportSettings() *SignalTransportSettings {
	return &SignalTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

type SignalAuth struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version"`
}

func (self *SignalAuth) UserId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.UserId, nil
}

type SignalEnvelopeType string

const (
	SignalEnvelopePatches     SignalEnvelopeType = "patches"
	SignalEnvelopePeerOpen    SignalEnvelopeType = "peer_open"
	SignalEnvelopePeerClose   SignalEnvelopeType = "peer_close"
	SignalEnvelopePeerMessage SignalEnvelopeType = "peer_message"
)

type SignalEnvelope struct {
	Type    SignalEnvelopeType `json:"type"`
	PeerId  string             `json:"peer_id,omitempty"`
	Patches []Patch            `json:"patches,omitempty"`
	Message json.RawMessage    `json:"message,omitempty"`
}

type RemotePatchFunction func(patches []Patch)

type PeerEventType string

const (
	PeerEventOpen    PeerEventType = "open"
	PeerEventClose   PeerEventType = "close"
	PeerEventMessage PeerEventType = "message"
)

type PeerEvent struct {
	Type    PeerEventType
	PeerId  string
	Message json.RawMessage
}

type PeerEventFunction func(event *PeerEvent)

// The signal transport is one websocket session to the board sync
// endpoint. It carries the server's authoritative patch broadcasts and
// the per-collaborator peer envelopes used for ephemeral presence.
// The session authenticates with the by jwt and reconnects forever
// until closed.
type SignalTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	syncUrl string
	auth    *SignalAuth

	settings *SignalTransportSettings

	send chan []byte

	patchCallbacks *CallbackList[RemotePatchFunction]
	peerCallbacks  *CallbackList[PeerEventFunction]
}

func NewSignalTransportWithDefaults(
	ctx context.Context,
	syncUrl string,
	auth *SignalAuth,
) *SignalTransport {
	return NewSignalTransport(ctx, syncUrl, auth, DefaultSignalTransportSettings())
}

func NewSignalTransport(
	ctx context.Context,
	syncUrl string,
	auth *SignalAuth,
	settings *SignalTransportSettings,
) *SignalTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &SignalTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		syncUrl:        syncUrl,
		auth:           auth,
		settings:       settings,
		send:           make(chan []byte, settings.SendBufferSize),
		patchCallbacks: NewCallbackList[RemotePatchFunction](),
		peerCallbacks:  NewCallbackList[PeerEventFunction](),
	}
	go transport.run()
	return transport
}

func (self *SignalTransport) AddPatchCallback(patchCallback RemotePatchFunction) func() {
	callbackId := self.patchCallbacks.Add(patchCallback)
	return func() {
		self.patchCallbacks.Remove(callbackId)
	}
}

func (self *SignalTransport) AddPeerCallback(peerCallback PeerEventFunction) func() {
	callbackId := self.peerCallbacks.Add(peerCallback)
	return func() {
		self.peerCallbacks.Remove(callbackId)
	}
}

// SendToPeer emits a best-effort peer envelope. An empty peer id
// broadcasts to all collaborators on the board. Messages are never
// queued beyond the send buffer, acknowledged, or retried.
func (self *SignalTransport) SendToPeer(peerId string, message any) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	envelopeBytes, err := json.Marshal(&SignalEnvelope{
		Type:    SignalEnvelopePeerMessage,
		PeerId:  peerId,
		Message: messageBytes,
	})
	if err != nil {
		return err
	}
	select {
	case self.send <- envelopeBytes:
		return nil
	default:
		// best effort. a dropped presence message is inconsequential.
		glog.V(2).Infof("[ts]drop peer message ->%s\n", peerId)
		return nil
	}
}

func (self *SignalTransport) run() {
	defer self.cancel()

	userId, _ := self.auth.UserId()

	authBytes, err := json.Marshal(self.auth)
	if err != nil {
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.syncUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ts]auth error %s = %s\n", userId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[ts]%s-> error = %s\n", userId, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", userId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", userId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[tr]ping %s<-\n", userId)
							continue
						}

						var envelope SignalEnvelope
						if err := json.Unmarshal(message, &envelope); err != nil {
							glog.Infof("[tr]bad envelope %s<- = %s\n", userId, err)
							continue
						}
						self.handle(&envelope)
						glog.V(2).Infof("[tr]%s<- %s\n", userId, envelope.Type)
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, userId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		c()
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SignalTransport) handle(envelope *SignalEnvelope) {
	switch envelope.Type {
	case SignalEnvelopePatches:
		for _, patchCallback := range self.patchCallbacks.Get() {
			patchCallback(envelope.Patches)
		}
	case SignalEnvelopePeerOpen, SignalEnvelopePeerClose, SignalEnvelopePeerMessage:
		eventType := PeerEventOpen
		switch envelope.Type {
		case SignalEnvelopePeerClose:
			eventType = PeerEventClose
		case SignalEnvelopePeerMessage:
			eventType = PeerEventMessage
		}
		event := &PeerEvent{
			Type:    eventType,
			PeerId:  envelope.PeerId,
			Message: envelope.Message,
		}
		for _, peerCallback := range self.peerCallbacks.Get() {
			peerCallback(event)
		}
	default:
		glog.V(2).Infof("[tr]unknown envelope type %s\n", envelope.Type)
	}
}

func (self *SignalTransport) Close() {
	self.cancel()
}
