package board

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

// text marshalling so that `Id` works both as a json value and a json map key

func (self Id) MarshalText() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteString(encodeUuid(self))
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	buf, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the closed set of persisted resource kinds.
// every kind carries its own add/remove/replace replay handler,
// so an unknown collection can never be partially applied.
type ResourceKind int

const (
	ResourceItems ResourceKind = iota
	ResourceConnectors
	ResourceGroups
	ResourceSteps
	ResourceDocument
)

var allResourceKinds = []ResourceKind{
	ResourceItems,
	ResourceConnectors,
	ResourceGroups,
	ResourceSteps,
	ResourceDocument,
}

func (self ResourceKind) Collection() string {
	switch self {
	case ResourceItems:
		return "items"
	case ResourceConnectors:
		return "connectors"
	case ResourceGroups:
		return "groups"
	case ResourceSteps:
		return "steps"
	case ResourceDocument:
		return "document"
	default:
		panic(fmt.Sprintf("Unknown resource kind %d.", int(self)))
	}
}

func (self ResourceKind) String() string {
	return self.Collection()
}

func ResourceKindForCollection(collection string) (ResourceKind, bool) {
	for _, kind := range allResourceKinds {
		if kind.Collection() == collection {
			return kind, true
		}
	}
	return ResourceKind(0), false
}
