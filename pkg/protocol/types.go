package protocol

import "strings"

// Kind is the category of a Message
type Kind uint8

// Message kinds. The wire name of each kind is its uppercase identifier.
const (
	KindBroadcast Kind = iota
	KindPrivate
	KindSystem
	KindFile
	KindUserList
	KindJoin
	KindLeave
	KindError
	KindPrivateRequest
	KindPrivateAccept
)

var kindNames = [...]string{
	KindBroadcast:      "BROADCAST",
	KindPrivate:        "PRIVATE",
	KindSystem:         "SYSTEM",
	KindFile:           "FILE",
	KindUserList:       "USER_LIST",
	KindJoin:           "JOIN",
	KindLeave:          "LEAVE",
	KindError:          "ERROR",
	KindPrivateRequest: "PRIVATE_REQUEST",
	KindPrivateAccept:  "PRIVATE_ACCEPT",
}

// AllKinds lists every declared kind in wire order
var AllKinds = []Kind{
	KindBroadcast,
	KindPrivate,
	KindSystem,
	KindFile,
	KindUserList,
	KindJoin,
	KindLeave,
	KindError,
	KindPrivateRequest,
	KindPrivateAccept,
}

// String returns the wire name of the kind
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Directed reports whether messages of this kind must name a recipient
func (k Kind) Directed() bool {
	return k == KindPrivate || k == KindFile || k == KindPrivateRequest
}

// ParseKind looks up a kind by wire name, ignoring case
func ParseKind(s string) (Kind, bool) {
	upper := strings.ToUpper(s)
	for i, name := range kindNames {
		if name == upper {
			return Kind(i), true
		}
	}
	return KindBroadcast, false
}
