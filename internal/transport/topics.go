package transport

import (
	"fmt"
	"strings"
)

// Kind is the last topic segment of a device message.
type Kind string

// Inbound kinds (device to cloud).
const (
	KindData   Kind = "data"
	KindStatus Kind = "status"
	KindSync   Kind = "sync"
	KindUpdate Kind = "update"
)

// Outbound kinds (cloud to device).
const (
	KindCommand  Kind = "command"
	KindSettings Kind = "settings"
)

// InboundKinds lists every kind the gateway subscribes to.
var InboundKinds = []Kind{KindData, KindStatus, KindSync, KindUpdate}

// Topics builds and parses "{prefix}/{serial}/{kind}" topics.
type Topics struct {
	Prefix string
}

// NewTopics defaults an empty prefix to "garden".
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "garden"
	}
	return Topics{Prefix: prefix}
}

func (t Topics) topic(serial string, k Kind) string {
	return t.Prefix + "/" + serial + "/" + string(k)
}

// Command is where commands and sync replies go.
func (t Topics) Command(serial string) string { return t.topic(serial, KindCommand) }

// Settings is where threshold bags go.
func (t Topics) Settings(serial string) string { return t.topic(serial, KindSettings) }

// Inbound returns one wildcard subscription per inbound kind. Outbound
// kinds are left out so the hub never hears its own publishes.
func (t Topics) Inbound() []string {
	out := make([]string, 0, len(InboundKinds))
	for _, k := range InboundKinds {
		out = append(out, t.Prefix+"/+/"+string(k))
	}
	return out
}

// Parse splits an inbound topic into serial and kind.
func (t Topics) Parse(topic string) (serial string, kind Kind, err error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("topic %q outside prefix %q", topic, t.Prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("malformed topic %q", topic)
	}
	kind = Kind(parts[1])
	switch kind {
	case KindData, KindStatus, KindSync, KindUpdate:
	default:
		return "", "", fmt.Errorf("topic %q: unsupported kind %q", topic, parts[1])
	}
	return parts[0], kind, nil
}
