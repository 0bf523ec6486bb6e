package mailbox

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	EmptyMessageID MessageID
)

// MessageID is either an IMAP uid or a maildir key.
type MessageID struct {
	uid uint32
	key string
}

func NewMessageIDFromUint(uid uint32) MessageID {
	return MessageID{
		uid: uid,
	}
}

func NewMessageIDFromString(key string) MessageID {
	return MessageID{
		key: key,
	}
}

func (i MessageID) IsZero() bool {
	return i.uid == 0 && i.key == ""
}

func (i MessageID) IsUint() bool {
	return i.uid > 0
}

func (i MessageID) IsString() bool {
	return i.key != ""
}

func (i MessageID) AsUint() uint32 {
	return i.uid
}

func (i MessageID) AsString() string {
	return i.key
}

func (i MessageID) String() string {
	if i.IsUint() {
		return strconv.FormatUint(uint64(i.uid), 10)
	}
	return i.key
}

// MarshalText keeps the kind of id: "u:<uid>" or "k:<key>".
func (i MessageID) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return []byte{}, nil
	}
	if i.IsUint() {
		return []byte("u:" + strconv.FormatUint(uint64(i.uid), 10)), nil
	}
	return []byte("k:" + i.key), nil
}

func (i *MessageID) UnmarshalText(text []byte) error {
	value := string(text)
	switch {
	case value == "":
		*i = EmptyMessageID
	case strings.HasPrefix(value, "u:"):
		uid, err := strconv.ParseUint(value[2:], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid message uid %q: %w", value, err)
		}
		*i = NewMessageIDFromUint(uint32(uid))
	case strings.HasPrefix(value, "k:"):
		*i = NewMessageIDFromString(value[2:])
	default:
		return fmt.Errorf("invalid message id %q", value)
	}
	return nil
}
