package lib

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IDSeparator joins the components of an entity id. The first component is always the account id.
const IDSeparator = "."

var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/creativeprojects/mailsync/task"))

// EscapeIDComponent makes a component safe to join with IDSeparator.
func EscapeIDComponent(component string) string {
	component = strings.ReplaceAll(component, "%", "%25")
	return strings.ReplaceAll(component, IDSeparator, "%2E")
}

func UnescapeIDComponent(component string) string {
	component = strings.ReplaceAll(component, "%2E", IDSeparator)
	return strings.ReplaceAll(component, "%25", "%")
}

// MakeID joins already escaped components.
func MakeID(components ...string) string {
	return strings.Join(components, IDSeparator)
}

// SplitID returns the raw (still escaped) components of an id.
func SplitID(id string) []string {
	return strings.Split(id, IDSeparator)
}

// AccountIDFrom returns the owning account of any entity id.
func AccountIDFrom(id string) string {
	if pos := strings.Index(id, IDSeparator); pos >= 0 {
		return id[:pos]
	}
	return id
}

func AccountID(num uint64) string {
	return strconv.FormatUint(num, 10)
}

func FolderID(accountID string, folderNum uint64) string {
	return MakeID(accountID, strconv.FormatUint(folderNum, 10))
}

// ConversationID builds accountId.convId from an external conversation key.
func ConversationID(accountID, convKey string) string {
	return MakeID(accountID, EscapeIDComponent(convKey))
}

// MessageID builds accountId.convId.msgId.uid.
func MessageID(conversationID, msgKey, uid string) string {
	return MakeID(conversationID, EscapeIDComponent(msgKey), EscapeIDComponent(uid))
}

// ConversationIDFrom returns the conversation part of a message id.
func ConversationIDFrom(messageID string) (string, error) {
	parts := SplitID(messageID)
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: %q is not a message id", ErrMalformedID, messageID)
	}
	return MakeID(parts[0], parts[1]), nil
}

// TaskID derives a deterministic task id: the same key parts always give the same id.
func TaskID(parts ...string) string {
	return uuid.NewSHA1(taskNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

func NewTaskID() string {
	return uuid.NewString()
}
