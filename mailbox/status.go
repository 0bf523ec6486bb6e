package mailbox

// Status is what the server tells about a folder when it gets selected.
type Status struct {
	Name     string
	Messages uint32
	// UidValidity changes when the server renumbered the folder
	UidValidity uint32
	// UidNext is the uid the next message will get, 0 when the server doesn't say
	UidNext uint32
}

// SameGeneration is false when the server renumbered the folder: every cursor is invalid.
func (s Status) SameGeneration(uidValidity uint32) bool {
	return uidValidity == 0 || s.UidValidity == uidValidity
}

// Unchanged is true when no message arrived after highestUID and none of the known ones left.
// Flag changes are not covered.
func (s Status) Unchanged(highestUID uint32, known int) bool {
	if s.UidNext == 0 {
		return false
	}
	return s.UidNext <= highestUID+1 && int(s.Messages) == known
}
