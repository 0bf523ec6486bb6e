package entity

import (
	"sort"
	"time"
)

// Message ids are accountId.convId.msgId.uid. A message belongs to exactly one conversation
// and to one or more folders.
type Message struct {
	ID        string
	FolderIDs []string
	Date      time.Time
	Flags     []string
	Subject   string
	Author    string
	Snippet   string
	BodyRefs  []string
}

func (m *Message) Clone() *Message {
	clone := *m
	clone.FolderIDs = append([]string(nil), m.FolderIDs...)
	clone.Flags = append([]string(nil), m.Flags...)
	clone.BodyRefs = append([]string(nil), m.BodyRefs...)
	return &clone
}

func (m *Message) InFolder(folderID string) bool {
	index := sort.SearchStrings(m.FolderIDs, folderID)
	return index < len(m.FolderIDs) && m.FolderIDs[index] == folderID
}

// AddFolder keeps FolderIDs sorted and unique.
func (m *Message) AddFolder(folderID string) bool {
	index := sort.SearchStrings(m.FolderIDs, folderID)
	if index < len(m.FolderIDs) && m.FolderIDs[index] == folderID {
		return false
	}
	m.FolderIDs = append(m.FolderIDs, "")
	copy(m.FolderIDs[index+1:], m.FolderIDs[index:])
	m.FolderIDs[index] = folderID
	return true
}

func (m *Message) RemoveFolder(folderID string) bool {
	index := sort.SearchStrings(m.FolderIDs, folderID)
	if index >= len(m.FolderIDs) || m.FolderIDs[index] != folderID {
		return false
	}
	m.FolderIDs = append(m.FolderIDs[:index], m.FolderIDs[index+1:]...)
	return true
}

func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// FolderDiff returns the folders present in after but not in before, and the ones removed.
func FolderDiff(before, after []string) (added, removed []string) {
	set := make(map[string]bool, len(before))
	for _, id := range before {
		set[id] = true
	}
	for _, id := range after {
		if set[id] {
			delete(set, id)
			continue
		}
		added = append(added, id)
	}
	for _, id := range before {
		if set[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
