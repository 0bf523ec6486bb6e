package mailbox

import (
	"strings"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
)

// PathDelimiter separates the components of a canonical folder path.
const PathDelimiter = "/"

// Special-use attributes (RFC 6154) and the standard LIST attributes we care about.
const (
	AttrNoSelect = "\\Noselect"
	AttrAll      = "\\All"
	AttrArchive  = "\\Archive"
	AttrDrafts   = "\\Drafts"
	AttrJunk     = "\\Junk"
	AttrSent     = "\\Sent"
	AttrTrash    = "\\Trash"
)

type Info struct {
	// The server's path separator.
	Delimiter string
	// The mailbox name.
	Name string
	// The mailbox attributes, as reported by the server.
	Attributes []string
}

func ChangeDelimiter(info Info, delimiter string) Info {
	return Info{
		Delimiter:  delimiter,
		Name:       lib.VerifyDelimiter(info.Name, info.Delimiter, delimiter),
		Attributes: info.Attributes,
	}
}

func (i Info) HasAttribute(attribute string) bool {
	for _, attr := range i.Attributes {
		if strings.EqualFold(attr, attribute) {
			return true
		}
	}
	return false
}

// Selectable is false for the folders only holding other folders.
func (i Info) Selectable() bool {
	return !i.HasAttribute(AttrNoSelect)
}

// Folder is the canonical shape of a server folder, before it gets a local id.
type Folder struct {
	ServerPath string
	Delimiter  string
	Name       string
	Path       string
	ParentPath string
	Depth      int
	Type       entity.FolderType
}

// Normalize maps a server folder to its canonical shape: "/" separated path, depth and type.
func Normalize(info Info) Folder {
	canonical := ChangeDelimiter(info, PathDelimiter)
	path := strings.Trim(canonical.Name, PathDelimiter)
	folder := Folder{
		ServerPath: info.Name,
		Delimiter:  info.Delimiter,
		Name:       path,
		Path:       path,
	}
	separators := separatorPositions(path)
	if len(separators) > 0 {
		pos := separators[len(separators)-1]
		folder.Name = path[pos+1:]
		folder.ParentPath = path[:pos]
		folder.Depth = len(separators)
	}
	folder.Type = FolderType(info, folder.Name, folder.Depth)
	return folder
}

// separatorPositions ignores the escaped delimiters.
func separatorPositions(path string) []int {
	positions := make([]int, 0)
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' {
			i++
			continue
		}
		if path[i] == PathDelimiter[0] {
			positions = append(positions, i)
		}
	}
	return positions
}

var typesByAttribute = []struct {
	attribute  string
	folderType entity.FolderType
}{
	{AttrSent, entity.FolderSent},
	{AttrDrafts, entity.FolderDrafts},
	{AttrTrash, entity.FolderTrash},
	{AttrJunk, entity.FolderJunk},
	{AttrArchive, entity.FolderArchive},
	{AttrAll, entity.FolderArchive},
}

var typesByName = map[string]entity.FolderType{
	"inbox":         entity.FolderInbox,
	"sent":          entity.FolderSent,
	"sent items":    entity.FolderSent,
	"sent messages": entity.FolderSent,
	"drafts":        entity.FolderDrafts,
	"trash":         entity.FolderTrash,
	"deleted items": entity.FolderTrash,
	"junk":          entity.FolderJunk,
	"spam":          entity.FolderJunk,
	"archive":       entity.FolderArchive,
}

// FolderType guesses the type of a folder: special-use attributes first, then well known names.
// Only top level folders are typed by name, except for the inbox children.
func FolderType(info Info, name string, depth int) entity.FolderType {
	for _, candidate := range typesByAttribute {
		if info.HasAttribute(candidate.attribute) {
			return candidate.folderType
		}
	}
	if depth > 0 {
		return entity.FolderNormal
	}
	if folderType, ok := typesByName[strings.ToLower(name)]; ok {
		return folderType
	}
	return entity.FolderNormal
}
