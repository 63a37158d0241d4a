// Package joplin implements the serialized note format mirrored into item
// rows: the jop_* metadata columns are extracted here so queries never have
// to deserialize content.
package joplin

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ItemType is the embedded entity type carried in the type_ property
type ItemType int

const (
	TypeNote     ItemType = 1
	TypeFolder   ItemType = 2
	TypeResource ItemType = 4
)

// Item is a deserialized note, folder or resource-metadata entity
type Item struct {
	ID                string
	ParentID          string
	ShareID           string
	Type              ItemType
	EncryptionApplied int
	UpdatedTime       int64 // unix milliseconds
	Title             string
	Body              string

	// Props holds every remaining serialized property verbatim, so a
	// round trip preserves fields this package does not model.
	Props map[string]string
}

var (
	itemNameRegex     = regexp.MustCompile(`^[0-9a-zA-Z]{32}\.md$`)
	extractNameRegex  = regexp.MustCompile(`^root:/(.*):$`)
	resourceLinkRegex = regexp.MustCompile(`\(:/([0-9a-fA-F]{32})\)|":/([0-9a-fA-F]{32})"`)
)

const resourceBlobDir = ".resource/"

// IsItemName reports whether name is a serialized entity ("<32 hex>.md")
func IsItemName(name string) bool {
	return itemNameRegex.MatchString(name)
}

// IsResourceBlobPath reports whether name is a resource blob (".resource/<id>")
func IsResourceBlobPath(name string) bool {
	return strings.HasPrefix(name, resourceBlobDir)
}

// ResourceBlobPath returns the item name under which a resource's binary
// content is stored
func ResourceBlobPath(resourceID string) string {
	return resourceBlobDir + resourceID
}

// PathToName strips the "root:/...:" wrapping used by the sync protocol.
// "root" itself maps to the empty name.
func PathToName(path string) string {
	if path == "root" {
		return ""
	}
	if m := extractNameRegex.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	return path
}

// EntityIDFromName returns the embedded entity id for a serialized item
// name ("<id>.md" -> "<id>"), or "" if the name is not one.
func EntityIDFromName(name string) string {
	if !IsItemName(name) {
		return ""
	}
	return strings.TrimSuffix(name, ".md")
}

// LinkedResourceIDs extracts the resource ids referenced from a note body,
// in markdown links "(:/id)" and HTML attributes `":/id"`.
func LinkedResourceIDs(body string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range resourceLinkRegex.FindAllStringSubmatch(body, -1) {
		id := m[1]
		if id == "" {
			id = m[2]
		}
		id = strings.ToLower(id)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// MimeFromName guesses a mime type from the item name's extension
func MimeFromName(name string) string {
	return mime.TypeByExtension(filepath.Ext(name))
}

const timeFormat = "2006-01-02T15:04:05.000Z"

// Unserialize parses serialized item content: title line, blank line, body
// (notes only), blank line, then "key: value" property lines.
func Unserialize(content []byte) (*Item, error) {
	lines := strings.Split(string(content), "\n")

	props := make(map[string]string)
	var body []string

	readingProps := true
	for i := len(lines) - 1; i >= 0; i-- {
		if readingProps {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				readingProps = false
				continue
			}
			p := strings.Index(line, ":")
			if p < 0 {
				return nil, fmt.Errorf("invalid property format: %q", line)
			}
			props[strings.TrimSpace(line[:p])] = strings.TrimSpace(line[p+1:])
		} else {
			body = append([]string{lines[i]}, body...)
		}
	}

	if len(body) < 3 {
		return nil, fmt.Errorf("invalid body size: %d", len(body))
	}

	typeStr, ok := props["type_"]
	if !ok {
		return nil, fmt.Errorf("missing required property: type_")
	}
	typeNum, err := strconv.Atoi(typeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid type_: %q", typeStr)
	}

	item := &Item{
		Type:  ItemType(typeNum),
		Title: body[0],
		Props: props,
	}

	// body[0] is the title, body[1] the blank separator; the blank line
	// before the property block was consumed as the state flip above.
	if item.Type == TypeNote {
		item.Body = strings.Join(body[2:], "\n")
	}

	item.ID = takeProp(props, "id")
	item.ParentID = takeProp(props, "parent_id")
	item.ShareID = takeProp(props, "share_id")
	delete(props, "type_")

	if v := takeProp(props, "encryption_applied"); v != "" {
		if item.EncryptionApplied, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid encryption_applied: %q", v)
		}
	}

	if v := takeProp(props, "updated_time"); v != "" {
		t, err := time.Parse(timeFormat, v)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_time: %q", v)
		}
		item.UpdatedTime = t.UnixMilli()
	}

	return item, nil
}

func takeProp(props map[string]string, key string) string {
	v := props[key]
	delete(props, key)
	return v
}

// Serialize is the inverse of Unserialize
func (it *Item) Serialize() []byte {
	var sb strings.Builder

	sb.WriteString(it.Title)
	sb.WriteString("\n\n")
	if it.Type == TypeNote {
		sb.WriteString(it.Body)
	}
	sb.WriteString("\n\n")

	writeProp := func(key, value string) {
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\n")
	}

	writeProp("id", it.ID)
	writeProp("parent_id", it.ParentID)
	writeProp("share_id", it.ShareID)
	for _, key := range sortedKeys(it.Props) {
		writeProp(key, it.Props[key])
	}
	writeProp("encryption_applied", strconv.Itoa(it.EncryptionApplied))
	if it.UpdatedTime != 0 {
		writeProp("updated_time", time.UnixMilli(it.UpdatedTime).UTC().Format(timeFormat))
	} else {
		writeProp("updated_time", "")
	}
	writeProp("type_", strconv.Itoa(int(it.Type)))

	out := sb.String()
	return []byte(strings.TrimSuffix(out, "\n"))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
