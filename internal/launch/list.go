package launch

import "strings"

// List is an ordered list of unique, non-empty ids parsed from a comma
// separated string such as "p1, p2,p3".
type List struct {
	items []string
}

// NewList parses csv into a List.
func NewList(csv string) *List {
	l := &List{}
	l.Set(csv)
	return l
}

// Set replaces the contents of the list with the ids in csv.
func (l *List) Set(csv string) {
	l.items = l.items[:0]
	for _, id := range strings.Split(csv, ",") {
		l.Add(id)
	}
}

// Add appends id unless it is blank or already present.
func (l *List) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" || l.Has(id) {
		return
	}
	l.items = append(l.items, id)
}

// Remove deletes id from the list.
func (l *List) Remove(id string) {
	for i, item := range l.items {
		if item == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// Has reports whether id is in the list.
func (l *List) Has(id string) bool {
	for _, item := range l.items {
		if item == id {
			return true
		}
	}
	return false
}

// Size returns the number of ids.
func (l *List) Size() int {
	return len(l.items)
}

// First returns the first id, or "" for an empty list.
func (l *List) First() string {
	if len(l.items) == 0 {
		return ""
	}
	return l.items[0]
}

// Items returns a copy of the ids.
func (l *List) Items() []string {
	out := make([]string, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List) String() string {
	return strings.Join(l.items, ",")
}
