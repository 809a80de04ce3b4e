// Package bookmarks keeps labelled positions in a recording and finds
// them again by unambiguous prefix.
package bookmarks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"

	"github.com/revmon/revmon/pkg/logflags"
)

// Origin is the name of the bookmark set when a session starts.
const Origin = "origin"

// Bookmark is a named position.
type Bookmark struct {
	Name  string
	Cycle uint64
	PC    uint64
}

func (b Bookmark) String() string {
	return fmt.Sprintf("%s cycle:0x%x pc:0x%x", b.Name, b.Cycle, b.PC)
}

// Position is what a Store needs from the substrate.
type Position interface {
	CurrentCycle() uint64
	ReadRegister(name string) (uint64, error)
	SkipTo(cycle uint64) error
}

// NotFoundError is returned when no bookmark matches a prefix.
type NotFoundError struct {
	Prefix string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no bookmark matching %q", e.Prefix)
}

// AmbiguousError is returned when a prefix matches several bookmarks.
type AmbiguousError struct {
	Prefix  string
	Matches []string
}

func (e AmbiguousError) Error() string {
	return fmt.Sprintf("bookmark prefix %q is ambiguous: %s", e.Prefix, strings.Join(e.Matches, ", "))
}

// Store holds the bookmarks of one session. The trie indexes names for
// prefix lookup; marks is the authoritative list.
type Store struct {
	pos   Position
	pcReg string
	max   int
	log   logflags.Logger

	marks  []Bookmark
	byName map[string]bool
	names  *trie.Trie
}

// New returns an empty Store. max bounds the number of bookmarks kept;
// the oldest non-origin bookmark is dropped first. Zero means no bound.
func New(pos Position, pcReg string, max int) *Store {
	return &Store{
		pos:    pos,
		pcReg:  pcReg,
		max:    max,
		log:    logflags.SessionLogger(),
		byName: make(map[string]bool),
		names:  trie.New(),
	}
}

// SetOrigin records the current position as the origin.
func (s *Store) SetOrigin() {
	if s.byName[Origin] {
		s.remove(Origin)
	}
	s.add(Origin)
}

// SetDebugBookmark records the current position under mark. A repeated
// mark gets a numeric suffix.
func (s *Store) SetDebugBookmark(mark string) {
	name := mark
	for i := 2; s.byName[name]; i++ {
		name = fmt.Sprintf("%s #%d", mark, i)
	}
	s.add(name)
}

func (s *Store) add(name string) {
	pc, _ := s.pos.ReadRegister(s.pcReg)
	bm := Bookmark{Name: name, Cycle: s.pos.CurrentCycle(), PC: pc}
	s.marks = append(s.marks, bm)
	s.byName[name] = true
	s.names.Add(name, len(s.marks)-1)
	s.log.Debugf("bookmark %s", bm)
	for s.max > 0 && len(s.marks) > s.max {
		drop := ""
		for _, b := range s.marks {
			if b.Name != Origin {
				drop = b.Name
				break
			}
		}
		if drop == "" {
			return
		}
		s.remove(drop)
	}
}

// remove drops a bookmark and rebuilds the name index.
func (s *Store) remove(name string) {
	kept := s.marks[:0]
	for _, b := range s.marks {
		if b.Name != name {
			kept = append(kept, b)
		}
	}
	s.marks = kept
	delete(s.byName, name)
	s.names = trie.New()
	for i, b := range s.marks {
		s.names.Add(b.Name, i)
	}
}

// List returns the bookmarks in the order they were set.
func (s *Store) List() []Bookmark {
	return append([]Bookmark(nil), s.marks...)
}

func (s *Store) at(n *trie.Node) Bookmark {
	return s.marks[n.Meta().(int)]
}

// Lookup finds a bookmark by exact name or unique prefix.
func (s *Store) Lookup(prefix string) (Bookmark, error) {
	if n, ok := s.names.Find(prefix); ok {
		return s.at(n), nil
	}
	matches := s.names.PrefixSearch(prefix)
	switch len(matches) {
	case 0:
		return Bookmark{}, NotFoundError{prefix}
	case 1:
		n, _ := s.names.Find(matches[0])
		return s.at(n), nil
	}
	sort.Strings(matches)
	return Bookmark{}, AmbiguousError{Prefix: prefix, Matches: matches}
}

// GoTo moves the position to the bookmark matching prefix.
func (s *Store) GoTo(prefix string) (Bookmark, error) {
	bm, err := s.Lookup(prefix)
	if err != nil {
		return bm, err
	}
	return bm, s.pos.SkipTo(bm.Cycle)
}

// Clear removes every bookmark.
func (s *Store) Clear() {
	s.marks = nil
	s.byName = make(map[string]bool)
	s.names = trie.New()
}
