package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"dynbot/internal/event"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

// Subscription is the record kept per creator.
type Subscription struct {
	Name     string
	Contacts []event.Contact
	// Bans maps an event subtype to banned for this creator only.
	Bans  map[string]bool
	Color string
}

func (s Subscription) Banned(subtype string) bool { return s.Bans[subtype] }

func (s Subscription) clone() Subscription {
	out := Subscription{Name: s.Name, Color: s.Color}
	out.Contacts = append([]event.Contact(nil), s.Contacts...)
	if len(s.Bans) > 0 {
		out.Bans = make(map[string]bool, len(s.Bans))
		for k, v := range s.Bans {
			out.Bans[k] = v
		}
	}
	return out
}

// Data is an immutable snapshot of subscriptions. Checkers and the renderer
// iterate snapshots, never the live maps, so command handlers may mutate the
// store concurrently.
type Data struct {
	Subscriptions map[int64]Subscription
	// Series maps a series ID to its subscriber contacts.
	Series map[int64][]event.Contact
}

// Following returns creators with at least one contact.
func (d Data) Following() map[int64]struct{} {
	out := make(map[int64]struct{}, len(d.Subscriptions))
	for id, s := range d.Subscriptions {
		if len(s.Contacts) > 0 {
			out[id] = struct{}{}
		}
	}
	return out
}

// Empty reports whether nothing would be delivered to anyone.
func (d Data) Empty() bool {
	if len(d.Following()) > 0 {
		return false
	}
	for _, cs := range d.Series {
		if len(cs) > 0 {
			return false
		}
	}
	return true
}

// file layout; contacts are written as "group:123".
type dataFile struct {
	Subscriptions map[int64]subscriptionFile `yaml:"subscriptions"`
	Series        map[int64][]string         `yaml:"series,omitempty"`
}

type subscriptionFile struct {
	Name     string          `yaml:"name,omitempty"`
	Contacts []string        `yaml:"contacts"`
	Bans     map[string]bool `yaml:"bans,omitempty"`
	Color    string          `yaml:"color,omitempty"`
}

// DataStore is the YAML-backed subscription store. Unknown fields are
// ignored on load; a corrupt file yields an empty store and an error log.
type DataStore struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	data Data
}

func NewDataStore(path string, log logx.Logger) *DataStore {
	return &DataStore{path: path, log: log.With(logx.String("comp", "datastore")), data: emptyData()}
}

func emptyData() Data {
	return Data{Subscriptions: map[int64]Subscription{}, Series: map[int64][]event.Contact{}}
}

// Reload re-reads the file. A missing file is an empty store. A corrupt file
// keeps availability: the store falls back to empty and the error is returned
// for logging.
func (s *DataStore) Reload() error {
	d, err := readData(s.path, s.log)
	s.mu.Lock()
	s.data = d
	s.mu.Unlock()
	return err
}

func readData(path string, log logx.Logger) (Data, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyData(), nil
	}
	if err != nil {
		log.Error("data file unreadable, starting empty", logx.String("path", path), logx.Err(err))
		return emptyData(), err
	}
	var f dataFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		log.Error("data file corrupt, starting empty", logx.String("path", path), logx.Err(err))
		return emptyData(), fmt.Errorf("parse %s: %w", path, err)
	}

	d := emptyData()
	for id, sf := range f.Subscriptions {
		sub := Subscription{Name: sf.Name, Bans: sf.Bans, Color: sf.Color}
		sub.Contacts = parseContacts(sf.Contacts, log)
		d.Subscriptions[id] = sub
	}
	for id, cs := range f.Series {
		d.Series[id] = parseContacts(cs, log)
	}
	return d, nil
}

func parseContacts(raw []string, log logx.Logger) []event.Contact {
	out := make([]event.Contact, 0, len(raw))
	for _, r := range raw {
		c, err := event.ParseContact(r)
		if err != nil {
			log.Warn("skipping bad contact", logx.String("contact", r), logx.Err(err))
			continue
		}
		out = appendContact(out, c)
	}
	return out
}

// Save writes the store atomically.
func (s *DataStore) Save() error {
	s.mu.RLock()
	f := dataFile{Subscriptions: make(map[int64]subscriptionFile, len(s.data.Subscriptions))}
	for id, sub := range s.data.Subscriptions {
		f.Subscriptions[id] = subscriptionFile{Name: sub.Name, Contacts: contactStrings(sub.Contacts), Bans: maps.Clone(sub.Bans), Color: sub.Color}
	}
	if len(s.data.Series) > 0 {
		f.Series = make(map[int64][]string, len(s.data.Series))
		for id, cs := range s.data.Series {
			f.Series[id] = contactStrings(cs)
		}
	}
	s.mu.RUnlock()

	b, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(s.path, b, 0o600)
}

func contactStrings(cs []event.Contact) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the current data.
func (s *DataStore) Snapshot() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Data{
		Subscriptions: make(map[int64]Subscription, len(s.data.Subscriptions)),
		Series:        make(map[int64][]event.Contact, len(s.data.Series)),
	}
	for id, sub := range s.data.Subscriptions {
		out.Subscriptions[id] = sub.clone()
	}
	for id, cs := range s.data.Series {
		out.Series[id] = append([]event.Contact(nil), cs...)
	}
	return out
}

// Subscribe adds c to creator's contacts, creating the record on first use.
// It reports whether anything changed.
func (s *DataStore) Subscribe(creator int64, name string, c event.Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.data.Subscriptions[creator]
	if name = strings.TrimSpace(name); name != "" {
		sub.Name = name
	}
	n := len(sub.Contacts)
	sub.Contacts = appendContact(sub.Contacts, c)
	s.data.Subscriptions[creator] = sub
	return len(sub.Contacts) != n
}

// Unsubscribe removes c from creator. The record itself stays.
func (s *DataStore) Unsubscribe(creator int64, c event.Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.data.Subscriptions[creator]
	if !ok {
		return false
	}
	var removed bool
	sub.Contacts, removed = removeContact(sub.Contacts, c)
	s.data.Subscriptions[creator] = sub
	return removed
}

// UnsubscribeAll removes c everywhere and deletes records left without
// contacts. It returns the number of creators c was removed from.
func (s *DataStore) UnsubscribeAll(c event.Contact) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sub := range s.data.Subscriptions {
		var removed bool
		if sub.Contacts, removed = removeContact(sub.Contacts, c); removed {
			n++
		}
		if len(sub.Contacts) == 0 {
			delete(s.data.Subscriptions, id)
			continue
		}
		s.data.Subscriptions[id] = sub
	}
	for id, cs := range s.data.Series {
		cs, _ = removeContact(cs, c)
		if len(cs) == 0 {
			delete(s.data.Series, id)
			continue
		}
		s.data.Series[id] = cs
	}
	return n
}

func (s *DataStore) SubscribeSeries(series int64, c event.Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.data.Series[series]
	n := len(cs)
	s.data.Series[series] = appendContact(cs, c)
	return len(s.data.Series[series]) != n
}

func (s *DataStore) UnsubscribeSeries(series int64, c event.Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, removed := removeContact(s.data.Series[series], c)
	if len(cs) == 0 {
		delete(s.data.Series, series)
	} else {
		s.data.Series[series] = cs
	}
	return removed
}

// SetBan bans or unbans an event subtype for one creator and reports
// whether anything changed.
func (s *DataStore) SetBan(creator int64, subtype string, banned bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.data.Subscriptions[creator]
	if !ok {
		return false, fmt.Errorf("creator %d is not subscribed", creator)
	}
	if sub.Banned(subtype) == banned {
		return false, nil
	}
	// copy on write: snapshots and Save may still hold the old map
	bans := make(map[string]bool, len(sub.Bans)+1)
	maps.Copy(bans, sub.Bans)
	if banned {
		bans[subtype] = true
	} else {
		delete(bans, subtype)
	}
	if len(bans) == 0 {
		bans = nil
	}
	sub.Bans = bans
	s.data.Subscriptions[creator] = sub
	return true, nil
}

func appendContact(cs []event.Contact, c event.Contact) []event.Contact {
	for _, x := range cs {
		if x == c {
			return cs
		}
	}
	return append(cs, c)
}

func removeContact(cs []event.Contact, c event.Contact) ([]event.Contact, bool) {
	for i, x := range cs {
		if x == c {
			out := make([]event.Contact, 0, len(cs)-1)
			out = append(out, cs[:i]...)
			return append(out, cs[i+1:]...), true
		}
	}
	return cs, false
}
