package checker

import (
	"context"
	"maps"
	"sync"
	"time"

	logx "dynbot/pkg/logx"
)

const liveUsersKey = "checker.live_users"

// LiveSession is what the close checker needs to report a room that ended.
type LiveSession struct {
	RoomID  int64     `json:"room_id"`
	Name    string    `json:"name,omitempty"`
	Started time.Time `json:"started"`
}

// LiveUsers tracks creator → running live session. The live checker adds
// entries and the close checker removes them, so it is guarded by a mutex.
// With a StateStore the map survives restarts.
type LiveUsers struct {
	store StateStore
	log   logx.Logger

	mu sync.Mutex
	m  map[int64]LiveSession
	// loaded gates save so an early Record cannot clobber the persisted copy.
	loaded bool
}

func NewLiveUsers(store StateStore, log logx.Logger) *LiveUsers {
	return &LiveUsers{store: store, log: log.With(logx.String("comp", "checker.live_users")), m: map[int64]LiveSession{}}
}

// Load merges the persisted copy into the map. Sessions recorded since
// startup win over persisted ones for the same creator. Nothing is persisted
// before Load has run.
func (u *LiveUsers) Load(ctx context.Context) error {
	if u.store == nil {
		return nil
	}
	var m map[int64]LiveSession
	ok, err := u.store.LoadState(ctx, liveUsersKey, &m)
	u.mu.Lock()
	u.loaded = true
	early := len(u.m)
	if err == nil && ok {
		for id, s := range m {
			if _, exists := u.m[id]; !exists {
				u.m[id] = s
			}
		}
	}
	u.mu.Unlock()
	if early > 0 {
		u.save(ctx)
	}
	return err
}

func (u *LiveUsers) save(ctx context.Context) {
	if u.store == nil {
		return
	}
	u.mu.Lock()
	if !u.loaded {
		u.mu.Unlock()
		return
	}
	m := maps.Clone(u.m)
	u.mu.Unlock()
	if err := u.store.SaveState(ctx, liveUsersKey, m); err != nil {
		u.log.Warn("persist live users failed", logx.Err(err))
	}
}

func (u *LiveUsers) Record(ctx context.Context, creator int64, s LiveSession) {
	u.mu.Lock()
	u.m[creator] = s
	u.mu.Unlock()
	u.save(ctx)
}

// Remove deletes the given creators and persists once.
func (u *LiveUsers) Remove(ctx context.Context, creators ...int64) {
	if len(creators) == 0 {
		return
	}
	u.mu.Lock()
	for _, c := range creators {
		delete(u.m, c)
	}
	u.mu.Unlock()
	u.save(ctx)
}

func (u *LiveUsers) Snapshot() map[int64]LiveSession {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.m)
}

func (u *LiveUsers) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.m)
}
