// Package timeline turns the chunk graph of a room into an ordered, paginated,
// live-updating list of decorated events.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/room-timeline/internal/annotations"
	"github.com/chirino/room-timeline/internal/gapfill"
	"github.com/chirino/room-timeline/internal/model"
	"github.com/chirino/room-timeline/internal/registry/homeserver"
	registrystore "github.com/chirino/room-timeline/internal/registry/store"
	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"
)

// DefaultPageSize is used when Settings.PageSize is not positive.
const DefaultPageSize = 30

// State is the lifecycle state of a Timeline.
type State int

const (
	StateIdle State = iota
	StateReady
	StatePaginating
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePaginating:
		return "paginating"
	case StateDisposed:
		return "disposed"
	}
	return "idle"
}

// Settings tunes a Timeline.
type Settings struct {
	PageSize int
	// ShowRelationEvents keeps reactions, edits, redactions and poll responses
	// in the snapshot. They always count towards pagination.
	ShowRelationEvents bool
}

// Deps are the collaborators of a Timeline. Aggregator may be nil.
type Deps struct {
	Store      registrystore.TimelineStore
	Fetcher    homeserver.Fetcher
	Persistor  *gapfill.Persistor
	Aggregator *annotations.Aggregator
}

// errSuperseded is returned by work that a restart or dispose made obsolete.
var errSuperseded = fmt.Errorf("timeline restarted: %w", context.Canceled)

// Timeline is a cursor over one room.
type Timeline struct {
	roomID   id.RoomID
	deps     Deps
	settings Settings
	profiles *lru.Cache[string, profiles]
	dispatch *dispatcher

	// publishMu serialises load, commit and publish so snapshots are
	// delivered in the order they were computed.
	publishMu sync.Mutex

	mu           sync.Mutex
	state        State
	gen          uint64
	genCtx       context.Context
	cancel       context.CancelFunc
	win          window
	loading      [2]bool
	hasMore      [2]bool
	emitted      [2]*model.PaginationState
	snapshot     []model.DecoratedEvent
	published    bool
	listeners    map[int]Listener
	nextListener int
	unsubscribe  func()
}

// New creates an idle timeline for roomID. Call Start to anchor it.
func New(roomID id.RoomID, deps Deps, settings Settings) *Timeline {
	if settings.PageSize <= 0 {
		settings.PageSize = DefaultPageSize
	}
	cache, _ := lru.New[string, profiles](64)
	t := &Timeline{
		roomID:    roomID,
		deps:      deps,
		settings:  settings,
		profiles:  cache,
		dispatch:  newDispatcher(),
		listeners: map[int]Listener{},
	}
	t.genCtx, t.cancel = context.WithCancel(context.Background())
	if deps.Persistor != nil {
		ch, unsubscribe := deps.Persistor.Broadcaster().Subscribe(roomID)
		t.unsubscribe = unsubscribe
		go t.watch(ch)
	}
	return t
}

// RoomID returns the room the timeline walks.
func (t *Timeline) RoomID() id.RoomID { return t.roomID }

// Start anchors the timeline. An empty focus anchors on the newest page of the
// live chunk; otherwise the window ends at focus, fetching its context from the
// homeserver when it is not stored yet.
func (t *Timeline) Start(ctx context.Context, focus id.EventID) error {
	t.mu.Lock()
	if t.state == StateDisposed {
		t.mu.Unlock()
		return model.ErrDisposed
	}
	if t.state != StateIdle {
		t.mu.Unlock()
		return t.RestartWithEventID(ctx, focus)
	}
	gen, genCtx := t.gen, t.genCtx
	t.mu.Unlock()
	return t.anchor(ctx, genCtx, gen, focus)
}

// RestartWithEventID cancels outstanding paginations and re-anchors on eventID.
// On failure the previous window is kept.
func (t *Timeline) RestartWithEventID(ctx context.Context, eventID id.EventID) error {
	t.mu.Lock()
	if t.state == StateDisposed {
		t.mu.Unlock()
		return model.ErrDisposed
	}
	t.cancel()
	t.gen++
	t.genCtx, t.cancel = context.WithCancel(context.Background())
	t.loading = [2]bool{}
	t.emitStatesLocked()
	gen, genCtx := t.gen, t.genCtx
	t.mu.Unlock()
	return t.anchor(ctx, genCtx, gen, eventID)
}

func (t *Timeline) anchor(ctx context.Context, genCtx context.Context, gen uint64, focus id.EventID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(genCtx, cancel)()

	w := window{follow: true}
	if focus != "" {
		evt, err := t.locate(ctx, focus)
		if err != nil {
			if genCtx.Err() != nil {
				return errSuperseded
			}
			return t.fail(gen, err)
		}
		w = window{chunkID: evt.ChunkID}
	}
	_, _, err := t.update(ctx, gen, &w, func(v *view) {
		if focus == "" {
			return
		}
		if idx := indexOf(v.events, focus); idx >= 0 {
			v.hi = idx + 1
			v.lo = max(0, v.hi-t.settings.PageSize)
		}
	})
	if err != nil && !errors.Is(err, errSuperseded) {
		return t.fail(gen, err)
	}
	return err
}

// locate returns the stored focus event, fetching and persisting its context
// when needed.
func (t *Timeline) locate(ctx context.Context, focus id.EventID) (*model.TimelineEvent, error) {
	evt, err := t.deps.Store.GetEvent(ctx, t.roomID, focus)
	if err == nil || !registrystore.IsNotFound(err) {
		return evt, err
	}
	res, err := t.deps.Fetcher.FetchContext(ctx, t.roomID, focus, t.settings.PageSize)
	if err != nil {
		var notFound *model.NotFoundError
		if errors.As(err, &notFound) || ctx.Err() != nil {
			return nil, err
		}
		return nil, asTransport("context", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.deps.Persistor.InsertContext(ctx, t.roomID, res); err != nil {
		return nil, err
	}
	evt, err = t.deps.Store.GetEvent(ctx, t.roomID, focus)
	if registrystore.IsNotFound(err) {
		return nil, &model.NotFoundError{RoomID: t.roomID, EventID: focus}
	}
	return evt, err
}

// Paginate starts a pagination in the background. Failures are reported to
// listeners.
func (t *Timeline) Paginate(dir model.Direction, count int) error {
	gen, genCtx, err := t.beginPagination(dir)
	if err != nil {
		return err
	}
	go func() {
		_, _ = t.runPagination(context.Background(), genCtx, gen, dir, count)
	}()
	return nil
}

// AwaitPaginate extends the window by count raw events in dir and returns the
// resulting snapshot. Stored events are used first; the rest is fetched from
// the homeserver.
func (t *Timeline) AwaitPaginate(ctx context.Context, dir model.Direction, count int) ([]model.DecoratedEvent, error) {
	gen, genCtx, err := t.beginPagination(dir)
	if err != nil {
		return nil, err
	}
	return t.runPagination(ctx, genCtx, gen, dir, count)
}

func (t *Timeline) beginPagination(dir model.Direction) (uint64, context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == StateDisposed:
		return 0, nil, model.ErrDisposed
	case t.state == StateIdle:
		return 0, nil, model.ErrNotStarted
	case t.loading[dir]:
		return 0, nil, model.ErrPaginationInProgress
	}
	t.loading[dir] = true
	t.emitStatesLocked()
	return t.gen, t.genCtx, nil
}

func (t *Timeline) runPagination(ctx context.Context, genCtx context.Context, gen uint64, dir model.Direction, count int) ([]model.DecoratedEvent, error) {
	if count <= 0 {
		count = t.settings.PageSize
	}
	snapshot, err := t.paginate(ctx, genCtx, gen, dir, count)

	t.mu.Lock()
	if t.gen == gen && t.state != StateDisposed {
		t.loading[dir] = false
		t.emitStatesLocked()
	}
	t.mu.Unlock()
	return snapshot, err
}

func (t *Timeline) paginate(ctx context.Context, genCtx context.Context, gen uint64, dir model.Direction, count int) ([]model.DecoratedEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(genCtx, cancel)()

	t.mu.Lock()
	w := t.win
	t.mu.Unlock()
	v, err := t.load(ctx, w)
	if err != nil {
		return nil, t.fail(gen, err)
	}

	if deficit := count - v.local(dir); deficit > 0 && v.token(dir) != "" {
		res, err := t.deps.Fetcher.Fetch(ctx, t.roomID, v.token(dir), dir, deficit)
		if genCtx.Err() != nil {
			return nil, errSuperseded
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, t.fail(gen, asTransport("messages", err))
		}
		if _, err := t.deps.Persistor.InsertPagination(ctx, t.roomID, dir, res); err != nil {
			return nil, t.fail(gen, err)
		}
	}

	_, snapshot, err := t.update(ctx, gen, nil, func(v *view) {
		if dir == model.Backwards {
			v.lo = max(0, v.lo-count)
		} else {
			v.hi = min(len(v.events), v.hi+count)
		}
	})
	if err != nil && !errors.Is(err, errSuperseded) {
		return nil, t.fail(gen, err)
	}
	return snapshot, err
}

// update reloads the view around base (the current window when nil), lets
// adjust move the window, then commits it and publishes the snapshot.
func (t *Timeline) update(ctx context.Context, gen uint64, base *window, adjust func(v *view)) (*view, []model.DecoratedEvent, error) {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	t.mu.Lock()
	if t.gen != gen || t.state == StateDisposed {
		t.mu.Unlock()
		return nil, nil, errSuperseded
	}
	w := t.win
	if base != nil {
		w = *base
	}
	t.mu.Unlock()

	v, err := t.load(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	if adjust != nil {
		adjust(v)
	}
	snapshot, err := t.render(ctx, v)
	if err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.state == StateDisposed {
		return nil, nil, errSuperseded
	}
	t.win = v.window()
	if t.state == StateIdle {
		t.state = StateReady
	}
	t.hasMore = [2]bool{v.hasMore(model.Backwards), v.hasMore(model.Forwards)}
	if !t.published || !reflect.DeepEqual(snapshot, t.snapshot) {
		t.published = true
		t.snapshot = snapshot
		t.notifyLocked(func(l Listener) { l.OnTimelineUpdated(snapshot) })
	}
	t.emitStatesLocked()
	return v, snapshot, nil
}

// render decorates the visible events of the window.
func (t *Timeline) render(ctx context.Context, v *view) ([]model.DecoratedEvent, error) {
	visible := make([]model.TimelineEvent, 0, v.hi-v.lo)
	for _, evt := range v.events[v.lo:v.hi] {
		if t.settings.ShowRelationEvents || !evt.IsRelation() {
			visible = append(visible, evt)
		}
	}

	var decorated []model.DecoratedEvent
	if t.deps.Aggregator != nil {
		var err error
		if decorated, err = t.deps.Aggregator.Decorate(ctx, t.roomID, visible); err != nil {
			return nil, err
		}
	} else {
		decorated = make([]model.DecoratedEvent, len(visible))
		for i, evt := range visible {
			decorated[i] = model.DecoratedEvent{Event: evt, Sender: model.SenderInfo{UserID: evt.Sender}}
		}
	}

	senders, err := t.senderInfo(ctx, v)
	if err != nil {
		return nil, err
	}
	for i := range decorated {
		if info, ok := senders[decorated[i].Event.EventID]; ok {
			decorated[i].Sender = info
		}
	}
	return decorated, nil
}

// watch refreshes the window whenever the room's chunk graph changes.
func (t *Timeline) watch(ch <-chan struct{}) {
	for range ch {
		t.mu.Lock()
		ready := t.state != StateIdle && t.state != StateDisposed
		gen, genCtx := t.gen, t.genCtx
		t.mu.Unlock()
		if !ready {
			continue
		}
		t.profiles.Purge()
		if _, _, err := t.update(genCtx, gen, nil, nil); err != nil && !errors.Is(err, errSuperseded) && genCtx.Err() == nil {
			log.Warn("Timeline refresh failed", "room", t.roomID, "err", err)
			_ = t.fail(gen, err)
		}
	}
}

// Dispose cancels outstanding work and stops notifications. It is idempotent.
func (t *Timeline) Dispose() {
	t.mu.Lock()
	if t.state == StateDisposed {
		t.mu.Unlock()
		return
	}
	t.state = StateDisposed
	t.gen++
	t.cancel()
	t.listeners = map[int]Listener{}
	unsubscribe := t.unsubscribe
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	t.dispatch.close()
}

// AddListener registers l and returns a function removing it. A listener added
// after the first snapshot receives the current one.
func (t *Timeline) AddListener(l Listener) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.nextListener
	t.nextListener++
	t.listeners[key] = l
	if t.published {
		snapshot := t.snapshot
		t.dispatch.enqueue(func() { l.OnTimelineUpdated(snapshot) })
	}
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, key)
	}
}

// Snapshot returns the last published snapshot, oldest event first.
func (t *Timeline) Snapshot() []model.DecoratedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.DecoratedEvent(nil), t.snapshot...)
}

// HasMoreToLoad reports whether events exist beyond the window in dir, stored
// or on the homeserver.
func (t *Timeline) HasMoreToLoad(dir model.Direction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore[dir]
}

// PaginationState returns the loading state in dir.
func (t *Timeline) PaginationState(dir model.Direction) model.PaginationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.PaginationState{HasMoreToLoad: t.hasMore[dir], Loading: t.loading[dir]}
}

// State returns the lifecycle state.
func (t *Timeline) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateReady && (t.loading[model.Backwards] || t.loading[model.Forwards]) {
		return StatePaginating
	}
	return t.state
}

func (t *Timeline) notifyLocked(fn func(l Listener)) {
	if len(t.listeners) == 0 {
		return
	}
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.dispatch.enqueue(func() {
		for _, l := range listeners {
			fn(l)
		}
	})
}

func (t *Timeline) emitStatesLocked() {
	for _, dir := range []model.Direction{model.Backwards, model.Forwards} {
		state := model.PaginationState{HasMoreToLoad: t.hasMore[dir], Loading: t.loading[dir]}
		if prev := t.emitted[dir]; prev != nil && *prev == state {
			continue
		}
		t.emitted[dir] = &state
		t.notifyLocked(func(l Listener) { l.OnStateUpdated(dir, state) })
	}
}

// fail reports err to listeners unless gen was superseded, and returns it.
func (t *Timeline) fail(gen uint64, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen == gen && t.state != StateDisposed {
		t.notifyLocked(func(l Listener) { l.OnTimelineFailure(err) })
	}
	return err
}

func asTransport(op string, err error) error {
	var transport *model.TransportError
	if errors.As(err, &transport) {
		return err
	}
	return &model.TransportError{Op: op, Err: err}
}
