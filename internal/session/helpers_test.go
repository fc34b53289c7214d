package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
)

// stubEngine 兩人引擎：tick 到 endAfter 時由第一個座位獲勝
type stubEngine struct {
	endAfter  int
	tickErrAt int
	panicAt   int

	players      []engine.PlayerID
	bots         map[engine.PlayerID]bool
	disconnected map[engine.PlayerID]bool
	inputs       []engine.Input

	starts  int
	ticks   int
	running bool
	ended   bool
	forfeit engine.PlayerID
}

var _ engine.Engine = (*stubEngine)(nil)

func newStub(endAfter int) *stubEngine {
	return &stubEngine{
		endAfter:     endAfter,
		bots:         make(map[engine.PlayerID]bool),
		disconnected: make(map[engine.PlayerID]bool),
	}
}

func (s *stubEngine) Name() string    { return "stub" }
func (s *stubEngine) MaxPlayers() int { return 2 }

func (s *stubEngine) AddPlayer(id engine.PlayerID, isBot bool) error {
	if slices.Contains(s.players, id) {
		if s.disconnected[id] {
			delete(s.disconnected, id)
			return nil
		}
		return apperrors.ErrDuplicateID.WithDetails("player %d", id)
	}
	if len(s.players) >= 2 {
		return apperrors.ErrCapacity
	}
	s.players = append(s.players, id)
	s.bots[id] = isBot
	return nil
}

func (s *stubEngine) UpdatePlayer(id engine.PlayerID, in engine.Input) error {
	if !slices.Contains(s.players, id) {
		return apperrors.ErrUnknownPlayer
	}
	s.inputs = append(s.inputs, in)
	return nil
}

func (s *stubEngine) PlayerDisconnected(id engine.PlayerID) error {
	if !slices.Contains(s.players, id) {
		return apperrors.ErrUnknownPlayer
	}
	s.disconnected[id] = true
	return nil
}

func (s *stubEngine) Tick() error {
	if !s.running {
		return nil
	}
	s.ticks++
	if s.panicAt > 0 && s.ticks == s.panicAt {
		panic("stub exploded")
	}
	if s.tickErrAt > 0 && s.ticks == s.tickErrAt {
		return errors.New("stub invariant broken")
	}
	if s.endAfter > 0 && s.ticks >= s.endAfter {
		s.running = false
		s.ended = true
	}
	return nil
}

func (s *stubEngine) Snapshot() any {
	return map[string]any{"ticks": s.ticks, "players": slices.Clone(s.players)}
}

func (s *stubEngine) Start() error {
	if s.running {
		return apperrors.ErrInvalidState
	}
	if len(s.players) < 2 {
		return apperrors.ErrInvalidState
	}
	s.starts++
	s.running = true
	s.ended = false
	s.ticks = 0
	s.forfeit = 0
	return nil
}

func (s *stubEngine) Reset() {
	s.players = nil
	s.bots = make(map[engine.PlayerID]bool)
	s.disconnected = make(map[engine.PlayerID]bool)
	s.running = false
	s.ended = false
	s.ticks = 0
	s.forfeit = 0
}

func (s *stubEngine) Running() bool               { return s.running }
func (s *stubEngine) Players() []engine.PlayerID { return slices.Clone(s.players) }

func (s *stubEngine) Winner() (engine.PlayerID, bool) {
	if !s.ended || len(s.players) < 2 {
		return 0, false
	}
	if s.forfeit == s.players[0] {
		return s.players[1], true
	}
	return s.players[0], true
}

func (s *stubEngine) Loser() (engine.PlayerID, bool) {
	w, ok := s.Winner()
	if !ok {
		return 0, false
	}
	if w == s.players[0] {
		return s.players[1], true
	}
	return s.players[0], true
}

func (s *stubEngine) Forfeit(id engine.PlayerID) {
	if !slices.Contains(s.players, id) || s.ended {
		return
	}
	s.forfeit = id
	s.running = false
	s.ended = true
}

func (s *stubEngine) Result() engine.Result {
	res := engine.Result{Game: "stub", Forfeit: s.forfeit != 0}
	w, ok := s.Winner()
	if ok {
		res.Winner = w
	}
	for seat, id := range s.players {
		p := engine.Participant{ID: id, Seat: seat, Outcome: engine.OutcomeLose, XP: 5, RatingDelta: -15}
		if ok && id == w {
			p.Outcome, p.XP, p.RatingDelta = engine.OutcomeWin, 10, 25
		}
		res.Participants = append(res.Participants, p)
	}
	return res
}

// recorder 記錄所有廣播
type recorder struct {
	mu     sync.Mutex
	groups []string
	msgs   []session.Envelope
}

func (r *recorder) SendToGroup(group string, msg []byte) {
	var env session.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, group)
	r.msgs = append(r.msgs, env)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.EventInfo.Event)
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.events() {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) find(name string) []session.EventInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.EventInfo
	for _, m := range r.msgs {
		if m.EventInfo.Event == name {
			out = append(out, m.EventInfo)
		}
	}
	return out
}

// fakeStore 記錄持久化呼叫；failSaves 讓前幾次 SaveMatch 失敗
type fakeStore struct {
	mu          sync.Mutex
	failSaves   int
	saveCalls   int
	matches     []engine.Result
	stats       map[engine.PlayerID]int
	tournaments []storage.TournamentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{stats: make(map[engine.PlayerID]int)}
}

func (f *fakeStore) SaveMatch(_ context.Context, res engine.Result) (storage.MatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.failSaves > 0 {
		f.failSaves--
		return storage.MatchRecord{}, errors.New("db down")
	}
	f.matches = append(f.matches, res)
	return storage.MatchRecord{ID: int64(len(f.matches)), Game: res.Game, Winner: res.Winner, Forfeit: res.Forfeit}, nil
}

func (f *fakeStore) UpdateStats(_ context.Context, id engine.PlayerID, _, _ int, _ engine.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[id]++
	return nil
}

func (f *fakeStore) SaveTournament(_ context.Context, t storage.TournamentRecord) (storage.TournamentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = int64(len(f.tournaments) + 1)
	f.tournaments = append(f.tournaments, t)
	return t, nil
}

func (f *fakeStore) savedMatches() []engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.matches)
}

func (f *fakeStore) savedTournaments() []storage.TournamentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.tournaments)
}

func (f *fakeStore) statCalls(id engine.PlayerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[id]
}

func testOptions(rec *recorder, store *fakeStore) session.Options {
	opts := session.Options{
		TickInterval:   time.Millisecond,
		PersistTimeout: time.Second,
		Broadcaster:    rec,
		Logger:         logger.Discard(),
	}
	if store != nil {
		opts.Store = store
	}
	return opts
}

func waitDone(t *testing.T, s session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", s.RoomID())
	}
}

func pid(id engine.PlayerID) session.InitPlayer {
	return session.InitPlayer{PlayerID: &id}
}
