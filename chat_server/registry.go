package chatserver

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps room ids to live room actors. Rooms are created lazily on
// first subscribe and reaped once they have been empty past the idle grace
// period.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	cfg     Config
	persist func(Message)
	seed    func(roomID string) uint64

	quit chan struct{}
	once sync.Once
}

func NewRegistry(cfg Config, persist func(Message), seed func(string) uint64) *Registry {
	g := &Registry{
		rooms:   make(map[string]*room),
		cfg:     cfg,
		persist: persist,
		seed:    seed,
		quit:    make(chan struct{}),
	}

	go g.janitor()

	return g
}

// ensure lazy-creates the room and hands it out pinned. The caller must
// follow up with exactly one command, which releases the pin.
func (g *Registry) ensure(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]

	if !ok {
		r = newRoom(roomID, g.cfg, g.persist, g.seed)
		g.rooms[roomID] = r

		slog.Info("🚀 Room created", slog.String("room", roomID))
	}

	r.pins.Add(1)

	return r
}

// lookup hands out an existing room pinned, or nil. Same contract as
// ensure: one pinned handout, one command.
func (g *Registry) lookup(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]

	if !ok {
		return nil
	}

	r.pins.Add(1)

	return r
}

func (g *Registry) janitor() {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()

		case <-g.quit:
			return
		}
	}
}

// sweep asks each room whether it is safe to evict. The registry lock is
// held across the ask so no new handout can race a confirmed reap.
func (g *Registry) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for roomID, r := range g.rooms {
		reply := make(chan bool, 1)

		r.cmds <- reapCmd{reply: reply}

		if <-reply {
			delete(g.rooms, roomID)

			slog.Info("🧹 Room evicted", slog.String("room", roomID))
		}
	}
}

func (g *Registry) Close() {
	g.once.Do(func() {
		close(g.quit)
	})
}
