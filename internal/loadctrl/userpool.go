package loadctrl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// UserFunc runs one virtual user. It should keep running journeys until
// ctx is cancelled or u.Stopping() reports true.
type UserFunc func(ctx context.Context, u *User)

// User is one virtual user managed by a UserPool.
type User struct {
	// Index is the spawn order of the user, starting at 0.
	Index int
	// ID is a unique identifier used to correlate the user's log lines.
	ID string

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Stopping reports whether the pool asked the user to stop.
func (u *User) Stopping() bool {
	select {
	case <-u.stopCh:
		return true
	default:
		return false
	}
}

// Wait sleeps for d and reports whether the user should continue.
// It returns early with false when ctx is done or a stop is requested.
func (u *User) Wait(ctx context.Context, d time.Duration) bool {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false
		case <-u.stopCh:
			return false
		}
	}
	return ctx.Err() == nil && !u.Stopping()
}

// UserPoolConfig holds configuration for creating a user pool.
type UserPoolConfig struct {
	// Users is the target number of users.
	Users int
	// SpawnRate is how many users are started or retired per second.
	// Zero or negative spawns without pacing.
	SpawnRate float64
	// StopTimeout is how long a retired user may keep running before its
	// context is cancelled. Zero cancels immediately.
	StopTimeout time.Duration
}

// UserPoolStats contains statistics about the user pool.
type UserPoolStats struct {
	// Active is the number of users that have not been asked to stop.
	Active int
	// Target is the desired number of active users.
	Target int
	// Stopping is the number of retired users still finishing.
	Stopping int64
	// Spawned is the total number of users started.
	Spawned int64
	// Stopped is the total number of users that have exited.
	Stopped int64
}

// UserPool spawns and retires virtual users at a bounded rate until the
// number of active users matches the target.
//
// Thread Safety: Safe for concurrent use.
type UserPool struct {
	config  UserPoolConfig
	fn      UserFunc
	spawner *rate.Limiter
	target  atomic.Int32

	users     []*User
	usersMu   sync.Mutex
	nextIndex int

	ctx        context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	refillCh   chan struct{}
	wg         sync.WaitGroup
	isRunning  atomic.Bool

	spawned  atomic.Int64
	stopped  atomic.Int64
	stopping atomic.Int64
}

// NewUserPool creates a user pool that runs fn for every user.
func NewUserPool(config UserPoolConfig, fn UserFunc) *UserPool {
	if config.Users < 0 {
		config.Users = 0
	}
	if config.StopTimeout < 0 {
		config.StopTimeout = 0
	}

	limit := rate.Inf
	if config.SpawnRate > 0 {
		limit = rate.Limit(config.SpawnRate)
	}

	p := &UserPool{
		config:   config,
		fn:       fn,
		spawner:  rate.NewLimiter(limit, 1),
		refillCh: make(chan struct{}, 1),
	}
	p.target.Store(int32(config.Users))
	return p
}

// Start begins spawning users. Users run with contexts derived from ctx.
func (p *UserPool) Start(ctx context.Context) {
	if p.isRunning.Swap(true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.loopCancel = cancel
	p.loopDone = make(chan struct{})

	go p.spawnLoop(loopCtx)
}

// Stop retires every user at once and waits for all of them to exit.
// Each user gets StopTimeout to finish its current journey.
func (p *UserPool) Stop() {
	if !p.isRunning.Swap(false) {
		return
	}

	p.loopCancel()
	<-p.loopDone

	p.usersMu.Lock()
	users := p.users
	p.users = nil
	p.usersMu.Unlock()

	for _, u := range users {
		p.retire(u)
	}

	p.wg.Wait()
}

// CurrentSize returns the number of active users.
func (p *UserPool) CurrentSize() int {
	p.usersMu.Lock()
	defer p.usersMu.Unlock()
	return len(p.users)
}

// Target returns the desired number of active users.
func (p *UserPool) Target() int {
	return int(p.target.Load())
}

// Stats returns statistics about the user pool.
func (p *UserPool) Stats() UserPoolStats {
	return UserPoolStats{
		Active:   p.CurrentSize(),
		Target:   p.Target(),
		Stopping: p.stopping.Load(),
		Spawned:  p.spawned.Load(),
		Stopped:  p.stopped.Load(),
	}
}

func (p *UserPool) notify() {
	select {
	case p.refillCh <- struct{}{}:
	default:
	}
}

// spawnLoop converges the active user count on the target, one user per
// spawner token.
func (p *UserPool) spawnLoop(ctx context.Context) {
	defer close(p.loopDone)

	for {
		if ctx.Err() != nil {
			return
		}

		current := p.CurrentSize()
		target := p.Target()

		if current == target {
			select {
			case <-ctx.Done():
				return
			case <-p.refillCh:
			}
			continue
		}

		if err := p.spawner.Wait(ctx); err != nil {
			return
		}

		if current < target {
			p.spawn()
		} else {
			p.retireLast()
		}
	}
}

func (p *UserPool) spawn() {
	p.usersMu.Lock()
	u := &User{
		Index:  p.nextIndex,
		ID:     uuid.NewString(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.nextIndex++
	userCtx, cancel := context.WithCancel(p.ctx)
	u.cancel = cancel
	p.users = append(p.users, u)
	p.wg.Add(1)
	p.usersMu.Unlock()

	p.spawned.Add(1)
	go p.run(userCtx, u)
}

func (p *UserPool) run(ctx context.Context, u *User) {
	defer p.wg.Done()
	defer close(u.done)
	defer u.cancel()

	p.fn(ctx, u)

	// A user that returns on its own leaves a gap the spawn loop refills.
	if p.remove(u) {
		p.notify()
	} else {
		p.stopping.Add(-1)
	}
	p.stopped.Add(1)
}

func (p *UserPool) retireLast() {
	p.usersMu.Lock()
	if len(p.users) == 0 {
		p.usersMu.Unlock()
		return
	}
	idx := len(p.users) - 1
	u := p.users[idx]
	p.users = p.users[:idx]
	p.usersMu.Unlock()

	p.retire(u)
}

// retire asks u to stop and cancels it after StopTimeout.
func (p *UserPool) retire(u *User) {
	u.stopOnce.Do(func() {
		p.stopping.Add(1)
		close(u.stopCh)
		if p.config.StopTimeout <= 0 {
			u.cancel()
			return
		}
		timer := time.AfterFunc(p.config.StopTimeout, u.cancel)
		go func() {
			<-u.done
			timer.Stop()
		}()
	})
}

// remove drops u from the active list and reports whether it was there.
func (p *UserPool) remove(u *User) bool {
	p.usersMu.Lock()
	defer p.usersMu.Unlock()
	for i, other := range p.users {
		if other == u {
			p.users = append(p.users[:i], p.users[i+1:]...)
			return true
		}
	}
	return false
}
