// Package election provides Redis-based leader election so that singleton
// chores (queue cleanup, metrics reporting, delayed dispatch) run on exactly
// one worker replica at a time.
package election

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type Elector struct {
	host      string
	redis     redis.Scripter
	key       string
	id        string
	promoteCh chan time.Time
	demoteCh  chan time.Time
	errorCh   chan error
	ttl       time.Duration
	wait      time.Duration
	jitter    time.Duration

	running           bool
	leading           bool
	cancelRenewRun    func()
	cancelElectionRun func()
	startStopLock     sync.Mutex
	electionLock      sync.Mutex
}

type Opts struct {
	Redis    redis.Scripter
	TTL      time.Duration
	Wait     time.Duration
	JitterMS int
	Key      string
}

func makeKey(input string) string {
	sha := sha1.New()
	sha.Write([]byte(input))
	return "taskrelay:leader:" + base32.StdEncoding.EncodeToString(sha.Sum(nil))
}

func clientID() string {
	src := rand.New(rand.NewSource(time.Now().UnixMicro()))
	id := make([]byte, 16)
	src.Read(id)
	return base32.StdEncoding.EncodeToString(id)
}

// NewElector returns an elector plus its promotion, demotion and error
// channels. The caller drains the channels; the elector never blocks on them
// thanks to their buffers, but a deaf caller will eventually miss transitions.
func NewElector(host string, opts Opts) (leader *Elector, onPromote <-chan time.Time, onDemote <-chan time.Time, onError <-chan error) {
	if opts.TTL == 0 {
		panic("NewElector received a zero TTL")
	}
	if opts.Wait == 0 {
		panic("NewElector received a zero Wait value")
	}

	prom := make(chan time.Time, 10)
	demo := make(chan time.Time, 10)
	errCh := make(chan error, 10)

	return &Elector{
		host:    host,
		redis:   opts.Redis,
		leading: false,
		key:     makeKey(opts.Key),
		ttl:     opts.TTL,
		wait:    opts.Wait,
		jitter:  time.Duration(opts.JitterMS) * time.Millisecond,
		id:      clientID(),

		promoteCh: prom,
		demoteCh:  demo,
		errorCh:   errCh,
	}, prom, demo, errCh
}

func randomJitter(val time.Duration) time.Duration {
	if val == 0 {
		return 0
	}
	return time.Duration(rand.Intn(int(val.Milliseconds()))) * time.Millisecond
}

// runAfter schedules fn once after d. The returned function cancels the run
// if it has not fired yet; fn executes at most once either way.
func runAfter(d time.Duration, fn func()) func() {
	timer := time.NewTimer(d)
	done := make(chan struct{})

	go func() {
		select {
		case <-timer.C:
			fn()
		case <-done:
			timer.Stop()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func (e *Elector) renew() {
	e.electionLock.Lock()
	defer e.electionLock.Unlock()

	e.cancelRenewRun = nil

	leading, err := doAtomicRenew(e.redis, e.key, e.id, e.ttl)
	if err != nil {
		// Failed to renew the lease. Treat it as a demotion and try to win
		// the next election once the error clears.
		e.errorCh <- fmt.Errorf("trying to renew lease: %w", err)

		if e.leading {
			e.leading = false
			e.demoteCh <- time.Now()
		}

		e.cancelElectionRun = runAfter(e.wait, e.runElection)
		return
	}

	if leading {
		e.cancelRenewRun = runAfter((e.ttl/2)+randomJitter(e.jitter), e.renew)
		return
	}

	// Lost the lease to someone else. Announce and re-enter the race.
	if e.leading {
		e.leading = false
		e.demoteCh <- time.Now()
	}
	e.cancelElectionRun = runAfter(e.wait, e.runElection)
}

func (e *Elector) runElection() {
	e.electionLock.Lock()
	defer e.electionLock.Unlock()
	e.cancelElectionRun = nil

	set, err := doAtomicSet(e.redis, e.key, e.id, e.ttl)
	if err != nil {
		e.errorCh <- fmt.Errorf("trying to run election: %w", err)
		e.cancelElectionRun = runAfter(e.wait, e.runElection)
		return
	}

	if set {
		e.leading = true
		log.WithField("host", e.host).Debug("promoted to leader")
		e.promoteCh <- time.Now()

		e.cancelRenewRun = runAfter((e.ttl/2)+randomJitter(e.jitter), e.renew)
		return
	}

	if e.leading {
		log.WithField("host", e.host).Debug("demoted from leader")
		e.demoteCh <- time.Now()
	}
	e.leading = false
	if e.cancelRenewRun != nil {
		e.cancelRenewRun()
		e.cancelRenewRun = nil
	}
	e.cancelElectionRun = runAfter(e.wait, e.runElection)
}

func (e *Elector) voidTimers() {
	if e.cancelElectionRun != nil {
		e.cancelElectionRun()
		e.cancelElectionRun = nil
	}
	if e.cancelRenewRun != nil {
		e.cancelRenewRun()
		e.cancelRenewRun = nil
	}
}

func (e *Elector) resign() error {
	e.electionLock.Lock()
	defer e.electionLock.Unlock()
	e.voidTimers()

	leading, err := doAtomicDelete(e.redis, e.key, e.id)
	if err != nil {
		return err
	}

	e.running = false
	if leading {
		e.demoteCh <- time.Now()
	}
	e.leading = false

	return nil
}

func (e *Elector) Start() {
	e.startStopLock.Lock()
	defer e.startStopLock.Unlock()
	if e.running {
		return
	}
	e.running = true
	if err := registerScripts(e.redis); err != nil {
		e.errorCh <- err
	}
	go e.runElection()
}

func (e *Elector) Stop() error {
	e.startStopLock.Lock()
	defer e.startStopLock.Unlock()
	if !e.running {
		return nil
	}
	return e.resign()
}

func (e *Elector) IsLeader(context.Context) error {
	if e.leading {
		return nil
	}
	return errors.New("not the leader")
}
