package chatsesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const progressEvery = 5

// Authorization outcomes reported to metrics and the monitor.
const (
	OutcomeAuthorized = "authorized"
	OutcomeExpired    = "expired"
	OutcomeFailed     = "failed"
	OutcomeTimeout    = "timeout"
	OutcomeAbandoned  = "abandoned"
)

var errMissingSubject = errors.New("profile has no subject")

// Orchestrator drives one authorization per user: it starts the session and the device flow,
// then polls in the background until a terminal outcome, which is reported to the user with
// exactly one message. No outcome leaves a session or device flow record behind except success.
type Orchestrator struct {
	poller      *DeviceFlowPoller
	sessions    *SessionManager
	getter      UserGetter
	history     HistoryStorer
	notifier    *notifier
	progress    ProgressFunc
	monitor     Monitor
	metrics     *Metrics
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	loops  map[UserID]*pollLoop
	wg     sync.WaitGroup
}

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(poller *DeviceFlowPoller, sessions *SessionManager, store UserStorer, cfg *Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		poller:      poller,
		sessions:    sessions,
		history:     cfg.History,
		notifier:    newNotifier(cfg),
		progress:    cfg.Progress,
		monitor:     cfg.Monitor,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		interval:    cfg.PollInterval,
		maxAttempts: cfg.MaxPollAttempts,
		ctx:         ctx,
		cancel:      cancel,
		loops:       map[UserID]*pollLoop{},
	}
	if getter, ok := store.(UserGetter); ok {
		o.getter = getter
	}
	return o
}

// Begin starts authorization for user and returns what the user needs to approve it.
// A running authorization for the same user is superseded. When the user is already
// authorized, in memory or through an active stored record, no device flow is started
// and the returned Verification has Resumed set.
func (o *Orchestrator) Begin(ctx context.Context, user UserID) (Verification, error) {
	if prev := o.stop(user); prev != nil {
		<-prev.done
	}

	if o.resume(ctx, user) {
		return Verification{Resumed: true}, nil
	}

	if err := o.sessions.StartSession(ctx, user); err != nil {
		return Verification{}, err
	}
	if o.history != nil {
		if err := o.history.CreateChat(ctx, user, int64(user)); err != nil {
			o.logger.Error("create chat record", "user_id", user, "error", err)
		}
	}

	verification := o.poller.Start(ctx, user)

	loopCtx, cancel := context.WithCancel(o.ctx)
	loop := &pollLoop{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.loops[user] = loop
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(loopCtx, user, loop)
	return verification, nil
}

func (o *Orchestrator) resume(ctx context.Context, user UserID) bool {
	if o.sessions.IsAuthorized(user) {
		o.sessions.RegisterActivity(user)
		return true
	}
	if o.getter == nil {
		return false
	}

	rec, err := o.getter.GetUser(ctx, user)
	if err != nil {
		if !errors.Is(err, ErrUnknownUser) {
			o.logger.Error("look up stored authorization", "user_id", user, "error", err)
		}
		return false
	}
	if rec.AuthID == "" || !rec.IsActive {
		return false
	}
	if err := o.sessions.SetAuthorized(ctx, user, rec.AuthID, rec.AuthData); err != nil {
		o.logger.Error("restore stored authorization", "user_id", user, "error", err)
		return false
	}
	o.logger.Info("restored stored authorization", "user_id", user)
	return true
}

// Cancel stops the running authorization for user and clears its device flow record.
// The session is left to the caller. It reports whether an authorization was running.
func (o *Orchestrator) Cancel(user UserID) bool {
	loop := o.stop(user)
	if loop != nil {
		<-loop.done
	}
	o.poller.registry.ClearDeviceFlow(user)
	return loop != nil
}

// Running reports whether an authorization is being polled for user.
func (o *Orchestrator) Running(user UserID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.loops[user]
	return ok
}

// stop unregisters and cancels user's loop. A loop that finds itself unregistered exits
// without touching the session.
func (o *Orchestrator) stop(user UserID) *pollLoop {
	o.mu.Lock()
	loop, ok := o.loops[user]
	delete(o.loops, user)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	loop.cancel()
	return loop
}

func (o *Orchestrator) registered(user UserID, loop *pollLoop) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loops[user] == loop
}

func (o *Orchestrator) unregister(user UserID, loop *pollLoop) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loops[user] == loop {
		delete(o.loops, user)
	}
}

func (o *Orchestrator) run(ctx context.Context, user UserID, loop *pollLoop) {
	defer o.wg.Done()
	defer close(loop.done)
	defer o.unregister(user, loop)
	defer loop.cancel()

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		result := o.poller.Poll(ctx, user)
		if ctx.Err() != nil {
			o.abandon(ctx, user, loop)
			return
		}

		switch result.Status {
		case PollAuthorized:
			o.complete(ctx, user, loop, result)
			return
		case PollExpired:
			o.fail(ctx, user, OutcomeExpired, MessageCodeExpired)
			return
		case PollFailed:
			o.fail(ctx, user, OutcomeFailed, MessageAuthorizationError(result.Err))
			return
		case PollIdle:
			// The record vanished, so the session was closed underneath the loop.
			o.fail(ctx, user, OutcomeAbandoned, MessagePollTimeout)
			return
		}

		if attempt%progressEvery == 0 && o.progress != nil {
			o.progress(ctx, user, attempt*100/o.maxAttempts)
		}
		if attempt == o.maxAttempts {
			break
		}

		timer := time.NewTimer(o.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.abandon(ctx, user, loop)
			return
		case <-timer.C:
		}
	}

	o.logger.Info("authorization attempts exhausted", "user_id", user, "attempts", o.maxAttempts)
	o.fail(ctx, user, OutcomeTimeout, MessagePollTimeout)
}

func (o *Orchestrator) complete(ctx context.Context, user UserID, loop *pollLoop, result PollResult) {
	claims, err := o.poller.FetchProfile(ctx, result.Token)
	if err == nil && claims.Subject() == "" {
		err = errMissingSubject
	}
	if err == nil {
		err = o.sessions.SetAuthorized(ctx, user, claims.Subject(), claims)
	}
	if err != nil && ctx.Err() != nil {
		o.abandon(ctx, user, loop)
		return
	}
	if err != nil {
		o.logger.Error("complete authorization", "user_id", user, "error", err)
		o.fail(ctx, user, OutcomeFailed, MessageAuthorizationError(err))
		return
	}

	o.metrics.observeOutcome(OutcomeAuthorized)
	o.logger.Info("user authorized", "user_id", user, "auth_id", claims.Subject())
	_ = o.notifier.deliver(ctx, user, MessageAuthorized)
}

// fail closes the session, which also drops any device flow record, and tells the user.
func (o *Orchestrator) fail(ctx context.Context, user UserID, outcome, text string) {
	ctx = context.WithoutCancel(ctx)
	o.metrics.observeOutcome(outcome)
	if err := o.monitor.AuditAuthorizationFailure(ctx, user, outcome); err != nil {
		o.logger.Error("audit authorization failure", "error", err)
	}
	o.sessions.CloseSession(ctx, user, ReasonFailed)
	if err := o.notifier.deliver(ctx, user, text); err != nil {
		o.logger.Warn("authorization outcome not delivered", "user_id", user, "outcome", outcome)
	}
}

// abandon cleans up after a cancelled loop. A superseded or explicitly cancelled loop is no
// longer registered and leaves cleanup to whoever stopped it; shutdown closes the session.
func (o *Orchestrator) abandon(ctx context.Context, user UserID, loop *pollLoop) {
	if !o.registered(user, loop) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	o.metrics.observeOutcome(OutcomeAbandoned)
	o.sessions.CloseSession(ctx, user, ReasonAbandoned)
	o.logger.Info("authorization abandoned", "user_id", user)
}

// Close cancels every running authorization and waits for the loops to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

