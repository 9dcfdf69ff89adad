package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/analysis"
	"kaiwa-server/pkg/audio"
	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
	"kaiwa-server/pkg/stt"
	"kaiwa-server/pkg/transcript"
)

// SourceFactory acquires an audio source for a session run.
type SourceFactory func(ctx context.Context) (audio.Source, error)

// ChannelFactory creates a fresh streaming channel. Channels are single
// use; the supervisor requests a new one for every connection attempt.
type ChannelFactory func(label string) (stt.Channel, error)

// ControlForwarder relays user actions to the session backend over the
// control channel. The control client satisfies it.
type ControlForwarder interface {
	PinUtterance(utteranceID string, pinned bool, note string)
	DismissSuggestion(suggestionID string)
	UseSuggestion(suggestionID string)
	UpdateExtraction(extraction interface{})
	SetLayer(layer string)
}

// Config tunes the supervisor's reconnection behavior.
type Config struct {
	ReconnectAttempts int
	ReconnectInterval time.Duration
}

// Supervisor drives one session: it acquires audio sources, opens a
// streaming channel per source, pumps audio, feeds transcript events into
// the assembler, and handles channel loss with bounded reconnection.
// The microphone is required; loopback capture is best effort.
type Supervisor struct {
	logger     *logrus.Logger
	id         string
	config     Config
	micSource  SourceFactory
	loopSource SourceFactory
	newChannel ChannelFactory
	assembler  *transcript.Assembler
	controller *analysis.Controller

	mu        sync.Mutex
	status    Status
	started   time.Time
	slots     map[string]*slot
	stopping  bool
	cancel    context.CancelFunc
	runCtx    context.Context
	endTimer  func(outcome string)
	onStopped func()
	control   ControlForwarder
	pumps     sync.WaitGroup
}

type slot struct {
	label    string
	required bool
	source   audio.Source

	mu         sync.RWMutex
	channel    stt.Channel
	reconnects int
}

// NewSupervisor creates a session supervisor. loopSource may be nil to
// disable system audio capture. The controller may be nil when analysis
// is disabled.
func NewSupervisor(
	logger *logrus.Logger,
	id string,
	config Config,
	micSource SourceFactory,
	loopSource SourceFactory,
	newChannel ChannelFactory,
	assembler *transcript.Assembler,
	controller *analysis.Controller,
) *Supervisor {
	s := &Supervisor{
		logger:     logger,
		id:         id,
		config:     config,
		micSource:  micSource,
		loopSource: loopSource,
		newChannel: newChannel,
		assembler:  assembler,
		controller: controller,
		status:     StatusIdle,
		slots:      make(map[string]*slot),
	}

	if controller != nil {
		assembler.AddSink(func(u transcript.Utterance, fragment string, qualifies bool) {
			if !qualifies {
				return
			}
			ctx := s.runContext()
			if ctx == nil {
				return
			}
			controller.Offer(ctx, analysis.Entry{
				Time:    u.UpdatedAt,
				Speaker: u.Speaker,
				Text:    fragment,
			})
		})
	}

	return s
}

// ID returns the session identifier
func (s *Supervisor) ID() string {
	return s.id
}

// OnStopped registers a hook invoked after every stop, intentional or not.
// Must be set before Start.
func (s *Supervisor) OnStopped(hook func()) {
	s.onStopped = hook
}

// SetControl attaches the control forwarder for user actions. Must be set
// before Start. Sessions without a control channel reject suggestion and
// layer actions but still allow local transcript annotations.
func (s *Supervisor) SetControl(forwarder ControlForwarder) {
	s.control = forwarder
}

// Transcript returns the assembled conversation log in order
func (s *Supervisor) Transcript() []transcript.Utterance {
	return s.assembler.Snapshot()
}

// Balance returns cumulative committed character counts per speaker
func (s *Supervisor) Balance() map[string]int {
	return s.assembler.Balance()
}

// PinUtterance pins or unpins an utterance in the local transcript and
// reports the change over the control channel when one is attached.
func (s *Supervisor) PinUtterance(utteranceID string, pinned bool, note string) error {
	var err error
	if pinned {
		err = s.assembler.Pin(utteranceID, note)
	} else {
		err = s.assembler.Unpin(utteranceID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to pin utterance").
			WithField("utterance_id", utteranceID)
	}

	if s.control != nil {
		s.control.PinUtterance(utteranceID, pinned, note)
	}
	return nil
}

// MarkImportant flags or unflags an utterance in the local transcript
func (s *Supervisor) MarkImportant(utteranceID string, important bool) error {
	if err := s.assembler.MarkImportant(utteranceID, important); err != nil {
		return errors.Wrap(err, "failed to mark utterance").
			WithField("utterance_id", utteranceID)
	}
	return nil
}

// DismissSuggestion reports a dismissed suggestion to the backend
func (s *Supervisor) DismissSuggestion(suggestionID string) error {
	if s.control == nil {
		return errors.Wrap(errors.ErrControlUnavailable, "cannot dismiss suggestion").
			WithField("session_id", s.id)
	}
	s.control.DismissSuggestion(suggestionID)
	return nil
}

// UseSuggestion reports an accepted suggestion to the backend
func (s *Supervisor) UseSuggestion(suggestionID string) error {
	if s.control == nil {
		return errors.Wrap(errors.ErrControlUnavailable, "cannot use suggestion").
			WithField("session_id", s.id)
	}
	s.control.UseSuggestion(suggestionID)
	return nil
}

// UpdateExtraction pushes an edited extraction payload to the backend
func (s *Supervisor) UpdateExtraction(extraction interface{}) error {
	if s.control == nil {
		return errors.Wrap(errors.ErrControlUnavailable, "cannot update extraction").
			WithField("session_id", s.id)
	}
	s.control.UpdateExtraction(extraction)
	return nil
}

// SetLayer selects the active assistance layer on the backend
func (s *Supervisor) SetLayer(layer string) error {
	if s.control == nil {
		return errors.Wrap(errors.ErrControlUnavailable, "cannot set layer").
			WithField("session_id", s.id)
	}
	s.control.SetLayer(layer)
	return nil
}

// Status returns the current lifecycle status
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a state snapshot for status reporting
func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		ID:        s.id,
		Status:    s.status,
		StartedAt: s.started,
		Channels:  make(map[string]ChannelInfo, len(s.slots)),
	}
	for label, sl := range s.slots {
		sl.mu.RLock()
		info := ChannelInfo{Reconnects: sl.reconnects, Required: sl.required}
		if sl.channel != nil {
			info.State = sl.channel.State().String()
		}
		sl.mu.RUnlock()
		state.Channels[label] = info
	}
	return state
}

// Start acquires sources and opens channels. It is an error to start a
// session that is not idle. A microphone failure aborts the start; a
// loopback failure only logs and continues without system audio.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		return errors.New("session is not idle").WithField("status", string(status))
	}
	s.status = StatusConnecting
	s.stopping = false
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	mic, err := s.micSource(ctx)
	if err != nil {
		s.abortStart()
		return errors.Wrap(err, "failed to acquire microphone").WithField("session_id", s.id)
	}

	slots := []*slot{{label: "mic", required: true, source: mic}}

	if s.loopSource != nil {
		loop, err := s.loopSource(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Loopback capture unavailable, continuing with microphone only")
		} else {
			slots = append(slots, &slot{label: "loopback", source: loop})
		}
	}

	for _, sl := range slots {
		if err := s.openChannel(ctx, sl); err != nil {
			if sl.required {
				s.releaseSlots(slots)
				s.abortStart()
				return errors.Wrap(err, "failed to open streaming channel").WithField("channel", sl.label)
			}
			s.logger.WithError(err).WithField("channel", sl.label).Warn("Optional channel failed to open")
			_ = sl.source.Release()
			continue
		}
	}

	s.mu.Lock()
	for _, sl := range slots {
		sl.mu.RLock()
		opened := sl.channel != nil
		sl.mu.RUnlock()
		if opened || sl.required {
			s.slots[sl.label] = sl
		}
	}
	s.status = StatusRecording
	s.started = time.Now()
	s.endTimer = metrics.StartSessionTimer()
	s.mu.Unlock()

	for _, sl := range s.slotList() {
		s.pumps.Add(1)
		go s.pump(sl)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"channels":   len(s.slotList()),
	}).Info("Session recording")
	return nil
}

// Stop halts capture and returns the session to idle. It is idempotent.
func (s *Supervisor) Stop() {
	s.stop("stopped", StatusIdle)
}

// End stops the session and produces the end-of-session reflection over
// the full assembled transcript. Returns nil when analysis is disabled.
func (s *Supervisor) End(ctx context.Context) (*analysis.Reflection, error) {
	s.stop("ended", StatusEnded)

	if s.controller == nil {
		return nil, nil
	}

	s.controller.Wait(ctx)

	entries := make([]analysis.Entry, 0)
	for _, u := range s.assembler.Snapshot() {
		if !u.IsFinal {
			continue
		}
		entries = append(entries, analysis.Entry{Time: u.Timestamp, Speaker: u.Speaker, Text: u.Text})
	}

	reflection, err := s.controller.Reflect(ctx, analysis.Serialize(entries))
	if err != nil {
		return nil, errors.Wrap(err, "failed to produce session reflection").WithField("session_id", s.id)
	}
	return reflection, nil
}

func (s *Supervisor) stop(outcome string, next Status) {
	s.mu.Lock()
	if s.stopping || (s.status != StatusRecording && s.status != StatusConnecting) {
		if s.status == StatusIdle && next == StatusEnded {
			s.status = StatusEnded
		}
		s.mu.Unlock()
		return
	}
	// The flag goes up before any socket closes so channel close
	// callbacks can tell an intentional stop from a failure.
	s.stopping = true
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	cancel := s.cancel
	endTimer := s.endTimer
	s.mu.Unlock()

	for _, sl := range slots {
		sl.mu.RLock()
		channel := sl.channel
		sl.mu.RUnlock()
		if channel != nil {
			channel.Close()
		}
	}
	for _, sl := range slots {
		if err := sl.source.Release(); err != nil {
			s.logger.WithError(err).WithField("channel", sl.label).Warn("Failed to release audio source")
		}
	}

	if cancel != nil {
		cancel()
	}
	s.pumps.Wait()

	s.mu.Lock()
	s.status = next
	s.slots = make(map[string]*slot)
	s.endTimer = nil
	s.mu.Unlock()

	if endTimer != nil {
		endTimer(outcome)
	}
	if s.onStopped != nil {
		s.onStopped()
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"outcome":    outcome,
	}).Info("Session stopped")
}

func (s *Supervisor) abortStart() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.status = StatusIdle
	s.stopping = false
	s.mu.Unlock()
}

func (s *Supervisor) releaseSlots(slots []*slot) {
	for _, sl := range slots {
		sl.mu.RLock()
		channel := sl.channel
		sl.mu.RUnlock()
		if channel != nil {
			channel.Close()
		}
		_ = sl.source.Release()
	}
}

func (s *Supervisor) slotList() []*slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl)
	}
	return out
}

func (s *Supervisor) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// openChannel creates and opens a fresh channel for the slot and wires
// its callbacks.
func (s *Supervisor) openChannel(ctx context.Context, sl *slot) error {
	channel, err := s.newChannel(sl.label)
	if err != nil {
		return err
	}

	// The channel records its own transcript-event metrics.
	channel.OnEvent(func(event stt.TranscriptEvent) {
		s.assembler.Apply(event)
	})
	channel.OnClosed(func(channelID string, code int, err error, intentional bool) {
		s.handleChannelClosed(sl, code, err, intentional)
	})

	if err := channel.Open(ctx); err != nil {
		return err
	}

	sl.mu.Lock()
	sl.channel = channel
	sl.mu.Unlock()
	return nil
}

func (s *Supervisor) pump(sl *slot) {
	defer s.pumps.Done()

	for chunk := range sl.source.Chunks() {
		sl.mu.RLock()
		channel := sl.channel
		sl.mu.RUnlock()
		if channel != nil {
			channel.Send(chunk)
		}
	}
}

func (s *Supervisor) handleChannelClosed(sl *slot, code int, cause error, intentional bool) {
	s.mu.Lock()
	stopping := s.stopping
	runCtx := s.runCtx
	s.mu.Unlock()

	if intentional || stopping {
		return
	}

	if code == stt.CloseCodeSessionNotFound {
		s.logger.WithField("channel", sl.label).Warn("Upstream session not found, stopping")
		go s.Stop()
		return
	}

	s.logger.WithError(cause).WithFields(logrus.Fields{
		"channel": sl.label,
		"code":    code,
	}).Warn("Streaming channel lost, reconnecting")

	go s.reconnect(runCtx, sl)
}

func (s *Supervisor) reconnect(ctx context.Context, sl *slot) {
	for attempt := 1; attempt <= s.config.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.ReconnectInterval):
		}

		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}

		sl.mu.Lock()
		sl.reconnects++
		sl.mu.Unlock()

		if err := s.openChannel(ctx, sl); err != nil {
			metrics.RecordChannelReconnect(sl.label, "failure")
			s.logger.WithError(err).WithFields(logrus.Fields{
				"channel":      sl.label,
				"attempt":      attempt,
				"max_attempts": s.config.ReconnectAttempts,
			}).Warn("Channel reconnect failed")
			continue
		}

		metrics.RecordChannelReconnect(sl.label, "success")
		s.logger.WithFields(logrus.Fields{
			"channel": sl.label,
			"attempt": attempt,
		}).Info("Channel reconnected")
		return
	}

	s.logger.WithField("channel", sl.label).Error("Channel reconnect attempts exhausted")
	if sl.required {
		s.stop("error", StatusIdle)
	}
}
