package audio

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
)

// Device describes one PulseAudio source
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
	Monitor     bool
}

// ListDevices returns the PulseAudio sources with default/availability metadata
func ListDevices(logger *logrus.Logger) ([]Device, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("kaiwa"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to connect to pulse server").
			WithField("cause", err.Error())
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to read default source").
			WithField("cause", err.Error())
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to list sources").
			WithField("cause", err.Error())
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
			Monitor:     strings.HasSuffix(source.SourceName, ".monitor"),
		})
	}

	logger.WithField("device_count", len(devices)).Debug("Enumerated PulseAudio sources")
	return devices, nil
}

// PulseSource captures fixed-size PCM chunks from one PulseAudio source.
// It implements the Source interface.
type PulseSource struct {
	label  string
	device Device
	logger *logrus.Logger

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan Chunk
	stopCh chan struct{}

	mu       sync.Mutex
	pending  []byte
	stopped  bool
	seq      uint64
	chunkLen int

	inflight sync.WaitGroup
}

// AcquireMicrophone opens a capture stream on the configured (or default)
// microphone source.
func AcquireMicrophone(logger *logrus.Logger, cfg CaptureConfig) (*PulseSource, error) {
	return acquire(logger, cfg, SourceMicrophone, false)
}

// AcquireLoopback opens a capture stream on a sink monitor source, which
// carries the system playback audio. Callers treat failure as a degraded
// session rather than a fatal error.
func AcquireLoopback(logger *logrus.Logger, cfg CaptureConfig) (*PulseSource, error) {
	return acquire(logger, cfg, SourceLoopback, true)
}

func acquire(logger *logrus.Logger, cfg CaptureConfig, label string, wantMonitor bool) (*PulseSource, error) {
	if cfg.ChunkBytes <= 0 {
		return nil, errors.NewInvalidInput("chunk size must be positive")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName("kaiwa"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to connect to pulse server").
			WithField("cause", err.Error())
	}

	source, err := resolveSource(client, cfg.DeviceID, wantMonitor)
	if err != nil {
		client.Close()
		return nil, err
	}

	ps := &PulseSource{
		label:    label,
		device:   Device{ID: source.ID()},
		logger:   logger,
		client:   client,
		chunks:   make(chan Chunk, 64),
		stopCh:   make(chan struct{}),
		chunkLen: cfg.ChunkBytes,
	}

	mediaName := cfg.MediaName
	if mediaName == "" {
		mediaName = "kaiwa capture"
	}

	writer := pulse.NewWriter(writerFunc(ps.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(cfg.ChunkBytes)),
		pulse.RecordMediaName(mediaName),
	)
	if err != nil {
		ps.Release()
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to create record stream").
			WithFields(map[string]interface{}{"device_id": source.ID(), "cause": err.Error()})
	}

	ps.stream = stream
	stream.Start()

	logger.WithFields(logrus.Fields{
		"source":      label,
		"device_id":   source.ID(),
		"sample_rate": cfg.SampleRate,
		"chunk_bytes": cfg.ChunkBytes,
	}).Info("Audio capture started")

	return ps, nil
}

// resolveSource finds the requested Pulse source. For loopback capture an
// explicit device wins; otherwise the default sink's monitor is preferred,
// then any monitor source.
func resolveSource(client *pulse.Client, deviceID string, wantMonitor bool) (*pulse.Source, error) {
	if deviceID != "" {
		source, err := client.SourceByID(deviceID)
		if err != nil {
			return nil, errors.NewDeviceUnavailable(deviceID).
				WithField("cause", err.Error())
		}
		return source, nil
	}

	if !wantMonitor {
		source, err := client.DefaultSource()
		if err != nil {
			return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to resolve default source").
				WithField("cause", err.Error())
		}
		return source, nil
	}

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "failed to list sources").
			WithField("cause", err.Error())
	}

	var monitorName string
	if sink, err := client.DefaultSink(); err == nil {
		candidate := sink.ID() + ".monitor"
		for _, info := range sourceInfos {
			if info != nil && info.SourceName == candidate {
				monitorName = candidate
				break
			}
		}
	}
	if monitorName == "" {
		for _, info := range sourceInfos {
			if info != nil && strings.HasSuffix(info.SourceName, ".monitor") {
				monitorName = info.SourceName
				break
			}
		}
	}
	if monitorName == "" {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, "no monitor source found")
	}

	source, err := client.SourceByID(monitorName)
	if err != nil {
		return nil, errors.NewDeviceUnavailable(monitorName).
			WithField("cause", err.Error())
	}
	return source, nil
}

// Label returns the source label
func (s *PulseSource) Label() string {
	return s.label
}

// DeviceID returns the resolved PulseAudio source name
func (s *PulseSource) DeviceID() string {
	return s.device.ID
}

// Chunks returns the captured PCM stream as fixed-size chunks
func (s *PulseSource) Chunks() <-chan Chunk {
	return s.chunks
}

// Release stops the stream, flushes residual PCM, and closes Chunks.
// Safe to call more than once.
func (s *PulseSource) Release() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}

	s.inflight.Wait()

	s.mu.Lock()
	pending := append([]byte(nil), s.pending...)
	s.pending = nil
	seq := s.seq
	s.mu.Unlock()

	if len(pending) > 0 {
		select {
		case s.chunks <- Chunk{Data: pending, Source: s.label, Seq: seq, Captured: time.Now()}:
		default:
		}
	}

	close(s.chunks)

	if s.logger != nil {
		s.logger.WithField("source", s.label).Info("Audio capture released")
	}
	return nil
}

// onPCM receives raw Pulse frames and emits chunkLen-sized chunks
func (s *PulseSource) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-s.stopCh:
		return 0, io.EOF
	default:
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as s.stopped to avoid Add/Wait races
	s.inflight.Add(1)

	s.pending = append(s.pending, buffer...)

	out := make([]Chunk, 0, len(s.pending)/s.chunkLen)
	for len(s.pending) >= s.chunkLen {
		data := make([]byte, s.chunkLen)
		copy(data, s.pending[:s.chunkLen])
		s.pending = s.pending[s.chunkLen:]
		s.seq++
		out = append(out, Chunk{Data: data, Source: s.label, Seq: s.seq, Captured: time.Now()})
	}
	s.mu.Unlock()
	defer s.inflight.Done()

	for _, chunk := range out {
		select {
		case <-s.stopCh:
			return 0, io.EOF
		case s.chunks <- chunk:
			metrics.RecordAudioChunk(s.label, len(chunk.Data))
		}
	}

	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2
		return port.Available == 0 || port.Available == 2
	}
	return true
}
