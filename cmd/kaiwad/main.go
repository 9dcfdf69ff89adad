package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/analysis"
	"kaiwa-server/pkg/audio"
	"kaiwa-server/pkg/config"
	"kaiwa-server/pkg/control"
	http_server "kaiwa-server/pkg/http"
	"kaiwa-server/pkg/messaging"
	"kaiwa-server/pkg/metrics"
	"kaiwa-server/pkg/session"
	"kaiwa-server/pkg/stt"
	"kaiwa-server/pkg/transcript"
	"kaiwa-server/pkg/util"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	cfg, err := config.LoadConfig(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	metrics.StartMetrics(logger, cfg.HTTPEnableMetrics)

	shutdown := util.NewGracefulShutdown(logger, 30*time.Second)

	amqpClient := messaging.NewAMQPClient(logger, cfg.AMQPUrl, cfg.AMQPQueueName)
	if amqpClient.Enabled() {
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP connection failed, continuing without event publishing")
		}
		shutdown.Register(util.ShutdownResource{
			Name:     "amqp",
			Priority: 30,
			Shutdown: func(context.Context) error {
				amqpClient.Disconnect()
				return nil
			},
		})
	}

	transcriptionSvc := stt.NewTranscriptionService(logger)
	providerManager := stt.NewProviderManager(logger, cfg.STTProvider)
	if err := registerProviders(cfg, transcriptionSvc, providerManager); err != nil {
		logger.WithError(err).Fatal("Failed to initialize speech provider")
	}

	selection := audio.NewSelectionStore(logger, cfg.DeviceStateFile)

	store := session.NewMemoryStore(logger)
	factory := newSupervisorFactory(cfg, selection, transcriptionSvc, providerManager, amqpClient)
	manager := session.NewManager(logger, store, factory)
	shutdown.Register(util.ShutdownResource{
		Name:     "sessions",
		Priority: 10,
		Shutdown: manager.Shutdown,
	})

	if cfg.HTTPEnabled {
		server := http_server.NewServer(logger, &http_server.Config{
			Port:          cfg.HTTPPort,
			EnableMetrics: cfg.HTTPEnableMetrics,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  30 * time.Second,
		}, manager)
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("HTTP server stopped")
			}
		}()
		shutdown.Register(util.ShutdownResource{
			Name:     "http",
			Priority: 20,
			Shutdown: server.Shutdown,
		})
	}

	logger.WithFields(logrus.Fields{
		"stt_provider": cfg.STTProvider,
		"language":     cfg.Language,
		"http_port":    cfg.HTTPPort,
	}).Info("kaiwad started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
	}
}

// registerProviders wires up the transcription backend selected by the
// configuration. Deepgram streams over its own WebSocket channel and needs
// no provider registration.
func registerProviders(cfg *config.Configuration, svc *stt.TranscriptionService, manager *stt.ProviderManager) error {
	switch cfg.STTProvider {
	case "deepgram":
		return nil
	case "google":
		googleCfg := stt.DefaultGoogleConfig()
		googleCfg.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		googleCfg.Language = speechLocale(cfg.Language)
		googleCfg.SampleRate = cfg.SampleRate
		googleCfg.EnableDiarization = cfg.Diarize
		googleCfg.InterimResults = cfg.InterimResults
		return manager.RegisterProvider(stt.NewGoogleProvider(logger, svc, googleCfg))
	case "amazon":
		amazonCfg := stt.DefaultAmazonConfig()
		amazonCfg.Region = envOr("AWS_REGION", amazonCfg.Region)
		amazonCfg.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		amazonCfg.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		amazonCfg.Language = speechLocale(cfg.Language)
		amazonCfg.SampleRate = cfg.SampleRate
		amazonCfg.ShowSpeakerLabels = cfg.Diarize
		return manager.RegisterProvider(stt.NewAmazonTranscribeProvider(logger, svc, amazonCfg))
	case "mock":
		return manager.RegisterProvider(stt.NewMockProvider(logger, svc))
	default:
		return fmt.Errorf("unsupported STT provider: %s", cfg.STTProvider)
	}
}

// speechLocale widens a bare language tag into the locale form the cloud
// providers expect.
func speechLocale(language string) string {
	switch language {
	case "ja":
		return "ja-JP"
	case "en":
		return "en-US"
	default:
		return language
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newSupervisorFactory builds the per-session wiring: audio sources,
// streaming channels, transcript assembly, analysis cadence, the control
// channel, and event publishing.
func newSupervisorFactory(
	cfg *config.Configuration,
	selection *audio.SelectionStore,
	transcriptionSvc *stt.TranscriptionService,
	providerManager *stt.ProviderManager,
	amqpClient *messaging.AMQPClient,
) session.SupervisorFactory {
	return func(sessionID string) (*session.Supervisor, error) {
		assembler := transcript.NewAssembler(logger, cfg.MinUtteranceChars)

		var controller *analysis.Controller
		if cfg.AnalysisURL != "" {
			client := analysis.NewClient(logger, cfg.AnalysisURL, cfg.AnalysisTimeout)
			controller = analysis.NewController(logger, client,
				analysis.NewWindow(cfg.WindowCapacity), cfg.AnalysisCooldown, cfg.AnalysisMinEntries)
		}

		var controlClient *control.Client
		if cfg.ControlURL != "" {
			controlClient = control.NewClient(logger,
				fmt.Sprintf("%s?session_id=%s", cfg.ControlURL, sessionID),
				cfg.ReconnectAttempts, cfg.ReconnectInterval)
			controlClient.SetHandler(&controlLogger{sessionID: sessionID})
			if err := controlClient.Connect(context.Background()); err != nil {
				logger.WithError(err).Warn("Control channel unavailable, continuing without it")
				controlClient = nil
			}
		}

		if controller != nil {
			controller.OnRisk(func(result analysis.RiskResult) {
				if !result.RiskDetected {
					return
				}
				if amqpClient.IsConnected() {
					_ = amqpClient.PublishRisk(sessionID, messaging.RiskPayload{
						RiskLevel:    result.RiskLevel,
						DetectedText: result.DetectedText,
						Analysis:     result.Analysis,
						Rephrase:     result.Rephrase,
					})
				}
			})
		}

		supervisor := session.NewSupervisor(logger, sessionID,
			session.Config{
				ReconnectAttempts: cfg.ReconnectAttempts,
				ReconnectInterval: cfg.ReconnectInterval,
			},
			newMicFactory(cfg, selection),
			newLoopbackFactory(cfg),
			newChannelFactory(cfg, sessionID, transcriptionSvc, providerManager),
			assembler, controller)

		assembler.AddSink(func(u transcript.Utterance, fragment string, qualifies bool) {
			if controlClient != nil {
				controlClient.SendTranscript(u)
			}
			if amqpClient.IsConnected() {
				_ = amqpClient.PublishUtterance(sessionID, u.Speaker, fragment)
			}
		})

		if controlClient != nil {
			supervisor.SetControl(controlClient)
			supervisor.OnStopped(controlClient.Disconnect)
		}

		return supervisor, nil
	}
}

func newMicFactory(cfg *config.Configuration, selection *audio.SelectionStore) session.SourceFactory {
	return func(ctx context.Context) (audio.Source, error) {
		devices, err := audio.ListDevices(logger)
		if err != nil {
			logger.WithError(err).Debug("Device enumeration failed, using default source")
		}
		deviceID := selection.Resolve(cfg.MicDeviceID, devices)

		source, err := audio.AcquireMicrophone(logger, audio.CaptureConfig{
			DeviceID:   deviceID,
			SampleRate: cfg.SampleRate,
			ChunkBytes: cfg.ChunkBytes(),
			MediaName:  "kaiwa microphone",
		})
		if err != nil {
			return nil, err
		}
		if deviceID != "" {
			if err := selection.Save(deviceID); err != nil {
				logger.WithError(err).Debug("Failed to persist device selection")
			}
		}
		return source, nil
	}
}

func newLoopbackFactory(cfg *config.Configuration) session.SourceFactory {
	if !cfg.CaptureLoopback {
		return nil
	}
	return func(ctx context.Context) (audio.Source, error) {
		return audio.AcquireLoopback(logger, audio.CaptureConfig{
			SampleRate: cfg.SampleRate,
			ChunkBytes: cfg.ChunkBytes(),
			MediaName:  "kaiwa system audio",
		})
	}
}

func newChannelFactory(
	cfg *config.Configuration,
	sessionID string,
	transcriptionSvc *stt.TranscriptionService,
	providerManager *stt.ProviderManager,
) session.ChannelFactory {
	return func(label string) (stt.Channel, error) {
		resolver := resolverFor(cfg, label)

		if cfg.STTProvider == "deepgram" {
			dg := stt.DefaultDeepgramConfig()
			dg.APIKey = cfg.DeepgramAPIKey
			dg.Model = cfg.DeepgramModel
			dg.Language = cfg.Language
			dg.SampleRate = cfg.SampleRate
			dg.Punctuate = cfg.Punctuate
			dg.SmartFormat = cfg.SmartFormat
			dg.InterimResults = cfg.InterimResults
			dg.Diarize = cfg.Diarize
			dg.EndpointingMS = cfg.EndpointingMS
			return stt.NewDeepgramChannel(logger, label, dg, resolver), nil
		}

		channelID := fmt.Sprintf("%s/%s", sessionID, label)
		return stt.NewProviderChannel(logger, channelID, providerManager,
			cfg.STTProvider, transcriptionSvc, resolver), nil
	}
}

// resolverFor picks the speaker attribution strategy per channel. The
// microphone is always the user; the loopback channel carries the other
// parties and may be diarized.
func resolverFor(cfg *config.Configuration, label string) stt.SpeakerResolver {
	if label == "mic" {
		return stt.StaticResolver{Tag: "self"}
	}
	if cfg.Diarize {
		return stt.DiarizationResolver{Fallback: "other"}
	}
	return stt.StaticResolver{Tag: "other"}
}

// controlLogger is the default control message handler; it surfaces
// server-side guidance in the logs.
type controlLogger struct {
	sessionID string
}

func (h *controlLogger) HandleControlMessage(msgType string, data json.RawMessage, timestamp time.Time) {
	logger.WithFields(logrus.Fields{
		"session_id": h.sessionID,
		"type":       msgType,
		"data":       string(data),
	}).Debug("Control message received")
}
