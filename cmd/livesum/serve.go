package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/livesum/internal/api"
	"github.com/snarg/livesum/internal/audio"
	"github.com/snarg/livesum/internal/live"
	"github.com/snarg/livesum/internal/metrics"
	"github.com/snarg/livesum/internal/mqttclient"
	"github.com/snarg/livesum/internal/recognize"
	"github.com/snarg/livesum/internal/summarize"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture audio and serve the live transcript stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// liveStats feeds the scrape-time gauges.
type liveStats struct {
	pipeline *live.CapturePipeline
	bus      *live.EventBus
	worker   *live.SummaryWorker
}

func (s liveStats) Listening() bool      { return s.pipeline.Ready() }
func (s liveStats) SubscriberCount() int { return s.bus.SubscriberCount() }
func (s liveStats) SummaryPending() int {
	if s.worker == nil {
		return 0
	}
	return s.worker.Stats().Pending
}

func serve() error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	log.Info().Str("version", version).Msg("livesum starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := live.NewEventBus(cfg.SSERingSize, cfg.SubscriberBuffer, log.With().Str("component", "eventbus").Logger())

	// Summarizer
	backend, err := summarize.New(cfg.Summarizer, summarize.Options{
		OllamaURL:     cfg.OllamaURL,
		OllamaModel:   cfg.OllamaModel,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		Stream:        cfg.SummaryStream,
		Timeout:       cfg.SummaryTimeout,
	})
	if err != nil {
		return err
	}
	var worker *live.SummaryWorker
	if backend != nil {
		worker, err = live.NewSummaryWorker(live.SummaryWorkerOptions{
			Summarizer:     backend,
			Publisher:      bus,
			PromptTemplate: cfg.SummaryPrompt,
			ContextChars:   cfg.SummaryContextChars,
			QueueSize:      cfg.SummaryQueueSize,
			Timeout:        cfg.SummaryTimeout,
			Log:            log.With().Str("component", "summary").Logger(),
		})
		if err != nil {
			return err
		}
		worker.Start()
		log.Info().Str("backend", backend.Name()).Str("model", backend.Model()).Bool("stream", cfg.SummaryStream).Msg("summarizer enabled")
	} else {
		log.Info().Msg("summarizer disabled")
	}

	// Capture pipeline
	captureLog := log.With().Str("component", "capture").Logger()
	device, err := audio.New(cfg.AudioSource, cfg.AudioDevice, cfg.AudioFile, captureLog)
	if err != nil {
		return err
	}
	pipeOpts := live.CapturePipelineOptions{
		Device:       device,
		Engine:       recognize.NewVoskEngine(cfg.RecognizerURL, cfg.RecognizerTimeout, log.With().Str("component", "recognizer").Logger()),
		Publisher:    bus,
		SampleRate:   cfg.SampleRate,
		FrameSize:    cfg.FrameSize,
		RestartDelay: cfg.RestartDelay,
		Log:          captureLog,
	}
	if worker != nil {
		pipeOpts.Sentences = worker
	}
	pipeline := live.NewCapturePipeline(pipeOpts)

	if err := prometheus.Register(metrics.NewCollector(liveStats{pipeline: pipeline, bus: bus, worker: worker})); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	health := api.HealthDeps{QueueSize: cfg.SummaryQueueSize}
	if worker != nil {
		health.Summaries = worker
		health.Backend = backend.Name()
		health.Model = backend.Model()
	}

	// MQTT mirror
	var wg sync.WaitGroup
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mq, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			StatusTopic: mqttclient.JoinTopic(cfg.MQTTTopic, "availability"),
			Log:         mqttLog,
		})
		if err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
		defer mq.Close()
		health.MQTT = mq

		mirror := mqttclient.NewMirror(bus, mq, cfg.MQTTTopic, mqttLog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(ctx)
		}()
	}

	if cfg.AutoStart {
		pipeline.Start()
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.ServerOptions{
		Pipeline: pipeline,
		Bus:      bus,
		Health:   health,
	}, version, startTime, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			runErr = err
		}
	}

	// Stop producers first so the last events still reach subscribers, then
	// close the bus to end every stream before the server drains.
	pipeline.Stop()
	pipeline.Wait()
	if worker != nil {
		worker.Stop()
	}
	bus.Close()
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("livesum stopped")
	return runErr
}
