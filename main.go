package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/akulov/sds011d/config"
	"github.com/akulov/sds011d/output"
	"github.com/akulov/sds011d/pm/sds011"
	"github.com/akulov/sds011d/poll"
)

// CLI args
var (
	configPath = flag.String("config", "sds011d.toml", "path to the TOML config file")
	logLevel   = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
)

func init() {
	formatter := &log.TextFormatter{
		FullTimestamp: true,
	}
	log.SetFormatter(formatter)
}

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %s", *logLevel, err)
	}
	log.SetLevel(level)
	logger := log.WithField("component", "sds011d")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	sinks, err := buildSinks(cfg, registry, logger)
	if err != nil {
		log.Fatalf("failed to set up outputs: %s", err)
	}

	session := sds011.NewSession(cfg.Serial, cfg.Sensor, clock.New(),
		log.WithField("component", "session"))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	poller := poll.New(cfg.Schedule, session, sinks, clock.New(), rng,
		log.WithField("component", "poller"))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Output.Format == config.FormatPrometheus {
		addr := fmt.Sprintf("%s:%d", cfg.Output.PrometheusHost, cfg.Output.PrometheusPort)
		srv := &http.Server{Addr: addr, Handler: metricsMux(registry)}
		logger.Infof("prometheus exporter listening on %s", addr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		return poller.Run(ctx)
	})

	err = g.Wait()
	if cerr := sinks.Close(); cerr != nil {
		logger.Errorf("closing sinks: %s", cerr)
	}
	if err != nil {
		log.Fatalf("exited with error: %s", err)
	}
}

func metricsMux(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	))
	return mux
}

// buildSinks wires the dispatcher per the output config: a prometheus
// primary suppresses the line stream and the file sink duplicates
// whichever primary rendering is active (jsonl when prometheus).
func buildSinks(cfg config.Config, registry prometheus.Registerer, logger *log.Entry) (*output.Dispatcher, error) {
	var sinks []output.Sink
	fileFormat := cfg.Output.Format
	if cfg.Output.Format == config.FormatPrometheus {
		sinks = append(sinks, output.NewProm(registry, cfg.Serial.Port))
		fileFormat = config.FormatJSONL
	} else {
		sinks = append(sinks, output.NewStream(os.Stdout, cfg.Output.Format))
	}
	if cfg.Output.FilePath != "" {
		file, err := output.NewFile(cfg.Output.FilePath, fileFormat)
		if err != nil {
			return nil, err
		}
		logger.Infof("appending measurements to file: %s", cfg.Output.FilePath)
		sinks = append(sinks, file)
	}
	if cfg.Output.MQTT != nil {
		mq, err := output.NewMQTT(*cfg.Output.MQTT)
		if err != nil {
			return nil, err
		}
		logger.Infof("publishing measurements to mqtt broker: %s", cfg.Output.MQTT.Broker)
		sinks = append(sinks, mq)
	}
	return output.NewDispatcher(log.WithField("component", "sinks"), sinks...), nil
}
