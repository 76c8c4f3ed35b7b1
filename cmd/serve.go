package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/config"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/monitoring"
	"github.com/sells-group/triage-loop/internal/scorer"
	"github.com/sells-group/triage-loop/internal/stage"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

var (
	servePort      int
	serveStage     string
	servePublicURL string
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one stage of the triage loop",
	Long: `Runs a single stage (classifier, diagnosis or remediation) as an HTTP
service. Peers are reached through the stages.* base URLs.

Examples:
  triage serve --stage classifier
  triage serve --stage remediation --port 8003`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name := model.StageName(serveStage)
		if !name.Valid() {
			return eris.Errorf("serve: unknown stage %q (want classifier, diagnosis or remediation)", serveStage)
		}
		if err := cfg.Validate(serveStage); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
		if err != nil {
			return eris.Wrap(err, "serve: open store")
		}
		defer st.Close() //nolint:errcheck

		svc, err := buildStage(cfg, name, st)
		if err != nil {
			return err
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, name),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		if rem, ok := svc.(*stage.Remediation); ok {
			go rem.RunReplayLoop(ctx)
		}

		addr := listenAddr(cfg, name, servePort)
		srv := &http.Server{
			Addr: addr,
			Handler: stage.NewHandler(svc, stage.ServerOptions{
				Version:     version,
				PublicURL:   servePublicURL,
				CORSOrigins: cfg.Server.CORSOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop accepting, then let queued records finish.
		done := make(chan struct{})
		go func() {
			defer close(done)
			<-ctx.Done()
			zap.L().Info("shutting down stage", zap.String("stage", serveStage))
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			if err := svc.Shutdown(sctx); err != nil {
				zap.L().Warn("stage shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting stage",
			zap.String("stage", serveStage),
			zap.String("addr", addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		<-done
		return nil
	},
}

// buildStage wires the named stage to its store, decision logic and peers.
func buildStage(cfg *config.Config, name model.StageName, st store.Store) (stage.Service, error) {
	client := transport.NewClient(name, transport.EndpointsFromConfig(cfg.Stages), transport.OptionsFromConfig(cfg.Transport))
	opts := stage.OptionsFromConfig(cfg)

	switch name {
	case model.StageClassifier:
		sc, err := scorer.NewClassifier(cfg.Scorer, cfg.Anthropic)
		if err != nil {
			return nil, eris.Wrap(err, "serve: build classifier")
		}
		return stage.NewClassifier(st, sc, client, opts), nil
	case model.StageDiagnosis:
		d, err := scorer.NewDiagnoser(cfg.Scorer, cfg.Anthropic)
		if err != nil {
			return nil, eris.Wrap(err, "serve: build diagnoser")
		}
		return stage.NewDiagnosis(st, d, client, opts), nil
	case model.StageRemediation:
		return stage.NewRemediation(st, scorer.RuleActuator{}, client, opts), nil
	}
	return nil, eris.Errorf("serve: unknown stage %q", name)
}

// listenAddr picks the port: the flag, else the port of the stage's own
// configured URL, else server.port.
func listenAddr(cfg *config.Config, name model.StageName, flagPort int) string {
	port := flagPort
	if port <= 0 {
		if u, err := url.Parse(cfg.Stages.URL(string(name))); err == nil {
			if p, err := strconv.Atoi(u.Port()); err == nil {
				port = p
			}
		}
	}
	if port <= 0 {
		port = cfg.Server.Port
	}
	return fmt.Sprintf(":%d", port)
}

func init() {
	serveCmd.Flags().StringVar(&serveStage, "stage", "", "stage to run: classifier, diagnosis or remediation")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from the stage URL, then server.port)")
	serveCmd.Flags().StringVar(&servePublicURL, "public-url", "", "URL advertised in the agent card (default from the request host)")
	_ = serveCmd.MarkFlagRequired("stage")
	rootCmd.AddCommand(serveCmd)
}
