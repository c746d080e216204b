package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/internal/log"
	"github.com/Alia5/usbreplay/internal/server/proxy"
)

type Proxy struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3241" env:"USBREPLAY_PROXY_ADDR"`
	UpstreamAddr      string        `help:"Upstream USB-IP server address" required:"" env:"USBREPLAY_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Connection timeout" default:"30s" env:"USBREPLAY_PROXY_TIMEOUT"`
	Record            bool          `help:"Record proxied transfers and log the descriptors recovered from them on exit" default:"true" negatable:"" env:"USBREPLAY_PROXY_RECORD"`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	return p.StartProxy(context.Background(), logger, rawLogger)
}

// StartProxy relays connections until ctx is done or a termination signal
// arrives.
func (p *Proxy) StartProxy(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}

	logger.Info("Starting usbreplay USB-IP proxy", "listen", p.ListenAddr, "upstream", p.UpstreamAddr)
	proxySrv := proxy.New(p.ListenAddr, p.UpstreamAddr, p.ConnectionTimeout, logger, rawLogger)

	var corpus *capture.Corpus
	if p.Record {
		corpus = capture.NewCorpus()
		proxySrv.SetRecorder(proxy.NewRecorder(corpus, logger))
	}

	var g run.Group
	g.Add(proxySrv.ListenAndServe, func(error) {
		_ = proxySrv.Close()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := shutdownError(logger, g.Run())
	if corpus != nil && corpus.Len() > 0 {
		logRecovered(logger, analysis.Recover(corpus.Pairs()), corpus.Len())
	}
	return err
}
