package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/perch-labs/perch/common"
	"github.com/perch-labs/perch/conf"
	"github.com/perch-labs/perch/errwrap"
	log "github.com/perch-labs/perch/logger"
	"github.com/perch-labs/perch/metrics"
	"github.com/perch-labs/perch/transport"
	"github.com/perch-labs/perch/version"
)

type arguments struct {
	Config kong.ConfigFlag `help:"Path to config file" type:"existingfile" required:""`
	Server conf.Config     `help:"Server configuration" embed:"" prefix:""`
	Log    log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()

	r := &runner{}

	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}

	stopWG := sync.WaitGroup{}
	stopWG.Add(1)

	if err := r.run(&cfg.Server); err != nil {
		logErrorAndExit(err.Error())
	}

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Warnf("signal: %s received. perch server will be closed", sig.String())
		// hard stop if Stop() hangs
		tz := common.ScheduleTimer(5*time.Second, false, func() {
			log.Warn("server stop did not complete in time. system will exit.")
			os.Exit(1)
		})
		if err := r.stop(); err != nil {
			log.Warnf("failure in stopping perch server: %v", err)
		}
		tz.Stop()
		stopWG.Done()
	}()

	stopWG.Wait()
	log.Infof("perch server was closed")
}

type runner struct {
	transportServer *transport.SocketTransportServer
	metricsServer   *metrics.Server
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	hasLogConfig := false
	for _, arg := range args {
		if arg == "--logconfig" {
			hasLogConfig = true
		}
	}
	for i, arg := range args {
		if arg == "--config" {
			confFile := args[i+1]
			bytes, err := os.ReadFile(confFile)
			if err != nil {
				return nil, err
			}
			if hasLogConfig {
				// We log the config file to stdout to help in debugging config related issues, we don't use the
				// logger as a problem in config could prevent this being initialised properly
				fmt.Println("Perch config file is:")
				fmt.Println(string(bytes))
			}
		}
	}
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errwrap.WithStack(err)
	}
	_, err = parser.Parse(args)
	if err != nil {
		return nil, errwrap.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, errwrap.WithStack(err)
	}
	cfg.Server.ApplyDefaults()
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *runner) run(cfg *conf.Config) error {
	r.transportServer = transport.NewSocketTransportServer(cfg.TransportAddress, cfg.TransportTLS, version.Current)
	if err := r.transportServer.Start(); err != nil {
		return errwrap.WithStack(err)
	}
	r.metricsServer = metrics.NewServer(*cfg)
	if err := r.metricsServer.Start(); err != nil {
		return errwrap.WithStack(err)
	}
	return nil
}

func (r *runner) stop() error {
	if r.metricsServer != nil {
		if err := r.metricsServer.Stop(); err != nil {
			return err
		}
	}
	if r.transportServer != nil {
		return r.transportServer.Stop()
	}
	return nil
}
