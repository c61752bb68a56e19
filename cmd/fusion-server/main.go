// Command fusion-server runs the state-estimation node: it hosts the
// error-state filter, replays a recorded sensor log into it when one is
// configured, and serves fused poses over websocket.
package main

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/skyhook-robotics/eskf/config"
	"github.com/skyhook-robotics/eskf/eskf"
	"github.com/skyhook-robotics/eskf/node"
	"github.com/skyhook-robotics/eskf/replay"
	"github.com/skyhook-robotics/eskf/web"
)

var logger = golog.NewDevelopmentLogger("fusion-server")

// Arguments for the command line.
type Arguments struct {
	ConfigFile string `flag:"config,usage=path to JSON config file"`
	ReplayPath string `flag:"replay,usage=sensor log to replay (overrides config)"`
	Realtime   bool   `flag:"realtime,usage=pace replay by recorded timestamps"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg := config.Default()
	if argsParsed.ConfigFile != "" {
		loaded, err := config.FromFile(argsParsed.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if argsParsed.ReplayPath != "" {
		cfg.ReplayPath = argsParsed.ReplayPath
		cfg.ReplayRealtime = argsParsed.Realtime
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	filter := eskf.New(eskf.DefaultConfig(), logger)
	n := node.New(filter, cfg, clock.New(), logger)
	n.Start(ctx)
	defer func() {
		err = multierr.Combine(err, n.Close())
	}()

	server := web.NewServer(cfg.ListenAddress, n, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, server.Close())
	}()

	logger.Infow("fusion server running",
		"channels", n.WantedChannels(),
		"listen", server.Addr(),
	)

	if cfg.ReplayPath != "" {
		source := replay.NewSource(cfg.ReplayPath, cfg.ReplayRealtime, logger)
		if err := source.Run(ctx, n); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("replay finished")
	}

	<-ctx.Done()
	return nil
}
