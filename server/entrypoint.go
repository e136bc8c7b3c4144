// Package server wires the proxy's components together behind a single
// RunServer entry point suitable for goutils.ContextualMain.
package server

import (
	"context"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	goutils "go.viam.com/utils"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/kroegman/neartrip/admin"
	"github.com/kroegman/neartrip/config"
	"github.com/kroegman/neartrip/nmealog"
	"github.com/kroegman/neartrip/proxy"
	"github.com/kroegman/neartrip/registry"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile    string `flag:"0,default=neartrip.json,usage=path to the proxy config file"`
	Debug         bool   `flag:"debug,usage=enable debug logging"`
	LogFile       string `flag:"log-file,usage=also write application logs to this rotated file"`
	NMEALog       string `flag:"nmea-log,default=nmea.log,usage=path to the shared NMEA sentence log (empty disables)"`
	SessionLogDir string `flag:"session-log-dir,usage=directory for per-session NMEA files (empty disables)"`
}

// RunServer starts the proxy and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func RunServer(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("neartrip")
	}
	if argsParsed.LogFile != "" {
		logger = teeToFile(logger, argsParsed.LogFile)
	}

	// Config errors at startup are fatal; reload errors later are not.
	store, err := config.NewStore(argsParsed.ConfigFile, logger.Named("config"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	if err := store.StartWatching(); err != nil {
		return err
	}

	reg := registry.New(logger.Named("registry"))
	if err := reg.StartSweeper(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, reg.Close())
	}()

	nmeaLog := nmealog.New(argsParsed.NMEALog, argsParsed.SessionLogDir)
	defer func() {
		err = multierr.Combine(err, nmeaLog.Close())
	}()

	proxyServer := proxy.NewServer(store, reg, nmeaLog, logger.Named("proxy"))
	if err := proxyServer.Start(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, proxyServer.Close())
	}()

	if store.Get().AdminPort != 0 {
		adminServer := admin.New(store, reg, logger.Named("admin"))
		if err := adminServer.Start(); err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, adminServer.Close())
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return err
}

// teeToFile duplicates log output into a size-rotated file.
func teeToFile(logger golog.Logger, path string) golog.Logger {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
	})
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, zap.InfoLevel)
	return logger.Desugar().WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})).Sugar()
}
