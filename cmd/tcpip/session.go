package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/config"
	"github.com/wippyai/wasm-tcpip/engine"
	"github.com/wippyai/wasm-tcpip/enginetest"
	"github.com/wippyai/wasm-tcpip/stack"
)

type sessionOptions struct {
	wasm        string
	config      string
	logLevel    string
	memoryPages uint32
	echoPort    uint16
}

// session is a running stack with its config applied.
type session struct {
	log    *zap.Logger
	stack  *stack.Stack
	rt     *config.Runtime
	engine *engine.WazeroEngine
}

// openSession loads the config and engine and starts the stack. When logOut
// is set, logs go there as console lines instead of the configured output.
func openSession(ctx context.Context, opts sessionOptions, logOut io.Writer) (*session, error) {
	c := &config.Config{}
	if opts.config != "" {
		var err error
		if c, err = config.Load(opts.config); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		c.Log.Level = opts.logLevel
	}

	var zopts []zap.Option
	if logOut != nil {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		zopts = append(zopts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewCore(enc, zapcore.AddSync(logOut), core)
		}))
	}
	log, err := c.Logger(zopts...)
	if err != nil {
		return nil, err
	}
	engine.SetLogger(log.Named("engine"))
	bindings.SetLogger(log.Named("bindings"))

	s := &session{log: log}
	loader, err := s.loadEngine(ctx, c, opts, logOut == nil)
	if err != nil {
		return nil, err
	}

	s.stack, err = stack.New(ctx, c.StackConfig(loader, log))
	if err != nil {
		return nil, multierr.Append(err, s.closeEngine())
	}
	s.rt, err = c.Apply(ctx, s.stack)
	if err != nil {
		return nil, multierr.Append(err, s.Close(context.Background()))
	}
	return s, nil
}

func (s *session) loadEngine(ctx context.Context, c *config.Config, opts sessionOptions, stdio bool) (engine.Loader, error) {
	path := opts.wasm
	if path == "" {
		path = c.Engine
	}
	if path == "" {
		s.log.Warn("no engine module given, using the simulated engine")
		return enginetest.New(enginetest.Config{}), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine module: %w", err)
	}
	ecfg := &engine.Config{MemoryLimitPages: opts.memoryPages}
	if stdio {
		ecfg.Stdout = os.Stderr
		ecfg.Stderr = os.Stderr
	}
	s.engine, err = engine.NewWazeroEngine(ctx, data, ecfg)
	if err != nil {
		return nil, err
	}
	s.log.Info("engine loaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return s.engine, nil
}

func (s *session) closeEngine() error {
	if s.engine == nil {
		return nil
	}
	return s.engine.Close(context.Background())
}

// Close stops the config runtime, then the stack and the engine.
func (s *session) Close(ctx context.Context) error {
	var err error
	if s.rt != nil {
		err = multierr.Append(err, s.rt.Close(ctx))
	}
	if s.stack != nil {
		err = multierr.Append(err, s.stack.Close(ctx))
	}
	err = multierr.Append(err, s.closeEngine())
	_ = s.log.Sync()
	return err
}
