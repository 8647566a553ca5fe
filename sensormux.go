// SPDX-License-Identifier: GPL-2.0-or-later

// Package sensormux multiplexes camera, encoder and motion events
// into a single stream of tagged records.
package sensormux

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"sensormux/pkg/capture"
	"sensormux/pkg/capture/synthetic"
	"sensormux/pkg/encoder/ffmpegenc"
	"sensormux/pkg/encoder/rtpenc"
	"sensormux/pkg/log"
	"sensormux/pkg/pipeline"
	"sensormux/pkg/sink"
	"sensormux/pkg/storage"
	"sensormux/pkg/web"
	"sensormux/pkg/web/auth"
)

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	hashFlag := flag.String("hash-password", "", "print the bcrypt hash of a password and exit")
	flag.Parse()

	if *hashFlag != "" {
		hash, err := auth.HashPassword(*hashFlag)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	app, err := newApp(ctx, envPath, wg, hooks)
	if err != nil {
		return err
	}

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Info().Src("app").Msgf("fatal error: %v", err)
	case sig := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", sig)
	}

	app.stop()
	app.Logger.Info().Src("app").Msg("Multiplexer detached.")

	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil {
		return err
	}
	return app.server.Shutdown(ctx2)
}

func newApp( //nolint:funlen
	ctx context.Context,
	envPath string,
	wg *sync.WaitGroup,
	hooks *hookList,
) (*App, error) {
	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}
	hooks.env(env)

	// Logs.
	logger := log.NewLogger(wg, hooks.logSource)
	logger.Start(ctx)
	hooks.log(logger)

	logDB := log.NewDB(env.LogDBPath(), wg)

	// Authentication.
	a, err := auth.NewAuthenticator(env.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create authenticator: %w", err)
	}
	hooks.auth(a)

	// Storage.
	storageManager := storage.NewManager(env.CapturesDir(), env.MaxDiskUsage, logger)
	hooks.storage(storageManager)

	// Sources.
	camera, err := synthetic.NewCamera(env.Camera.Width, env.Camera.Height, env.Camera.FPS)
	if err != nil {
		return nil, fmt.Errorf("could not create camera: %w", err)
	}

	var motion *synthetic.Motion
	if env.Motion.UpdateInterval != 0 {
		motion, err = synthetic.NewMotion(env.Motion.UpdateInterval)
		if err != nil {
			return nil, fmt.Errorf("could not create motion source: %w", err)
		}
	}

	if err := env.PrepareEnvironment(); err != nil {
		return nil, fmt.Errorf("could not prepare environment: %w", err)
	}

	// Outputs.
	outputs, err := newOutputs(ctx, *env, storageManager, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		WG:       wg,
		Logger:   logger,
		logDB:    logDB,
		Env:      *env,
		Auth:     a,
		Storage:  storageManager,
		Camera:   camera,
		Motion:   motion,
		Encoders: newEncoderFactory(env, logger),
		outputs:  outputs,
		hooks:    hooks,
	}

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/api/status", a.User(web.Status(app.stats)))

	mux.Handle("/api/log/feed", a.User(web.LogFeed(logger, a)))
	mux.Handle("/api/log/query", a.User(web.LogQuery(logDB)))
	mux.Handle("/api/log/sources", a.User(web.LogSources(logger)))

	if outputs.websocket != nil {
		mux.Handle("/stream", a.User(outputs.websocket))
	}
	hooks.mux(mux)

	app.Mux = mux
	app.server = &http.Server{
		Addr:              ":" + strconv.Itoa(env.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app, nil
}

func newEncoderFactory(env *storage.ConfigEnv, logger *log.Logger) capture.EncoderFactory {
	switch env.Encoder.Kind {
	case storage.EncoderRTP:
		return rtpenc.NewFactory(rtpenc.Config{
			Address: env.Encoder.Address,
			SDPPath: env.Encoder.SDPPath,
			Logger:  logger,
		})
	case storage.EncoderFFmpeg:
		return ffmpegenc.NewFactory(ffmpegenc.Config{
			Bin:           env.FFmpegBin,
			OutputOptions: env.Encoder.OutputOptions,
			Logger:        logger,
		})
	}
	return nil
}

type outputs struct {
	sinks     []sink.Sink
	files     []*sink.File
	websocket *sink.WebSocket
}

func newOutputs(
	ctx context.Context,
	env storage.ConfigEnv,
	storageManager *storage.Manager,
	logger *log.Logger,
) (*outputs, error) {
	o := &outputs{}
	for _, c := range env.Outputs {
		switch c.Kind {
		case storage.OutputFile:
			path := c.Path
			if path == "" {
				path = storageManager.NewCapturePath(time.Now())
			}
			f, err := sink.NewFile(path, logger)
			if err != nil {
				o.closeFiles()
				return nil, fmt.Errorf("could not create file output: %w", err)
			}
			o.files = append(o.files, f)
			o.sinks = append(o.sinks, f)

		case storage.OutputTCP:
			s, err := sink.NewTCP(ctx, c.Address, logger)
			if err != nil {
				o.closeFiles()
				return nil, fmt.Errorf("could not create tcp output: %w", err)
			}
			o.sinks = append(o.sinks, s)

		case storage.OutputWebSocket:
			if o.websocket == nil {
				o.websocket = sink.NewWebSocket(ctx, logger)
				o.sinks = append(o.sinks, o.websocket)
			}
		}
	}
	return o, nil
}

func (o *outputs) sink() sink.Sink {
	if len(o.sinks) == 1 {
		return o.sinks[0]
	}
	return sink.Tee(o.sinks)
}

func (o *outputs) closeFiles() {
	for _, f := range o.files {
		f.Close()
	}
}

// App is the main application struct.
type App struct {
	WG       *sync.WaitGroup
	Logger   *log.Logger
	logDB    *log.DB
	Env      storage.ConfigEnv
	Auth     auth.Authenticator
	Storage  *storage.Manager
	Camera   *synthetic.Camera
	Motion   *synthetic.Motion
	Encoders capture.EncoderFactory
	Mux      *http.ServeMux

	outputs  *outputs
	hooks    *hookList
	pipeline *pipeline.Multiplexer
	server   *http.Server
	stopped  bool
	mu       sync.Mutex
}

// ErrStopped the app was stopped before the multiplexer was attached.
var ErrStopped = errors.New("stopped")

func (app *App) multiplexer() *pipeline.Multiplexer {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.pipeline
}

func (app *App) stats() pipeline.Stats {
	m := app.multiplexer()
	if m == nil {
		return pipeline.Stats{State: pipeline.StateUnattached}
	}
	return m.Stats()
}

// attach subscribes the multiplexer to the sources.
func (app *App) attach() error {
	c := pipeline.Config{
		Camera:       app.Camera,
		Encoders:     app.Encoders,
		Sink:         app.outputs.sink(),
		SaveRawImage: app.Env.SaveRawImage,
		Logger:       app.Logger,
	}
	// A nil *synthetic.Motion must not become a non-nil interface.
	if app.Motion != nil {
		c.Motion = app.Motion
	}

	app.mu.Lock()
	if app.stopped {
		app.mu.Unlock()
		return ErrStopped
	}
	m, err := pipeline.Attach(c)
	if err != nil {
		app.mu.Unlock()
		return fmt.Errorf("could not attach multiplexer: %w", err)
	}
	app.pipeline = m
	app.mu.Unlock()

	app.hooks.pipeline(m)
	return nil
}

// stop detaches the multiplexer and flushes the file outputs.
func (app *App) stop() {
	app.mu.Lock()
	app.stopped = true
	m := app.pipeline
	app.mu.Unlock()

	if m != nil {
		if err := m.Detach(); err != nil {
			app.Logger.Error().Src("app").Msgf("could not detach multiplexer: %v", err)
		}
	}
	for _, f := range app.outputs.files {
		if err := f.Close(); err != nil {
			app.Logger.Error().Src("sink").Msgf("could not close %v: %v", f.Path(), err)
		}
	}
}

func (app *App) run(ctx context.Context) error {
	go app.Logger.LogToStdout(ctx)

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.Logger.Info().Src("app").Msg("Starting..")

	if err := app.attach(); err != nil {
		return err
	}

	if err := app.hooks.appRun(ctx); err != nil {
		return err
	}

	go app.Camera.Run(ctx)
	if app.Motion != nil {
		go app.Motion.Run(ctx)
	}

	go func() {
		if err := app.Storage.PurgeLoop(ctx, app.Env.PurgeSchedule); err != nil {
			app.Logger.Error().Src("storage").Msgf("%v", err)
		}
	}()

	app.Logger.Info().Src("app").Msgf("Serving app on port %v", app.Env.Port)
	err := app.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
