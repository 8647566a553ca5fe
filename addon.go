// SPDX-License-Identifier: GPL-2.0-or-later

package sensormux

import (
	"context"
	"net/http"

	"sensormux/pkg/log"
	"sensormux/pkg/pipeline"
	"sensormux/pkg/storage"
	"sensormux/pkg/web/auth"
)

type (
	envHook      func(*storage.ConfigEnv)
	logHook      func(*log.Logger)
	authHook     func(auth.Authenticator)
	storageHook  func(*storage.Manager)
	pipelineHook func(*pipeline.Multiplexer)
	muxHook      func(*http.ServeMux)
	appRunHook   func(context.Context) error
)

type hookList struct {
	onEnv      []envHook
	onLog      []logHook
	onAuth     []authHook
	onStorage  []storageHook
	onPipeline []pipelineHook
	onMux      []muxHook
	onAppRun   []appRunHook
	logSource  []string
}

var hooks = &hookList{}

// RegisterEnvHook registers hook that's called when environment config is loaded.
func RegisterEnvHook(h envHook) {
	hooks.onEnv = append(hooks.onEnv, h)
}

// RegisterLogHook is used to grab the logger.
func RegisterLogHook(h logHook) {
	hooks.onLog = append(hooks.onLog, h)
}

// RegisterAuthHook is used to grab the authenticator.
func RegisterAuthHook(h authHook) {
	hooks.onAuth = append(hooks.onAuth, h)
}

// RegisterStorageHook is used to grab the storage manager.
func RegisterStorageHook(h storageHook) {
	hooks.onStorage = append(hooks.onStorage, h)
}

// RegisterPipelineHook is called after the multiplexer is attached.
func RegisterPipelineHook(h pipelineHook) {
	hooks.onPipeline = append(hooks.onPipeline, h)
}

// RegisterMuxHook registers hook used to modifiy routes.
func RegisterMuxHook(h muxHook) {
	hooks.onMux = append(hooks.onMux, h)
}

// RegisterAppRunHook registers hook that's called when app runs.
func RegisterAppRunHook(h appRunHook) {
	hooks.onAppRun = append(hooks.onAppRun, h)
}

// RegisterLogSource adds log source.
func RegisterLogSource(s []string) {
	hooks.logSource = append(hooks.logSource, s...)
}

func (h *hookList) env(env *storage.ConfigEnv) {
	for _, hook := range h.onEnv {
		hook(env)
	}
}

func (h *hookList) log(l *log.Logger) {
	for _, hook := range h.onLog {
		hook(l)
	}
}

func (h *hookList) auth(a auth.Authenticator) {
	for _, hook := range h.onAuth {
		hook(a)
	}
}

func (h *hookList) storage(s *storage.Manager) {
	for _, hook := range h.onStorage {
		hook(s)
	}
}

func (h *hookList) pipeline(m *pipeline.Multiplexer) {
	for _, hook := range h.onPipeline {
		hook(m)
	}
}

func (h *hookList) mux(mux *http.ServeMux) {
	for _, hook := range h.onMux {
		hook(mux)
	}
}

func (h *hookList) appRun(ctx context.Context) error {
	for _, hook := range h.onAppRun {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}
