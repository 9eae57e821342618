package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sublingo/sublingo-api/config"
	"github.com/sublingo/sublingo-api/log"
	"github.com/sublingo/sublingo-api/pipeline"
	"github.com/sublingo/sublingo-api/token"
)

func ListenAndServe(ctx context.Context, addr, apiToken, workDir string, runtime *pipeline.Coordinator, guard *token.Guard) error {
	router := NewSublingoAPIRouter(runtime, guard, apiToken, workDir)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoTaskID(
		"Starting Sublingo API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// ListenAndServeInternal serves the metrics endpoint on a separate address so
// it never has to be exposed alongside the public API.
func ListenAndServeInternal(ctx context.Context, addr string) error {
	router := NewSublingoAPIRouterInternal()
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoTaskID(
		"Starting Sublingo internal API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewSublingoAPIRouter(runtime *pipeline.Coordinator, guard *token.Guard, apiToken, workDir string) *httprouter.Router {
	router := httprouter.New()
	withLogging := logRequest()
	withAuth := isAuthorized

	handlers := &SublingoAPIHandlersCollection{Runtime: runtime, Guard: guard, WorkDir: workDir}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(handlers.Ok()))

	// Task creation
	router.POST("/api/task/upload", withLogging(withAuth(apiToken, handlers.UploadMedia())))
	router.POST("/api/task/fetch", withLogging(withAuth(apiToken, handlers.FetchMedia())))
	router.POST("/api/task/fetch-only", withLogging(withAuth(apiToken, handlers.FetchOnly())))
	router.POST("/api/task/media-op", withLogging(withAuth(apiToken, handlers.MediaOperation())))

	// Task observation and control
	router.GET("/api/task/status/:id", withLogging(withAuth(apiToken, handlers.TaskStatus())))
	router.POST("/api/task/cancel/:id", withLogging(withAuth(apiToken, handlers.CancelTask())))
	router.POST("/api/task/summary/:id", withLogging(withAuth(apiToken, handlers.SummarizeTask())))

	// Download links authorize themselves via the signed token in the query
	router.GET("/api/download", withLogging(handlers.Download()))

	return router
}

func NewSublingoAPIRouterInternal() *httprouter.Router {
	router := httprouter.New()
	router.Handler("GET", "/metrics", promhttp.Handler())
	return router
}
