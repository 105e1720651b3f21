package ocrgate

import (
	"fmt"
	"net/http"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ocrgate/pkg/logger"
	"ocrgate/pkg/telemetry"
)

type HandlerFunc func(ctx *Context) error

// Router 把 HTTP 路由分发给各个 controller 注册的处理函数
type Router struct {
	mux          *http.ServeMux
	handlers     map[string]HandlerFunc
	orchestrator *Orchestrator
	logger       *logger.Logger
	tracer       trace.Tracer
}

func NewRouter(o *Orchestrator, log *logger.Logger) *Router {
	return &Router{
		mux:          http.NewServeMux(),
		handlers:     make(map[string]HandlerFunc),
		orchestrator: o,
		logger:       log,
		tracer:       otel.Tracer(telemetry.TracerName),
	}
}

// RegisterHandler pattern 使用 ServeMux 的写法, 比如 "GET /v1/tasks/{task_id}"
func (r *Router) RegisterHandler(pattern string, handler HandlerFunc) {
	if _, exists := r.handlers[pattern]; exists {
		panic(fmt.Sprintf("handler already registered for pattern: %s", pattern))
	}
	r.handlers[pattern] = handler
	r.mux.Handle(pattern, r.wrap(pattern, handler))
}

func (r *Router) PrintRegisteredHandlers() {
	patterns := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		// 使用反射获取处理函数的名称
		name := runtime.FuncForPC(reflect.ValueOf(r.handlers[p]).Pointer()).Name()
		r.logger.Infow("route registered", "pattern", p, "handler", name)
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) wrap(pattern string, handler HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		traceID := req.Header.Get("X-Request-ID")
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", traceID)

		spanCtx, span := r.tracer.Start(req.Context(), pattern, trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URL.Path),
			attribute.String("request.id", traceID),
		))
		defer span.End()

		ctx := &Context{
			Writer:       w,
			Request:      req.WithContext(spanCtx),
			Ctx:          spanCtx,
			TraceID:      traceID,
			Pattern:      pattern,
			Logger:       r.logger.With("traceId", traceID, "route", pattern),
			orchestrator: r.orchestrator,
		}

		start := time.Now()
		// 防止 panic 导致整个服务退出
		defer func() {
			if rec := recover(); rec != nil {
				ctx.Logger.Errorw("panic in handler", "panic", rec, "stack", string(debug.Stack()))
				if !ctx.Written() {
					ctx.JSON(http.StatusInternalServerError, CodeInternal, "internal error", nil)
				}
			}
		}()

		err := handler(ctx)
		if err != nil {
			span.RecordError(err)
			if !ctx.Written() {
				ctx.JSONError(err)
			}
			status := HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				ctx.Logger.Warnw("request failed", "status", status, "error", err, "elapsed", time.Since(start))
			} else {
				ctx.Logger.Infow("request rejected", "status", status, "error", err, "elapsed", time.Since(start))
			}
			return
		}
		ctx.Logger.Debugw("request done", "elapsed", time.Since(start))
	})
}
