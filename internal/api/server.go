package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MultiLLM-Agent/internal/agent"
	xerrors "MultiLLM-Agent/internal/errors"
	"MultiLLM-Agent/internal/storage/mysql"
	"MultiLLM-Agent/internal/task"
	"MultiLLM-Agent/pkg/logger"
)

// Pipeline 定义了同步处理接口所需的智能体能力。
type Pipeline interface {
	Process(ctx context.Context, input string) (*agent.Response, error)
	AddContext(context map[string]string) error
	ListHistory(ctx context.Context, limit int) ([]mysql.RunRecord, error)
}

// Server 负责暴露 REST 接口，供外部提交任务、驱动流水线。
type Server struct {
	addr     string
	tasks    *task.Service
	pipeline Pipeline
	logger   *slog.Logger
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithPipeline 挂载同步处理与上下文管理所需的智能体。
func WithPipeline(pipeline Pipeline) ServerOption {
	return func(s *Server) {
		s.pipeline = pipeline
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...ServerOption) *Server {
	s := &Server{addr: addr, tasks: tasks, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskDetail)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/process", s.handleProcess)
	mux.HandleFunc("/api/v1/context", s.handleContext)
	mux.HandleFunc("/api/v1/history", s.handleHistory)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitTask 创建异步任务并立即返回排队状态。
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := []task.ListOption{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 4)
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(item)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}

	results, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleTaskDetail 按 ID 查询单个任务。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "任务 ID 不能为空", http.StatusBadRequest)
		return
	}

	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if stdErrors.Is(err, task.ErrTaskNotFound) {
			http.Error(w, "任务不存在", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type processRequest struct {
	Input string `json:"input"`
}

// handleProcess 同步驱动流水线，适合低延迟的单次调用。
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "智能体未初始化", http.StatusServiceUnavailable)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	response, err := s.pipeline.Process(r.Context(), req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleContext 更新全部模块的共享上下文。
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "智能体未初始化", http.StatusServiceUnavailable)
		return
	}

	var payload map[string]string
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	if err := s.pipeline.AddContext(payload); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "智能体未初始化", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.pipeline.ListHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// writeError 将统一错误码映射为 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument, xerrors.CodeInvalidRequest, task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeAuthentication:
		status = http.StatusUnauthorized
	case xerrors.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case xerrors.CodeServiceUnavailable:
		status = http.StatusBadGateway
	case task.CodeTaskNotFound:
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
