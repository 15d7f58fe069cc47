package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"steadyscope/internal/motion"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
)

const maxMsgSize = 100 * 1024 * 1024

// Submitter accepts jobs for asynchronous processing.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Server implements CorrectionServer on top of a pipeline and a store.
type Server struct {
	pipe  Submitter
	store *storage.Store
	log   *slog.Logger

	agents      map[string]*ConnectedAgent
	agentsMutex sync.RWMutex

	serverID  string
	startTime time.Time

	stats      ServerStats
	statsMutex sync.Mutex
}

// ConnectedAgent is a watch agent that registered with this server.
type ConnectedAgent struct {
	AgentID      string
	Hostname     string
	Platform     string
	Directories  []string
	Pending      int
	Submitted    int
	RegisteredAt time.Time
	LastSeen     time.Time
}

// ServerStats counts service activity since start.
type ServerStats struct {
	TotalConnections int64
	JobsSubmitted    int64
	Rejected         int64
}

// NewServer creates a correction service.
func NewServer(pipe Submitter, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		pipe:      pipe,
		store:     store,
		log:       log,
		agents:    make(map[string]*ConnectedAgent),
		serverID:  fmt.Sprintf("steadyscope-server-%d", time.Now().Unix()),
		startTime: time.Now(),
	}
}

// ID returns the identifier handed to registering agents.
func (s *Server) ID() string { return s.serverID }

// Register attaches the correction and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterCorrectionServer(gs, s)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
}

// Start listens on addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		s.log.Info("Stopping gRPC server...")
		gs.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String(), "server_id", s.serverID)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// RegisterAgent records a watch agent.
func (s *Server) RegisterAgent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := req.AsMap()
	id := str(in, "agent_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id required")
	}

	now := time.Now()
	s.agentsMutex.Lock()
	s.agents[id] = &ConnectedAgent{
		AgentID:      id,
		Hostname:     str(in, "hostname"),
		Platform:     str(in, "platform"),
		Directories:  strs(in, "directories"),
		RegisteredAt: now,
		LastSeen:     now,
	}
	s.agentsMutex.Unlock()

	s.statsMutex.Lock()
	s.stats.TotalConnections++
	s.statsMutex.Unlock()

	s.log.Info("Agent registered", "agent_id", id, "hostname", str(in, "hostname"))

	jobTypes := make([]any, len(pipeline.JobTypes))
	for i, t := range pipeline.JobTypes {
		jobTypes[i] = string(t)
	}
	return newStruct(map[string]any{
		"success":   true,
		"message":   fmt.Sprintf("Agent %s registered successfully", id),
		"server_id": s.serverID,
		"job_types": jobTypes,
	})
}

// Heartbeat refreshes an agent's liveness.
func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := req.AsMap()
	id := str(in, "agent_id")

	s.agentsMutex.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.agentsMutex.Unlock()
		return nil, status.Errorf(codes.NotFound, "agent %s not registered", id)
	}
	agent.LastSeen = time.Now()
	agent.Pending = int(num(in, "pending"))
	active := 0
	for _, a := range s.agents {
		if time.Since(a.LastSeen) < 60*time.Second {
			active++
		}
	}
	s.agentsMutex.Unlock()

	return newStruct(map[string]any{
		"success":       true,
		"server_id":     s.serverID,
		"active_agents": active,
		"uptime_s":      time.Since(s.startTime).Seconds(),
	})
}

// Submit validates and enqueues a job.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := req.AsMap()
	opts, _ := in["options"].(map[string]any)
	job, err := pipeline.NewJob(pipeline.JobType(str(in, "type")), str(in, "input"), str(in, "output"), opts)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.pipe.Submit(job); err != nil {
		s.statsMutex.Lock()
		s.stats.Rejected++
		s.statsMutex.Unlock()
		return nil, toStatus(err)
	}

	s.statsMutex.Lock()
	s.stats.JobsSubmitted++
	s.statsMutex.Unlock()

	if id := str(in, "agent_id"); id != "" {
		s.agentsMutex.Lock()
		if a, ok := s.agents[id]; ok {
			a.Submitted++
			a.LastSeen = time.Now()
		}
		s.agentsMutex.Unlock()
	}

	s.log.Info("Job submitted over gRPC", "job_id", job.ID, "type", job.Type, "input", job.InputPath)
	return newStruct(map[string]any{"id": job.ID})
}

// GetJob reports the status of a job and, once finished, its result metadata.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req.AsMap(), "id")
	rec, err := s.store.Job(id)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"id":         rec.ID,
		"type":       rec.JobType,
		"status":     rec.Status,
		"input":      rec.InputPath,
		"output":     rec.OutputPath,
		"error":      rec.Error,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.CompletedAt != nil {
		out["completed_at"] = rec.CompletedAt.UTC().Format(time.RFC3339)
		meta, err := s.store.JobMeta(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, toStatus(err)
		}
		if meta != nil {
			out["meta"] = meta
		}
	}
	return newStruct(out)
}

// GetRun returns a stored correction run, optionally with its shift table.
func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := req.AsMap()
	id := str(in, "id")
	run, err := s.store.Run(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := viaJSON[map[string]any](run)
	if err != nil {
		return nil, toStatus(err)
	}
	if b, _ := in["include_shifts"].(bool); b {
		shifts, err := s.store.RunShifts(ctx, id)
		if err != nil {
			return nil, toStatus(err)
		}
		list, err := viaJSON[[]any](shifts)
		if err != nil {
			return nil, toStatus(err)
		}
		out["shifts"] = list
	}
	return newStruct(out)
}

// Agents returns a snapshot of the registered agents.
func (s *Server) Agents() map[string]ConnectedAgent {
	s.agentsMutex.RLock()
	defer s.agentsMutex.RUnlock()
	agents := make(map[string]ConnectedAgent, len(s.agents))
	for id, a := range s.agents {
		agents[id] = *a
	}
	return agents
}

// Stats returns a copy of the activity counters.
func (s *Server) Stats() ServerStats {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	return s.stats
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, motion.ErrConfiguration), errors.Is(err, motion.ErrInputShape):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

// viaJSON converts v into the generic shapes structpb accepts.
func viaJSON[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func strs(m map[string]any, key string) []string {
	list, _ := m[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
