package grpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// DialConfig describes how to reach a correction server.
type DialConfig struct {
	Address     string
	CACertPath  string
	TLSCertPath string
	TLSKeyPath  string
	Insecure    bool
}

// Dial opens a client connection with keepalive and large message limits.
func Dial(cfg DialConfig, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	)
	opts = append(opts, extra...)

	return grpc.NewClient(cfg.Address, opts...)
}

func tlsConfig(cfg DialConfig) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		config.RootCAs = pool
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// Client is a typed wrapper over the correction service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an open connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// SubmitRequest mirrors the HTTP submission body.
type SubmitRequest struct {
	Type    string
	Input   string
	Output  string
	Options map[string]any
	AgentID string
}

// JobStatus is the client view of GetJob.
type JobStatus struct {
	ID     string
	Type   string
	Status string
	Error  string
	Meta   map[string]any
}

// Done reports whether the job reached a terminal state.
func (j JobStatus) Done() bool {
	switch j.Status {
	case "completed", "failed", "cancelled", "rejected":
		return true
	}
	return false
}

// AgentInfo is sent on registration.
type AgentInfo struct {
	AgentID     string
	Hostname    string
	Platform    string
	Directories []string
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Submit enqueues a job and returns its ID.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	in := map[string]any{
		"type":  req.Type,
		"input": req.Input,
	}
	if req.Output != "" {
		in["output"] = req.Output
	}
	if len(req.Options) > 0 {
		in["options"] = req.Options
	}
	if req.AgentID != "" {
		in["agent_id"] = req.AgentID
	}
	out, err := c.call(ctx, MethodSubmit, in)
	if err != nil {
		return "", err
	}
	return str(out, "id"), nil
}

// GetJob fetches a job's status.
func (c *Client) GetJob(ctx context.Context, id string) (JobStatus, error) {
	out, err := c.call(ctx, MethodGetJob, map[string]any{"id": id})
	if err != nil {
		return JobStatus{}, err
	}
	meta, _ := out["meta"].(map[string]any)
	return JobStatus{
		ID:     str(out, "id"),
		Type:   str(out, "type"),
		Status: str(out, "status"),
		Error:  str(out, "error"),
		Meta:   meta,
	}, nil
}

// GetRun fetches a stored run as a generic map.
func (c *Client) GetRun(ctx context.Context, id string, includeShifts bool) (map[string]any, error) {
	return c.call(ctx, MethodGetRun, map[string]any{"id": id, "include_shifts": includeShifts})
}

// RegisterAgent announces an agent and returns the server ID.
func (c *Client) RegisterAgent(ctx context.Context, info AgentInfo) (string, error) {
	dirs := make([]any, len(info.Directories))
	for i, d := range info.Directories {
		dirs[i] = d
	}
	out, err := c.call(ctx, MethodRegisterAgent, map[string]any{
		"agent_id":    info.AgentID,
		"hostname":    info.Hostname,
		"platform":    info.Platform,
		"directories": dirs,
	})
	if err != nil {
		return "", err
	}
	if ok, _ := out["success"].(bool); !ok {
		return "", fmt.Errorf("registration rejected: %s", str(out, "message"))
	}
	return str(out, "server_id"), nil
}

// Heartbeat reports the agent's pending job count.
func (c *Client) Heartbeat(ctx context.Context, agentID string, pending int) error {
	_, err := c.call(ctx, MethodHeartbeat, map[string]any{"agent_id": agentID, "pending": pending})
	return err
}
