package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"scriptgate.org/internal/audit"
	"scriptgate.org/internal/authority"
	"scriptgate.org/internal/model"
)

// Client speaks the authority protocol over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

var (
	_ authority.Authority         = (*Client)(nil)
	_ authority.IdentityValidator = (*Client)(nil)
)

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(ctx context.Context, target, apiKey string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, apiKey: apiKey}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, apiKey string) *Client {
	return &Client{conn: conn, apiKey: apiKey}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Authenticate(ctx context.Context) (bool, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, methodAuthenticate, &structpb.Struct{}, resp); err != nil {
		return false, err
	}
	ok, _ := resp.AsMap()["authenticated"].(bool)
	return ok, nil
}

func (c *Client) GrantBatch(ctx context.Context, identity string, resourceIDs []string) ([]authority.Outcome, error) {
	return c.batch(ctx, methodGrantBatch, identity, resourceIDs)
}

func (c *Client) RevokeBatch(ctx context.Context, identity string, resourceIDs []string) ([]authority.Outcome, error) {
	return c.batch(ctx, methodRevokeBatch, identity, resourceIDs)
}

func (c *Client) ValidateIdentity(ctx context.Context, identity string) (string, bool, error) {
	req, err := structpb.NewStruct(map[string]any{"identity": identity})
	if err != nil {
		return "", false, err
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, methodValidateIdentity, req, resp); err != nil {
		return "", false, err
	}
	m := resp.AsMap()
	valid, found := firstBool(m, "valid", "validuser")
	if !found {
		return "", false, fmt.Errorf("identity validation response has no verdict")
	}
	return firstString(m, "verified", "verifiedUserName"), valid, nil
}

func (c *Client) batch(ctx context.Context, method, identity string, ids []string) ([]authority.Outcome, error) {
	req, err := batchRequest(identity, ids)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return decodeOutcomes(resp)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	if err := c.conn.Invoke(c.outgoing(ctx), method, req, resp); err != nil {
		return mapAuthorityError(err)
	}
	return nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	var pairs []string
	if c.apiKey != "" {
		pairs = append(pairs, apiKeyHeader, c.apiKey)
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, requestIDHeader, rid)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// mapAuthorityError marks transport and credential failures as the
// authority being unavailable; anything else passes through.
func mapAuthorityError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", model.ErrAuthorityUnavailable, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unauthenticated, codes.PermissionDenied, codes.Canceled:
		return fmt.Errorf("%w: %s", model.ErrAuthorityUnavailable, st.Message())
	}
	return err
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
