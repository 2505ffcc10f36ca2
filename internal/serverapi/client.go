package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("serverapi: kernel not found")
	ErrRequestFailed = errors.New("serverapi: request failed")
)

// DialFunc opens one connection to the remote server, typically through the
// endpoint's transport tunnel.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client talks to the remote kernel server's HTTP API. The server listens on
// the remote loopback interface; every request rides the tunnel dialer.
type Client struct {
	http    *http.Client
	base    string
	timeout time.Duration
}

func NewClient(dial DialFunc, port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := &http.Transport{
		DialContext:         dial,
		MaxIdleConns:        4,
		IdleConnTimeout:     60 * time.Second,
		DisableCompression:  true,
		MaxIdleConnsPerHost: 4,
	}
	return &Client{
		http:    &http.Client{Transport: transport},
		base:    "http://127.0.0.1:" + strconv.Itoa(port),
		timeout: timeout,
	}
}

func (c *Client) Status(ctx context.Context) (ServerStatus, error) {
	var out ServerStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return ServerStatus{}, err
	}
	return out, nil
}

func (c *Client) ListKernels(ctx context.Context) ([]Kernel, error) {
	var out kernelList
	if err := c.do(ctx, http.MethodGet, "/api/kernels", nil, &out); err != nil {
		return nil, err
	}
	if out.Kernels == nil {
		return []Kernel{}, nil
	}
	return out.Kernels, nil
}

func (c *Client) StartKernel(ctx context.Context) (Kernel, error) {
	var out Kernel
	if err := c.do(ctx, http.MethodPost, "/api/kernels", struct{}{}, &out); err != nil {
		return Kernel{}, err
	}
	return out, nil
}

func (c *Client) KernelInfo(ctx context.Context, kernelID string) (Kernel, error) {
	var out Kernel
	if err := c.do(ctx, http.MethodGet, "/api/kernels/"+kernelID, nil, &out); err != nil {
		return Kernel{}, err
	}
	return out, nil
}

func (c *Client) RestartKernel(ctx context.Context, kernelID string) (Kernel, error) {
	var out Kernel
	if err := c.do(ctx, http.MethodPost, "/api/kernels/"+kernelID+"/restart", nil, &out); err != nil {
		return Kernel{}, err
	}
	return out, nil
}

func (c *Client) InterruptKernel(ctx context.Context, kernelID string) error {
	return c.do(ctx, http.MethodPost, "/api/kernels/"+kernelID+"/interrupt", nil, nil)
}

func (c *Client) TerminateKernel(ctx context.Context, kernelID string) (Kernel, error) {
	var out Kernel
	if err := c.do(ctx, http.MethodDelete, "/api/kernels/"+kernelID, nil, &out); err != nil {
		return Kernel{}, err
	}
	return out, nil
}

// Logs returns server log records after the given cursor plus the new cursor.
func (c *Client) Logs(ctx context.Context, cursor uint64) ([]LogRecord, uint64, error) {
	var out logPage
	path := "/api/logs?cursor=" + strconv.FormatUint(cursor, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, cursor, err
	}
	return out.Records, out.Cursor, nil
}

// Close releases idle tunnel connections held by the HTTP transport.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Message == "" {
			envelope.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: status=%d message=%q", ErrRequestFailed, resp.StatusCode, envelope.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
