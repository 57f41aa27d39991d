// Package fetcher implements the outbound fetcher the verify and sign
// pipelines use to reach the gateway's relayed HTTP surface: a
// length-limited, timeout-bounded, semaphore-guarded request/response
// channel over a platform-dependent transport.
package fetcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/titleprotocol/core/pkg/admission"
	"github.com/titleprotocol/core/pkg/errs"
)

// Bridge is a blocking request/response channel: the core never speaks
// HTTP directly to the outside world, it hands (method, url, body) to a
// Bridge and gets back (status, body). sizeCap, chunkTimeout, and scope
// carry the §4.5 resource envelope down into the bridge implementation
// itself, so the cap is enforced while bytes are still arriving rather
// than after the whole response has already been buffered.
type Bridge interface {
	RoundTrip(ctx context.Context, method, url string, body []byte, sizeCap int64, chunkTimeout time.Duration, scope *admission.Scope) (status int, respBody []byte, err error)
}

// DirectBridge issues requests with the stdlib HTTP client. Used in
// development and in deployments where the environment has direct network
// egress.
type DirectBridge struct {
	client *http.Client
}

// NewDirectBridge builds a DirectBridge with the given per-request timeout.
func NewDirectBridge(timeout time.Duration) *DirectBridge {
	return &DirectBridge{client: &http.Client{Timeout: timeout}}
}

func (b *DirectBridge) RoundTrip(ctx context.Context, method, url string, body []byte, sizeCap int64, chunkTimeout time.Duration, scope *admission.Scope) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, byteReader(body))
	if err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "build outbound request", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "outbound bridge unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// §4.5 pre-check: reject a declared Content-Length over the cap before
	// reading a single byte of the body.
	if resp.ContentLength >= 0 {
		if err := admission.PreCheck(resp.ContentLength, sizeCap); err != nil {
			return resp.StatusCode, nil, err
		}
	}

	// With no usable Content-Length, read one byte past the cap so an
	// oversized body is detected rather than silently truncated.
	declared := resp.ContentLength
	if declared < 0 || declared > sizeCap {
		declared = sizeCap + 1
	}
	bounded := admission.NewBoundedReader(resp.Body, scope, declared, chunkTimeout)

	respBody, err := io.ReadAll(bounded)
	if err != nil {
		return resp.StatusCode, nil, asTyped(err, "read outbound response")
	}
	if int64(len(respBody)) > sizeCap {
		return resp.StatusCode, nil, errs.New(errs.PayloadTooLarge, "response body exceeded size cap")
	}
	return resp.StatusCode, respBody, nil
}

// FramedBridge speaks the §6 length-prefixed framing over a raw
// connection: the cooperative socket bridge used inside a confidential
// environment that has no direct network egress and must relay every
// outbound call through a sidecar.
//
// Egress:  [4B BE method_len][method][4B BE url_len][url][4B BE body_len][body]
// Ingress: [4B BE status_code][4B BE body_len][body]
type FramedBridge struct {
	dial func(ctx context.Context) (net.Conn, error)
}

// NewFramedBridge builds a FramedBridge that dials addr (over network)
// for every call. Used for the "platform" bridge kind.
func NewFramedBridge(network, addr string) *FramedBridge {
	var d net.Dialer
	return &FramedBridge{
		dial: func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
	}
}

// NewLoopbackFramedBridge builds a FramedBridge dialing a local Unix
// socket, used for development without a real sidecar.
func NewLoopbackFramedBridge(socketPath string) *FramedBridge {
	return NewFramedBridge("unix", socketPath)
}

func (b *FramedBridge) RoundTrip(ctx context.Context, method, url string, body []byte, sizeCap int64, chunkTimeout time.Duration, scope *admission.Scope) (int, []byte, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "dial outbound bridge", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, []byte(method)); err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "write method frame", err)
	}
	if err := writeFrame(conn, []byte(url)); err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "write url frame", err)
	}
	if err := writeFrame(conn, body); err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "write body frame", err)
	}

	var statusBuf [4]byte
	if _, err := io.ReadFull(conn, statusBuf[:]); err != nil {
		return 0, nil, errs.Wrap(errs.Proxy, "read status frame", err)
	}
	status := int(binary.BigEndian.Uint32(statusBuf[:]))

	respBody, err := readFrame(conn, sizeCap, chunkTimeout, scope)
	if err != nil {
		return status, nil, asTyped(err, "read body frame")
	}
	return status, respBody, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads a length-prefixed frame whose declared length is
// attacker-controlled: the length is checked against sizeCap via
// admission.PreCheck before any allocation, and the body is read through a
// BoundedReader so a peer that lies about the prefix (or trickles bytes
// slower than chunkTimeout allows) cannot force an unbounded allocation or
// wedge the read indefinitely.
func readFrame(r io.Reader, sizeCap int64, chunkTimeout time.Duration, scope *admission.Scope) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if err := admission.PreCheck(n, sizeCap); err != nil {
		return nil, err
	}

	bounded := admission.NewBoundedReader(r, scope, n, chunkTimeout)
	buf, err := io.ReadAll(bounded)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

func byteReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

// asTyped preserves an *errs.Error's Kind (e.g. PayloadTooLarge, SlowPeer,
// Deadline, ResourceExhausted raised by the admission guards) instead of
// flattening every read failure into Proxy.
func asTyped(err error, msg string) error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return typed
	}
	return errs.Wrap(errs.Proxy, msg, err)
}
