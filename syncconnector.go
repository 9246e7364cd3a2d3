// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Apply sends the request and returns the response, blocking until the
// response headers are received.
//
// When [PropSyncListenerResponseMaxSize] is positive, Apply also reads the
// whole entity into memory, failing with [ErrResponseTooLarge] when it is
// larger than the limit. Otherwise, the returned entity streams from the
// network and the caller must close it to release the exchange.
//
// All errors are [*ProcessingError].
func (c *Connector) Apply(ctx context.Context, req *ClientRequest) (*ClientResponse, error) {
	x := c.newExchange(ctx, req, "sync")
	hresp, err := x.send()
	if err != nil {
		x.release(err)
		return nil, err
	}

	maxSize := x.props.Int(PropSyncListenerResponseMaxSize, 0)
	if maxSize <= 0 {
		return newClientResponseShell(req, hresp, httpBodyWrap(x, hresp.Body)), nil
	}

	body, err := x.readBounded(hresp, maxSize)
	hresp.Body.Close()
	x.release(err)
	if err != nil {
		return nil, err
	}
	return newClientResponseShell(req, hresp, io.NopCloser(bytes.NewReader(body))), nil
}

func (x *exchange) readBounded(hresp *http.Response, maxSize int) ([]byte, error) {
	if hresp.ContentLength > int64(maxSize) {
		return nil, &ProcessingError{Op: "read", Err: ErrResponseTooLarge}
	}
	reader := io.LimitReader(&kickReader{r: hresp.Body, x: x}, int64(maxSize)+1)
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, x.failure("read", err)
	}
	if len(body) > maxSize {
		return nil, &ProcessingError{Op: "read", Err: ErrResponseTooLarge}
	}
	return body, nil
}
