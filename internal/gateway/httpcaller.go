package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// httpCaller performs single JSON-RPC request/response calls against a
// matched instance's /mcp endpoint, used by the Discovery Aggregator
// and by the handshake/list-merging paths that need one backend answer
// rather than a byte-for-byte streamed proxy. Grounded on
// internal/downstream/http_instance.go's doRPC, stripped to the
// request/result extraction half (the streaming half lives in
// internal/forward).
type httpCaller struct {
	client *http.Client
	host   string
	port   int
}

func (c *httpCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	reqBody, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"` + uuid.NewString() + `"`),
		Method:  method,
		Params:  paramsRaw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", method, err)
	}

	url := fmt.Sprintf("http://%s:%d/mcp", c.host, c.port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	client := c.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: backend error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
