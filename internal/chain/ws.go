package chain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// WSClient subscribes to the indexer's JSON-RPC websocket. The worker only
// uses it as a wake-up signal; polling stays authoritative.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) SubscribeBlocks(ctx context.Context) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "subscribe",
		"params": map[string]any{
			"event": "block",
		},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

type BlockEvent struct {
	Height int64
	Hash   string
}

// ParseBlockNotification returns ok=false for subscription acks and other
// non-block messages.
func ParseBlockNotification(msg []byte) (*BlockEvent, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Height int64  `json:"height"`
			Hash   string `json:"hash"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if env.Method != "block" {
		return nil, false, nil
	}
	return &BlockEvent{Height: env.Params.Height, Hash: env.Params.Hash}, true, nil
}
