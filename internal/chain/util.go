package chain

import "strings"

// DefaultWSEndpoint maps an indexer base URL to its websocket endpoint.
func DefaultWSEndpoint(indexer string) string {
	indexer = strings.TrimRight(indexer, "/")
	const path = "/extended/v1/ws"
	switch {
	case strings.HasPrefix(indexer, "ws://"), strings.HasPrefix(indexer, "wss://"):
		if strings.HasSuffix(indexer, path) {
			return indexer
		}
		return indexer + path
	case strings.HasPrefix(indexer, "https://"):
		return "wss://" + strings.TrimPrefix(indexer, "https://") + path
	case strings.HasPrefix(indexer, "http://"):
		return "ws://" + strings.TrimPrefix(indexer, "http://") + path
	}
	return ""
}
