package trade

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"
)

func dialTest(t *testing.T, url string) *ethclient.Client {
	t.Helper()
	client, err := ethclient.DialContext(context.Background(), url)
	if err != nil {
		t.Fatalf("dial mock rpc: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
