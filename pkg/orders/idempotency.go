package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gregtusar/brokerd/pkg/models"
)

// IdempotencyKey hashes the economically relevant request fields and the
// client nonce. Nonce-less keys carry no time component; the engine bounds
// how long they match.
func IdempotencyKey(req models.OrderRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%d|%s|%s|%s|%s",
		req.Account,
		req.Token,
		strings.ToUpper(req.Exchange),
		strings.ToUpper(req.Symbol),
		req.Side,
		req.Quantity,
		req.Price.String(),
		req.TriggerPrice.String(),
		req.Type,
		strings.ToUpper(req.Product),
	)
	if req.Nonce != "" {
		fmt.Fprintf(h, "|nonce:%s", req.Nonce)
	}
	return hex.EncodeToString(h.Sum(nil))
}
