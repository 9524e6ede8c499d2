package pledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/poolbuy/pledge-engine/internal/model"
	"github.com/poolbuy/pledge-engine/internal/pricing"
)

// IdempotencyKey derives the deduplication key for a pledge request from
// (pool, buyer, units, surcharges, client request id). Units are compared by
// value ("10" and "10.0" give the same key) and surcharge order is ignored.
func IdempotencyKey(req model.PledgeRequest) string {
	h := sha256.New()
	for _, part := range []string{
		req.PoolID,
		req.BuyerRef,
		req.Units.String(),
		strings.Join(pricing.NormalizeSurcharges(req.SelectedSurcharges), ","),
		req.ClientRequestID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
