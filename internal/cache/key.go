package cache

import (
	"strings"

	"logbid/internal/core"
)

// keySep joins tuple elements into the internal map key. A non-printable
// separator keeps element boundaries intact so prefix "shipments" can
// never match keys starting with "shipment".
const keySep = "\x1f"

func joinKey(key core.Key) string {
	return strings.Join(key, keySep)
}

// hasPrefix reports whether the joined key falls under the joined prefix,
// element-wise.
func hasPrefix(joined, prefix string) bool {
	if joined == prefix {
		return true
	}
	return strings.HasPrefix(joined, prefix+keySep)
}

// Canonical cache key prefixes used across the application
var (
	KeyShipments             = core.Key{"shipments"}
	KeyShipment              = core.Key{"shipment"}
	KeyOffer                 = core.Key{"offer"}
	KeyBidListByMarket       = core.Key{"bidListByMarket"}
	KeyAgentOfferedShipments = core.Key{"agentOfferedShipments"}
	KeyNotifications         = core.Key{"notifications"}
	KeyCostMetrics           = core.Key{"costMetrics"}
	KeySuccessRateMetrics    = core.Key{"success-rate-metrics"}
	KeyResponseTimeMetrics   = core.Key{"response-time-metrics"}
	KeyShipmentStatusMetrics = core.Key{"shipment-status-metrics"}
	KeyOfferStatistics       = core.Key{"offer-statistics"}
	KeyTopRoutesMetrics      = core.Key{"top-routes-metrics"}
)
